package main

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/photonicat/keydeck/internal/config"
)

// reloadOnSignal reloads the configuration each time sig fires. A file that
// fails to load is logged and the running configuration is kept.
func reloadOnSignal(ctx context.Context, sig <-chan os.Signal, load func() (*config.Config, error), apply func(*config.Config), logger hclog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-sig:
			cfg, err := load()
			if err != nil {
				logger.Warn("configuration reload failed, keeping current", "signal", s, "error", err)
				continue
			}
			logger.Info("reloading configuration", "signal", s)
			apply(cfg)
		}
	}
}
