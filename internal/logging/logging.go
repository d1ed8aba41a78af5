// Package logging builds the process-wide hclog logger.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/photonicat/keydeck/internal/config"
)

// New returns the root logger described by cfg. Unknown levels fall back
// to info; config validation rejects them before this point.
func New(cfg config.LoggingConfig) hclog.Logger {
	return NewWithOutput(cfg, output(cfg.Output))
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(cfg config.LoggingConfig, w io.Writer) hclog.Logger {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "keydeck",
		Level:      level,
		Output:     w,
		JSONFormat: cfg.Format == "json",
	})
}

func output(name string) io.Writer {
	if name == "stdout" {
		return os.Stdout
	}
	return os.Stderr
}
