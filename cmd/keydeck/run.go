package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/photonicat/keydeck/internal/bridge"
	"github.com/photonicat/keydeck/internal/config"
	"github.com/photonicat/keydeck/internal/deck"
	"github.com/photonicat/keydeck/internal/device"
	"github.com/photonicat/keydeck/internal/device/lcdpanel"
	"github.com/photonicat/keydeck/internal/device/virtual"
	"github.com/photonicat/keydeck/internal/display"
	"github.com/photonicat/keydeck/internal/logging"
	"github.com/photonicat/keydeck/internal/preview"
)

var withVirtual bool

var errNoDevices = errors.New("no devices configured: enable lcdpanel or pass --virtual")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the compositor until interrupted",
	RunE:  runCompositor,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, runCmd} {
		c.Flags().BoolVar(&withVirtual, "virtual", false, "attach the virtual devices declared in the configuration")
	}
	rootCmd.AddCommand(runCmd)
}

func runCompositor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	transports, err := buildTransports(cfg, withVirtual, logger)
	if err != nil {
		return err
	}
	if len(transports) == 0 {
		return errNoDevices
	}

	assets := display.NewAssets(cfg.Assets.FontsDir, cfg.Assets.DefaultFont)
	mgr := deck.NewManager(deck.Options{Config: cfg, Assets: assets, Logger: logger})
	defer mgr.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error { return reloadOnSignal(ctx, hup, loadConfig, mgr.Reload, logger) })

	mon := deck.NewMonitor(mgr, deck.Transports(transports), deck.DefaultPollInterval, logger)
	g.Go(func() error { return mon.Run(ctx) })

	if cfg.Preview.Enabled {
		srv := preview.New(mgr, logger)
		g.Go(func() error { return srv.Run(ctx, cfg.Preview.Listen) })
	}

	if cfg.MQTT.Enabled {
		client, err := bridge.Connect(cfg.MQTT, logger)
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		defer client.Close()
		b := bridge.New(client, mgr, cfg.MQTT.TopicPrefix, logger)
		g.Go(func() error { return b.Run(ctx) })
	} else {
		g.Go(func() error { return drainEvents(ctx, mgr, logger) })
	}

	logger.Info("keydeck running", "devices", len(transports), "version", Version)
	err = g.Wait()
	logger.Info("keydeck stopped")
	return err
}

// drainEvents logs events when no bridge consumes them.
func drainEvents(ctx context.Context, mgr *deck.Manager, logger hclog.Logger) error {
	logger = logger.Named("events")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mgr.Done():
			return nil
		case ev := <-mgr.KeyEvents():
			logger.Debug("key", "serial", ev.Serial, "key", ev.Key, "pressed", ev.Pressed, "suppressed", ev.Suppressed)
		case ev := <-mgr.CPUEvents():
			logger.Trace("cpu", "serial", ev.Serial, "percent", ev.Percent)
		case ev := <-mgr.DeviceEvents():
			logger.Debug("device", "serial", ev.Serial, "event", ev.Kind)
		}
	}
}

func buildTransports(cfg *config.Config, withVirtual bool, logger hclog.Logger) ([]device.Transport, error) {
	var out []device.Transport
	if p := cfg.LCDPanel; p.Enabled {
		out = append(out, lcdpanel.New(lcdpanel.Config{
			Serial:      p.Serial,
			SPIPort:     p.SPIPort,
			SPIMHz:      p.SPIMHz,
			DCPin:       p.DCPin,
			ResetPin:    p.ResetPin,
			Backlight:   p.Backlight,
			Width:       p.Width,
			Height:      p.Height,
			XOffset:     p.XOffset,
			YOffset:     p.YOffset,
			Rows:        p.Rows,
			Cols:        p.Cols,
			KeySize:     p.KeySize,
			InputDevice: p.InputDevice,
			KeyCodes:    p.KeyCodes,
		}, logger))
	}
	if !withVirtual {
		return out, nil
	}

	decks := cfg.Virtual
	if len(decks) == 0 {
		decks = []config.VirtualConfig{{Serial: "VIRT1", Rows: 3, Cols: 5, KeySize: 72, Format: "jpeg"}}
	}
	for _, v := range decks {
		enc, err := device.ParseEncoding(v.Format)
		if err != nil {
			return nil, fmt.Errorf("virtual %s: %w", v.Serial, err)
		}
		out = append(out, virtual.New(virtual.Config{
			Serial: v.Serial,
			Rows:   v.Rows,
			Cols:   v.Cols,
			Format: device.ImageFormat{
				Size:     v.KeySize,
				Encoding: enc,
				FlipX:    v.FlipX,
				FlipY:    v.FlipY,
				Rotate90: v.Rotate90,
			},
		}))
	}
	return out, nil
}
