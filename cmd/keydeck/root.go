package main

import (
	"github.com/spf13/cobra"

	"github.com/photonicat/keydeck/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "keydeck",
	Short: "keydeck - button matrix display compositor",
	Long: `keydeck renders icons, labels and animations onto the keys of
attached button-matrix devices and keeps them refreshed.

Without a subcommand it runs the compositor.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCompositor,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration (defaults when empty)")
}

// loadConfig reads configPath, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
