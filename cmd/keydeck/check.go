package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file without running",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration valid: %d device(s), %d virtual\n", len(cfg.Devices), len(cfg.Virtual))
	if cfg.LCDPanel.Enabled {
		p := cfg.LCDPanel
		fmt.Fprintf(out, "lcdpanel %s: %dx%d keys of %dpx on %s\n", p.Serial, p.Rows, p.Cols, p.KeySize, p.SPIPort)
	}
	return nil
}
