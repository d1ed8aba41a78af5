package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/photonicat/keydeck/internal/config"
	"github.com/photonicat/keydeck/internal/preview"
)

var (
	layoutSerial string
	layoutPage   int
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print a device's key layout as SVG",
	Long: `Prints the key grid of a configured device with the label of every
button on the chosen page. The grid comes from the matching virtual or
lcdpanel entry, falling back to a 3x5 deck.`,
	RunE: runLayout,
}

func init() {
	layoutCmd.Flags().StringVarP(&layoutSerial, "serial", "s", "", "device serial")
	layoutCmd.Flags().IntVarP(&layoutPage, "page", "p", 0, "page to draw")
	_ = layoutCmd.MarkFlagRequired("serial")
	rootCmd.AddCommand(layoutCmd)
}

type geometry struct {
	rows, cols, size int
}

func deviceGeometry(cfg *config.Config, serial string) geometry {
	for _, v := range cfg.Virtual {
		if v.Serial == serial {
			return geometry{v.Rows, v.Cols, v.KeySize}
		}
	}
	if p := cfg.LCDPanel; p.Serial == serial {
		return geometry{p.Rows, p.Cols, p.KeySize}
	}
	return geometry{3, 5, 72}
}

func runLayout(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d := cfg.Device(layoutSerial)
	if layoutPage < 0 || layoutPage >= d.Pages {
		return fmt.Errorf("page %d not in [0,%d)", layoutPage, d.Pages)
	}

	g := deviceGeometry(cfg, layoutSerial)
	keys := make([]preview.Key, g.rows*g.cols)
	for i := range keys {
		keys[i].Label = d.Button(layoutPage, i).Text
	}
	preview.Layout(cmd.OutOrStdout(), fmt.Sprintf("%s page %d", layoutSerial, layoutPage), g.rows, g.cols, g.size, keys)
	return nil
}
