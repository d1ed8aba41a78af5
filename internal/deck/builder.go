package deck

import (
	"github.com/photonicat/keydeck/internal/config"
	"github.com/photonicat/keydeck/internal/display"
)

// Filters turns a button configuration into a fresh filter chain. Filters
// are stateful, so every call returns new instances.
func Filters(assets *display.Assets, b config.ButtonConfig) []display.Filter {
	var filters []display.Filter
	if b.Icon != "" {
		filters = append(filters, display.NewImageFilter(assets, b.Icon))
	}
	if b.Pulse {
		filters = append(filters, display.NewPulseFilter())
	}
	if b.Text != "" {
		withIcon := b.Icon != ""
		size := b.FontSize
		if size <= 0 {
			size = display.DefaultFontSize(b.Text, withIcon)
		}
		align, set, err := display.ParseAlign(b.TextAlign)
		if err != nil || !set {
			align = display.AlignMiddle
			if withIcon {
				align = display.AlignBottom
			}
		}
		filters = append(filters, display.NewTextFilter(assets, b.Text, b.Font, size, align))
	}
	return filters
}
