package preview

import (
	"fmt"
	"io"

	svg "github.com/ajstarks/svgo"
)

const (
	layoutGap    = 14
	layoutMargin = 16
)

// Key is one tile of a layout drawing.
type Key struct {
	Label string
	// Href is the image shown on the tile, empty for an outline only.
	Href string
}

// Layout draws a rows x cols grid of keys of the given pixel size as SVG.
func Layout(w io.Writer, title string, rows, cols, size int, keys []Key) {
	width := 2*layoutMargin + cols*size + (cols-1)*layoutGap
	height := 2*layoutMargin + rows*size + (rows-1)*layoutGap + 24

	canvas := svg.New(w)
	canvas.Start(width, height)
	canvas.Title(title)
	canvas.Rect(0, 0, width, height, "fill:#202020")
	canvas.Text(layoutMargin, layoutMargin+4, title, "fill:#c0c0c0;font-family:sans-serif;font-size:14px")

	top := layoutMargin + 24
	for i, k := range keys {
		if i >= rows*cols {
			break
		}
		row, col := i/cols, i%cols
		x := layoutMargin + col*(size+layoutGap)
		y := top + row*(size+layoutGap)

		canvas.Roundrect(x, y, size, size, 8, 8, "fill:black;stroke:#505050;stroke-width:2")
		if k.Href != "" {
			canvas.Image(x, y, size, size, k.Href)
		}
		label := k.Label
		if label == "" {
			label = fmt.Sprint(i)
		}
		canvas.Text(x+size/2, y+size+layoutGap-2, label, "fill:#808080;font-family:sans-serif;font-size:9px;text-anchor:middle")
	}
	canvas.End()
}
