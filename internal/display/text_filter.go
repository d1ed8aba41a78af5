package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/disintegration/gift"
	"golang.org/x/image/font"
)

// Align is the vertical placement of a text block on the key.
type Align int

const (
	AlignMiddle Align = iota
	AlignTop
	AlignBottom
)

func (a Align) String() string {
	switch a {
	case AlignTop:
		return "top"
	case AlignBottom:
		return "bottom"
	}
	return "middle"
}

// ParseAlign maps a configuration value to an Align. The empty string is
// reported as ok=false so callers can pick a context dependent default.
func ParseAlign(s string) (Align, bool, error) {
	switch strings.ToLower(s) {
	case "":
		return AlignMiddle, false, nil
	case "top":
		return AlignTop, true, nil
	case "middle", "center":
		return AlignMiddle, true, nil
	case "bottom":
		return AlignBottom, true, nil
	}
	return AlignMiddle, false, fmt.Errorf("unknown text alignment %q", s)
}

// DefaultFontSize picks a label size that fits a 72px key: small under an
// icon, otherwise larger the shorter the text.
func DefaultFontSize(text string, withIcon bool) float64 {
	if withIcon {
		return 14
	}
	longest := 0
	for _, line := range strings.Split(text, "\n") {
		if n := utf8.RuneCountInString(line); n > longest {
			longest = n
		}
	}
	switch {
	case longest < 4:
		return 40
	case longest < 5:
		return 33
	case longest < 6:
		return 26
	}
	return 14
}

// textMargin keeps top and bottom aligned labels off the bezel.
const textMargin = 4

var shadowKernel = []float32{
	0, 1, 2, 1, 0,
	1, 2, 4, 2, 1,
	2, 4, 8, 4, 1,
	1, 2, 4, 2, 1,
	0, 1, 2, 1, 0,
}

type textConfig struct {
	Kind  Kind
	Text  string
	Font  string
	Size  float64
	Align Align
	Color color.RGBA
}

// TextFilter draws a white label with a soft black shadow. The label is
// rendered once in Initialize and composited over the input afterwards.
type TextFilter struct {
	assets  *Assets
	cfg     textConfig
	fp      Fingerprint
	overlay *image.RGBA
}

// NewTextFilter creates a label. An empty font selects the default font,
// a non-positive size selects DefaultFontSize(text, false).
func NewTextFilter(assets *Assets, text, fontName string, size float64, align Align) *TextFilter {
	if size <= 0 {
		size = DefaultFontSize(text, false)
	}
	cfg := textConfig{
		Kind:  KindText,
		Text:  text,
		Font:  fontName,
		Size:  size,
		Align: align,
		Color: color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	}
	return &TextFilter{assets: assets, cfg: cfg, fp: fingerprintOf(cfg)}
}

func (f *TextFilter) Kind() Kind               { return KindText }
func (f *TextFilter) Fingerprint() Fingerprint { return f.fp }
func (f *TextFilter) Animated() bool           { return false }
func (f *TextFilter) Text() string             { return f.cfg.Text }
func (f *TextFilter) FontSize() float64        { return f.cfg.Size }
func (f *TextFilter) Align() Align             { return f.cfg.Align }
func (f *TextFilter) sealed()                  {}

func (f *TextFilter) Initialize(size image.Point) error {
	f.overlay = nil
	if strings.TrimSpace(f.cfg.Text) == "" {
		return nil
	}
	if f.assets == nil {
		return fmt.Errorf("no asset loader for font %q", f.cfg.Font)
	}
	face, err := f.assets.Face(f.cfg.Font, f.cfg.Size)
	if err != nil {
		return err
	}
	defer face.Close()

	overlay := image.NewRGBA(image.Rectangle{Max: size})
	lines := strings.Split(f.cfg.Text, "\n")
	drawLabel(overlay, lines, face, color.Black, f.cfg.Align)

	scale := 0.1 * sum(shadowKernel)
	kernel := make([]float32, len(shadowKernel))
	for i, k := range shadowKernel {
		kernel[i] = k / scale
	}
	g := gift.New(gift.Convolution(kernel, false, true, false, 0))
	shadowed := image.NewRGBA(g.Bounds(overlay.Bounds()))
	g.Draw(shadowed, overlay)

	drawLabel(shadowed, lines, face, f.cfg.Color, f.cfg.Align)
	f.overlay = shadowed
	return nil
}

func (f *TextFilter) Transform(current FrameFunc, cached CacheFunc, inputChanged bool, _ time.Duration) (*image.RGBA, Fingerprint) {
	if f.overlay == nil || !inputChanged {
		return nil, f.fp
	}
	if img := cached(f.fp); img != nil {
		return img, f.fp
	}
	dst := current()
	draw.Draw(dst, dst.Bounds(), f.overlay, image.Point{}, draw.Over)
	return dst, f.fp
}

// drawLabel centers every line horizontally and places the block
// vertically according to align.
func drawLabel(dst *image.RGBA, lines []string, face font.Face, clr color.Color, align Align) {
	metrics := face.Metrics()
	lineHeight := metrics.Ascent.Round() + metrics.Descent.Round()
	block := lineHeight * len(lines)
	b := dst.Bounds()

	var y int
	switch align {
	case AlignTop:
		y = b.Min.Y + textMargin
	case AlignBottom:
		y = b.Max.Y - textMargin - block
	default:
		y = b.Min.Y + (b.Dy()-block)/2
	}

	for _, line := range lines {
		drawText(dst, line, b.Min.X+b.Dx()/2, y, face, clr, true)
		y += lineHeight
	}
}

func sum(v []float32) float32 {
	var s float32
	for _, x := range v {
		s += x
	}
	return s
}
