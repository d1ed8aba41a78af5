package display

import (
	"image"
	"image/color"
	"math"

	"github.com/llgcode/draw2d/draw2dimg"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

var pressedOutline = color.RGBA{R: 0x3d, G: 0xa5, B: 0xff, A: 0xff}

// drawText draws text with its top edge at posY. With center set, posX is
// the horizontal middle of the text instead of its left edge. It returns
// the bottom right corner of the drawn box.
func drawText(img *image.RGBA, text string, posX, posY int, face font.Face, clr color.Color, center bool) (finishX, finishY int) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(clr),
		Face: face,
	}
	metrics := face.Metrics()
	width := d.MeasureString(text).Round()

	x := posX
	if center {
		x = posX - width/2
	}
	d.Dot = fixed.P(x, posY+metrics.Ascent.Round())
	d.DrawString(text)

	return x + width, posY + metrics.Ascent.Round() + metrics.Descent.Round()
}

// roundedRectPath traces a rounded rectangle. draw2d takes angles in
// radians.
func roundedRectPath(gc *draw2dimg.GraphicContext, x, y, w, h, r float64) {
	gc.MoveTo(x+r, y)
	gc.LineTo(x+w-r, y)
	gc.ArcTo(x+w-r, y+r, r, r, -math.Pi/2, math.Pi/2)
	gc.LineTo(x+w, y+h-r)
	gc.ArcTo(x+w-r, y+h-r, r, r, 0, math.Pi/2)
	gc.LineTo(x+r, y+h)
	gc.ArcTo(x+r, y+h-r, r, r, math.Pi/2, math.Pi/2)
	gc.LineTo(x, y+r)
	gc.ArcTo(x+r, y+r, r, r, math.Pi, math.Pi/2)
	gc.Close()
}

// withPressedOutline returns a copy of img with a rounded highlight drawn
// along its edge. img itself is not modified.
func withPressedOutline(img *image.RGBA) *image.RGBA {
	dst := cloneRGBA(img)
	b := dst.Bounds()
	edge := float64(b.Dx())
	if h := float64(b.Dy()); h < edge {
		edge = h
	}
	stroke := math.Max(2, edge/24)
	radius := edge / 8

	gc := draw2dimg.NewGraphicContext(dst)
	gc.SetStrokeColor(pressedOutline)
	gc.SetLineWidth(stroke)
	inset := stroke / 2
	roundedRectPath(gc, float64(b.Min.X)+inset, float64(b.Min.Y)+inset,
		float64(b.Dx())-stroke, float64(b.Dy())-stroke, radius)
	gc.Stroke()
	return dst
}
