package display

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/gift"
	"golang.org/x/image/bmp"

	"github.com/photonicat/keydeck/internal/device"
)

// ToNative resizes, orients and encodes a composed key image the way the
// device expects it.
func ToNative(img image.Image, format device.ImageFormat) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}

	var filters []gift.Filter
	b := img.Bounds()
	if format.Size > 0 && (b.Dx() != format.Size || b.Dy() != format.Size) {
		filters = append(filters, gift.Resize(format.Size, format.Size, gift.LanczosResampling))
	}
	if format.Rotate90 {
		filters = append(filters, gift.Rotate90())
	}
	if format.FlipX {
		filters = append(filters, gift.FlipHorizontal())
	}
	if format.FlipY {
		filters = append(filters, gift.FlipVertical())
	}

	src := img
	if len(filters) > 0 {
		g := gift.New(filters...)
		dst := image.NewRGBA(g.Bounds(b))
		g.Draw(dst, img)
		src = dst
	}

	var buf bytes.Buffer
	switch format.Encoding {
	case device.JPEG:
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 100}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case device.BMP:
		if err := bmp.Encode(&buf, src); err != nil {
			return nil, fmt.Errorf("encode bmp: %w", err)
		}
	case device.RGB565:
		return encodeRGB565(src), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %v", format.Encoding)
	}
	return buf.Bytes(), nil
}

// encodeRGB565 packs pixels row by row, big endian, as SPI panels expect.
func encodeRGB565(img image.Image) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*2)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			v := uint16(r>>11)<<11 | uint16(g>>10)<<5 | uint16(bl>>11)
			out = append(out, byte(v>>8), byte(v))
		}
	}
	return out
}
