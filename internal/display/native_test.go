package display

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/photonicat/keydeck/internal/device"
)

// halfRed is red on the left half, black on the right.
func halfRed(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBA{A: 255}
			if x < size/2 {
				c.R = 255
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestToNativeRGB565(t *testing.T) {
	out, err := ToNative(halfRed(8), device.ImageFormat{Size: 8, Encoding: device.RGB565})
	require.NoError(t, err)
	require.Len(t, out, 8*8*2)
	assert.Equal(t, []byte{0xf8, 0x00}, out[0:2])
	assert.Equal(t, []byte{0x00, 0x00}, out[14:16])
}

func TestToNativeFlipX(t *testing.T) {
	out, err := ToNative(halfRed(8), device.ImageFormat{Size: 8, Encoding: device.RGB565, FlipX: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, out[0:2])
	assert.Equal(t, []byte{0xf8, 0x00}, out[14:16])
}

func TestToNativeResizesAndEncodes(t *testing.T) {
	tests := []struct {
		name   string
		enc    device.Encoding
		decode func([]byte) (image.Image, error)
	}{
		{"jpeg", device.JPEG, func(b []byte) (image.Image, error) { return jpeg.Decode(bytes.NewReader(b)) }},
		{"bmp", device.BMP, func(b []byte) (image.Image, error) { return bmp.Decode(bytes.NewReader(b)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ToNative(halfRed(72), device.ImageFormat{Size: 96, Encoding: tt.enc})
			require.NoError(t, err)
			img, err := tt.decode(out)
			require.NoError(t, err)
			assert.Equal(t, image.Pt(96, 96), img.Bounds().Size())
		})
	}
}

func TestToNativeRejectsNil(t *testing.T) {
	_, err := ToNative(nil, device.ImageFormat{Size: 72})
	assert.Error(t, err)
}
