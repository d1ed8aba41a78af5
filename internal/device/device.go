// Package device defines the boundary between the display compositor and
// the hardware that shows its frames.
//
// Discovery and the vendor wire protocol live behind Transport; the
// compositor only ever pushes already-encoded key images and brightness
// values through it.
package device

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned by transports when the device went away
// mid-operation.
var ErrDisconnected = errors.New("device disconnected")

// Encoding is the native pixel encoding a device accepts for key images.
type Encoding int

const (
	JPEG Encoding = iota
	BMP
	RGB565
)

func (e Encoding) String() string {
	switch e {
	case JPEG:
		return "jpeg"
	case BMP:
		return "bmp"
	case RGB565:
		return "rgb565"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// ParseEncoding maps a configuration string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "jpeg", "jpg", "":
		return JPEG, nil
	case "bmp":
		return BMP, nil
	case "rgb565":
		return RGB565, nil
	}
	return JPEG, fmt.Errorf("unknown image encoding %q", s)
}

// ImageFormat describes how a key image must be laid out before it is
// handed to the transport. Size is the square key edge in pixels.
type ImageFormat struct {
	Size     int
	Encoding Encoding
	FlipX    bool
	FlipY    bool
	Rotate90 bool
}

// KeyFunc receives raw key transitions from the hardware. It is called on
// the transport's own goroutine.
type KeyFunc func(key int, pressed bool)

// Transport is one attached button matrix.
type Transport interface {
	// ID is the transient attach id assigned by the monitor.
	ID() string
	// Serial is the stable identity across sessions.
	Serial() string

	Open() error
	Reset() error
	Close() error
	Connected() bool

	// SetBrightness sets the backlight, 0-100.
	SetBrightness(percent int) error
	// PushFrame writes one key image already encoded in ImageFormat.
	PushFrame(key int, native []byte) error

	KeyLayout() (rows, cols int)
	KeyCount() int
	ImageFormat() ImageFormat

	SetKeyCallback(fn KeyFunc)
}

// ClampBrightness bounds a brightness value to [0,100].
func ClampBrightness(b int) int {
	switch {
	case b < 0:
		return 0
	case b > 100:
		return 100
	}
	return b
}
