// Package display renders key images for button matrices.
//
// Every key owns a Pipeline: an ordered chain of Filters (image, pulse,
// text) whose composed output is cached by Fingerprint. A Compositor runs
// one render loop per device, evaluates the pipelines of the active page,
// converts changed frames to the device's native encoding and pushes them
// through the transport.
package display

import (
	"fmt"
	"image"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Fingerprint identifies the non-animated inputs that produced a frame.
// Two filters with equal fingerprints render identical pixels for the same
// input and the same animation time.
type Fingerprint uint64

// Kind enumerates the closed set of filter variants. The numeric order is
// the composition order inside a pipeline.
type Kind int

const (
	KindEmpty Kind = iota
	KindImage
	KindPulse
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindImage:
		return "image"
	case KindPulse:
		return "pulse"
	case KindText:
		return "text"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FrameFunc returns a private copy of the frame composed by the earlier
// stages. The filter may draw on it freely.
type FrameFunc func() *image.RGBA

// CacheFunc looks up a previously composed output of this stage by the
// filter's fingerprint. It returns nil when nothing reusable is cached.
type CacheFunc func(Fingerprint) *image.RGBA

// Filter is one visual stage of a pipeline.
//
// Transform returns a nil image to signal "not changed": the pipeline then
// reuses this stage's previous output. inputChanged reports whether any
// upstream non-animation input changed since the last evaluation. Animated
// filters produce a new frame on every call.
type Filter interface {
	Kind() Kind
	Initialize(size image.Point) error
	Transform(current FrameFunc, cached CacheFunc, inputChanged bool, elapsed time.Duration) (*image.RGBA, Fingerprint)
	Fingerprint() Fingerprint
	Animated() bool

	sealed()
}

// fingerprintOf hashes a filter configuration. Every configuration struct
// carries its Kind so equal settings of different variants never collide.
func fingerprintOf(cfg interface{}) Fingerprint {
	h, err := hashstructure.Hash(cfg, hashstructure.FormatV2, nil)
	if err != nil {
		// only reachable with unsupported field types, which the
		// configuration structs in this package never contain
		panic(fmt.Sprintf("display: fingerprint: %v", err))
	}
	return Fingerprint(h)
}

// combine folds the next fingerprint into an ordered chain value.
func combine(chain, next Fingerprint) Fingerprint {
	const prime = 1099511628211
	h := uint64(chain)
	for i := 0; i < 8; i++ {
		h ^= uint64(next>>(8*i)) & 0xff
		h *= prime
	}
	return Fingerprint(h)
}

type emptyConfig struct {
	Kind   Kind
	Width  int
	Height int
}

func baseFingerprint(size image.Point) Fingerprint {
	return fingerprintOf(emptyConfig{Kind: KindEmpty, Width: size.X, Height: size.Y})
}
