package display

import (
	"image"
	"math/rand"
	"time"

	"github.com/disintegration/gift"
)

// DefaultPulsePeriod is one full dark-bright-dark cycle: ten brightness
// steps of 0.1 down and ten back up at 25 fps.
const DefaultPulsePeriod = 800 * time.Millisecond

type pulseConfig struct {
	Kind   Kind
	Period time.Duration
	Min    float64
}

// PulseFilter modulates the brightness of everything below it with a
// triangle wave. Its fingerprint covers the wave shape only; the phase and
// the current time never enter it.
type PulseFilter struct {
	cfg   pulseConfig
	fp    Fingerprint
	phase time.Duration
}

// NewPulseFilter returns a pulse starting at a random point of its cycle so
// that several pulsing keys do not blink in lockstep.
func NewPulseFilter() *PulseFilter {
	return NewPulseFilterWith(DefaultPulsePeriod, 0, time.Duration(rand.Int63n(int64(DefaultPulsePeriod))))
}

// NewPulseFilterWith allows a custom period, minimum brightness (0-1) and
// start phase.
func NewPulseFilterWith(period time.Duration, min float64, phase time.Duration) *PulseFilter {
	if period <= 0 {
		period = DefaultPulsePeriod
	}
	if min < 0 {
		min = 0
	}
	if min > 1 {
		min = 1
	}
	cfg := pulseConfig{Kind: KindPulse, Period: period, Min: min}
	return &PulseFilter{cfg: cfg, fp: fingerprintOf(cfg), phase: phase % period}
}

func (f *PulseFilter) Kind() Kind                   { return KindPulse }
func (f *PulseFilter) Fingerprint() Fingerprint     { return f.fp }
func (f *PulseFilter) Animated() bool               { return true }
func (f *PulseFilter) Initialize(image.Point) error { return nil }
func (f *PulseFilter) sealed()                      {}

// Level is the brightness factor at the given time, in [Min, 1].
func (f *PulseFilter) Level(elapsed time.Duration) float64 {
	period := f.cfg.Period
	t := (elapsed + f.phase) % period
	if t < 0 {
		t += period
	}
	half := period / 2
	var x float64
	if t < half {
		x = 1 - float64(t)/float64(half)
	} else {
		x = float64(t-half) / float64(half)
	}
	return f.cfg.Min + (1-f.cfg.Min)*x
}

func (f *PulseFilter) Transform(current FrameFunc, _ CacheFunc, _ bool, elapsed time.Duration) (*image.RGBA, Fingerprint) {
	level := float32(f.Level(elapsed))
	src := current()
	g := gift.New(gift.ColorFunc(func(r, g, b, a float32) (float32, float32, float32, float32) {
		return r * level, g * level, b * level, a
	}))
	dst := image.NewRGBA(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst, f.fp
}
