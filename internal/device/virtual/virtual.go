// Package virtual implements an in-memory button matrix. It backs the
// --virtual run mode and stands in for hardware in tests.
package virtual

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/photonicat/keydeck/internal/device"
)

// Config describes the simulated hardware.
type Config struct {
	ID     string
	Serial string
	Rows   int
	Cols   int
	Format device.ImageFormat
}

// Deck is a device.Transport that keeps everything in memory.
type Deck struct {
	cfg Config

	connected atomic.Bool
	opened    atomic.Bool
	resets    atomic.Int32
	closes    atomic.Int32
	pushes    atomic.Int64

	mu         sync.Mutex
	frames     map[int][]byte
	brightness []int
	callback   device.KeyFunc
}

// New returns a connected, unopened deck.
func New(cfg Config) *Deck {
	if cfg.ID == "" {
		cfg.ID = "virtual:" + cfg.Serial
	}
	if cfg.Format.Size == 0 {
		cfg.Format.Size = 72
	}
	d := &Deck{
		cfg:    cfg,
		frames: make(map[int][]byte),
	}
	d.connected.Store(true)
	return d
}

func (d *Deck) ID() string     { return d.cfg.ID }
func (d *Deck) Serial() string { return d.cfg.Serial }

func (d *Deck) Open() error {
	if !d.connected.Load() {
		return device.ErrDisconnected
	}
	d.opened.Store(true)
	return nil
}

func (d *Deck) Reset() error {
	if !d.connected.Load() {
		return device.ErrDisconnected
	}
	d.resets.Inc()
	d.mu.Lock()
	d.frames = make(map[int][]byte)
	d.mu.Unlock()
	return nil
}

func (d *Deck) Close() error {
	d.opened.Store(false)
	d.closes.Inc()
	return nil
}

func (d *Deck) Connected() bool { return d.connected.Load() }

func (d *Deck) SetBrightness(percent int) error {
	if !d.connected.Load() {
		return device.ErrDisconnected
	}
	d.mu.Lock()
	d.brightness = append(d.brightness, percent)
	d.mu.Unlock()
	return nil
}

func (d *Deck) PushFrame(key int, native []byte) error {
	if !d.connected.Load() {
		return device.ErrDisconnected
	}
	if key < 0 || key >= d.KeyCount() {
		return fmt.Errorf("key %d out of range", key)
	}
	buf := make([]byte, len(native))
	copy(buf, native)
	d.mu.Lock()
	d.frames[key] = buf
	d.mu.Unlock()
	d.pushes.Inc()
	return nil
}

func (d *Deck) KeyLayout() (int, int)           { return d.cfg.Rows, d.cfg.Cols }
func (d *Deck) KeyCount() int                   { return d.cfg.Rows * d.cfg.Cols }
func (d *Deck) ImageFormat() device.ImageFormat { return d.cfg.Format }

func (d *Deck) SetKeyCallback(fn device.KeyFunc) {
	d.mu.Lock()
	d.callback = fn
	d.mu.Unlock()
}

// Press simulates a physical key transition.
func (d *Deck) Press(key int, pressed bool) {
	d.mu.Lock()
	fn := d.callback
	d.mu.Unlock()
	if fn != nil {
		fn(key, pressed)
	}
}

// Unplug makes every subsequent hardware call fail with ErrDisconnected.
func (d *Deck) Unplug() { d.connected.Store(false) }

// Replug restores connectivity.
func (d *Deck) Replug() { d.connected.Store(true) }

// Frame returns the last native buffer pushed to key.
func (d *Deck) Frame(key int) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.frames[key]
	return f, ok
}

// Brightness returns the last brightness written, or -1.
func (d *Deck) Brightness() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.brightness) == 0 {
		return -1
	}
	return d.brightness[len(d.brightness)-1]
}

// Pushes is the number of successful PushFrame calls.
func (d *Deck) Pushes() int64 { return d.pushes.Load() }

// Resets is the number of Reset calls.
func (d *Deck) Resets() int { return int(d.resets.Load()) }

// Closes is the number of Close calls.
func (d *Deck) Closes() int { return int(d.closes.Load()) }

// IsOpen reports whether Open succeeded and Close has not been called since.
func (d *Deck) IsOpen() bool { return d.opened.Load() }
