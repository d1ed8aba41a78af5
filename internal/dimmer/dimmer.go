// Package dimmer implements the idle-timeout brightness state machine of a
// device.
package dimmer

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/photonicat/keydeck/internal/device"
)

type State int

const (
	Awake State = iota
	Dimmed
	Stopped
)

func (s State) String() string {
	switch s {
	case Awake:
		return "awake"
	case Dimmed:
		return "dimmed"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Setter writes an effective brightness through to the device. It is
// called with the dimmer's lock held and must not call back into it.
type Setter func(brightness int)

// Dimmer lowers a device's brightness after a period without activity.
//
//	Awake --timeout--> Dimmed --Reset--> Awake
//	Awake|Dimmed --Stop--> Stopped
//
// Stopped is terminal.
type Dimmer struct {
	logger hclog.Logger
	set    Setter

	mu        sync.Mutex
	nominal   int
	dimmedPct int
	timeout   time.Duration
	state     State
	timer     *time.Timer
	gen       uint64
}

// New returns an awake dimmer with no idle window armed; call Reset to start
// counting. dimmedPercent is relative to nominal. A zero timeout never dims
// on its own.
func New(nominal, dimmedPercent int, timeout time.Duration, set Setter, logger hclog.Logger) *Dimmer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if set == nil {
		set = func(int) {}
	}
	return &Dimmer{
		logger:    logger.Named("dimmer"),
		set:       set,
		nominal:   device.ClampBrightness(nominal),
		dimmedPct: device.ClampBrightness(dimmedPercent),
		timeout:   clampTimeout(timeout),
	}
}

func clampTimeout(t time.Duration) time.Duration {
	if t < 0 {
		return 0
	}
	return t
}

// Reset records activity: the display wakes up at nominal brightness and a
// fresh idle window starts. It reports whether the dimmer was Dimmed, in
// which case waking is the whole effect of the triggering key press.
func (d *Dimmer) Reset() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return false
	}
	woke := d.state == Dimmed
	d.state = Awake
	d.arm()
	d.set(d.nominal)
	if woke {
		d.logger.Debug("woke up", "brightness", d.nominal)
	}
	return woke
}

// Dim switches to the dimmed brightness immediately. Without force it does
// nothing when auto-dimming is disabled by a zero timeout.
func (d *Dimmer) Dim(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return
	}
	if !force && d.timeout == 0 {
		return
	}
	d.dim()
}

// Toggle wakes a dimmed display and dims an awake one regardless of its
// timeout.
func (d *Dimmer) Toggle() {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	switch state {
	case Dimmed:
		d.Reset()
	case Awake:
		d.Dim(true)
	}
}

// Stop cancels the idle timer, restores nominal brightness once and makes
// the dimmer inert.
func (d *Dimmer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return
	}
	d.disarm()
	d.set(d.nominal)
	d.state = Stopped
	d.logger.Debug("stopped")
}

// Configure changes the levels and timeout. An awake dimmer starts a fresh
// idle window, a dimmed one stays dimmed at the new level.
func (d *Dimmer) Configure(nominal, dimmedPercent int, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nominal = device.ClampBrightness(nominal)
	d.dimmedPct = device.ClampBrightness(dimmedPercent)
	d.timeout = clampTimeout(timeout)

	switch d.state {
	case Awake:
		d.arm()
		d.set(d.nominal)
	case Dimmed:
		d.set(d.dimmedLevel())
	}
}

func (d *Dimmer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dimmer) Dimmed() bool { return d.State() == Dimmed }

// Brightness is the effective brightness for the current state.
func (d *Dimmer) Brightness() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Dimmed {
		return d.dimmedLevel()
	}
	return d.nominal
}

func (d *Dimmer) Nominal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nominal
}

func (d *Dimmer) DimmedPercent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dimmedPct
}

func (d *Dimmer) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

func (d *Dimmer) dimmedLevel() int {
	return d.nominal * d.dimmedPct / 100
}

// dim requires d.mu.
func (d *Dimmer) dim() {
	d.disarm()
	if d.state == Dimmed {
		return
	}
	d.state = Dimmed
	level := d.dimmedLevel()
	d.set(level)
	d.logger.Debug("dimmed", "brightness", level)
}

// arm restarts the idle window. It requires d.mu.
func (d *Dimmer) arm() {
	d.disarm()
	if d.timeout == 0 {
		return
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.timeout, func() { d.expire(gen) })
}

// disarm cancels a pending idle window. A callback already running sees a
// newer generation and does nothing.
func (d *Dimmer) disarm() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Dimmer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.state != Awake {
		return
	}
	d.dim()
}
