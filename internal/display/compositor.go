package display

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"

	"github.com/photonicat/keydeck/internal/device"
)

var (
	ErrInvalidPage   = errors.New("invalid page")
	ErrInvalidButton = errors.New("invalid button")
	ErrStopped       = errors.New("compositor stopped")
	ErrNotRunning    = errors.New("compositor not running")
)

// DefaultFPS is the render cadence used when Options.FPS is unset.
const DefaultFPS = 25

const statsWindow = time.Second

// State is the lifecycle of a Compositor.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configures a Compositor.
type Options struct {
	Serial    string
	Transport device.Transport
	// Pages is the number of pages, at least 1.
	Pages int
	// Page is the initially active page.
	Page int
	// FPS is the target tick rate.
	FPS int
	// ShowPressed outlines keys while they are held down.
	ShowPressed bool
	Logger      hclog.Logger
	// OnCPU receives the render loop's CPU share whenever it changes. It is
	// called from the render goroutine and must not block.
	OnCPU func(percent int)
}

// Rendered is the last composed image of a button.
type Rendered struct {
	Image       *image.RGBA
	Fingerprint Fingerprint
	// Tick is the render tick that installed Image, 0 if none has yet.
	Tick uint64
}

// Stats describes the render loop over the last full second.
type Stats struct {
	FPS      float64
	CPU      int
	Ticks    uint64
	Degraded bool
}

type slot struct {
	page   int
	button int
}

type button struct {
	pipeline    *Pipeline
	generation  uint64
	image       *image.RGBA
	fingerprint Fingerprint
	tick        uint64
}

type snapshot struct {
	btn         *button
	pipeline    *Pipeline
	generation  uint64
	image       *image.RGBA
	fingerprint Fingerprint
}

type pushed struct {
	image   *image.RGBA
	pressed bool
}

// Compositor renders the keys of one device. Each device gets its own
// render goroutine; nothing is shared between compositors.
type Compositor struct {
	serial      string
	transport   device.Transport
	format      device.ImageFormat
	size        image.Point
	keys        int
	pages       int
	period      time.Duration
	showPressed bool
	logger      hclog.Logger
	onCPU       func(int)
	blank       *image.RGBA

	// brightness is the target applied by the loop, -1 for none.
	brightness atomic.Int32

	mu           sync.Mutex
	state        State
	started      time.Time
	buttons      map[slot]*button
	page         int
	pressed      []bool
	ticksStarted uint64
	ticksDone    uint64
	tickDone     chan struct{}
	stats        Stats

	stop chan struct{}
	done chan struct{}
}

// NewCompositor returns an idle compositor. Buttons can be replaced before
// Start.
func NewCompositor(opts Options) (*Compositor, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("compositor %s: no transport", opts.Serial)
	}
	if opts.Pages < 1 {
		opts.Pages = 1
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.Page < 0 || opts.Page >= opts.Pages {
		opts.Page = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	format := opts.Transport.ImageFormat()
	edge := format.Size
	if edge <= 0 {
		edge = 72
	}
	size := image.Pt(edge, edge)
	keys := opts.Transport.KeyCount()

	blank := image.NewRGBA(image.Rectangle{Max: size})
	draw.Draw(blank, blank.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	c := &Compositor{
		serial:      opts.Serial,
		transport:   opts.Transport,
		format:      format,
		size:        size,
		keys:        keys,
		pages:       opts.Pages,
		period:      time.Second / time.Duration(opts.FPS),
		showPressed: opts.ShowPressed,
		logger:      logger.Named("compositor").With("serial", opts.Serial),
		onCPU:       opts.OnCPU,
		blank:       blank,
		buttons:     make(map[slot]*button),
		page:        opts.Page,
		pressed:     make([]bool, keys),
		tickDone:    make(chan struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.brightness.Store(-1)
	return c, nil
}

func (c *Compositor) Serial() string              { return c.serial }
func (c *Compositor) Size() image.Point           { return c.size }
func (c *Compositor) Keys() int                   { return c.keys }
func (c *Compositor) Pages() int                  { return c.pages }
func (c *Compositor) Transport() device.Transport { return c.transport }
func (c *Compositor) TargetBrightness() int       { return int(c.brightness.Load()) }

// Start launches the render loop. It is a no-op while running and fails
// once the compositor has been stopped.
func (c *Compositor) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrStopped
	}
	c.state = StateRunning
	c.started = time.Now()
	go c.run()
	c.logger.Debug("render loop started", "fps", int(time.Second/c.period), "keys", c.keys, "pages", c.pages)
	return nil
}

// Stop ends the render loop and waits until it has exited. Stop is safe to
// call more than once and from several goroutines.
func (c *Compositor) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateStopped
		close(c.stop)
		close(c.done)
		c.mu.Unlock()
		return
	case StateRunning:
		c.state = StateStopping
		close(c.stop)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Compositor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Compositor) checkSlot(page, btn int) error {
	if page < 0 || page >= c.pages {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidPage, page, c.pages)
	}
	if btn < 0 || btn >= c.keys {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidButton, btn, c.keys)
	}
	return nil
}

// Replace installs a new filter chain for one button. The pipeline is
// built and initialized before the device lock is taken; the render loop
// picks it up on its next tick. Of two replaces racing on a button, the one
// that takes the lock last wins.
func (c *Compositor) Replace(page, btn int, filters ...Filter) error {
	if err := c.checkSlot(page, btn); err != nil {
		return err
	}
	p := NewPipeline(c.size, filters...)
	p.Initialize(c.logger.With("page", page, "button", btn))

	c.mu.Lock()
	defer c.mu.Unlock()
	s := slot{page: page, button: btn}
	b := c.buttons[s]
	if b == nil {
		b = &button{}
		c.buttons[s] = b
	}
	b.pipeline = p
	b.generation++
	return nil
}

// SetPage selects the page rendered from the next tick on. Other pages keep
// their last rendered images.
func (c *Compositor) SetPage(page int) error {
	if page < 0 || page >= c.pages {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidPage, page, c.pages)
	}
	c.mu.Lock()
	c.page = page
	c.mu.Unlock()
	return nil
}

func (c *Compositor) Page() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// GetImage returns a copy of the last rendered image of a button, or a
// black placeholder if it has never been rendered.
func (c *Compositor) GetImage(page, btn int) (*image.RGBA, error) {
	r, err := c.Rendered(page, btn)
	if err != nil {
		return nil, err
	}
	if r.Image == nil {
		return cloneRGBA(c.blank), nil
	}
	return cloneRGBA(r.Image), nil
}

// Rendered returns the last rendered state of a button. The image is shared
// and must not be modified.
func (c *Compositor) Rendered(page, btn int) (Rendered, error) {
	if err := c.checkSlot(page, btn); err != nil {
		return Rendered{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buttons[slot{page, btn}]
	if b == nil {
		return Rendered{}, nil
	}
	return Rendered{Image: b.image, Fingerprint: b.fingerprint, Tick: b.tick}, nil
}

// SetKeypress records the physical state of a key and reports whether it
// differs from the previously recorded one.
func (c *Compositor) SetKeypress(key int, pressed bool) (bool, error) {
	if key < 0 || key >= c.keys {
		return false, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidButton, key, c.keys)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.pressed[key] != pressed
	c.pressed[key] = pressed
	return changed, nil
}

func (c *Compositor) Pressed(key int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return key >= 0 && key < c.keys && c.pressed[key]
}

// SetBrightness sets the backlight the loop applies on its next tick.
func (c *Compositor) SetBrightness(percent int) {
	c.brightness.Store(int32(device.ClampBrightness(percent)))
}

// Tick is the number of completed render ticks.
func (c *Compositor) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticksDone
}

func (c *Compositor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Synchronize blocks until a tick that started after the call has
// completed, so changes made before the call are visible through GetImage.
func (c *Compositor) Synchronize(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return ErrNotRunning
	case StateStopping, StateStopped:
		c.mu.Unlock()
		return ErrStopped
	}
	target := c.ticksStarted + 1
	for c.ticksDone < target {
		wait := c.tickDone
		c.mu.Unlock()
		select {
		case <-wait:
		case <-c.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	c.mu.Unlock()
	return nil
}

func (c *Compositor) run() {
	defer func() {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		close(c.done)
		c.logger.Debug("render loop stopped")
	}()

	l := &loop{
		c:       c,
		pushed:  make([]*pushed, c.keys),
		applied: -1,
		window:  time.Now(),
		lastCPU: -1,
		page:    -1,
	}
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		begin := time.Now()
		l.tick(begin)

		wait := c.period - time.Since(begin)
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-c.stop:
			if !timer.Stop() {
				<-timer.C
			}
			return
		}
	}
}

// loop holds state only the render goroutine touches.
type loop struct {
	c        *Compositor
	page     int
	pushed   []*pushed
	degraded bool
	applied  int

	window  time.Time
	busy    time.Duration
	frames  int
	lastCPU int
}

func (l *loop) tick(begin time.Time) {
	c := l.c

	c.mu.Lock()
	c.ticksStarted++
	tick := c.ticksStarted
	page := c.page
	elapsed := begin.Sub(c.started)
	snaps := make([]snapshot, c.keys)
	for i := range snaps {
		if b := c.buttons[slot{page, i}]; b != nil {
			snaps[i] = snapshot{
				btn:         b,
				pipeline:    b.pipeline,
				generation:  b.generation,
				image:       b.image,
				fingerprint: b.fingerprint,
			}
		}
	}
	pressed := append([]bool(nil), c.pressed...)
	c.mu.Unlock()

	images := make([]*image.RGBA, c.keys)
	fps := make([]Fingerprint, c.keys)
	changed := make([]bool, c.keys)
	for i, s := range snaps {
		images[i], fps[i], changed[i] = l.compose(s, elapsed)
	}

	c.mu.Lock()
	for i, s := range snaps {
		if !changed[i] {
			continue
		}
		b := c.buttons[slot{page, i}]
		if b != s.btn || b.generation != s.generation {
			// replaced while composing; the newer pipeline renders next tick
			images[i] = s.image
			continue
		}
		b.image = images[i]
		b.fingerprint = fps[i]
		b.tick = tick
	}
	c.mu.Unlock()

	l.push(page, images, pressed)
	l.applyBrightness()

	cpu, report := l.account(begin)

	c.mu.Lock()
	c.ticksDone = tick
	close(c.tickDone)
	c.tickDone = make(chan struct{})
	c.stats.Ticks = tick
	c.stats.Degraded = l.degraded
	c.mu.Unlock()

	if report && c.onCPU != nil {
		c.onCPU(cpu)
	}
}

// compose evaluates one button. Static pipelines whose fingerprint matches
// the installed image are not evaluated at all.
func (l *loop) compose(s snapshot, elapsed time.Duration) (*image.RGBA, Fingerprint, bool) {
	p := s.pipeline
	if p == nil {
		return s.image, s.fingerprint, false
	}
	if !p.Animated() && s.image != nil && s.fingerprint == p.Fingerprint() {
		return s.image, s.fingerprint, false
	}
	img, fp := p.Execute(elapsed)
	if img == nil {
		img = p.Last()
	}
	return img, fp, img != s.image || fp != s.fingerprint
}

func (l *loop) push(page int, images []*image.RGBA, pressed []bool) {
	c := l.c
	force := page != l.page || l.degraded

	if !c.transport.Connected() {
		l.markDegraded(device.ErrDisconnected)
		return
	}

	for i, img := range images {
		if img == nil {
			img = c.blank
		}
		down := c.showPressed && pressed[i]
		last := l.pushed[i]
		if !force && last != nil && last.image == img && last.pressed == down {
			continue
		}

		frame := img
		if down {
			frame = withPressedOutline(img)
		}
		native, err := ToNative(frame, c.format)
		if err != nil {
			c.logger.Error("cannot encode key image", "key", i, "error", err)
			continue
		}
		if err := c.transport.PushFrame(i, native); err != nil {
			l.markDegraded(err)
			return
		}
		l.pushed[i] = &pushed{image: img, pressed: down}
	}

	l.page = page
	if l.degraded {
		l.degraded = false
		l.applied = -1
		c.logger.Info("device available again")
	}
}

func (l *loop) markDegraded(err error) {
	if !l.degraded {
		l.c.logger.Warn("device unavailable, skipping frames", "error", err)
	}
	l.degraded = true
}

func (l *loop) applyBrightness() {
	if l.degraded {
		return
	}
	target := int(l.c.brightness.Load())
	if target < 0 || target == l.applied {
		return
	}
	if err := l.c.transport.SetBrightness(target); err != nil {
		l.markDegraded(err)
		return
	}
	l.applied = target
}

// account adds one tick to the CPU window. An overrunning tick counts with
// its full duration, so the share saturates at 100.
func (l *loop) account(begin time.Time) (int, bool) {
	c := l.c
	now := time.Now()
	l.busy += now.Sub(begin)
	l.frames++

	span := now.Sub(l.window)
	if span < statsWindow {
		return 0, false
	}

	budget := time.Duration(l.frames) * c.period
	cpu := int(float64(l.busy) / float64(budget) * 100)
	if cpu > 100 {
		cpu = 100
	}
	if cpu < 0 {
		cpu = 0
	}
	fps := float64(l.frames) / span.Seconds()
	c.logger.Debug("render stats", "fps", fmt.Sprintf("%.1f", fps), "cpu", cpu,
		"exec", l.busy/time.Duration(l.frames))

	c.mu.Lock()
	c.stats.FPS = fps
	c.stats.CPU = cpu
	c.mu.Unlock()

	l.window = now
	l.busy = 0
	l.frames = 0

	if cpu == l.lastCPU {
		return cpu, false
	}
	l.lastCPU = cpu
	return cpu, true
}
