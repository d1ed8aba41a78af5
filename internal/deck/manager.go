// Package deck ties attached devices to their compositors and dimmers.
//
// The Manager owns the device registry and the in-memory configuration
// snapshot. On attach it builds every configured button from the snapshot,
// so a device that is unplugged and plugged back in renders exactly what it
// showed before.
package deck

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"

	"github.com/photonicat/keydeck/internal/config"
	"github.com/photonicat/keydeck/internal/device"
	"github.com/photonicat/keydeck/internal/dimmer"
	"github.com/photonicat/keydeck/internal/display"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrClosed        = errors.New("manager closed")
)

// detachBrightness is left on a device's backlight when it is released.
const detachBrightness = 50

// Options configures a Manager.
type Options struct {
	Config *config.Config
	Assets *display.Assets
	Logger hclog.Logger
	// EventBuffer is the capacity of each event channel.
	EventBuffer int
}

// DeviceInfo is a summary of one attached device.
type DeviceInfo struct {
	ID         string `json:"id"`
	Serial     string `json:"serial"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
	Keys       int    `json:"keys"`
	KeySize    int    `json:"key_size"`
	Pages      int    `json:"pages"`
	Page       int    `json:"page"`
	Brightness int    `json:"brightness"`
	Dimmed     bool   `json:"dimmed"`
	CPU        int    `json:"cpu"`
}

type handle struct {
	id        string
	serial    string
	transport device.Transport
	comp      *display.Compositor
	dimmer    *dimmer.Dimmer
	cpu       atomic.Int32

	// editMu serializes configuration writers of this device.
	editMu sync.Mutex

	keyMu      sync.Mutex
	suppressed map[int]bool
}

// Manager is the process-wide device registry.
type Manager struct {
	logger hclog.Logger
	assets *display.Assets

	cfgMu sync.Mutex
	cfg   *config.Config

	mu      sync.Mutex
	devices map[string]*handle
	ids     map[string]string

	keyEvents    chan KeyEvent
	cpuEvents    chan CPUEvent
	deviceEvents chan DeviceEvent

	closeOnce sync.Once
	done      chan struct{}
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	assets := opts.Assets
	if assets == nil {
		assets = display.NewAssets(cfg.Assets.FontsDir, cfg.Assets.DefaultFont)
	}
	buf := opts.EventBuffer
	if buf <= 0 {
		buf = 64
	}
	return &Manager{
		logger:       logger.Named("deck"),
		assets:       assets,
		cfg:          cfg.Clone(),
		devices:      make(map[string]*handle),
		ids:          make(map[string]string),
		keyEvents:    make(chan KeyEvent, buf),
		cpuEvents:    make(chan CPUEvent, buf),
		deviceEvents: make(chan DeviceEvent, buf),
		done:         make(chan struct{}),
	}
}

// KeyEvents delivers every key transition exactly once. Senders block
// while the channel is full, so it must always be drained.
func (m *Manager) KeyEvents() <-chan KeyEvent { return m.keyEvents }

// CPUEvents drops reports while the channel is full.
func (m *Manager) CPUEvents() <-chan CPUEvent { return m.cpuEvents }

// DeviceEvents drops events while the channel is full.
func (m *Manager) DeviceEvents() <-chan DeviceEvent { return m.deviceEvents }

// Done is closed by Close.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) deviceConfig(serial string) config.DeviceConfig {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg.Device(serial)
}

// updateDevice applies fn to the snapshot entry of serial and returns the
// result.
func (m *Manager) updateDevice(serial string, fn func(*config.DeviceConfig)) config.DeviceConfig {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	d := m.cfg.Device(serial)
	fn(&d)
	d = config.NormalizeDevice(d)
	m.cfg.Devices[serial] = d
	return d.Clone()
}

// Snapshot returns a copy of the current configuration.
func (m *Manager) Snapshot() *config.Config {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg.Clone()
}

// Attach takes over a device: it is opened and reset, its configured buttons
// are built, and rendering starts. A device already attached under the same
// serial is detached first.
func (m *Manager) Attach(t device.Transport) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	serial := t.Serial()
	m.mu.Lock()
	stale, ok := m.devices[serial]
	m.mu.Unlock()
	if ok {
		m.logger.Warn("serial attached twice, releasing the previous handle", "serial", serial, "id", stale.id)
		m.Detach(stale.id)
	}

	if err := t.Open(); err != nil {
		return fmt.Errorf("open %s: %w", serial, err)
	}
	if err := t.Reset(); err != nil {
		t.Close()
		return fmt.Errorf("reset %s: %w", serial, err)
	}

	cfg := m.deviceConfig(serial)
	m.cfgMu.Lock()
	render := m.cfg.Render
	m.cfgMu.Unlock()

	h := &handle{
		id:         t.ID(),
		serial:     serial,
		transport:  t,
		suppressed: make(map[int]bool),
	}
	comp, err := display.NewCompositor(display.Options{
		Serial:      serial,
		Transport:   t,
		Pages:       cfg.Pages,
		Page:        cfg.Page,
		FPS:         render.FPS,
		ShowPressed: render.ShowPressed,
		Logger:      m.logger,
		OnCPU:       func(p int) { m.emitCPU(h, p) },
	})
	if err != nil {
		t.Close()
		return err
	}
	h.comp = comp
	m.build(h, cfg, nil)

	h.dimmer = dimmer.New(cfg.Brightness, cfg.BrightnessDimmed, cfg.Timeout(), comp.SetBrightness,
		m.logger.With("serial", serial))
	t.SetKeyCallback(func(key int, pressed bool) { m.onKey(h, key, pressed) })

	if err := m.register(h); err != nil {
		comp.Stop()
		h.dimmer.Stop()
		t.SetKeyCallback(nil)
		t.Close()
		return err
	}

	h.dimmer.Reset()
	if err := comp.Start(); err != nil {
		m.Detach(h.id)
		return err
	}

	rows, cols := t.KeyLayout()
	m.logger.Info("device attached", "serial", serial, "id", h.id, "rows", rows, "cols", cols)
	m.emitDevice(DeviceEvent{Kind: Attached, ID: h.id, Serial: serial, Rows: rows, Cols: cols})
	return nil
}

// register adds h to the registry unless Close has begun.
func (m *Manager) register(h *handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	m.devices[h.serial] = h
	m.ids[h.id] = h.serial
	return nil
}

// hasID reports whether a device is attached under the transient id.
func (m *Manager) hasID(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok
}

// build installs the pipelines of every button in cfg. Buttons configured
// in prev but not in cfg are cleared.
func (m *Manager) build(h *handle, cfg config.DeviceConfig, prev *config.DeviceConfig) {
	keys := h.comp.Keys()
	pages := h.comp.Pages()
	for page, buttons := range cfg.Buttons {
		for key, b := range buttons {
			if page >= pages || key >= keys {
				continue
			}
			if err := h.comp.Replace(page, key, Filters(m.assets, b)...); err != nil {
				m.logger.Warn("cannot build button", "serial", h.serial, "page", page, "key", key, "error", err)
			}
		}
	}
	if prev == nil {
		return
	}
	for page, buttons := range prev.Buttons {
		for key := range buttons {
			if page >= pages || key >= keys {
				continue
			}
			if _, ok := cfg.Buttons[page][key]; !ok {
				_ = h.comp.Replace(page, key)
			}
		}
	}
}

// Detach releases the device attached under the transient id. Unknown ids
// are ignored.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	serial, ok := m.ids[id]
	var h *handle
	if ok {
		delete(m.ids, id)
		if cur := m.devices[serial]; cur != nil && cur.id == id {
			h = cur
			delete(m.devices, serial)
		}
	}
	m.mu.Unlock()
	if h == nil {
		return
	}

	h.comp.Stop()
	h.dimmer.Stop()
	h.transport.SetKeyCallback(nil)

	t := h.transport
	if t.Connected() {
		if err := t.SetBrightness(detachBrightness); err != nil {
			m.logger.Warn("error during detach", "serial", serial, "error", err)
		}
		if err := t.Reset(); err != nil {
			m.logger.Warn("error during detach", "serial", serial, "error", err)
		}
	}
	if err := t.Close(); err != nil {
		m.logger.Warn("error during detach", "serial", serial, "error", err)
	}

	m.logger.Info("device detached", "serial", serial, "id", id)
	rows, cols := t.KeyLayout()
	m.emitDevice(DeviceEvent{Kind: Detached, ID: id, Serial: serial, Rows: rows, Cols: cols})
}

func (m *Manager) lookup(serial string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.devices[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	return h, nil
}

func (m *Manager) handles() []*handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*handle, 0, len(m.devices))
	for _, h := range m.devices {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].serial < out[j].serial })
	return out
}

// Compositor returns the compositor of an attached device.
func (m *Manager) Compositor(serial string) (*display.Compositor, error) {
	h, err := m.lookup(serial)
	if err != nil {
		return nil, err
	}
	return h.comp, nil
}

// Devices lists attached devices ordered by serial.
func (m *Manager) Devices() []DeviceInfo {
	hs := m.handles()
	out := make([]DeviceInfo, 0, len(hs))
	for _, h := range hs {
		rows, cols := h.transport.KeyLayout()
		out = append(out, DeviceInfo{
			ID:         h.id,
			Serial:     h.serial,
			Rows:       rows,
			Cols:       cols,
			Keys:       h.comp.Keys(),
			KeySize:    h.comp.Size().X,
			Pages:      h.comp.Pages(),
			Page:       h.comp.Page(),
			Brightness: h.dimmer.Brightness(),
			Dimmed:     h.dimmer.Dimmed(),
			CPU:        int(h.cpu.Load()),
		})
	}
	return out
}

// SetPage switches the active page and waits until it has been rendered.
func (m *Manager) SetPage(ctx context.Context, serial string, page int) error {
	h, err := m.lookup(serial)
	if err != nil {
		return err
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if err := h.comp.SetPage(page); err != nil {
		return err
	}
	m.updateDevice(serial, func(d *config.DeviceConfig) { d.Page = page })
	return h.comp.Synchronize(ctx)
}

// SetButton stores a button configuration and, if the device is attached,
// rebuilds its pipeline and waits for it to render.
func (m *Manager) SetButton(ctx context.Context, serial string, page, key int, b config.ButtonConfig) error {
	h, err := m.lookup(serial)
	if err != nil {
		return err
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if err := h.comp.Replace(page, key, Filters(m.assets, b)...); err != nil {
		return err
	}
	m.updateDevice(serial, func(d *config.DeviceConfig) { d.SetButton(page, key, b) })
	return h.comp.Synchronize(ctx)
}

// SwapButtons exchanges two buttons of a page.
func (m *Manager) SwapButtons(ctx context.Context, serial string, page, a, b int) error {
	h, err := m.lookup(serial)
	if err != nil {
		return err
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()

	cfg := m.deviceConfig(serial)
	ba, bb := cfg.Button(page, a), cfg.Button(page, b)
	if err := h.comp.Replace(page, a, Filters(m.assets, bb)...); err != nil {
		return err
	}
	if err := h.comp.Replace(page, b, Filters(m.assets, ba)...); err != nil {
		_ = h.comp.Replace(page, a, Filters(m.assets, ba)...)
		return err
	}
	m.updateDevice(serial, func(d *config.DeviceConfig) {
		d.SetButton(page, a, bb)
		d.SetButton(page, b, ba)
	})
	return h.comp.Synchronize(ctx)
}

// Button returns the stored configuration of a key.
func (m *Manager) Button(serial string, page, key int) config.ButtonConfig {
	return m.deviceConfig(serial).Button(page, key)
}

func (m *Manager) reconfigureDimmer(serial string, fn func(*config.DeviceConfig)) error {
	h, err := m.lookup(serial)
	if err != nil {
		return err
	}
	h.editMu.Lock()
	defer h.editMu.Unlock()
	d := m.updateDevice(serial, fn)
	h.dimmer.Configure(d.Brightness, d.BrightnessDimmed, d.Timeout())
	return nil
}

// SetBrightness sets the nominal brightness, 0-100.
func (m *Manager) SetBrightness(serial string, percent int) error {
	return m.reconfigureDimmer(serial, func(d *config.DeviceConfig) { d.Brightness = percent })
}

// ChangeBrightness adds delta to the nominal brightness.
func (m *Manager) ChangeBrightness(serial string, delta int) error {
	return m.reconfigureDimmer(serial, func(d *config.DeviceConfig) { d.Brightness += delta })
}

// SetBrightnessDimmed sets the dimmed level as a percentage of nominal.
func (m *Manager) SetBrightnessDimmed(serial string, percent int) error {
	return m.reconfigureDimmer(serial, func(d *config.DeviceConfig) { d.BrightnessDimmed = percent })
}

// SetDisplayTimeout sets the idle time before dimming, 0 never dims.
func (m *Manager) SetDisplayTimeout(serial string, timeout time.Duration) error {
	return m.reconfigureDimmer(serial, func(d *config.DeviceConfig) {
		d.DisplayTimeout = int(timeout / time.Second)
	})
}

// ResetDimmer records activity on a device and reports whether it woke up.
func (m *Manager) ResetDimmer(serial string) (bool, error) {
	h, err := m.lookup(serial)
	if err != nil {
		return false, err
	}
	return h.dimmer.Reset(), nil
}

// ToggleDimmers dims every device if any of them is awake, and wakes all of
// them otherwise.
func (m *Manager) ToggleDimmers() {
	hs := m.handles()
	anyAwake := false
	for _, h := range hs {
		if h.dimmer.State() == dimmer.Awake {
			anyAwake = true
			break
		}
	}
	for _, h := range hs {
		if anyAwake {
			h.dimmer.Dim(true)
		} else {
			h.dimmer.Reset()
		}
	}
}

// Reload replaces the configuration snapshot and rebuilds every attached
// device from it. A device whose page count changed is detached and
// attached again with a new compositor. Other render settings apply to
// devices attached afterwards.
func (m *Manager) Reload(cfg *config.Config) {
	next := cfg.Clone()
	m.cfgMu.Lock()
	prev := m.cfg
	m.cfg = next
	m.cfgMu.Unlock()

	var reattach []*handle
	for _, h := range m.handles() {
		d := next.Device(h.serial)
		if max(d.Pages, 1) != h.comp.Pages() {
			reattach = append(reattach, h)
			continue
		}
		h.editMu.Lock()
		old := prev.Device(h.serial)
		m.build(h, d, &old)
		if err := h.comp.SetPage(d.Page); err != nil {
			m.logger.Warn("page out of range after reload", "serial", h.serial, "page", d.Page, "error", err)
		}
		h.dimmer.Configure(d.Brightness, d.BrightnessDimmed, d.Timeout())
		h.editMu.Unlock()
	}
	for _, h := range reattach {
		m.logger.Info("page count changed, reattaching", "serial", h.serial, "pages", next.Device(h.serial).Pages)
		m.Detach(h.id)
		if err := m.Attach(h.transport); err != nil {
			m.logger.Warn("cannot reattach device after reload", "serial", h.serial, "error", err)
		}
	}
	m.logger.Info("configuration reloaded", "devices", len(next.Devices))
}

// Close detaches every device. Event channels stay open; consumers stop on
// Done.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		for _, h := range m.handles() {
			m.Detach(h.id)
		}
	})
}

func (m *Manager) onKey(h *handle, key int, pressed bool) {
	h.keyMu.Lock()
	defer h.keyMu.Unlock()

	changed, err := h.comp.SetKeypress(key, pressed)
	if err != nil {
		m.logger.Warn("key event out of range", "serial", h.serial, "key", key, "error", err)
		return
	}
	if !changed {
		return
	}

	ev := KeyEvent{Serial: h.serial, Key: key, Pressed: pressed, Time: time.Now()}
	if pressed {
		ev.Suppressed = h.dimmer.Reset()
		h.suppressed[key] = ev.Suppressed
	} else {
		ev.Suppressed = h.suppressed[key]
		delete(h.suppressed, key)
	}

	select {
	case m.keyEvents <- ev:
	case <-m.done:
	}
}

func (m *Manager) emitCPU(h *handle, percent int) {
	h.cpu.Store(int32(percent))
	select {
	case m.cpuEvents <- CPUEvent{Serial: h.serial, Percent: percent}:
	default:
	}
}

func (m *Manager) emitDevice(ev DeviceEvent) {
	select {
	case m.deviceEvents <- ev:
	default:
		m.logger.Debug("device event dropped", "kind", ev.Kind, "serial", ev.Serial)
	}
}
