package deck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photonicat/keydeck/internal/config"
	"github.com/photonicat/keydeck/internal/device"
	"github.com/photonicat/keydeck/internal/device/virtual"
	"github.com/photonicat/keydeck/internal/dimmer"
	"github.com/photonicat/keydeck/internal/display"
)

func newDeck(serial string) *virtual.Deck {
	return virtual.New(virtual.Config{
		Serial: serial,
		Rows:   1,
		Cols:   3,
		Format: device.ImageFormat{Size: 72, Encoding: device.RGB565},
	})
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Render.FPS = 100
	d := config.DefaultDevice()
	d.Pages = 2
	d.DisplayTimeout = 0
	d.SetButton(0, 0, config.ButtonConfig{Text: "A"})
	d.SetButton(0, 2, config.ButtonConfig{Text: "C", TextAlign: "top"})
	d.SetButton(1, 0, config.ButtonConfig{Text: "P2"})
	cfg.Devices["S1"] = d
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *display.Assets) {
	t.Helper()
	assets := display.NewAssets("", "")
	m := NewManager(Options{Config: cfg, Assets: assets})
	t.Cleanup(m.Close)
	return m, assets
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func expectedFingerprint(t *testing.T, m *Manager, assets *display.Assets, serial string, b config.ButtonConfig) display.Fingerprint {
	t.Helper()
	comp, err := m.Compositor(serial)
	require.NoError(t, err)
	return display.NewPipeline(comp.Size(), Filters(assets, b)...).Fingerprint()
}

func renderedFingerprint(t *testing.T, m *Manager, serial string, page, key int) display.Fingerprint {
	t.Helper()
	comp, err := m.Compositor(serial)
	require.NoError(t, err)
	r, err := comp.Rendered(page, key)
	require.NoError(t, err)
	require.NotNil(t, r.Image)
	return r.Fingerprint
}

func nextDeviceEvent(t *testing.T, m *Manager) DeviceEvent {
	t.Helper()
	select {
	case ev := <-m.DeviceEvents():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no device event")
	}
	return DeviceEvent{}
}

func nextKeyEvent(t *testing.T, m *Manager) KeyEvent {
	t.Helper()
	select {
	case ev := <-m.KeyEvents():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no key event")
	}
	return KeyEvent{}
}

func TestAttachBuildsFromSnapshot(t *testing.T) {
	m, assets := newTestManager(t, testConfig())
	d := newDeck("S1")
	require.NoError(t, m.Attach(d))

	ev := nextDeviceEvent(t, m)
	assert.Equal(t, Attached, ev.Kind)
	assert.Equal(t, "S1", ev.Serial)
	assert.Equal(t, 3, ev.Cols)
	assert.True(t, d.IsOpen())
	assert.Equal(t, 1, d.Resets())

	comp, err := m.Compositor("S1")
	require.NoError(t, err)
	require.NoError(t, comp.Synchronize(ctxT(t)))

	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{Text: "A"}), renderedFingerprint(t, m, "S1", 0, 0))
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{Text: "C", TextAlign: "top"}), renderedFingerprint(t, m, "S1", 0, 2))
	require.Eventually(t, func() bool { return d.Brightness() == 100 }, 2*time.Second, 10*time.Millisecond)

	infos := m.Devices()
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].Pages)
	assert.Equal(t, 72, infos[0].KeySize)
}

func TestDetachAndReattachRestoresRendering(t *testing.T) {
	m, assets := newTestManager(t, testConfig())
	d := newDeck("S1")
	require.NoError(t, m.Attach(d))
	nextDeviceEvent(t, m)

	m.Detach(d.ID())
	ev := nextDeviceEvent(t, m)
	assert.Equal(t, Detached, ev.Kind)
	assert.Equal(t, detachBrightness, d.Brightness())
	assert.Equal(t, 1, d.Closes())
	assert.False(t, d.IsOpen())
	_, err := m.Compositor("S1")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	require.NoError(t, m.Attach(d))
	comp, err := m.Compositor("S1")
	require.NoError(t, err)
	require.NoError(t, comp.Synchronize(ctxT(t)))
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{Text: "A"}), renderedFingerprint(t, m, "S1", 0, 0))
	_, ok := d.Frame(0)
	assert.True(t, ok)
}

func TestKeyEventsAreDebouncedAndSuppressedOnWake(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	d := newDeck("S1")
	require.NoError(t, m.Attach(d))

	d.Press(1, true)
	d.Press(1, true)
	ev := nextKeyEvent(t, m)
	assert.Equal(t, "S1", ev.Serial)
	assert.Equal(t, 1, ev.Key)
	assert.True(t, ev.Pressed)
	assert.False(t, ev.Suppressed)
	assert.False(t, ev.Time.IsZero())
	d.Press(1, false)
	ev = nextKeyEvent(t, m)
	assert.False(t, ev.Pressed)
	assert.False(t, ev.Suppressed)
	select {
	case extra := <-m.KeyEvents():
		t.Fatalf("bounce produced a second event: %+v", extra)
	default:
	}

	m.ToggleDimmers()
	comp, err := m.Compositor("S1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Brightness() == 20 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 20, comp.TargetBrightness())

	d.Press(2, true)
	ev = nextKeyEvent(t, m)
	assert.True(t, ev.Suppressed, "a press that wakes the display is suppressed")
	d.Press(2, false)
	ev = nextKeyEvent(t, m)
	assert.True(t, ev.Suppressed, "its release is suppressed too")

	d.Press(2, true)
	ev = nextKeyEvent(t, m)
	assert.False(t, ev.Suppressed)
	d.Press(2, false)
	nextKeyEvent(t, m)
}

func TestToggleDimmers(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Attach(newDeck("S1")))
	require.NoError(t, m.Attach(newDeck("S2")))

	dimmed := func() []bool {
		var out []bool
		for _, info := range m.Devices() {
			out = append(out, info.Dimmed)
		}
		return out
	}

	m.ToggleDimmers()
	assert.Equal(t, []bool{true, true}, dimmed())

	woke, err := m.ResetDimmer("S2")
	require.NoError(t, err)
	assert.True(t, woke)
	m.ToggleDimmers()
	assert.Equal(t, []bool{true, true}, dimmed(), "any awake device dims everything")

	m.ToggleDimmers()
	assert.Equal(t, []bool{false, false}, dimmed())
}

func TestSetButtonAndSwap(t *testing.T) {
	m, assets := newTestManager(t, testConfig())
	require.NoError(t, m.Attach(newDeck("S1")))
	ctx := ctxT(t)

	b := config.ButtonConfig{Text: "B"}
	require.NoError(t, m.SetButton(ctx, "S1", 0, 1, b))
	assert.Equal(t, "B", m.Button("S1", 0, 1).Text)
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", b), renderedFingerprint(t, m, "S1", 0, 1))

	require.NoError(t, m.SwapButtons(ctx, "S1", 0, 0, 1))
	assert.Equal(t, "B", m.Button("S1", 0, 0).Text)
	assert.Equal(t, "A", m.Button("S1", 0, 1).Text)
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", b), renderedFingerprint(t, m, "S1", 0, 0))
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{Text: "A"}), renderedFingerprint(t, m, "S1", 0, 1))

	assert.ErrorIs(t, m.SetButton(ctx, "S1", 0, 7, b), display.ErrInvalidButton)
	assert.ErrorIs(t, m.SetButton(ctx, "S1", 4, 0, b), display.ErrInvalidPage)
}

func TestSetPage(t *testing.T) {
	m, assets := newTestManager(t, testConfig())
	require.NoError(t, m.Attach(newDeck("S1")))

	require.NoError(t, m.SetPage(ctxT(t), "S1", 1))
	assert.Equal(t, 1, m.Snapshot().Devices["S1"].Page)
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{Text: "P2"}), renderedFingerprint(t, m, "S1", 1, 0))
	assert.ErrorIs(t, m.SetPage(ctxT(t), "S1", 2), display.ErrInvalidPage)
}

func TestBrightnessSettings(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	d := newDeck("S1")
	require.NoError(t, m.Attach(d))

	require.NoError(t, m.SetBrightness("S1", 70))
	require.Eventually(t, func() bool { return d.Brightness() == 70 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.ChangeBrightness("S1", 50))
	assert.Equal(t, 100, m.Snapshot().Devices["S1"].Brightness)
	require.Eventually(t, func() bool { return d.Brightness() == 100 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.SetBrightnessDimmed("S1", 50))
	require.NoError(t, m.SetDisplayTimeout("S1", 30*time.Second))
	assert.Equal(t, 30, m.Snapshot().Devices["S1"].DisplayTimeout)

	m.ToggleDimmers()
	require.Eventually(t, func() bool { return d.Brightness() == 50 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownDevice(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	ctx := ctxT(t)
	assert.ErrorIs(t, m.SetPage(ctx, "nope", 0), ErrUnknownDevice)
	assert.ErrorIs(t, m.SetButton(ctx, "nope", 0, 0, config.ButtonConfig{}), ErrUnknownDevice)
	assert.ErrorIs(t, m.SetBrightness("nope", 1), ErrUnknownDevice)
	_, err := m.ResetDimmer("nope")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	m.Detach("nope")
}

func TestReloadRebuildsAttachedDevices(t *testing.T) {
	m, assets := newTestManager(t, testConfig())
	require.NoError(t, m.Attach(newDeck("S1")))
	comp, err := m.Compositor("S1")
	require.NoError(t, err)
	require.NoError(t, comp.Synchronize(ctxT(t)))

	next := testConfig()
	d := next.Devices["S1"]
	d.SetButton(0, 0, config.ButtonConfig{Text: "Z"})
	d.SetButton(0, 2, config.ButtonConfig{})
	next.Devices["S1"] = d
	m.Reload(next)

	require.NoError(t, comp.Synchronize(ctxT(t)))
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{Text: "Z"}), renderedFingerprint(t, m, "S1", 0, 0))
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{}), renderedFingerprint(t, m, "S1", 0, 2))
}

func TestCloseDetachesEverything(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	d := newDeck("S1")
	require.NoError(t, m.Attach(d))
	m.Close()
	assert.Empty(t, m.Devices())
	assert.Equal(t, 1, d.Closes())
	assert.ErrorIs(t, m.Attach(newDeck("S3")), ErrClosed)
}

func TestDimmerStateAfterAttach(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Attach(newDeck("S1")))
	h, err := m.lookup("S1")
	require.NoError(t, err)
	assert.Equal(t, dimmer.Awake, h.dimmer.State())
	assert.Equal(t, time.Duration(0), h.dimmer.Timeout())
}

func TestReloadChangesPageCount(t *testing.T) {
	m, assets := newTestManager(t, testConfig())
	d := newDeck("S1")
	require.NoError(t, m.Attach(d))
	nextDeviceEvent(t, m)

	next := testConfig()
	dc := next.Devices["S1"]
	dc.Pages = 4
	dc.Page = 3
	dc.SetButton(3, 1, config.ButtonConfig{Text: "P4"})
	next.Devices["S1"] = dc
	m.Reload(next)

	assert.Equal(t, Detached, nextDeviceEvent(t, m).Kind)
	assert.Equal(t, Attached, nextDeviceEvent(t, m).Kind)
	assert.True(t, d.IsOpen())

	comp, err := m.Compositor("S1")
	require.NoError(t, err)
	assert.Equal(t, 4, comp.Pages())
	assert.Equal(t, 3, comp.Page())
	require.NoError(t, comp.Synchronize(ctxT(t)))
	assert.Equal(t, expectedFingerprint(t, m, assets, "S1", config.ButtonConfig{Text: "P4"}), renderedFingerprint(t, m, "S1", 3, 1))

	require.NoError(t, m.SetPage(ctxT(t), "S1", 2))
	assert.Equal(t, 2, m.Devices()[0].Page)

	dc.Pages = 1
	next.Devices["S1"] = dc
	m.Reload(next)
	comp, err = m.Compositor("S1")
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Pages())
	assert.Equal(t, 0, comp.Page())
	assert.ErrorIs(t, m.SetPage(ctxT(t), "S1", 1), display.ErrInvalidPage)
}

// closingDeck closes the manager while an attach is in progress.
type closingDeck struct {
	*virtual.Deck
	m *Manager
}

func (d *closingDeck) Reset() error {
	d.m.Close()
	return d.Deck.Reset()
}

func TestAttachRacingClose(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	d := &closingDeck{Deck: newDeck("S1"), m: m}

	assert.ErrorIs(t, m.Attach(d), ErrClosed)
	assert.Empty(t, m.Devices())
	assert.False(t, d.IsOpen())
	assert.False(t, m.hasID(d.ID()))

	time.Sleep(50 * time.Millisecond)
	_, ok := d.Frame(0)
	assert.False(t, ok)
}
