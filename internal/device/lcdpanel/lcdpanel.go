// Package lcdpanel drives a single SPI LCD as a grid of virtual keys. Each
// key owns a square tile of the panel; presses come from an evdev input
// device whose key codes map in order to key indexes.
package lcdpanel

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/photonicat/keydeck/internal/device"
)

// MIPI DCS commands understood by the ST7789/GC9307 family.
const (
	cmdSWRESET = 0x01
	cmdSLPOUT  = 0x11
	cmdNORON   = 0x13
	cmdINVON   = 0x21
	cmdDISPON  = 0x29
	cmdCASET   = 0x2A
	cmdRASET   = 0x2B
	cmdRAMWR   = 0x2C
	cmdMADCTL  = 0x36
	cmdCOLMOD  = 0x3A
)

// maxChunk bounds a single SPI transfer, spidev rejects larger ones by
// default.
const maxChunk = 4096

// Config describes the panel wiring and the key grid drawn on it.
type Config struct {
	Serial    string
	SPIPort   string
	SPIMHz    int
	DCPin     string
	ResetPin  string
	Backlight string
	Width     int
	Height    int
	XOffset   int
	YOffset   int
	Rows      int
	Cols      int
	KeySize   int
	// InputDevice is an evdev path or device name, empty for no keys.
	InputDevice string
	// KeyCodes maps evdev key codes to key indexes by position.
	KeyCodes []int
}

// bus is the panel's command/data interface.
type bus interface {
	Command(cmd byte, args ...byte) error
	Data(p []byte) error
	Close() error
}

// Panel is a device.Transport over an SPI LCD.
type Panel struct {
	cfg    Config
	logger hclog.Logger

	connected atomic.Bool

	mu            sync.Mutex
	bus           bus
	maxBrightness int
	keys          *keyReader

	cbMu     sync.Mutex
	callback device.KeyFunc

	openBus func(Config) (bus, error)
}

// New returns an unopened panel.
func New(cfg Config, logger hclog.Logger) *Panel {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.SPIMHz <= 0 {
		cfg.SPIMHz = 100
	}
	p := &Panel{
		cfg:     cfg,
		logger:  logger.Named("lcdpanel").With("serial", cfg.Serial),
		openBus: openSPI,
	}
	p.connected.Store(true)
	return p
}

func (p *Panel) ID() string     { return "lcd:" + p.cfg.SPIPort }
func (p *Panel) Serial() string { return p.cfg.Serial }

func (p *Panel) Connected() bool       { return p.connected.Load() }
func (p *Panel) KeyLayout() (int, int) { return p.cfg.Rows, p.cfg.Cols }
func (p *Panel) KeyCount() int         { return p.cfg.Rows * p.cfg.Cols }

func (p *Panel) ImageFormat() device.ImageFormat {
	return device.ImageFormat{Size: p.cfg.KeySize, Encoding: device.RGB565}
}

// Open connects the SPI bus, initializes the controller and starts reading
// keys.
func (p *Panel) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bus != nil {
		return nil
	}
	b, err := p.openBus(p.cfg)
	if err != nil {
		return err
	}
	if err := initController(b); err != nil {
		b.Close()
		return fmt.Errorf("init panel: %w", err)
	}
	p.bus = b
	p.maxBrightness = readMaxBrightness(p.cfg.Backlight)
	p.connected.Store(true)

	if p.cfg.InputDevice != "" {
		kr, err := openKeyReader(p.cfg.InputDevice, p.keyCodes(), p.logger, p.dispatch)
		if err != nil {
			p.logger.Warn("no key input", "device", p.cfg.InputDevice, "error", err)
		} else {
			p.keys = kr
		}
	}
	p.logger.Info("panel opened", "port", p.cfg.SPIPort, "width", p.cfg.Width, "height", p.cfg.Height)
	return nil
}

func (p *Panel) keyCodes() []int {
	if len(p.cfg.KeyCodes) > 0 {
		return p.cfg.KeyCodes
	}
	// KEY_1 upwards
	codes := make([]int, p.KeyCount())
	for i := range codes {
		codes[i] = 2 + i
	}
	return codes
}

func initController(b bus) error {
	steps := []struct {
		cmd   byte
		args  []byte
		pause time.Duration
	}{
		{cmdSWRESET, nil, 150 * time.Millisecond},
		{cmdSLPOUT, nil, 120 * time.Millisecond},
		{cmdCOLMOD, []byte{0x55}, 10 * time.Millisecond},
		{cmdMADCTL, []byte{0x00}, 0},
		{cmdINVON, nil, 10 * time.Millisecond},
		{cmdNORON, nil, 10 * time.Millisecond},
		{cmdDISPON, nil, 10 * time.Millisecond},
	}
	for _, s := range steps {
		if err := b.Command(s.cmd, s.args...); err != nil {
			return err
		}
		if s.pause > 0 {
			time.Sleep(s.pause)
		}
	}
	return nil
}

// Reset blanks every key tile.
func (p *Panel) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bus == nil {
		return device.ErrDisconnected
	}
	black := make([]byte, p.cfg.KeySize*p.cfg.KeySize*2)
	for key := 0; key < p.KeyCount(); key++ {
		if err := p.writeTile(key, black); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the bus. The panel is soldered on, so a closed panel
// reports itself connected again and the next poll reopens it.
func (p *Panel) Close() error {
	p.mu.Lock()
	b, kr := p.bus, p.keys
	p.bus, p.keys = nil, nil
	p.mu.Unlock()
	p.connected.Store(true)
	if kr != nil {
		kr.Close()
	}
	if b == nil {
		return nil
	}
	return b.Close()
}

// SetBrightness writes the sysfs backlight. Zero keeps the panel at its
// lowest visible level; the controller stays on.
func (p *Panel) SetBrightness(percent int) error {
	percent = device.ClampBrightness(percent)
	p.mu.Lock()
	maxLevel := p.maxBrightness
	p.mu.Unlock()
	if p.cfg.Backlight == "" {
		return nil
	}
	phys := percent * maxLevel / 100
	if phys < 1 {
		phys = 1
	}
	if err := os.WriteFile(p.cfg.Backlight, []byte(strconv.Itoa(phys)), 0644); err != nil {
		return fmt.Errorf("backlight write: %w", err)
	}
	return nil
}

// PushFrame writes one RGB565 tile.
func (p *Panel) PushFrame(key int, native []byte) error {
	if key < 0 || key >= p.KeyCount() {
		return fmt.Errorf("key %d out of range", key)
	}
	if want := p.cfg.KeySize * p.cfg.KeySize * 2; len(native) != want {
		return fmt.Errorf("tile is %d bytes, want %d", len(native), want)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bus == nil {
		return device.ErrDisconnected
	}
	if err := p.writeTile(key, native); err != nil {
		p.connected.Store(false)
		return fmt.Errorf("%w: %v", device.ErrDisconnected, err)
	}
	p.connected.Store(true)
	return nil
}

// tileOrigin is the panel coordinate of a key's top left pixel. The grid
// is centered on the panel.
func (p *Panel) tileOrigin(key int) (x, y int) {
	c := p.cfg
	row, col := key/c.Cols, key%c.Cols
	x = c.XOffset + (c.Width-c.Cols*c.KeySize)/2 + col*c.KeySize
	y = c.YOffset + (c.Height-c.Rows*c.KeySize)/2 + row*c.KeySize
	return x, y
}

// writeTile requires p.mu.
func (p *Panel) writeTile(key int, pix []byte) error {
	x0, y0 := p.tileOrigin(key)
	x1, y1 := x0+p.cfg.KeySize-1, y0+p.cfg.KeySize-1
	if err := p.bus.Command(cmdCASET, byte(x0>>8), byte(x0), byte(x1>>8), byte(x1)); err != nil {
		return err
	}
	if err := p.bus.Command(cmdRASET, byte(y0>>8), byte(y0), byte(y1>>8), byte(y1)); err != nil {
		return err
	}
	if err := p.bus.Command(cmdRAMWR); err != nil {
		return err
	}
	for len(pix) > 0 {
		n := len(pix)
		if n > maxChunk {
			n = maxChunk
		}
		if err := p.bus.Data(pix[:n]); err != nil {
			return err
		}
		pix = pix[n:]
	}
	return nil
}

func (p *Panel) SetKeyCallback(fn device.KeyFunc) {
	p.cbMu.Lock()
	p.callback = fn
	p.cbMu.Unlock()
}

func (p *Panel) dispatch(key int, pressed bool) {
	p.cbMu.Lock()
	fn := p.callback
	p.cbMu.Unlock()
	if fn != nil {
		fn(key, pressed)
	}
}

func readMaxBrightness(path string) int {
	if path == "" {
		return 100
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "max_brightness"))
	if err != nil {
		return 100
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || v <= 0 {
		return 100
	}
	return v
}

// spiBus talks to the controller over periph's SPI and GPIO drivers.
type spiBus struct {
	port spi.PortCloser
	conn spi.Conn
	dc   gpio.PinOut
}

func openSPI(cfg Config) (bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.SPIPort, err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.SPIMHz)*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.SPIPort, err)
	}
	dc := gpioreg.ByName(cfg.DCPin)
	if dc == nil {
		port.Close()
		return nil, fmt.Errorf("no gpio %s", cfg.DCPin)
	}
	if rst := gpioreg.ByName(cfg.ResetPin); rst != nil {
		_ = rst.Out(gpio.High)
		time.Sleep(10 * time.Millisecond)
		_ = rst.Out(gpio.Low)
		time.Sleep(10 * time.Millisecond)
		_ = rst.Out(gpio.High)
		time.Sleep(120 * time.Millisecond)
	}
	return &spiBus{port: port, conn: conn, dc: dc}, nil
}

func (b *spiBus) Command(cmd byte, args ...byte) error {
	if err := b.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := b.conn.Tx([]byte{cmd}, nil); err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	return b.Data(args)
}

func (b *spiBus) Data(p []byte) error {
	if err := b.dc.Out(gpio.High); err != nil {
		return err
	}
	return b.conn.Tx(p, nil)
}

func (b *spiBus) Close() error { return b.port.Close() }
