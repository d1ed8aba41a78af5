// Package config loads the keydeck configuration snapshot from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure.
type Config struct {
	Logging  LoggingConfig           `yaml:"logging"`
	Render   RenderConfig            `yaml:"render"`
	Assets   AssetsConfig            `yaml:"assets"`
	Preview  PreviewConfig           `yaml:"preview"`
	MQTT     MQTTConfig              `yaml:"mqtt"`
	Devices  map[string]DeviceConfig `yaml:"devices"`
	Virtual  []VirtualConfig         `yaml:"virtual"`
	LCDPanel LCDPanelConfig          `yaml:"lcdpanel"`
}

// LoggingConfig selects level, format and destination of the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RenderConfig tunes every device's render loop.
type RenderConfig struct {
	FPS         int  `yaml:"fps"`
	ShowPressed bool `yaml:"show_pressed"`
}

type AssetsConfig struct {
	FontsDir    string `yaml:"fonts_dir"`
	DefaultFont string `yaml:"default_font"`
}

// PreviewConfig controls the HTTP mirror of the key images.
type PreviewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig contains the event bridge connection settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// DeviceConfig is the per-serial part of the snapshot.
type DeviceConfig struct {
	Pages            int `yaml:"pages"`
	Page             int `yaml:"page"`
	Brightness       int `yaml:"brightness"`
	BrightnessDimmed int `yaml:"brightness_dimmed"`
	// DisplayTimeout is in seconds, 0 never dims.
	DisplayTimeout int                          `yaml:"display_timeout"`
	Buttons        map[int]map[int]ButtonConfig `yaml:"buttons"`
}

// ButtonConfig is what a key shows.
type ButtonConfig struct {
	Icon      string  `yaml:"icon,omitempty"`
	Text      string  `yaml:"text,omitempty"`
	Font      string  `yaml:"font,omitempty"`
	FontSize  float64 `yaml:"font_size,omitempty"`
	TextAlign string  `yaml:"text_align,omitempty"`
	Pulse     bool    `yaml:"pulse,omitempty"`
}

// Empty reports whether the button renders nothing but the black canvas.
func (b ButtonConfig) Empty() bool {
	return b.Icon == "" && b.Text == "" && !b.Pulse
}

// VirtualConfig declares an in-memory device, used for --virtual runs.
type VirtualConfig struct {
	Serial   string `yaml:"serial"`
	Rows     int    `yaml:"rows"`
	Cols     int    `yaml:"cols"`
	KeySize  int    `yaml:"key_size"`
	Format   string `yaml:"format"`
	FlipX    bool   `yaml:"flip_x"`
	FlipY    bool   `yaml:"flip_y"`
	Rotate90 bool   `yaml:"rotate90"`
}

// LCDPanelConfig describes an SPI LCD split into key tiles.
type LCDPanelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Serial      string `yaml:"serial"`
	SPIPort     string `yaml:"spi_port"`
	SPIMHz      int    `yaml:"spi_mhz"`
	DCPin       string `yaml:"dc_pin"`
	ResetPin    string `yaml:"reset_pin"`
	Backlight   string `yaml:"backlight"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	XOffset     int    `yaml:"x_offset"`
	YOffset     int    `yaml:"y_offset"`
	Rows        int    `yaml:"rows"`
	Cols        int    `yaml:"cols"`
	KeySize     int    `yaml:"key_size"`
	InputDevice string `yaml:"input_device"`
	KeyCodes    []int  `yaml:"key_codes"`
}

// DefaultDevice is the configuration of a serial that has no entry.
func DefaultDevice() DeviceConfig {
	return DeviceConfig{
		Pages:            10,
		Brightness:       100,
		BrightnessDimmed: 20,
		DisplayTimeout:   1800,
	}
}

// UnmarshalYAML starts every device entry from DefaultDevice.
func (d *DeviceConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DeviceConfig
	p := plain(DefaultDevice())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = DeviceConfig(p)
	return nil
}

// UnmarshalYAML starts every virtual device from a 3x5 stream deck layout.
func (v *VirtualConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain VirtualConfig
	p := plain{Rows: 3, Cols: 5, KeySize: 72, Format: "jpeg"}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*v = VirtualConfig(p)
	return nil
}

// Timeout is DisplayTimeout as a duration.
func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.DisplayTimeout) * time.Second
}

// Button returns the configuration of one key, the zero value if unset.
func (d DeviceConfig) Button(page, key int) ButtonConfig {
	return d.Buttons[page][key]
}

// SetButton stores b, removing the entry when b is empty.
func (d *DeviceConfig) SetButton(page, key int, b ButtonConfig) {
	if b.Empty() {
		if keys, ok := d.Buttons[page]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(d.Buttons, page)
			}
		}
		return
	}
	if d.Buttons == nil {
		d.Buttons = make(map[int]map[int]ButtonConfig)
	}
	if d.Buttons[page] == nil {
		d.Buttons[page] = make(map[int]ButtonConfig)
	}
	d.Buttons[page][key] = b
}

// Clone returns a deep copy.
func (d DeviceConfig) Clone() DeviceConfig {
	out := d
	out.Buttons = nil
	for page, keys := range d.Buttons {
		for key, b := range keys {
			out.SetButton(page, key, b)
		}
	}
	return out
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Render: RenderConfig{
			FPS:         25,
			ShowPressed: true,
		},
		Assets: AssetsConfig{
			FontsDir: "./fonts",
		},
		Preview: PreviewConfig{
			Enabled: true,
			Listen:  ":8081",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "keydeck",
			TopicPrefix: "keydeck",
		},
		Devices: make(map[string]DeviceConfig),
		LCDPanel: LCDPanelConfig{
			Serial:    "LCD1",
			SPIPort:   "SPI1.0",
			SPIMHz:    100,
			DCPin:     "GPIO121",
			ResetPin:  "GPIO122",
			Backlight: "/sys/class/backlight/backlight/brightness",
			Width:     172,
			Height:    320,
			XOffset:   34,
			Rows:      4,
			Cols:      2,
			KeySize:   80,
		},
	}
}

// Load reads, normalizes and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Devices == nil {
		cfg.Devices = make(map[string]DeviceConfig)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize clamps brightness values to [0,100] and the active page into
// [0,pages).
func (c *Config) Normalize() {
	for serial, d := range c.Devices {
		c.Devices[serial] = NormalizeDevice(d)
	}
}

// NormalizeDevice clamps the ranges of one device entry.
func NormalizeDevice(d DeviceConfig) DeviceConfig {
	d.Brightness = clamp(d.Brightness, 0, 100)
	d.BrightnessDimmed = clamp(d.BrightnessDimmed, 0, 100)
	if d.DisplayTimeout < 0 {
		d.DisplayTimeout = 0
	}
	if d.Pages > 0 {
		d.Page = clamp(d.Page, 0, d.Pages-1)
	}
	return d
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of trace, debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	default:
		errs = append(errs, "logging.output must be stdout or stderr")
	}

	if c.Render.FPS < 1 || c.Render.FPS > 120 {
		errs = append(errs, "render.fps must be between 1 and 120")
	}
	if c.Preview.Enabled && c.Preview.Listen == "" {
		errs = append(errs, "preview.listen is required when preview is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	serials := make([]string, 0, len(c.Devices))
	for s := range c.Devices {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	for _, s := range serials {
		errs = append(errs, validateDevice(s, c.Devices[s])...)
	}

	seen := make(map[string]bool)
	for i, v := range c.Virtual {
		prefix := fmt.Sprintf("virtual[%d]", i)
		if v.Serial == "" {
			errs = append(errs, prefix+".serial is required")
		} else if seen[v.Serial] {
			errs = append(errs, fmt.Sprintf("%s.serial %q is duplicated", prefix, v.Serial))
		}
		seen[v.Serial] = true
		if v.Rows < 1 || v.Cols < 1 {
			errs = append(errs, prefix+" needs at least one row and column")
		}
		if v.KeySize < 8 {
			errs = append(errs, prefix+".key_size must be at least 8")
		}
		switch v.Format {
		case "jpeg", "jpg", "bmp", "rgb565":
		default:
			errs = append(errs, fmt.Sprintf("%s.format %q is not jpeg, bmp or rgb565", prefix, v.Format))
		}
	}

	if p := c.LCDPanel; p.Enabled {
		if p.Serial == "" {
			errs = append(errs, "lcdpanel.serial is required")
		} else if seen[p.Serial] {
			errs = append(errs, fmt.Sprintf("lcdpanel.serial %q is also a virtual device", p.Serial))
		}
		if p.Rows < 1 || p.Cols < 1 || p.KeySize < 1 {
			errs = append(errs, "lcdpanel needs rows, cols and key_size")
		} else if p.Cols*p.KeySize > p.Width || p.Rows*p.KeySize > p.Height {
			errs = append(errs, fmt.Sprintf("lcdpanel grid %dx%d of %dpx keys does not fit %dx%d",
				p.Rows, p.Cols, p.KeySize, p.Width, p.Height))
		}
		if len(p.KeyCodes) > p.Rows*p.Cols {
			errs = append(errs, "lcdpanel.key_codes has more codes than keys")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func validateDevice(serial string, d DeviceConfig) []string {
	var errs []string
	prefix := fmt.Sprintf("devices[%s]", serial)
	if d.Pages < 1 {
		errs = append(errs, prefix+".pages must be at least 1")
		return errs
	}
	pages := make([]int, 0, len(d.Buttons))
	for p := range d.Buttons {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	for _, page := range pages {
		if page < 0 || page >= d.Pages {
			errs = append(errs, fmt.Sprintf("%s.buttons page %d is outside [0,%d)", prefix, page, d.Pages))
			continue
		}
		for key, b := range d.Buttons[page] {
			if key < 0 {
				errs = append(errs, fmt.Sprintf("%s.buttons[%d] key %d is negative", prefix, page, key))
			}
			switch strings.ToLower(b.TextAlign) {
			case "", "top", "middle", "center", "bottom":
			default:
				errs = append(errs, fmt.Sprintf("%s.buttons[%d][%d].text_align %q is unknown", prefix, page, key, b.TextAlign))
			}
			if b.FontSize < 0 {
				errs = append(errs, fmt.Sprintf("%s.buttons[%d][%d].font_size is negative", prefix, page, key))
			}
		}
	}
	return errs
}

// Device returns the entry for serial, or DefaultDevice if there is none.
func (c *Config) Device(serial string) DeviceConfig {
	if d, ok := c.Devices[serial]; ok {
		return d.Clone()
	}
	return DefaultDevice()
}

// Clone returns a deep copy of the snapshot.
func (c *Config) Clone() *Config {
	out := *c
	out.Devices = make(map[string]DeviceConfig, len(c.Devices))
	for s, d := range c.Devices {
		out.Devices[s] = d.Clone()
	}
	out.Virtual = append([]VirtualConfig(nil), c.Virtual...)
	out.LCDPanel.KeyCodes = append([]int(nil), c.LCDPanel.KeyCodes...)
	return &out
}
