package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	// Minimal Pi images often ship without zoneinfo.
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"eclock/internal/epd"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// PinsConfig names the panel lines as periph pin names ("GPIO25", "P1_22", ...).
type PinsConfig struct {
	DC   string `yaml:"dc" json:"dc"`
	CS   string `yaml:"cs" json:"cs"`
	RST  string `yaml:"rst" json:"rst"`
	Busy string `yaml:"busy" json:"busy"`
}

// SPIConfig selects the SPI port.
type SPIConfig struct {
	// Port is a periph spireg name; empty selects the first port.
	Port    string `yaml:"port" json:"port"`
	SpeedHz int64  `yaml:"speed_hz" json:"speed_hz"`
}

// PanelConfig selects the panel model and how it is wired.
type PanelConfig struct {
	// Model is one of "2in13_v3", "2in9b_v3", "4in2b_v2".
	Model string `yaml:"model" json:"model"`

	// Width/Height override the model geometry when non-zero.
	Width  int `yaml:"width,omitempty" json:"width,omitempty"`
	Height int `yaml:"height,omitempty" json:"height,omitempty"`

	// Revision overrides the controller family: "ssd1680" (BUSY high) or
	// "uc8176" (BUSY low).
	Revision string `yaml:"revision,omitempty" json:"revision,omitempty"`

	// EntryMode overrides the RAM entry direction: "y_decrement" or "y_increment".
	EntryMode string `yaml:"entry_mode,omitempty" json:"entry_mode,omitempty"`

	SPI  SPIConfig  `yaml:"spi" json:"spi"`
	Pins PinsConfig `yaml:"pins" json:"pins"`

	BusyPollMs int `yaml:"busy_poll_ms" json:"busy_poll_ms"`
	// BusyTimeoutMs bounds every BUSY wait. Negative waits forever.
	BusyTimeoutMs int `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
}

// IngestConfig sizes the frame decoder. Zero values default to the panel's
// bytes per plane.
type IngestConfig struct {
	Capacity  int `yaml:"capacity" json:"capacity"`
	Threshold int `yaml:"threshold" json:"threshold"`
	// IdleTimeoutMs aborts a transfer that stalls for this long; 0 disables.
	IdleTimeoutMs int `yaml:"idle_timeout_ms" json:"idle_timeout_ms"`
}

// SerialConfig is a serial byte stream, e.g. a Bluetooth SPP bridge on
// /dev/rfcomm0. An empty port disables it.
type SerialConfig struct {
	Port string `yaml:"port" json:"port"`
	Baud int    `yaml:"baud" json:"baud"`
}

// LinkConfig lists the byte-stream links feeding the decoder.
type LinkConfig struct {
	Serial SerialConfig `yaml:"serial" json:"serial"`
	// WebSocket mounts a binary websocket link at /ws on the API listener.
	WebSocket bool `yaml:"websocket" json:"websocket"`
}

// RefreshConfig is the clock redraw cadence.
type RefreshConfig struct {
	// FullCron forces a full refresh (cron spec with seconds), by default
	// at the top of every hour.
	FullCron string `yaml:"full_cron" json:"full_cron"`
	// TickCron redraws the clock face.
	TickCron string `yaml:"tick_cron" json:"tick_cron"`
	// PartialLimit is the number of partial refreshes before a full one.
	PartialLimit int `yaml:"partial_limit" json:"partial_limit"`
}

// BatteryConfig enables the PiSugar-style I2C battery gauge.
type BatteryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	I2CBus  string `yaml:"i2c_bus" json:"i2c_bus"`
	Addr    uint16 `yaml:"addr" json:"addr"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone of the clock face (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	Panel   PanelConfig   `yaml:"panel" json:"panel"`
	Ingest  IngestConfig  `yaml:"ingest" json:"ingest"`
	Link    LinkConfig    `yaml:"link" json:"link"`
	Refresh RefreshConfig `yaml:"refresh" json:"refresh"`
	Battery BatteryConfig `yaml:"battery" json:"battery"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "Asia/Seoul"
	defaultModel        = "2in13_v3"
	defaultBusyPollMs   = 10
	defaultBusyTimeout  = 30000
	defaultBaud         = 115200
	defaultFullCron     = "0 0 * * * *"
	defaultTickCron     = "* * * * * *"
	defaultPartialLimit = 600
	defaultI2CBus       = "1"
	defaultBatteryAddr  = 0x75
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	spi := epd.DefaultSPIConfig()
	c := &Config{
		Listen:   defaultListen,
		Timezone: defaultTimezone,
		Panel: PanelConfig{
			Model: defaultModel,
			SPI:   SPIConfig{SpeedHz: spi.SpeedHz},
			Pins: PinsConfig{
				DC:   spi.DC,
				CS:   spi.CS,
				RST:  spi.RST,
				Busy: spi.Busy,
			},
			BusyPollMs:    defaultBusyPollMs,
			BusyTimeoutMs: defaultBusyTimeout,
		},
		Link: LinkConfig{
			Serial:    SerialConfig{Baud: defaultBaud},
			WebSocket: true,
		},
		Refresh: RefreshConfig{
			FullCron:     defaultFullCron,
			TickCron:     defaultTickCron,
			PartialLimit: defaultPartialLimit,
		},
		Battery: BatteryConfig{
			I2CBus: defaultI2CBus,
			Addr:   defaultBatteryAddr,
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}

	p := &c.Panel
	if p.Model == "" {
		p.Model = defaultModel
	}
	spi := epd.DefaultSPIConfig()
	if p.SPI.SpeedHz <= 0 {
		p.SPI.SpeedHz = spi.SpeedHz
	}
	if p.Pins.DC == "" {
		p.Pins.DC = spi.DC
	}
	if p.Pins.CS == "" {
		p.Pins.CS = spi.CS
	}
	if p.Pins.RST == "" {
		p.Pins.RST = spi.RST
	}
	if p.Pins.Busy == "" {
		p.Pins.Busy = spi.Busy
	}
	if p.BusyPollMs <= 0 {
		p.BusyPollMs = defaultBusyPollMs
	}
	if p.BusyTimeoutMs == 0 {
		p.BusyTimeoutMs = defaultBusyTimeout
	}

	// Ingest sizes default to one black plane of the selected panel. An
	// unknown model is reported by Validate, not here.
	if m, err := c.PanelModel(); err == nil {
		n := m.Geometry.BytesPerPlane()
		if c.Ingest.Capacity <= 0 {
			c.Ingest.Capacity = n
		}
		if c.Ingest.Threshold <= 0 {
			c.Ingest.Threshold = min(n, c.Ingest.Capacity)
		}
	}
	if c.Ingest.IdleTimeoutMs < 0 {
		c.Ingest.IdleTimeoutMs = 0
	}

	if c.Link.Serial.Baud <= 0 {
		c.Link.Serial.Baud = defaultBaud
	}

	if c.Refresh.FullCron == "" {
		c.Refresh.FullCron = defaultFullCron
	}
	if c.Refresh.TickCron == "" {
		c.Refresh.TickCron = defaultTickCron
	}
	if c.Refresh.PartialLimit <= 0 {
		c.Refresh.PartialLimit = defaultPartialLimit
	}

	if c.Battery.I2CBus == "" {
		c.Battery.I2CBus = defaultI2CBus
	}
	if c.Battery.Addr == 0 {
		c.Battery.Addr = defaultBatteryAddr
	}
}

// PanelModel resolves the panel preset with the configured overrides applied.
func (c *Config) PanelModel() (epd.Model, error) {
	p := c.Panel
	m, ok := epd.ModelByName(p.Model)
	if !ok {
		return epd.Model{}, fmt.Errorf("config: unknown panel model %q", p.Model)
	}
	if p.Width > 0 {
		m.Geometry.Width = p.Width
	}
	if p.Height > 0 {
		m.Geometry.Height = p.Height
	}
	if p.Revision != "" {
		r, ok := epd.RevisionByName(p.Revision)
		if !ok {
			return epd.Model{}, fmt.Errorf("config: unknown panel revision %q", p.Revision)
		}
		m.Revision = r
	}
	switch strings.ToLower(p.EntryMode) {
	case "":
	case "y_decrement":
		m.EntryMode = epd.YDecrement
	case "y_increment":
		m.EntryMode = epd.YIncrement
	default:
		return epd.Model{}, fmt.Errorf("config: unknown entry mode %q", p.EntryMode)
	}
	return m, nil
}

// DriverOptions converts the BUSY settings.
func (c *Config) DriverOptions() epd.Options {
	opts := epd.Options{
		BusyPoll:    time.Duration(c.Panel.BusyPollMs) * time.Millisecond,
		BusyTimeout: time.Duration(c.Panel.BusyTimeoutMs) * time.Millisecond,
	}
	if c.Panel.BusyTimeoutMs < 0 {
		opts.BusyTimeout = 0
	}
	return opts
}

// SPI converts the bus and pin settings.
func (c *Config) SPI() epd.SPIConfig {
	return epd.SPIConfig{
		Port:    c.Panel.SPI.Port,
		SpeedHz: c.Panel.SPI.SpeedHz,
		DC:      c.Panel.Pins.DC,
		CS:      c.Panel.Pins.CS,
		RST:     c.Panel.Pins.RST,
		Busy:    c.Panel.Pins.Busy,
	}
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	m, err := c.PanelModel()
	if err != nil {
		return err
	}
	n := m.Geometry.BytesPerPlane()
	if c.Ingest.Threshold > c.Ingest.Capacity {
		return fmt.Errorf("config: ingest threshold %d exceeds capacity %d", c.Ingest.Threshold, c.Ingest.Capacity)
	}
	if c.Ingest.Threshold > n {
		return fmt.Errorf("config: ingest threshold %d exceeds the %s plane size %d", c.Ingest.Threshold, m.Geometry, n)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".eclock-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
