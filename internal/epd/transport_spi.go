package epd

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPIConfig names the bus and pins of a panel wired to a Linux host.
// Pin names are resolved through periph's gpioreg ("GPIO25", "P1_22", ...).
type SPIConfig struct {
	Port    string // "" selects the first SPI port, typically /dev/spidev0.0
	SpeedHz int64
	DC      string
	CS      string
	RST     string
	Busy    string
}

// DefaultSPIConfig matches the Waveshare e-Paper HAT wiring.
func DefaultSPIConfig() SPIConfig {
	return SPIConfig{
		SpeedHz: 4_000_000,
		DC:      "GPIO25",
		CS:      "GPIO8",
		RST:     "GPIO17",
		Busy:    "GPIO24",
	}
}

// defaultMaxTx is the spidev default buffer size.
const defaultMaxTx = 4096

// SPITransport drives the panel through periph.io.
type SPITransport struct {
	cfg SPIConfig

	port   spi.Port
	closer interface{ Close() error }
	c      spi.Conn
	maxTx  int

	dc   gpio.PinOut
	cs   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn
}

// OpenSPI returns a transport that resolves the host bus and pins from cfg
// on Bringup.
func OpenSPI(cfg SPIConfig) *SPITransport {
	if cfg.SpeedHz <= 0 {
		cfg.SpeedHz = DefaultSPIConfig().SpeedHz
	}
	return &SPITransport{cfg: cfg}
}

// NewSPITransport wires an already opened port and pins; Bringup only
// connects and configures them.
func NewSPITransport(p spi.Port, dc, cs, rst gpio.PinOut, busy gpio.PinIn, speedHz int64) *SPITransport {
	t := OpenSPI(SPIConfig{SpeedHz: speedHz})
	t.port = p
	t.dc, t.cs, t.rst, t.busy = dc, cs, rst, busy
	return t
}

// Bringup initializes periph (when needed), connects the SPI port in mode 0
// and puts the lines in their idle state.
func (t *SPITransport) Bringup() error {
	if t.c != nil {
		return nil
	}

	if t.port == nil {
		if _, err := host.Init(); err != nil {
			return fmt.Errorf("periph host init failed: %w", err)
		}
		pc, err := spireg.Open(t.cfg.Port)
		if err != nil {
			return fmt.Errorf("failed to open SPI port %q: %w", t.cfg.Port, err)
		}
		t.port = pc
		t.closer = pc

		if err := t.resolvePins(); err != nil {
			_ = pc.Close()
			t.port, t.closer = nil, nil
			return err
		}
	}

	c, err := t.port.Connect(physic.Frequency(t.cfg.SpeedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("failed to connect SPI: %w", err)
	}

	t.maxTx = defaultMaxTx
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		t.maxTx = l.MaxTxSize()
	}

	if err := t.busy.In(gpio.Float, gpio.NoEdge); err != nil {
		return fmt.Errorf("busy pin In failed: %w", err)
	}
	if err := t.cs.Out(gpio.High); err != nil {
		return fmt.Errorf("cs pin Out failed: %w", err)
	}
	if err := t.dc.Out(gpio.Low); err != nil {
		return fmt.Errorf("dc pin Out failed: %w", err)
	}
	if err := t.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("rst pin Out failed: %w", err)
	}

	t.c = c
	return nil
}

func (t *SPITransport) resolvePins() error {
	lookup := func(name string) (gpio.PinIO, error) {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("gpio %s not found", name)
		}
		return p, nil
	}

	var err error
	if t.dc, err = lookup(t.cfg.DC); err != nil {
		return err
	}
	if t.cs, err = lookup(t.cfg.CS); err != nil {
		return err
	}
	if t.rst, err = lookup(t.cfg.RST); err != nil {
		return err
	}
	if t.busy, err = lookup(t.cfg.Busy); err != nil {
		return err
	}
	return nil
}

func (t *SPITransport) Out(line Line, l gpio.Level) error {
	var p gpio.PinOut
	switch line {
	case LineDC:
		p = t.dc
	case LineCS:
		p = t.cs
	case LineRST:
		p = t.rst
	}
	if p == nil {
		return fmt.Errorf("line %s not configured", line)
	}
	return p.Out(l)
}

// Busy fails until Bringup has configured the BUSY pin as an input.
func (t *SPITransport) Busy() (gpio.Level, error) {
	if t.c == nil || t.busy == nil {
		return gpio.Low, fmt.Errorf("spi not connected")
	}
	return t.busy.Read(), nil
}

func (t *SPITransport) Delay(d time.Duration) {
	time.Sleep(d)
}

// Tx writes w, split into chunks the port accepts.
func (t *SPITransport) Tx(w []byte) error {
	if t.c == nil {
		return fmt.Errorf("spi not connected")
	}
	for len(w) > 0 {
		n := len(w)
		if n > t.maxTx {
			n = t.maxTx
		}
		if err := t.c.Tx(w[:n], nil); err != nil {
			return err
		}
		w = w[n:]
	}
	return nil
}

// Close releases the SPI port when this transport opened it.
func (t *SPITransport) Close() error {
	t.c = nil
	if t.closer != nil {
		err := t.closer.Close()
		t.closer = nil
		t.port = nil
		return err
	}
	return nil
}

func (t *SPITransport) String() string {
	return fmt.Sprintf("epd.SPITransport{%s, dc=%s, busy=%s}", t.c, t.dc, t.busy)
}
