package battery

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Status represents current battery status for the clock face and API.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, if known.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how we obtain battery information.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// PiSugar3 registers.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A

	// DefaultAddr is the PiSugar3 7-bit address.
	DefaultAddr = 0x75
)

// mockReader is used for demo/development. It returns a pseudo-random
// percentage and no real voltage information.
type mockReader struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockReader constructs a mock Reader that generates random percentages,
// for dry runs on machines without the gauge.
func NewMockReader() Reader {
	return &mockReader{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *mockReader) Read(_ context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Percent: 20 + m.rnd.Intn(81)}, nil // 20..100 inclusive
}

// i2cReader talks to a PiSugar3-style gauge:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0–100)
type i2cReader struct {
	busName string
	addr    uint16

	// bus is set when the caller owns the bus; otherwise it is opened per Read.
	bus i2c.Bus
}

// NewI2CReader constructs an I2C-backed Reader.
//
//   - busName: I2C bus identifier for periph.io ("" for default, typically /dev/i2c-1 on Raspberry Pi)
//   - addr:    7-bit I2C address of the battery controller (PiSugar3는 일반적으로 0x75 사용)
//
// 이 함수는 단순히 구성을 보관만 하고, 실제 I2C 연결/host.Init은 Read 시점에 수행한다.
func NewI2CReader(busName string, addr uint16) Reader {
	return &i2cReader{busName: busName, addr: addr}
}

// NewBusReader reads the gauge over an already opened bus.
func NewBusReader(bus i2c.Bus, addr uint16) Reader {
	return &i2cReader{bus: bus, addr: addr}
}

// Read implements Reader for the I2C-backed reader.
func (r *i2cReader) Read(_ context.Context) (Status, error) {
	bus := r.bus
	if bus == nil {
		// 플랫폼 체크: Linux 가 아닌 경우에는 I2C를 시도하지 않는다.
		if runtime.GOOS != "linux" {
			return Status{}, errors.New("battery: i2c reader unavailable on this platform")
		}
		if _, err := host.Init(); err != nil {
			return Status{}, err
		}
		bc, err := i2creg.Open(r.busName)
		if err != nil {
			return Status{}, err
		}
		defer bc.Close()
		bus = bc
	}

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}

	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	high, err := readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}

	return Status{
		Percent:   int(pct),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

// DefaultReader returns the I2C reader when a probe read succeeds and the
// mock reader otherwise.
//
// 이렇게 하면 HTTP 핸들러와 clock face는 Reader 인터페이스만 사용하고,
// 실제 하드웨어가 없거나 초기화 실패 시에도 안전하게 동작한다.
func DefaultReader(busName string, addr uint16) Reader {
	if runtime.GOOS != "linux" {
		return NewMockReader()
	}
	if addr == 0 {
		addr = DefaultAddr
	}
	r := NewI2CReader(busName, addr)
	if _, err := r.Read(context.Background()); err != nil {
		return NewMockReader()
	}
	return r
}

// Cache wraps a Reader and serves the last good reading for ttl. A failed
// read returns the stale value, if any, alongside the error.
type Cache struct {
	r   Reader
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	last Status
	at   time.Time
	ok   bool
}

func NewCache(r Reader, ttl time.Duration) *Cache {
	return &Cache{r: r, ttl: ttl, now: time.Now}
}

func (c *Cache) Read(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ok && c.now().Sub(c.at) < c.ttl {
		return c.last, nil
	}
	st, err := c.r.Read(ctx)
	if err != nil {
		return c.last, err
	}
	c.last, c.at, c.ok = st, c.now(), true
	return st, nil
}
