package epd

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Line names an output line of the panel interface.
type Line int

const (
	LineDC Line = iota
	LineCS
	LineRST
)

func (l Line) String() string {
	switch l {
	case LineDC:
		return "DC"
	case LineCS:
		return "CS"
	case LineRST:
		return "RST"
	default:
		return "?"
	}
}

// Transport is the only thing the driver talks to: digital output lines,
// the BUSY input, a delay primitive and byte transfers on the bus.
type Transport interface {
	// Bringup opens the bus and configures the lines. It is called by
	// Init and must be idempotent.
	Bringup() error
	Out(line Line, l gpio.Level) error
	// Busy reads the BUSY input. It fails when the line is not set up.
	Busy() (gpio.Level, error)
	Delay(d time.Duration)
	Tx(w []byte) error
	Close() error
}

// NopTransport accepts everything and never reports BUSY. It backs dry
// runs on machines without a panel attached.
type NopTransport struct {
	Polarity BusyPolarity
	// Written counts bytes sent over the bus.
	Written int
}

func (*NopTransport) Bringup() error { return nil }
func (*NopTransport) Out(Line, gpio.Level) error { return nil }
func (n *NopTransport) Busy() (gpio.Level, error) { return n.Polarity.idleLevel(), nil }
func (*NopTransport) Delay(time.Duration) {}
func (n *NopTransport) Tx(w []byte) error {
	n.Written += len(w)
	return nil
}
func (*NopTransport) Close() error { return nil }
