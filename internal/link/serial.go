package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	appLog "eclock/internal/log"
)

// Serial reads a serial byte stream, such as a Bluetooth SPP bridge on
// /dev/rfcomm0 or a USB UART, and reopens the port when it goes away.
type Serial struct {
	Port    string
	Baud    int
	Sink    io.Writer
	Tracker *Tracker

	// Retry is the delay before reopening a failed port.
	Retry time.Duration

	open func(*serial.Config) (io.ReadWriteCloser, error)
}

const serialReadTimeout = 500 * time.Millisecond

func NewSerial(port string, baud int, sink io.Writer, tr *Tracker) *Serial {
	return &Serial{
		Port:    port,
		Baud:    baud,
		Sink:    sink,
		Tracker: tr,
		Retry:   2 * time.Second,
		open: func(c *serial.Config) (io.ReadWriteCloser, error) {
			p, err := serial.OpenPort(c)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

func (s *Serial) name() string {
	return "serial:" + s.Port
}

// Run keeps the port open until ctx is done.
func (s *Serial) Run(ctx context.Context) error {
	cfg := &serial.Config{Name: s.Port, Baud: s.Baud, ReadTimeout: serialReadTimeout}
	for {
		port, err := s.open(cfg)
		if err != nil {
			appLog.Warn("serial open failed", "port", s.Port, "err", err.Error())
		} else {
			err = s.serve(ctx, port)
			if ctx.Err() != nil {
				return nil
			}
			appLog.Warn("serial link dropped", "port", s.Port, "err", fmt.Sprint(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.Retry):
		}
	}
}

func (s *Serial) serve(ctx context.Context, port io.ReadWriteCloser) error {
	if s.Tracker != nil {
		s.Tracker.up(s.name())
		defer s.Tracker.down(s.name())
	}
	defer port.Close()
	return Pump(ctx, s.name(), timeoutReader{port}, s.Sink)
}

// timeoutReader maps the empty read of an expired VTIME deadline, which
// surfaces as io.EOF on a tty, to errTimeout.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
		return 0, errTimeout
	}
	return n, err
}
