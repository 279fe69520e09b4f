// Package epd drives SSD1680-class black/white(/red) e-paper panels over a
// command/data SPI bus. The register sequences follow the Good Display and
// Waveshare reference code; the bus and lines sit behind Transport so the
// same driver runs on periph.io hardware, in dry runs and in tests.
package epd

import (
	"fmt"
	"sync"
	"time"

	appLog "eclock/internal/log"
)

// RefreshKind selects the update waveform of one refresh.
type RefreshKind int

const (
	Full RefreshKind = iota
	Partial
)

func (k RefreshKind) String() string {
	if k == Partial {
		return "partial"
	}
	return "full"
}

// State is the panel session state.
type State int

const (
	Uninitialized State = iota
	Idle
	Busy
	Sleeping
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Sleeping:
		return "sleeping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tunes the BUSY wait.
type Options struct {
	// BusyPoll is the delay between two BUSY reads.
	BusyPoll time.Duration
	// BusyTimeout bounds a single wait; zero waits forever.
	BusyTimeout time.Duration
}

// DefaultOptions polls every 10ms and gives up after 30s.
func DefaultOptions() Options {
	return Options{
		BusyPoll:    10 * time.Millisecond,
		BusyTimeout: 30 * time.Second,
	}
}

// Driver is the high-level handle used by the rest of the application.
// All methods are safe for concurrent use; they are serialized because the
// panel session is not reentrant.
type Driver struct {
	mu    sync.Mutex
	t     Transport
	model Model
	opts  Options
	state State
	up    bool
}

// New returns a driver for model m on transport t. Nothing is sent until Init.
func New(t Transport, m Model, opts Options) (*Driver, error) {
	if t == nil {
		return nil, fmt.Errorf("epd: nil transport")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if opts.BusyPoll <= 0 {
		opts.BusyPoll = DefaultOptions().BusyPoll
	}
	if opts.BusyTimeout < 0 {
		opts.BusyTimeout = 0
	}
	return &Driver{t: t, model: m, opts: opts}, nil
}

func (d *Driver) Model() Model {
	return d.model
}

func (d *Driver) Geometry() Geometry {
	return d.model.Geometry
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) handler() *errorHandler {
	return &errorHandler{
		t:        d.t,
		polarity: d.model.Revision.BusyPolarity,
		poll:     d.opts.BusyPoll,
		timeout:  d.opts.BusyTimeout,
	}
}

func (d *Driver) ready() error {
	if d.state != Idle {
		return fmt.Errorf("%w (state %s)", ErrNotInitialized, d.state)
	}
	return nil
}

// finish settles the session after an operation.
func (d *Driver) finish(eh *errorHandler, op string) error {
	if eh.err != nil {
		d.state = Idle
		appLog.Error("epd operation failed", eh.err, "op", op, "model", d.model.Name)
		return eh.err
	}
	d.state = Idle
	return nil
}

// Init brings the transport up, pulses RST and programs the panel registers.
// A failed Init leaves the panel Uninitialized.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.t.Bringup(); err != nil {
		d.state = Uninitialized
		d.up = false
		return &TransportError{Op: "bringup", Err: err}
	}
	d.up = true
	return d.resetLocked()
}

// Reset pulses RST and re-runs the register sequence without bringing the
// transport up again. It is the way back from Sleeping.
func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.up {
		return fmt.Errorf("%w: transport not brought up", ErrNotInitialized)
	}
	return d.resetLocked()
}

func (d *Driver) resetLocked() error {
	eh := d.handler()
	d.state = Busy

	eh.hardwareReset()
	initDisplay(eh, &d.model)

	if eh.err != nil {
		d.state = Uninitialized
		appLog.Error("epd init failed", eh.err, "model", d.model.Name)
		return eh.err
	}
	d.state = Idle
	appLog.Info("epd initialized",
		"model", d.model.Name,
		"geometry", d.model.Geometry.String(),
		"planes", d.model.Planes.String(),
		"revision", d.model.Revision.Name,
	)
	return nil
}

// WaitUntilIdle blocks until BUSY clears or the timeout elapses.
func (d *Driver) WaitUntilIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}
	eh := d.handler()
	d.state = Busy
	eh.waitUntilIdle()
	return d.finish(eh, "wait")
}

func (d *Driver) checkPlane(name string, p []byte) error {
	if want := d.model.Geometry.BytesPerPlane(); len(p) != want {
		return fmt.Errorf("%w: %s plane has %d bytes, want %d", ErrPlaneSize, name, len(p), want)
	}
	return nil
}

// DisplayFrame writes both planes and refreshes. A nil black plane is sent
// as white; a nil red plane on a dual-plane panel is sent as no ink.
func (d *Driver) DisplayFrame(black, red []byte, kind RefreshKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}
	if black != nil {
		if err := d.checkPlane("black", black); err != nil {
			return err
		}
	}
	if red != nil {
		if d.model.Planes == SinglePlane {
			return ErrNoRedPlane
		}
		if err := d.checkPlane("red", red); err != nil {
			return err
		}
	}

	eh := d.handler()
	d.state = Busy

	m := &d.model
	rb, rows := m.Geometry.BytesPerRow(), m.Geometry.Height

	setCursor(eh, m, 0, 0)
	if black != nil {
		writePlane(eh, writeRAMBW, black, rb)
	} else {
		fillPlane(eh, writeRAMBW, m.Revision.BlankBlack, rb, rows)
	}

	if m.Planes == DualPlane {
		setCursor(eh, m, 0, 0)
		if red != nil {
			writePlane(eh, writeRAMRed, red, rb)
		} else {
			fillPlane(eh, writeRAMRed, m.Revision.BlankRed, rb, rows)
		}
	}

	updateDisplay(eh, kind)
	appLog.Debug("epd frame displayed", "kind", kind.String(), "red", red != nil)
	return d.finish(eh, "display")
}

// Refresh shows what is already staged in panel RAM.
func (d *Driver) Refresh(kind RefreshKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}
	eh := d.handler()
	d.state = Busy
	updateDisplay(eh, kind)
	return d.finish(eh, "refresh")
}

// Clear blanks both RAM planes and runs a full refresh.
func (d *Driver) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}
	eh := d.handler()
	d.state = Busy
	d.clearRAM(eh)
	updateDisplay(eh, Full)
	return d.finish(eh, "clear")
}

// ClearFrame blanks both RAM planes without refreshing.
func (d *Driver) ClearFrame() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}
	eh := d.handler()
	d.state = Busy
	d.clearRAM(eh)
	return d.finish(eh, "clear frame")
}

func (d *Driver) clearRAM(eh *errorHandler) {
	m := &d.model
	rb, rows := m.Geometry.BytesPerRow(), m.Geometry.Height

	setCursor(eh, m, 0, 0)
	fillPlane(eh, writeRAMBW, m.Revision.BlankBlack, rb, rows)

	// Single-plane panels use the second RAM as the base image of partial
	// refreshes, so it gets white as well.
	blank := m.Revision.BlankRed
	if m.Planes == SinglePlane {
		blank = m.Revision.BlankBlack
	}
	setCursor(eh, m, 0, 0)
	fillPlane(eh, writeRAMRed, blank, rb, rows)
}

// SetPartialWindow writes w/8*l bytes of each non-nil plane into the window
// at (x, y). x is truncated down to a multiple of 8 and the window is w/8
// bytes wide, so a ragged w drops its last partial byte. The window is not
// clipped to the panel and no refresh is triggered.
func (d *Driver) SetPartialWindow(black, red []byte, x, y, w, l int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.partialLocked(black, red, x, y, w, l)
}

func (d *Driver) SetPartialWindowBlack(black []byte, x, y, w, l int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.partialLocked(black, nil, x, y, w, l)
}

func (d *Driver) SetPartialWindowRed(red []byte, x, y, w, l int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if red == nil {
		return fmt.Errorf("epd: nil red plane")
	}
	return d.partialLocked(nil, red, x, y, w, l)
}

// PartialWindowBytes is the number of bytes one plane of a w x l window holds.
func PartialWindowBytes(w, l int) int {
	return w / 8 * l
}

func (d *Driver) partialLocked(black, red []byte, x, y, w, l int) error {
	if err := d.ready(); err != nil {
		return err
	}
	if w < 8 || l <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrWindow, w, l)
	}
	if red != nil && d.model.Planes == SinglePlane {
		return ErrNoRedPlane
	}
	n := PartialWindowBytes(w, l)
	for _, p := range []struct {
		name string
		buf  []byte
	}{{"black", black}, {"red", red}} {
		if p.buf != nil && len(p.buf) < n {
			return fmt.Errorf("%w: %s window has %d bytes, want %d", ErrPlaneSize, p.name, len(p.buf), n)
		}
	}

	eh := d.handler()
	d.state = Busy

	m := &d.model
	x &^= 7
	// The RAM counter wraps at the X end, which must match the bytes sent per row.
	setWindow(eh, m, x, x+w/8*8-1, y, y+l-1)
	if black != nil {
		setCursor(eh, m, x, y)
		writePlane(eh, writeRAMBW, black[:n], w/8)
	}
	if red != nil {
		setCursor(eh, m, x, y)
		writePlane(eh, writeRAMRed, red[:n], w/8)
	}
	setFullWindow(eh, m)
	setCursor(eh, m, 0, 0)

	return d.finish(eh, "partial window")
}

// Sleep powers the panel off and enters deep sleep. Only Reset or Init
// bring it back.
func (d *Driver) Sleep() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ready(); err != nil {
		return err
	}
	eh := d.handler()
	d.state = Busy
	sleepDisplay(eh, &d.model.Revision)
	if err := d.finish(eh, "sleep"); err != nil {
		return err
	}
	d.state = Sleeping
	appLog.Info("epd sleeping", "model", d.model.Name)
	return nil
}

// Close releases the transport. The driver needs Init afterwards.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = Uninitialized
	d.up = false
	return d.t.Close()
}
