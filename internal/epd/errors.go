package epd

import (
	"errors"
	"fmt"
)

var (
	// ErrBusyTimeout is returned when the BUSY line does not clear within
	// the configured poll budget.
	ErrBusyTimeout = errors.New("epd: busy line never cleared")
	// ErrNotInitialized is returned for any operation before a successful
	// Init, after a failed one, or while the panel sleeps.
	ErrNotInitialized = errors.New("epd: panel not initialized")
	// ErrPlaneSize is returned when a plane does not match the panel size.
	ErrPlaneSize = errors.New("epd: plane size mismatch")
	// ErrNoRedPlane is returned when a red plane is used with a single-plane panel.
	ErrNoRedPlane = errors.New("epd: panel has no red plane")
	// ErrWindow is returned for a partial window narrower than one byte or
	// without rows.
	ErrWindow = errors.New("epd: partial window too small")
)

// TransportError wraps a failure of the underlying bus or GPIO lines.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("epd: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
