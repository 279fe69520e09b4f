package model

import (
	"fmt"
	"strings"
	"time"
)

// AppMode is what the panel is currently showing. Exactly one mode is
// active at any instant.
type AppMode int

const (
	// ModeClock renders the clock face on the refresh cadence.
	ModeClock AppMode = iota
	// ModeImage keeps the last pushed frame until a clock command arrives.
	ModeImage
)

func (m AppMode) String() string {
	switch m {
	case ModeClock:
		return "clock"
	case ModeImage:
		return "image"
	default:
		return fmt.Sprintf("AppMode(%d)", int(m))
	}
}

// ParseAppMode accepts "clock" or "image" (case-insensitive).
func ParseAppMode(s string) (AppMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clock":
		return ModeClock, nil
	case "image":
		return ModeImage, nil
	default:
		return ModeClock, fmt.Errorf("unknown mode %q", s)
	}
}

// IngestStats counts what the frame decoder did with the byte stream.
type IngestStats struct {
	Frames       uint64 `json:"frames"`
	ModeSwitches uint64 `json:"mode_switches"`
	Desyncs      uint64 `json:"desyncs"`
	Noise        uint64 `json:"noise_bytes"`
	Aborted      uint64 `json:"aborted"`
}

// Status is the snapshot served by the HTTP API.
type Status struct {
	Mode       string      `json:"mode"`
	Panel      PanelStatus `json:"panel"`
	Ingest     IngestState `json:"ingest"`
	Links      []string    `json:"links"`
	LastFrame  *time.Time  `json:"last_frame,omitempty"`
	LastUpdate *time.Time  `json:"last_update,omitempty"`
}

// PanelStatus describes the attached panel and its session state.
type PanelStatus struct {
	Model    string `json:"model"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Planes   string `json:"planes"`
	Revision string `json:"revision"`
	State    string `json:"state"`
}

// IngestState is the decoder state plus its counters.
type IngestState struct {
	State     string      `json:"state"`
	Received  int         `json:"received"`
	Threshold int         `json:"threshold"`
	Capacity  int         `json:"capacity"`
	Stats     IngestStats `json:"stats"`
}
