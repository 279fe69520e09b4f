// Package ingest decodes the frame push protocol: 9-byte ASCII mode tokens
// followed, for images, by a raw black-plane payload of fixed size.
package ingest

import (
	"bytes"
	"fmt"
	"time"

	"eclock/internal/model"
)

// Tokens recognized while awaiting a command.
const (
	TokenClock = "CMD:CLOCK"
	TokenImage = "IMG:START"

	tokenLen = 9
)

// State is the decoder state.
type State int

const (
	AwaitingCommand State = iota
	ReceivingPayload
)

func (s State) String() string {
	switch s {
	case AwaitingCommand:
		return "awaiting_command"
	case ReceivingPayload:
		return "receiving_payload"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is produced by Decoder.Feed.
type Event interface {
	event()
}

// EventModeSwitch reports a recognized token. Image switches are emitted
// when the transfer starts.
type EventModeSwitch struct {
	Mode model.AppMode
}

// EventFrameComplete carries a copy of the first threshold bytes received.
type EventFrameComplete struct {
	Payload []byte
}

// EventDesync reports a token whose prefix matched but whose tail did not.
// Dropped holds the bytes consumed before the mismatch.
type EventDesync struct {
	Dropped []byte
}

// EventAborted reports a transfer dropped by Cancel or the idle timeout.
type EventAborted struct {
	Received int
}

func (EventModeSwitch) event() {}
func (EventFrameComplete) event() {}
func (EventDesync) event() {}
func (EventAborted) event() {}

// Decoder is the ingestion state machine. It is not safe for concurrent
// use; Session serializes access.
type Decoder struct {
	capacity  int
	threshold int

	state State
	mode  model.AppMode

	buf []byte
	n   int

	// Partially matched token, carried across Feed calls.
	tok     string
	scratch [tokenLen]byte
	pending int

	idle time.Duration
	last time.Time
	now  func() time.Time

	stats model.IngestStats
}

// NewDecoder returns a decoder with a receive buffer of capacity bytes that
// completes a frame once threshold bytes have arrived.
func NewDecoder(capacity, threshold int) (*Decoder, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ingest: capacity must be positive, got %d", capacity)
	}
	if threshold <= 0 || threshold > capacity {
		return nil, fmt.Errorf("ingest: threshold %d must be in 1..%d", threshold, capacity)
	}
	return &Decoder{
		capacity:  capacity,
		threshold: threshold,
		buf:       make([]byte, capacity),
		now:       time.Now,
	}, nil
}

// SetIdleTimeout aborts a transfer that receives nothing for d. Zero disables it.
func (d *Decoder) SetIdleTimeout(t time.Duration) {
	d.idle = t
}

func (d *Decoder) State() State { return d.state }
func (d *Decoder) Mode() model.AppMode { return d.mode }
func (d *Decoder) Received() int { return d.n }
func (d *Decoder) Capacity() int { return d.capacity }
func (d *Decoder) Threshold() int { return d.threshold }
func (d *Decoder) Stats() model.IngestStats { return d.stats }

// Feed decodes p and returns the events it produced, in order.
func (d *Decoder) Feed(p []byte) []Event {
	if len(p) == 0 {
		return nil
	}
	d.last = d.now()

	var evs []Event
	for len(p) > 0 {
		if d.state == ReceivingPayload {
			// The frame completes at threshold, so writes stay below capacity.
			n := copy(d.buf[d.n:d.threshold], p)
			d.n += n
			p = p[n:]
			if d.n == d.threshold {
				evs = append(evs, EventFrameComplete{Payload: bytes.Clone(d.buf[:d.threshold])})
				d.stats.Frames++
				d.n = 0
				d.state = AwaitingCommand
			}
			continue
		}
		evs = d.scanByte(p[0], evs, false)
		p = p[1:]
	}
	return evs
}

// scanByte advances token matching by one byte while awaiting a command.
// During a resync the dropped bytes are rescanned quietly: only the first
// mismatch is reported.
func (d *Decoder) scanByte(b byte, evs []Event, resync bool) []Event {
	if d.pending == 0 {
		switch b {
		case TokenClock[0]:
			d.tok = TokenClock
		case TokenImage[0]:
			d.tok = TokenImage
		default:
			d.stats.Noise++
			return evs
		}
		d.scratch[0] = b
		d.pending = 1
		return evs
	}

	if b != d.tok[d.pending] {
		// Drop the first byte and rescan the rest for a token start.
		dropped := bytes.Clone(d.scratch[:d.pending])
		if !resync {
			evs = append(evs, EventDesync{Dropped: dropped})
			d.stats.Desyncs++
		}
		d.stats.Noise++
		d.pending = 0
		for _, c := range dropped[1:] {
			evs = d.scanByte(c, evs, true)
		}
		return d.scanByte(b, evs, true)
	}

	d.scratch[d.pending] = b
	d.pending++
	if d.pending < tokenLen {
		return evs
	}

	d.pending = 0
	d.stats.ModeSwitches++
	switch d.tok {
	case TokenClock:
		d.mode = model.ModeClock
	case TokenImage:
		d.mode = model.ModeImage
		d.n = 0
		d.state = ReceivingPayload
	}
	return append(evs, EventModeSwitch{Mode: d.mode})
}

// Cancel aborts a transfer in progress and drops a partially matched token.
// It reports whether a transfer was aborted.
func (d *Decoder) Cancel() bool {
	d.stats.Noise += uint64(d.pending)
	d.pending = 0
	if d.state != ReceivingPayload {
		return false
	}
	d.state = AwaitingCommand
	d.n = 0
	d.stats.Aborted++
	return true
}

// Expire cancels when the idle timeout elapsed since the last Feed.
func (d *Decoder) Expire(now time.Time) (EventAborted, bool) {
	if d.idle <= 0 || (d.state != ReceivingPayload && d.pending == 0) {
		return EventAborted{}, false
	}
	if now.Sub(d.last) < d.idle {
		return EventAborted{}, false
	}
	received := d.n
	if !d.Cancel() {
		return EventAborted{}, false
	}
	return EventAborted{Received: received}, true
}
