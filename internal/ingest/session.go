package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"eclock/internal/epd"
	"eclock/internal/frame"
	appLog "eclock/internal/log"
	"eclock/internal/model"
)

// Display is the part of the panel driver a Session needs.
type Display interface {
	DisplayFrame(black, red []byte, kind epd.RefreshKind) error
}

// Session binds a Decoder to the frame buffer and the panel. It implements
// io.Writer so links can copy their byte streams into it; concurrent writers
// are serialized.
type Session struct {
	mu        sync.Mutex
	dec       *Decoder
	fb        *frame.Buffer
	disp      Display
	listeners []func(Event)
	lastFrame time.Time
}

func NewSession(dec *Decoder, fb *frame.Buffer, disp Display) *Session {
	return &Session{dec: dec, fb: fb, disp: disp}
}

// OnEvent registers fn to be called after each decoded event. fn runs with
// the session locked and must not call back into it.
func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Write decodes p. A completed frame is displayed before the rest of p is
// handed on; the first display error is returned after all of p is consumed.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, ev := range s.dec.Feed(p) {
		if err := s.handle(ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return len(p), errs[0]
	}
	return len(p), nil
}

func (s *Session) handle(ev Event) error {
	var err error
	switch e := ev.(type) {
	case EventModeSwitch:
		appLog.Info("ingest mode switch", "mode", e.Mode.String())
	case EventFrameComplete:
		err = s.display(e.Payload)
	case EventDesync:
		appLog.Warn("ingest token mismatch, resyncing", "dropped", len(e.Dropped))
	case EventAborted:
		appLog.Warn("ingest transfer aborted", "received", e.Received)
	}
	for _, fn := range s.listeners {
		fn(ev)
	}
	return err
}

func (s *Session) display(payload []byte) error {
	black, red, err := s.fb.StageBlack(payload)
	if err != nil {
		appLog.Error("ingest frame rejected", err, "bytes", len(payload))
		return err
	}

	start := time.Now()
	if err := s.disp.DisplayFrame(black, red, epd.Full); err != nil {
		appLog.Error("ingest frame display failed", err)
		return err
	}
	s.lastFrame = time.Now()
	appLog.Info("ingest frame displayed", "bytes", len(payload), "took", time.Since(start).String())
	return nil
}

// WhileClock runs fn with the session locked if the clock mode is active.
// Frames pushed meanwhile wait for fn, so a clock redraw can never land on
// top of an image. fn must not call back into the session.
func (s *Session) WhileClock(fn func() error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dec.Mode() != model.ModeClock {
		return false, nil
	}
	return true, fn()
}

// Redisplay shows the frame buffer again with a full refresh.
func (s *Session) Redisplay() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	black, red := s.fb.Snapshot()
	return s.disp.DisplayFrame(black, red, epd.Full)
}

// SwitchToClock aborts any transfer and applies the clock token, as if it
// had arrived on a link.
func (s *Session) SwitchToClock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	received := s.dec.Received()
	if s.dec.Cancel() {
		errs = append(errs, s.handle(EventAborted{Received: received}))
	}
	for _, ev := range s.dec.Feed([]byte(TokenClock)) {
		errs = append(errs, s.handle(ev))
	}
	return errors.Join(errs...)
}

// Cancel aborts a transfer in progress.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	received := s.dec.Received()
	if !s.dec.Cancel() {
		return false
	}
	_ = s.handle(EventAborted{Received: received})
	return true
}

// Run expires idle transfers until ctx is done.
func (s *Session) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	tk := time.NewTicker(every)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tk.C:
			s.expire(now)
		}
	}
}

func (s *Session) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.dec.Expire(now); ok {
		_ = s.handle(ev)
	}
}

func (s *Session) Mode() model.AppMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Mode()
}

// Snapshot reports the decoder state for status pages.
func (s *Session) Snapshot() model.IngestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.IngestState{
		State:     s.dec.State().String(),
		Received:  s.dec.Received(),
		Threshold: s.dec.Threshold(),
		Capacity:  s.dec.Capacity(),
		Stats:     s.dec.Stats(),
	}
}

// LastFrame is when the last pushed frame finished displaying.
func (s *Session) LastFrame() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}
