// Package scheduler redraws the clock face on a cron cadence and decides
// between full and partial refreshes.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"eclock/internal/epd"
	"eclock/internal/frame"
	"eclock/internal/ingest"
	appLog "eclock/internal/log"
	"eclock/internal/model"
)

// Renderer draws the clock face for now into fresh planes.
type Renderer interface {
	Render(now time.Time) (black, red []byte, err error)
}

// Gate lets the scheduler draw only while the clock mode is active.
// *ingest.Session implements it.
type Gate interface {
	Mode() model.AppMode
	WhileClock(fn func() error) (bool, error)
}

// Options configures the cadence.
type Options struct {
	// FullCron and TickCron use the six-field cron format with seconds.
	FullCron     string
	TickCron     string
	PartialLimit int
	Location     *time.Location
}

// Scheduler owns the cron instance and the refresh policy.
type Scheduler struct {
	c    *cron.Cron
	r    Renderer
	fb   *frame.Buffer
	disp ingest.Display
	gate Gate
	loc  *time.Location
	now  func() time.Time

	// rmu serializes redraws. Lock order: rmu, then the gate, then mu.
	rmu sync.Mutex

	mu         sync.Mutex
	policy     Policy
	lastUpdate time.Time
	lastKind   epd.RefreshKind

	kick chan struct{}
	done chan struct{}
}

// ErrSkipped is returned by Redraw while the panel shows a pushed image.
var ErrSkipped = errors.New("scheduler: not in clock mode")

func New(opts Options, r Renderer, fb *frame.Buffer, disp ingest.Display, gate Gate) (*Scheduler, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	s := &Scheduler{
		c: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		r:      r,
		fb:     fb,
		disp:   disp,
		gate:   gate,
		loc:    loc,
		now:    time.Now,
		policy: Policy{Limit: opts.PartialLimit},
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	if _, err := s.c.AddFunc(opts.TickCron, func() { s.redraw("tick") }); err != nil {
		return nil, fmt.Errorf("scheduler: tick schedule %q: %w", opts.TickCron, err)
	}
	if _, err := s.c.AddFunc(opts.FullCron, func() {
		s.ForceFull()
		s.redraw("full")
	}); err != nil {
		return nil, fmt.Errorf("scheduler: full schedule %q: %w", opts.FullCron, err)
	}
	return s, nil
}

// Start runs the cron jobs and the kick loop in the background.
func (s *Scheduler) Start() {
	s.c.Start()
	go s.loop()
	appLog.Info("scheduler started", "jobs", len(s.c.Entries()))
}

// Stop halts the schedules and waits for a running redraw to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
	close(s.done)
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
			s.redraw("kick")
		}
	}
}

// Kick requests an immediate redraw without blocking.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ForceFull makes the next redraw a full refresh.
func (s *Scheduler) ForceFull() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.ForceFull()
}

// OnEvent is an ingest listener: returning to clock mode forces a full
// refresh right away. It never blocks the session.
func (s *Scheduler) OnEvent(ev ingest.Event) {
	if e, ok := ev.(ingest.EventModeSwitch); ok && e.Mode == model.ModeClock {
		s.ForceFull()
		s.Kick()
	}
}

func (s *Scheduler) redraw(reason string) {
	err := s.Redraw()
	switch {
	case err == nil, errors.Is(err, ErrSkipped):
	default:
		appLog.Error("clock redraw failed", err, "reason", reason)
	}
}

// Redraw renders the clock face and pushes it to the panel. Rendering runs
// outside the gate; the mode is checked again before anything is loaded or
// displayed.
func (s *Scheduler) Redraw() error {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.gate.Mode() != model.ModeClock {
		return ErrSkipped
	}

	now := s.now().In(s.loc)
	black, red, err := s.r.Render(now)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	ran, err := s.gate.WhileClock(func() error {
		return s.show(now, black, red)
	})
	if !ran {
		return ErrSkipped
	}
	return err
}

func (s *Scheduler) show(now time.Time, black, red []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	black, red, err := s.fb.Stage(black, red)
	if err != nil {
		return err
	}

	kind := s.policy.Next()
	if err := s.disp.DisplayFrame(black, red, kind); err != nil {
		// Start over from a clean full refresh next time.
		s.policy.ForceFull()
		return err
	}
	s.lastUpdate = now
	s.lastKind = kind
	appLog.Debug("clock redrawn", "kind", kind.String(), "partials", s.policy.Partials())
	return nil
}

// LastUpdate is when the clock was last pushed and with which refresh.
func (s *Scheduler) LastUpdate() (time.Time, epd.RefreshKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate, s.lastKind
}

// cronLogger routes robfig/cron messages to the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
