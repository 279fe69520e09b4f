package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eclock/internal/epd"
	"eclock/internal/frame"
	"eclock/internal/model"
)

type displayCall struct {
	black, red []byte
	kind       epd.RefreshKind
}

type fakeDisplay struct {
	mu    sync.Mutex
	calls []displayCall
	err   error
}

func (f *fakeDisplay) DisplayFrame(black, red []byte, kind epd.RefreshKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, displayCall{black: black, red: red, kind: kind})
	return f.err
}

func newTestSession(t *testing.T, m epd.Model, capacity, threshold int) (*Session, *fakeDisplay, *frame.Buffer) {
	t.Helper()
	dec, err := NewDecoder(capacity, threshold)
	require.NoError(t, err)
	fb := frame.New(m)
	disp := &fakeDisplay{}
	return NewSession(dec, fb, disp), disp, fb
}

func TestSessionImageFrame(t *testing.T) {
	s, disp, fb := newTestSession(t, epd.EPD2in13V3, 4000, 3813)

	var events []Event
	s.OnEvent(func(ev Event) { events = append(events, ev) })

	frameBytes := bytes.Repeat([]byte{0x00}, 3813)
	n, err := s.Write(append([]byte(TokenImage), frameBytes...))
	require.NoError(t, err)
	assert.Equal(t, 9+3813, n)

	require.Len(t, disp.calls, 1)
	call := disp.calls[0]
	assert.Equal(t, epd.Full, call.kind)
	assert.Nil(t, call.red)
	require.Len(t, call.black, 4000)
	assert.Equal(t, frameBytes, call.black[:3813])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 187), call.black[3813:])

	assert.Equal(t, model.ModeImage, s.Mode())
	assert.False(t, s.LastFrame().IsZero())
	require.Len(t, events, 2)
	assert.IsType(t, EventFrameComplete{}, events[1])

	black, _ := fb.Snapshot()
	assert.Equal(t, call.black, black)
}

func TestSessionDualPlaneBlanksRed(t *testing.T) {
	s, disp, fb := newTestSession(t, epd.EPD4in2bV2, 15000, 15000)
	n := epd.EPD4in2bV2.Geometry.BytesPerPlane()
	require.NoError(t, fb.Load(make([]byte, n), bytes.Repeat([]byte{0xFF}, n)))

	_, err := s.Write(append([]byte(TokenImage), make([]byte, n)...))
	require.NoError(t, err)

	require.Len(t, disp.calls, 1)
	assert.Equal(t, bytes.Repeat([]byte{0x00}, n), disp.calls[0].red)
}

func TestSessionCopyChunked(t *testing.T) {
	s, disp, _ := newTestSession(t, epd.EPD2in13V3, 4000, 4000)

	var stream bytes.Buffer
	stream.WriteString(TokenClock)
	stream.WriteString(TokenImage)
	stream.Write(bytes.Repeat([]byte{0x11}, 4000))
	stream.WriteString(TokenImage)
	stream.Write(bytes.Repeat([]byte{0x22}, 4000))

	// Deliver the stream in 333-byte chunks.
	pr, pw := io.Pipe()
	go func() {
		b := stream.Bytes()
		for len(b) > 0 {
			k := min(333, len(b))
			_, _ = pw.Write(b[:k])
			b = b[k:]
		}
		_ = pw.Close()
	}()
	_, err := io.Copy(s, pr)
	require.NoError(t, err)

	require.Len(t, disp.calls, 2)
	assert.Equal(t, byte(0x11), disp.calls[0].black[0])
	assert.Equal(t, byte(0x22), disp.calls[1].black[3999])
	assert.Equal(t, uint64(2), s.Snapshot().Stats.Frames)
}

func TestSessionDisplayError(t *testing.T) {
	s, disp, _ := newTestSession(t, epd.EPD2in13V3, 4000, 4000)
	disp.err = epd.ErrBusyTimeout

	n, err := s.Write(append([]byte(TokenImage), make([]byte, 4000)...))
	assert.ErrorIs(t, err, epd.ErrBusyTimeout)
	assert.Equal(t, 4009, n)

	// The decoder is ready for the next command regardless.
	assert.Equal(t, AwaitingCommand.String(), s.Snapshot().State)
	disp.err = nil
	_, err = s.Write([]byte(TokenClock))
	assert.NoError(t, err)
	assert.Equal(t, model.ModeClock, s.Mode())
}

func TestSessionSwitchToClock(t *testing.T) {
	s, disp, _ := newTestSession(t, epd.EPD2in13V3, 4000, 4000)

	var modes []model.AppMode
	var aborted []EventAborted
	s.OnEvent(func(ev Event) {
		switch e := ev.(type) {
		case EventModeSwitch:
			modes = append(modes, e.Mode)
		case EventAborted:
			aborted = append(aborted, e)
		}
	})

	_, err := s.Write(append([]byte(TokenImage), make([]byte, 100)...))
	require.NoError(t, err)

	require.NoError(t, s.SwitchToClock())
	assert.Equal(t, model.ModeClock, s.Mode())
	assert.Equal(t, []model.AppMode{model.ModeImage, model.ModeClock}, modes)
	assert.Equal(t, []EventAborted{{Received: 100}}, aborted)
	assert.Empty(t, disp.calls)

	assert.False(t, s.Cancel())
}

func TestSessionConcurrentWriters(t *testing.T) {
	s, _, _ := newTestSession(t, epd.EPD2in13V3, 4000, 4000)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.Write([]byte(TokenClock))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(200), s.Snapshot().Stats.ModeSwitches)
}

func TestSessionRunExpires(t *testing.T) {
	s, _, _ := newTestSession(t, epd.EPD2in13V3, 4000, 4000)
	s.dec.SetIdleTimeout(10 * time.Millisecond)

	_, err := s.Write([]byte(TokenImage + "abc"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return s.Snapshot().State == AwaitingCommand.String()
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, uint64(1), s.Snapshot().Stats.Aborted)
}

func TestSessionRejectsOversizedPayload(t *testing.T) {
	// Threshold larger than the panel plane.
	s, disp, _ := newTestSession(t, epd.EPD2in13V3, 5000, 5000)

	_, err := s.Write(append([]byte(TokenImage), make([]byte, 5000)...))
	assert.Error(t, err)
	assert.Empty(t, disp.calls)
	assert.False(t, errors.Is(err, epd.ErrBusyTimeout))
}

func TestSessionWhileClock(t *testing.T) {
	s, disp, _ := newTestSession(t, epd.EPD2in13V3, 4000, 4000)

	ran, err := s.WhileClock(func() error { return errors.New("draw failed") })
	assert.True(t, ran)
	assert.EqualError(t, err, "draw failed")

	// A frame arriving while fn runs waits for it.
	entered, release := make(chan struct{}), make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.WhileClock(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	written := make(chan struct{})
	go func() {
		defer close(written)
		_, _ = s.Write(append([]byte(TokenImage), make([]byte, 4000)...))
	}()
	select {
	case <-written:
		t.Fatal("frame displayed while the clock held the session")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	<-written

	require.Len(t, disp.calls, 1)
	ran, err = s.WhileClock(func() error { return nil })
	assert.False(t, ran)
	assert.NoError(t, err)

	require.NoError(t, s.Redisplay())
	require.Len(t, disp.calls, 2)
	assert.Equal(t, make([]byte, 4000), disp.calls[1].black)
	assert.Equal(t, epd.Full, disp.calls[1].kind)
}
