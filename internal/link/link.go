// Package link moves bytes from external transports into the frame decoder.
package link

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	appLog "eclock/internal/log"
)

// Tracker records which links currently have a peer attached.
type Tracker struct {
	mu    sync.Mutex
	peers map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{peers: map[string]int{}}
}

func (t *Tracker) up(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[name]++
	appLog.Info("link connected", "link", name, "peers", t.peers[name])
}

func (t *Tracker) down(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers[name] > 0 {
		t.peers[name]--
	}
	if t.peers[name] == 0 {
		delete(t.peers, name)
	}
	appLog.Info("link disconnected", "link", name)
}

// Active lists links with at least one peer, sorted.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for name := range t.peers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Connected reports whether any link has a peer.
func (t *Tracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers) > 0
}

// errTimeout marks a read that returned nothing because its deadline passed.
var errTimeout = errors.New("link: read timeout")

// Pump copies r into sink until ctx is done or r fails. Sink errors are
// logged and do not stop the pump: a failed refresh must not drop the link.
// A read error wrapping errTimeout only re-checks ctx.
func Pump(ctx context.Context, name string, r io.Reader, sink io.Writer) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			appLog.Debug("link chunk", "link", name, "bytes", n)
			if _, werr := sink.Write(buf[:n]); werr != nil {
				appLog.Error("link sink failed", werr, "link", name)
			}
		}
		if err != nil {
			if errors.Is(err, errTimeout) {
				continue
			}
			return err
		}
	}
}
