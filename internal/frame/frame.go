// Package frame holds the application-owned plane buffers that drawing code
// and the ingestion session write and the panel driver transmits.
package frame

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"eclock/internal/epd"
)

// Buffer is a black plane plus an optional red plane, guarded by a mutex.
// The driver never keeps a reference: callers hand it a Snapshot.
type Buffer struct {
	mu sync.Mutex

	geom       epd.Geometry
	blankBlack byte
	blankRed   byte

	black []byte
	red   []byte // nil on single-plane panels

	updated time.Time
}

// New allocates blank planes for m.
func New(m epd.Model) *Buffer {
	b := &Buffer{
		geom:       m.Geometry,
		blankBlack: m.Revision.BlankBlack,
		blankRed:   m.Revision.BlankRed,
		black:      make([]byte, m.Geometry.BytesPerPlane()),
	}
	if m.Planes == epd.DualPlane {
		b.red = make([]byte, m.Geometry.BytesPerPlane())
	}
	b.blankLocked()
	return b
}

func (b *Buffer) Geometry() epd.Geometry {
	return b.geom
}

// HasRed reports whether the buffer carries a red plane.
func (b *Buffer) HasRed() bool {
	return b.red != nil
}

func (b *Buffer) blankLocked() {
	fill(b.black, b.blankBlack)
	fill(b.red, b.blankRed)
}

// Blank resets both planes to the panel's blank values.
func (b *Buffer) Blank() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blankLocked()
	b.updated = time.Now()
}

// LoadBlack copies p to the start of the black plane. The rest of the black
// plane and the whole red plane are blanked.
func (b *Buffer) LoadBlack(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadBlackLocked(p)
}

// StageBlack is LoadBlack followed by Snapshot without letting another
// writer in between.
func (b *Buffer) StageBlack(p []byte) (black, red []byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadBlackLocked(p); err != nil {
		return nil, nil, err
	}
	black, red = b.snapshotLocked()
	return black, red, nil
}

func (b *Buffer) loadBlackLocked(p []byte) error {
	if len(p) > len(b.black) {
		return fmt.Errorf("frame: payload of %d bytes exceeds plane of %d", len(p), len(b.black))
	}
	n := copy(b.black, p)
	fill(b.black[n:], b.blankBlack)
	fill(b.red, b.blankRed)
	b.updated = time.Now()
	return nil
}

// Load replaces both planes. red must be nil on single-plane buffers.
func (b *Buffer) Load(black, red []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(black, red)
}

// Stage is Load followed by Snapshot without letting another writer in
// between.
func (b *Buffer) Stage(black, red []byte) (outBlack, outRed []byte, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(black, red); err != nil {
		return nil, nil, err
	}
	outBlack, outRed = b.snapshotLocked()
	return outBlack, outRed, nil
}

func (b *Buffer) loadLocked(black, red []byte) error {
	if len(black) != len(b.black) {
		return fmt.Errorf("frame: black plane has %d bytes, want %d", len(black), len(b.black))
	}
	if red != nil {
		if b.red == nil {
			return epd.ErrNoRedPlane
		}
		if len(red) != len(b.red) {
			return fmt.Errorf("frame: red plane has %d bytes, want %d", len(red), len(b.red))
		}
	}
	copy(b.black, black)
	if red != nil {
		copy(b.red, red)
	} else {
		fill(b.red, b.blankRed)
	}
	b.updated = time.Now()
	return nil
}

// Snapshot returns copies of both planes. red is nil on single-plane buffers.
func (b *Buffer) Snapshot() (black, red []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Buffer) snapshotLocked() (black, red []byte) {
	black = bytes.Clone(b.black)
	if b.red != nil {
		red = bytes.Clone(b.red)
	}
	return black, red
}

// Updated is the time of the last mutation.
func (b *Buffer) Updated() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updated
}

func fill(p []byte, v byte) {
	for i := range p {
		p[i] = v
	}
}
