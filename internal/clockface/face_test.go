package clockface

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eclock/internal/epd"
)

// inked counts black plane bytes holding at least one ink pixel.
func inked(black []byte) int {
	n := 0
	for _, b := range black {
		if b != 0xFF {
			n++
		}
	}
	return n
}

func TestRenderSinglePlane(t *testing.T) {
	f, err := New(epd.EPD2in13V3, nil)
	require.NoError(t, err)
	assert.True(t, f.rotate)

	now := time.Date(2026, 10, 16, 9, 41, 7, 0, time.UTC)
	black, red, err := f.Render(now)
	require.NoError(t, err)
	assert.Len(t, black, epd.EPD2in13V3.Geometry.BytesPerPlane())
	assert.Nil(t, red)
	assert.Greater(t, inked(black), 100)

	img := f.Image(now)
	assert.Equal(t, 122, img.Bounds().Dx())
	assert.Equal(t, 250, img.Bounds().Dy())
}

func TestRenderChangesWithTime(t *testing.T) {
	f, err := New(epd.EPD2in13V3, nil)
	require.NoError(t, err)

	a, _, err := f.Render(time.Date(2026, 10, 16, 9, 41, 7, 0, time.UTC))
	require.NoError(t, err)
	b, _, err := f.Render(time.Date(2026, 10, 16, 9, 42, 7, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b))

	c, _, err := f.Render(time.Date(2026, 10, 16, 9, 41, 7, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestRenderDualPlaneAccent(t *testing.T) {
	f, err := New(epd.EPD4in2bV2, func() Status { return Status{Link: "serial", Battery: 87} })
	require.NoError(t, err)
	assert.False(t, f.rotate)

	black, red, err := f.Render(time.Date(2026, 10, 16, 9, 41, 7, 0, time.UTC))
	require.NoError(t, err)
	g := epd.EPD4in2bV2.Geometry
	require.Len(t, black, g.BytesPerPlane())
	require.Len(t, red, g.BytesPerPlane())
	assert.Greater(t, inked(black), 100)
	assert.NotEqual(t, bytes.Repeat([]byte{0x00}, len(red)), red)
}

func TestStatusLine(t *testing.T) {
	st := Status{Battery: -1}
	f, err := New(epd.EPD4in2bV2, func() Status { return st })
	require.NoError(t, err)

	now := time.Date(2026, 10, 16, 9, 41, 7, 0, time.UTC)
	waiting, _, err := f.Render(now)
	require.NoError(t, err)

	st = Status{Link: "websocket", Battery: 50}
	linked, _, err := f.Render(now)
	require.NoError(t, err)
	assert.NotEqual(t, waiting, linked)
}

func TestSplash(t *testing.T) {
	f, err := New(epd.EPD2in9bV3, nil)
	require.NoError(t, err)

	black, red, err := f.Splash("Waiting link...")
	require.NoError(t, err)
	g := epd.EPD2in9bV3.Geometry
	assert.Len(t, black, g.BytesPerPlane())
	assert.Len(t, red, g.BytesPerPlane())
	assert.Greater(t, inked(black), 50)
}
