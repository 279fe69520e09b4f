package frame

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eclock/internal/epd"
)

func TestNewBlank(t *testing.T) {
	b := New(epd.EPD4in2bV2)
	black, red := b.Snapshot()
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 15000), black)
	assert.Equal(t, bytes.Repeat([]byte{0x00}, 15000), red)
	assert.True(t, b.HasRed())

	single := New(epd.EPD2in13V3)
	black, red = single.Snapshot()
	assert.Len(t, black, 4000)
	assert.Nil(t, red)
	assert.False(t, single.HasRed())
}

func TestLoadBlackShortPayload(t *testing.T) {
	b := New(epd.EPD2in13V3)
	require.NoError(t, b.Load(make([]byte, 4000), nil))

	payload := bytes.Repeat([]byte{0x0F}, 3813)
	require.NoError(t, b.LoadBlack(payload))

	black, _ := b.Snapshot()
	assert.Equal(t, payload, black[:3813])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 4000-3813), black[3813:])
	assert.False(t, b.Updated().IsZero())

	assert.Error(t, b.LoadBlack(make([]byte, 4001)))
}

func TestLoad(t *testing.T) {
	b := New(epd.EPD2in9bV3)
	n := epd.EPD2in9bV3.Geometry.BytesPerPlane()

	require.NoError(t, b.Load(make([]byte, n), bytes.Repeat([]byte{0x01}, n)))
	_, red := b.Snapshot()
	assert.Equal(t, byte(0x01), red[0])

	require.NoError(t, b.Load(make([]byte, n), nil))
	_, red = b.Snapshot()
	assert.Equal(t, byte(0x00), red[0])

	assert.Error(t, b.Load(make([]byte, n-1), nil))
	assert.ErrorIs(t, New(epd.EPD2in13V3).Load(make([]byte, 4000), make([]byte, 4000)), epd.ErrNoRedPlane)
}

func TestSnapshotIsCopy(t *testing.T) {
	b := New(epd.EPD2in13V3)
	black, _ := b.Snapshot()
	black[0] = 0x00

	again, _ := b.Snapshot()
	assert.Equal(t, byte(0xFF), again[0])
}

func TestConcurrentAccess(t *testing.T) {
	b := New(epd.EPD4in2bV2)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.LoadBlack(bytes.Repeat([]byte{byte(i)}, 100))
			} else {
				b.Snapshot()
			}
		}(i)
	}
	wg.Wait()
}

func TestStageReturnsOwnPlanes(t *testing.T) {
	b := New(epd.EPD2in13V3)
	n := epd.EPD2in13V3.Geometry.BytesPerPlane()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(v byte) {
			defer wg.Done()
			var black []byte
			var err error
			if v%2 == 0 {
				black, _, err = b.Stage(bytes.Repeat([]byte{v}, n), nil)
			} else {
				black, _, err = b.StageBlack(bytes.Repeat([]byte{v}, n))
			}
			assert.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{v}, n), black)
		}(byte(i))
	}
	wg.Wait()

	_, _, err := b.StageBlack(make([]byte, n+1))
	assert.Error(t, err)
	_, _, err = b.Stage(make([]byte, n), make([]byte, n))
	assert.ErrorIs(t, err, epd.ErrNoRedPlane)
}
