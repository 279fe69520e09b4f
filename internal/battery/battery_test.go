package battery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestBusReader(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: DefaultAddr, W: []byte{0x22}, R: []byte{0x0F}},
			{Addr: DefaultAddr, W: []byte{0x23}, R: []byte{0xA0}},
			{Addr: DefaultAddr, W: []byte{0x2A}, R: []byte{87}},
		},
	}
	defer bus.Close()

	st, err := NewBusReader(bus, DefaultAddr).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Status{Percent: 87, VoltageMv: 4000}, st)
}

func TestBusReaderClampsPercent(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: DefaultAddr, W: []byte{0x22}, R: []byte{0x10}},
			{Addr: DefaultAddr, W: []byte{0x23}, R: []byte{0x68}},
			{Addr: DefaultAddr, W: []byte{0x2A}, R: []byte{130}},
		},
	}
	defer bus.Close()

	st, err := NewBusReader(bus, DefaultAddr).Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, st.Percent)
	assert.Equal(t, 4200, st.VoltageMv)
}

func TestMockReader(t *testing.T) {
	r := NewMockReader()
	for i := 0; i < 20; i++ {
		st, err := r.Read(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.Percent, 20)
		assert.LessOrEqual(t, st.Percent, 100)
	}
}

type countingReader struct {
	calls int
	err   error
}

func (c *countingReader) Read(context.Context) (Status, error) {
	c.calls++
	if c.err != nil {
		return Status{}, c.err
	}
	return Status{Percent: c.calls}, nil
}

func TestCache(t *testing.T) {
	src := &countingReader{}
	c := NewCache(src, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	st, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Percent)

	st, _ = c.Read(context.Background())
	assert.Equal(t, 1, st.Percent)
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	src.err = errors.New("nack")
	st, err = c.Read(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, st.Percent, "stale value kept")
}
