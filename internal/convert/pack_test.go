package convert

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eclock/internal/epd"
)

func TestPackPixels(t *testing.T) {
	g := epd.Geometry{Width: 10, Height: 2}
	img := image.NewNRGBA(image.Rect(0, 0, 10, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 10; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF})
		}
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 0xFF})
	img.SetNRGBA(9, 0, color.NRGBA{A: 0xFF})
	img.SetNRGBA(1, 1, color.NRGBA{R: 0xFF, A: 0xFF})
	// Transparent black stays white.
	img.SetNRGBA(2, 1, color.NRGBA{})

	black, red, err := Pack(img, g)
	require.NoError(t, err)
	require.Len(t, black, 4)
	require.Len(t, red, 4)

	assert.Equal(t, []byte{0x7F, 0xBF, 0xFF, 0xFF}, black)
	assert.Equal(t, []byte{0x00, 0x00, 0x40, 0x00}, red)
}

func TestPackCenterCrop(t *testing.T) {
	g := epd.Geometry{Width: 8, Height: 1}
	img := image.NewGray(image.Rect(0, 0, 10, 3))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	// Middle row, first cropped column.
	img.SetGray(1, 1, color.Gray{})

	black, red, err := Pack(img, g)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7F}, black)
	assert.Equal(t, []byte{0x00}, red)
}

func TestPackTooSmall(t *testing.T) {
	_, _, err := Pack(image.NewNRGBA(image.Rect(0, 0, 7, 7)), epd.Geometry{Width: 8, Height: 8})
	assert.Error(t, err)
}

func TestUnpackRoundTrip(t *testing.T) {
	g := epd.Geometry{Width: 12, Height: 3}
	black := []byte{0x7F, 0xFF, 0xFF, 0xFF, 0xFF, 0xEF}
	red := []byte{0x00, 0x00, 0x80, 0x00, 0x00, 0x00}

	img, err := Unpack(black, red, g)
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{A: 0xFF}, img.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{R: 0xFF, A: 0xFF}, img.NRGBAAt(0, 1))
	assert.Equal(t, color.NRGBA{A: 0xFF}, img.NRGBAAt(11, 2))

	b2, r2, err := Pack(img, g)
	require.NoError(t, err)
	// Padding bits of each row are never inked.
	assert.Equal(t, []byte{0x7F, 0xFF, 0xFF, 0xFF, 0xFF, 0xEF}, b2)
	assert.Equal(t, red, r2)

	_, err = Unpack(black[:5], nil, g)
	assert.Error(t, err)
}
