package convert

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"eclock/internal/epd"
)

// Pack converts img into packed 1bpp black/red planes for a panel of
// geometry g.
//
// Requirements / behavior:
//
//   - img must be at least g.Width x g.Height pixels.
//   - 더 큰 이미지는 가운데를 잘라(센터 크롭) 패널 크기만 사용한다.
//   - 픽셀 분류:
//   - 투명(alpha < 128) → white
//   - 매우 어두운 픽셀 → black plane에 잉크
//   - 충분히 "빨간" 픽셀 → red plane에 잉크
//   - 나머지 → white
//
// Packing 규칙:
//
//   - 각 plane은 y-major, MSB-first 1bpp:
//     byteIndex = y * g.BytesPerRow() + (x >> 3)
//     mask      = 0x80 >> (x & 7)
//   - black plane: 1 = white, 0 = ink (blank 0xFF).
//   - red plane: 1 = red ink, 0 = none (blank 0x00).
func Pack(img image.Image, g epd.Geometry) (black, red []byte, err error) {
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		b := img.Bounds()
		nrgba = image.NewNRGBA(b)
		draw.Draw(nrgba, b, img, b.Min, draw.Src)
	}
	return PackNRGBA(nrgba, g)
}

// PackNRGBA is Pack without the conversion step.
func PackNRGBA(img *image.NRGBA, g epd.Geometry) (black, red []byte, err error) {
	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()

	if w < g.Width || h < g.Height {
		return nil, nil, fmt.Errorf("convert: expected at least %s, got %dx%d", g, w, h)
	}

	// 센터 크롭.
	startX := b.Min.X + (w-g.Width)/2
	startY := b.Min.Y + (h-g.Height)/2

	stride := g.BytesPerRow()
	black = make([]byte, g.BytesPerPlane())
	red = make([]byte, g.BytesPerPlane())

	// black은 모두 white(1)로 시작, red는 잉크 없음(0).
	for i := range black {
		black[i] = 0xFF
	}

	// 메인 루프: 이미지 stride를 직접 사용해 At() 호출을 피한다.
	for py := 0; py < g.Height; py++ {
		rowOff := (startY + py - b.Min.Y) * img.Stride

		for px := 0; px < g.Width; px++ {
			i := rowOff + (startX+px-b.Min.X)*4

			a := img.Pix[i+3]
			// 완전 투명/반투명은 화면에서 보이지 않는다고 가정하고 white 취급.
			if a < 128 {
				continue
			}

			ink := classifyPixel(color.NRGBA{R: img.Pix[i+0], G: img.Pix[i+1], B: img.Pix[i+2], A: a})
			if ink == inkWhite {
				continue
			}

			byteIndex := py*stride + (px >> 3)
			mask := byte(0x80 >> (px & 7))

			switch ink {
			case inkBlack:
				black[byteIndex] &^= mask
			case inkRed:
				red[byteIndex] |= mask
			}
		}
	}

	return black, red, nil
}

// Unpack renders planes back into an image, for previews and dumps.
// A nil red plane is treated as empty.
func Unpack(black, red []byte, g epd.Geometry) (*image.NRGBA, error) {
	n := g.BytesPerPlane()
	if len(black) != n {
		return nil, fmt.Errorf("convert: black plane has %d bytes, want %d", len(black), n)
	}
	if red != nil && len(red) != n {
		return nil, fmt.Errorf("convert: red plane has %d bytes, want %d", len(red), n)
	}

	img := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	stride := g.BytesPerRow()
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			idx := y*stride + (x >> 3)
			mask := byte(0x80 >> (x & 7))

			c := color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
			switch {
			case red != nil && red[idx]&mask != 0:
				c = color.NRGBA{R: 0xFF, A: 0xFF}
			case black[idx]&mask == 0:
				c = color.NRGBA{A: 0xFF}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img, nil
}

// inkColor indicates which plane a pixel should be drawn to.
type inkColor int

const (
	inkWhite inkColor = iota
	inkBlack
	inkRed
)

// classifyPixel decides whether a pixel should be black, red, or white on the
// tri-color panel.
//
// 기준(경험적):
//
//   - 밝기 Y = 0.299R + 0.587G + 0.114B
//   - redness = R - max(G, B)
//   - 매우 어두운 픽셀(Y < 64) → black
//   - 충분히 밝고(redness > 32, R > 128) → red
//   - 나머지 → white
func classifyPixel(c color.NRGBA) inkColor {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)

	y := 0.299*r + 0.587*g + 0.114*b

	maxGB := g
	if b > maxGB {
		maxGB = b
	}
	redness := r - maxGB

	if y < 64 {
		return inkBlack
	}
	if r > 128 && redness > 32 {
		return inkRed
	}
	return inkWhite
}
