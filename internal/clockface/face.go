// Package clockface draws the clock screen and the start-up splash.
package clockface

import (
	"fmt"
	"image"
	"image/draw"
	"strings"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomonobold"

	"eclock/internal/convert"
	"eclock/internal/epd"
)

// Status is the line of extra information under the clock.
type Status struct {
	// Link names the connected link, empty while waiting for one.
	Link string
	// Battery is a percentage, or negative when unknown.
	Battery int
}

// Face renders into planes for one panel.
type Face struct {
	geom   epd.Geometry
	planes epd.Planes
	// Portrait panels are drawn landscape and rotated.
	rotate bool
	status func() Status

	mu    sync.Mutex
	mono  *truetype.Font
	sans  *truetype.Font
	faces map[string]font.Face
}

// New prepares a renderer for m. status may be nil.
func New(m epd.Model, status func() Status) (*Face, error) {
	mono, err := truetype.Parse(gomonobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("clockface: mono font: %w", err)
	}
	sans, err := truetype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("clockface: sans font: %w", err)
	}
	if status == nil {
		status = func() Status { return Status{Battery: -1} }
	}
	return &Face{
		geom:   m.Geometry,
		planes: m.Planes,
		rotate: m.Geometry.Width < m.Geometry.Height,
		status: status,
		mono:   mono,
		sans:   sans,
		faces:  map[string]font.Face{},
	}, nil
}

func (f *Face) face(ft *truetype.Font, name string, size float64) font.Face {
	key := fmt.Sprintf("%s/%.1f", name, size)
	if fc, ok := f.faces[key]; ok {
		return fc
	}
	fc := truetype.NewFace(ft, &truetype.Options{Size: size, Hinting: font.HintingFull})
	f.faces[key] = fc
	return fc
}

// canvas is the landscape drawing size.
func (f *Face) canvas() (int, int) {
	if f.rotate {
		return f.geom.Height, f.geom.Width
	}
	return f.geom.Width, f.geom.Height
}

// accent sets the highlight colour: red on dual-plane panels.
func (f *Face) accent(dc *gg.Context) {
	if f.planes == epd.DualPlane {
		dc.SetRGB(1, 0, 0)
		return
	}
	dc.SetRGB(0, 0, 0)
}

// Image draws the clock face for now in panel orientation.
func (f *Face) Image(now time.Time) image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, h := f.canvas()
	fw, fh := float64(w), float64(h)
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	pad := fh * 0.05
	header := fh * 0.16

	// Date and weekday.
	dc.SetFontFace(f.face(f.sans, "sans", header))
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(now.Format("01.02"), pad, pad+header/2, 0, 0.5)
	f.accent(dc)
	dc.DrawStringAnchored(strings.ToUpper(now.Format("Mon")), fw-pad, pad+header/2, 1, 0.5)

	// Hour card (inverted) and minute card (outlined).
	top := pad*2 + header
	cardH := fh * 0.52
	cardW := (fw - pad*4) * 0.4
	digits := f.face(f.mono, "mono", cardH*0.8)

	dc.SetRGB(0, 0, 0)
	dc.DrawRoundedRectangle(pad, top, cardW, cardH, cardH*0.1)
	dc.Fill()
	dc.SetFontFace(digits)
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored(now.Format("15"), pad+cardW/2, top+cardH/2, 0.5, 0.4)

	mx := pad*2 + cardW
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(max(2, fh*0.02))
	dc.DrawRoundedRectangle(mx, top, cardW, cardH, cardH*0.1)
	dc.Stroke()
	dc.DrawStringAnchored(now.Format("04"), mx+cardW/2, top+cardH/2, 0.5, 0.4)

	// Seconds.
	sx := mx + cardW + pad
	dc.SetFontFace(f.face(f.mono, "mono", cardH*0.4))
	f.accent(dc)
	dc.DrawStringAnchored(now.Format("05"), sx+(fw-pad-sx)/2, top+cardH/2, 0.5, 0.4)

	// Status line.
	st := f.status()
	line := "Waiting link..."
	if st.Link != "" {
		line = "LINK: " + st.Link
	}
	dc.SetFontFace(f.face(f.sans, "sans", fh*0.1))
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(line, pad, fh-pad, 0, 0)
	if st.Battery >= 0 {
		dc.DrawStringAnchored(fmt.Sprintf("%d%%", st.Battery), fw-pad, fh-pad, 1, 0)
	}

	return f.orient(dc.Image())
}

// SplashImage draws the start-up screen in panel orientation.
func (f *Face) SplashImage(msg string) image.Image {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, h := f.canvas()
	fw, fh := float64(w), float64(h)
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	dc.SetRGB(0, 0, 0)
	dc.SetFontFace(f.face(f.sans, "sans", fh*0.22))
	dc.DrawStringAnchored("E-PAPER", fw/2, fh*0.3, 0.5, 0.5)
	f.accent(dc)
	dc.DrawStringAnchored("CLOCK", fw/2, fh*0.55, 0.5, 0.5)
	dc.SetRGB(0, 0, 0)
	dc.SetFontFace(f.face(f.sans, "sans", fh*0.1))
	dc.DrawStringAnchored(msg, fw/2, fh*0.85, 0.5, 0.5)

	return f.orient(dc.Image())
}

// Render implements the scheduler's Renderer.
func (f *Face) Render(now time.Time) (black, red []byte, err error) {
	return f.pack(f.Image(now))
}

// Splash returns the planes of the start-up screen.
func (f *Face) Splash(msg string) (black, red []byte, err error) {
	return f.pack(f.SplashImage(msg))
}

func (f *Face) pack(img image.Image) (black, red []byte, err error) {
	black, red, err = convert.Pack(img, f.geom)
	if err != nil {
		return nil, nil, err
	}
	if f.planes == epd.SinglePlane {
		red = nil
	}
	return black, red, nil
}

// orient rotates a landscape canvas 90° clockwise onto a portrait panel.
func (f *Face) orient(src image.Image) image.Image {
	if !f.rotate {
		return src
	}
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, f.geom.Width, f.geom.Height))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	lh := b.Dy()
	for ly := 0; ly < lh; ly++ {
		for lx := 0; lx < b.Dx(); lx++ {
			dst.Set(lh-1-ly, lx, src.At(b.Min.X+lx, b.Min.Y+ly))
		}
	}
	return dst
}
