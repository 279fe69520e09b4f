package epd

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/gpio"
)

// Geometry is the fixed pixel size of a panel.
type Geometry struct {
	Width  int
	Height int
}

// BytesPerRow is the number of RAM bytes one pixel row occupies (1bpp, MSB first).
func (g Geometry) BytesPerRow() int {
	return (g.Width + 7) / 8
}

// BytesPerPlane is ceil(Width/8) * Height.
func (g Geometry) BytesPerPlane() int {
	return g.BytesPerRow() * g.Height
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d", g.Width, g.Height)
}

// Planes is the ink capability of a panel.
type Planes int

const (
	// SinglePlane panels only have the black/white RAM.
	SinglePlane Planes = iota + 1
	// DualPlane panels have black/white plus red RAM.
	DualPlane
)

func (p Planes) String() string {
	switch p {
	case SinglePlane:
		return "single"
	case DualPlane:
		return "dual"
	default:
		return fmt.Sprintf("Planes(%d)", int(p))
	}
}

// BusyPolarity is the level at which a panel drives BUSY while updating.
type BusyPolarity int

const (
	BusyActiveHigh BusyPolarity = iota
	BusyActiveLow
)

func (p BusyPolarity) isBusy(l gpio.Level) bool {
	if p == BusyActiveLow {
		return l == gpio.Low
	}
	return l == gpio.High
}

// idleLevel is the BUSY level of a panel that is ready for commands.
func (p BusyPolarity) idleLevel() gpio.Level {
	if p == BusyActiveLow {
		return gpio.High
	}
	return gpio.Low
}

// EntryMode is the data entry mode byte; it decides which way the Y
// address counter moves after each row.
type EntryMode byte

const (
	// YDecrement: X increments, Y decrements (Good Display default).
	YDecrement EntryMode = 0x01
	// YIncrement: X increments, Y increments.
	YIncrement EntryMode = 0x03
)

// Revision captures what differs between controller revision families.
type Revision struct {
	Name         string
	BusyPolarity BusyPolarity

	DeepSleepCommand byte
	DeepSleepData    []byte
	// FloatBorderOnSleep sends the VCOM/data interval setting with a
	// floating border before power-off.
	FloatBorderOnSleep bool

	// Blank values are not symmetric: 0xFF is white on the BW RAM while
	// 0x00 is "no ink" on the red RAM.
	BlankBlack byte
	BlankRed   byte
}

var (
	// RevisionSSD1680 covers SSD1680/SSD1683 based panels (BUSY high while updating).
	RevisionSSD1680 = Revision{
		Name:             "ssd1680",
		BusyPolarity:     BusyActiveHigh,
		DeepSleepCommand: deepSleepMode,
		DeepSleepData:    []byte{0x01},
		BlankBlack:       0xFF,
		BlankRed:         0x00,
	}

	// RevisionUC8176 covers the older UC8176 family (BUSY low while updating),
	// whose deep sleep command needs the 0xA5 check code.
	RevisionUC8176 = Revision{
		Name:               "uc8176",
		BusyPolarity:       BusyActiveLow,
		DeepSleepCommand:   deepSleepLegacy,
		DeepSleepData:      []byte{0xA5},
		FloatBorderOnSleep: true,
		BlankBlack:         0xFF,
		BlankRed:           0x00,
	}
)

// Model describes one supported panel.
type Model struct {
	Name      string
	Geometry  Geometry
	Planes    Planes
	Revision  Revision
	EntryMode EntryMode
}

var (
	// EPD2in13V3 is the 2.13" black/white panel (122x250).
	EPD2in13V3 = Model{
		Name:      "2in13_v3",
		Geometry:  Geometry{Width: 122, Height: 250},
		Planes:    SinglePlane,
		Revision:  RevisionSSD1680,
		EntryMode: YDecrement,
	}

	// EPD2in9bV3 is the 2.9" black/white/red panel (128x296).
	EPD2in9bV3 = Model{
		Name:      "2in9b_v3",
		Geometry:  Geometry{Width: 128, Height: 296},
		Planes:    DualPlane,
		Revision:  RevisionSSD1680,
		EntryMode: YDecrement,
	}

	// EPD4in2bV2 is the 4.2" black/white/red panel (400x300).
	EPD4in2bV2 = Model{
		Name:      "4in2b_v2",
		Geometry:  Geometry{Width: 400, Height: 300},
		Planes:    DualPlane,
		Revision:  RevisionSSD1680,
		EntryMode: YDecrement,
	}
)

var models = []Model{EPD2in13V3, EPD2in9bV3, EPD4in2bV2}

// ModelByName looks up a preset by its config name.
func ModelByName(name string) (Model, bool) {
	for _, m := range models {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return Model{}, false
}

// RevisionByName looks up a revision family by its config name.
func RevisionByName(name string) (Revision, bool) {
	for _, r := range []Revision{RevisionSSD1680, RevisionUC8176} {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Revision{}, false
}

// ramRow maps a frame buffer row onto the panel's RAM Y address.
func (m *Model) ramRow(y int) int {
	if m.EntryMode == YDecrement {
		return m.Geometry.Height - 1 - y
	}
	return y
}

func (m *Model) validate() error {
	g := m.Geometry
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("epd: invalid geometry %s", g)
	}
	// RAM X addresses are a single byte, Y addresses two.
	if g.BytesPerRow() > 0x100 || g.Height > 0x10000 {
		return fmt.Errorf("epd: geometry %s exceeds controller RAM addressing", g)
	}
	if m.Planes != SinglePlane && m.Planes != DualPlane {
		return fmt.Errorf("epd: unknown plane capability %v", m.Planes)
	}
	if m.EntryMode != YDecrement && m.EntryMode != YIncrement {
		return fmt.Errorf("epd: unsupported entry mode 0x%02x", byte(m.EntryMode))
	}
	return nil
}
