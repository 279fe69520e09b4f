package epd

import (
	"bytes"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Commands
const (
	driverOutputControl            byte = 0x01
	powerOff                       byte = 0x02
	deepSleepLegacy                byte = 0x07
	deepSleepMode                  byte = 0x10
	dataEntryModeSetting           byte = 0x11
	swReset                        byte = 0x12
	tempSensorSelect               byte = 0x18
	masterActivation               byte = 0x20
	displayUpdateControl1          byte = 0x21
	displayUpdateControl2          byte = 0x22
	writeRAMBW                     byte = 0x24
	writeRAMRed                    byte = 0x26
	borderWaveformControl          byte = 0x3C
	setRAMXAddressStartEndPosition byte = 0x44
	setRAMYAddressStartEndPosition byte = 0x45
	setRAMXAddressCounter          byte = 0x4E
	setRAMYAddressCounter          byte = 0x4F
	vcomDataIntervalSetting        byte = 0x50
)

// Sequences for displayUpdateControl2.
const (
	updateFull    byte = 0xF7
	updatePartial byte = 0xFF
)

type controller interface {
	sendCommand(byte)
	sendData([]byte)
	waitUntilIdle()
}

func initDisplay(ctrl controller, m *Model) {
	ctrl.waitUntilIdle()
	ctrl.sendCommand(swReset)
	ctrl.waitUntilIdle()

	h := m.Geometry.Height - 1
	ctrl.sendCommand(driverOutputControl)
	ctrl.sendData([]byte{byte(h & 0xFF), byte(h >> 8), 0x00})

	// The entry mode decides whether rows are written top-down or
	// bottom-up; setWindow/setCursor map rows accordingly.
	ctrl.sendCommand(dataEntryModeSetting)
	ctrl.sendData([]byte{byte(m.EntryMode)})

	setFullWindow(ctrl, m)

	ctrl.sendCommand(borderWaveformControl)
	ctrl.sendData([]byte{0x05})

	ctrl.sendCommand(displayUpdateControl1)
	ctrl.sendData([]byte{0x00, 0x80})

	// Internal temperature sensor.
	ctrl.sendCommand(tempSensorSelect)
	ctrl.sendData([]byte{0x80})

	setCursor(ctrl, m, 0, 0)

	ctrl.waitUntilIdle()
}

// setWindow sets the RAM window to pixel columns x0..x1 and frame rows y0..y1.
func setWindow(ctrl controller, m *Model, x0, x1, y0, y1 int) {
	ctrl.sendCommand(setRAMXAddressStartEndPosition)
	ctrl.sendData([]byte{byte(x0 >> 3), byte(x1 >> 3)})

	ys, ye := m.ramRow(y0), m.ramRow(y1)
	ctrl.sendCommand(setRAMYAddressStartEndPosition)
	ctrl.sendData([]byte{byte(ys & 0xFF), byte(ys >> 8), byte(ye & 0xFF), byte(ye >> 8)})
}

func setFullWindow(ctrl controller, m *Model) {
	setWindow(ctrl, m, 0, m.Geometry.Width-1, 0, m.Geometry.Height-1)
}

// setCursor positions the RAM address counters.
func setCursor(ctrl controller, m *Model, x, y int) {
	ctrl.sendCommand(setRAMXAddressCounter)
	// x point must be the multiple of 8 or the last 3 bits will be ignored
	ctrl.sendData([]byte{byte(x >> 3)})

	r := m.ramRow(y)
	ctrl.sendCommand(setRAMYAddressCounter)
	ctrl.sendData([]byte{byte(r & 0xFF), byte(r >> 8)})
}

// writePlane sends plane row by row after a write-RAM command.
func writePlane(ctrl controller, cmd byte, plane []byte, rowBytes int) {
	ctrl.sendCommand(cmd)
	if rowBytes <= 0 {
		return
	}
	for off := 0; off < len(plane); off += rowBytes {
		end := off + rowBytes
		if end > len(plane) {
			end = len(plane)
		}
		ctrl.sendData(plane[off:end])
	}
}

// fillPlane sends rows*rowBytes copies of v after a write-RAM command.
func fillPlane(ctrl controller, cmd byte, v byte, rowBytes, rows int) {
	ctrl.sendCommand(cmd)
	row := bytes.Repeat([]byte{v}, rowBytes)
	for y := 0; y < rows; y++ {
		ctrl.sendData(row)
	}
}

func updateDisplay(ctrl controller, kind RefreshKind) {
	seq := updateFull
	if kind == Partial {
		seq = updatePartial
	}
	ctrl.sendCommand(displayUpdateControl2)
	ctrl.sendData([]byte{seq})
	ctrl.sendCommand(masterActivation)
	ctrl.waitUntilIdle()
}

func sleepDisplay(ctrl controller, rev *Revision) {
	if rev.FloatBorderOnSleep {
		ctrl.sendCommand(vcomDataIntervalSetting)
		ctrl.sendData([]byte{0xF7})
	}
	ctrl.sendCommand(powerOff)
	ctrl.waitUntilIdle()
	ctrl.sendCommand(rev.DeepSleepCommand)
	ctrl.sendData(rev.DeepSleepData)
}

// errorHandler is a wrapper for error management. The first failure sticks
// and turns every later call into a no-op.
type errorHandler struct {
	t        Transport
	polarity BusyPolarity
	poll     time.Duration
	timeout  time.Duration
	err      error
}

func (eh *errorHandler) out(line Line, l gpio.Level) {
	if eh.err != nil {
		return
	}
	if err := eh.t.Out(line, l); err != nil {
		eh.err = &TransportError{Op: "set " + line.String(), Err: err}
	}
}

func (eh *errorHandler) tx(w []byte) {
	if eh.err != nil {
		return
	}
	if err := eh.t.Tx(w); err != nil {
		eh.err = &TransportError{Op: "tx", Err: err}
	}
}

func (eh *errorHandler) sendCommand(cmd byte) {
	eh.out(LineDC, gpio.Low)
	eh.out(LineCS, gpio.Low)
	eh.tx([]byte{cmd})
	eh.out(LineCS, gpio.High)
}

func (eh *errorHandler) sendData(data []byte) {
	if len(data) == 0 {
		return
	}
	eh.out(LineDC, gpio.High)
	eh.out(LineCS, gpio.Low)
	eh.tx(data)
	eh.out(LineCS, gpio.High)
}

// waitUntilIdle polls BUSY every poll interval. A zero timeout waits forever.
func (eh *errorHandler) waitUntilIdle() {
	if eh.err != nil {
		return
	}
	var waited time.Duration
	for {
		l, err := eh.t.Busy()
		if err != nil {
			eh.err = &TransportError{Op: "read BUSY", Err: err}
			return
		}
		if !eh.polarity.isBusy(l) {
			return
		}
		if eh.timeout > 0 && waited >= eh.timeout {
			eh.err = ErrBusyTimeout
			return
		}
		eh.t.Delay(eh.poll)
		waited += eh.poll
	}
}

// hardwareReset pulses RST: high 200ms, low 2ms, high 200ms.
func (eh *errorHandler) hardwareReset() {
	eh.out(LineRST, gpio.High)
	eh.delay(200 * time.Millisecond)
	eh.out(LineRST, gpio.Low)
	eh.delay(2 * time.Millisecond)
	eh.out(LineRST, gpio.High)
	eh.delay(200 * time.Millisecond)
}

func (eh *errorHandler) delay(d time.Duration) {
	if eh.err != nil {
		return
	}
	eh.t.Delay(d)
}
