package epd

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type record struct {
	cmd  byte
	data []byte
	wait bool
}

type fakeController []record

func (r *fakeController) sendCommand(cmd byte) {
	*r = append(*r, record{
		cmd: cmd,
	})
}

func (r *fakeController) sendData(data []byte) {
	cur := &(*r)[len(*r)-1]
	cur.data = append(cur.data, data...)
}

func (r *fakeController) waitUntilIdle() {
	*r = append(*r, record{wait: true})
}

func diffRecords(got fakeController, want []record) string {
	return cmp.Diff([]record(got), want, cmpopts.EquateEmpty(), cmp.AllowUnexported(record{}))
}

func TestInitDisplay(t *testing.T) {
	for _, tc := range []struct {
		name  string
		model Model
		want  []record
	}{
		{
			name:  "2in13_v3",
			model: EPD2in13V3,
			want: []record{
				{wait: true},
				{cmd: swReset},
				{wait: true},
				{cmd: driverOutputControl, data: []byte{250 - 1, 0, 0}},
				{cmd: dataEntryModeSetting, data: []byte{0x01}},
				{cmd: setRAMXAddressStartEndPosition, data: []byte{0x00, 0x0f}},
				{cmd: setRAMYAddressStartEndPosition, data: []byte{0xf9, 0x00, 0x00, 0x00}},
				{cmd: borderWaveformControl, data: []byte{0x05}},
				{cmd: displayUpdateControl1, data: []byte{0x00, 0x80}},
				{cmd: tempSensorSelect, data: []byte{0x80}},
				{cmd: setRAMXAddressCounter, data: []byte{0x00}},
				{cmd: setRAMYAddressCounter, data: []byte{0xf9, 0x00}},
				{wait: true},
			},
		},
		{
			name:  "4in2b_v2",
			model: EPD4in2bV2,
			want: []record{
				{wait: true},
				{cmd: swReset},
				{wait: true},
				{cmd: driverOutputControl, data: []byte{0x2b, 0x01, 0x00}},
				{cmd: dataEntryModeSetting, data: []byte{0x01}},
				{cmd: setRAMXAddressStartEndPosition, data: []byte{0x00, 0x31}},
				{cmd: setRAMYAddressStartEndPosition, data: []byte{0x2b, 0x01, 0x00, 0x00}},
				{cmd: borderWaveformControl, data: []byte{0x05}},
				{cmd: displayUpdateControl1, data: []byte{0x00, 0x80}},
				{cmd: tempSensorSelect, data: []byte{0x80}},
				{cmd: setRAMXAddressCounter, data: []byte{0x00}},
				{cmd: setRAMYAddressCounter, data: []byte{0x2b, 0x01}},
				{wait: true},
			},
		},
		{
			name: "y increment",
			model: func() Model {
				m := EPD2in9bV3
				m.EntryMode = YIncrement
				return m
			}(),
			want: []record{
				{wait: true},
				{cmd: swReset},
				{wait: true},
				{cmd: driverOutputControl, data: []byte{0x27, 0x01, 0x00}},
				{cmd: dataEntryModeSetting, data: []byte{0x03}},
				{cmd: setRAMXAddressStartEndPosition, data: []byte{0x00, 0x0f}},
				{cmd: setRAMYAddressStartEndPosition, data: []byte{0x00, 0x00, 0x27, 0x01}},
				{cmd: borderWaveformControl, data: []byte{0x05}},
				{cmd: displayUpdateControl1, data: []byte{0x00, 0x80}},
				{cmd: tempSensorSelect, data: []byte{0x80}},
				{cmd: setRAMXAddressCounter, data: []byte{0x00}},
				{cmd: setRAMYAddressCounter, data: []byte{0x00, 0x00}},
				{wait: true},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got fakeController

			initDisplay(&got, &tc.model)

			if diff := diffRecords(got, tc.want); diff != "" {
				t.Errorf("initDisplay() difference (-got +want):\n%s", diff)
			}
		})
	}
}

func TestUpdateDisplay(t *testing.T) {
	for _, tc := range []struct {
		kind RefreshKind
		want []record
	}{
		{
			kind: Full,
			want: []record{
				{cmd: displayUpdateControl2, data: []byte{0xf7}},
				{cmd: masterActivation},
				{wait: true},
			},
		},
		{
			kind: Partial,
			want: []record{
				{cmd: displayUpdateControl2, data: []byte{0xff}},
				{cmd: masterActivation},
				{wait: true},
			},
		},
	} {
		t.Run(tc.kind.String(), func(t *testing.T) {
			var got fakeController

			updateDisplay(&got, tc.kind)

			if diff := diffRecords(got, tc.want); diff != "" {
				t.Errorf("updateDisplay() difference (-got +want):\n%s", diff)
			}
		})
	}
}

func TestSleepDisplay(t *testing.T) {
	for _, tc := range []struct {
		name string
		rev  Revision
		want []record
	}{
		{
			name: "ssd1680",
			rev:  RevisionSSD1680,
			want: []record{
				{cmd: powerOff},
				{wait: true},
				{cmd: deepSleepMode, data: []byte{0x01}},
			},
		},
		{
			name: "uc8176",
			rev:  RevisionUC8176,
			want: []record{
				{cmd: vcomDataIntervalSetting, data: []byte{0xf7}},
				{cmd: powerOff},
				{wait: true},
				{cmd: deepSleepLegacy, data: []byte{0xa5}},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got fakeController

			sleepDisplay(&got, &tc.rev)

			if diff := diffRecords(got, tc.want); diff != "" {
				t.Errorf("sleepDisplay() difference (-got +want):\n%s", diff)
			}
		})
	}
}

func TestWritePlane(t *testing.T) {
	var got fakeController

	writePlane(&got, writeRAMBW, []byte{1, 2, 3, 4, 5}, 2)
	fillPlane(&got, writeRAMRed, 0x00, 2, 3)

	want := []record{
		{cmd: writeRAMBW, data: []byte{1, 2, 3, 4, 5}},
		{cmd: writeRAMRed, data: []byte{0, 0, 0, 0, 0, 0}},
	}
	if diff := diffRecords(got, want); diff != "" {
		t.Errorf("writePlane() difference (-got +want):\n%s", diff)
	}
}

func TestSetWindow(t *testing.T) {
	var got fakeController
	m := EPD4in2bV2

	// Columns 16..79, rows 10..29 of a Y-decrementing panel.
	setWindow(&got, &m, 16, 79, 10, 29)
	setCursor(&got, &m, 16, 10)

	want := []record{
		{cmd: setRAMXAddressStartEndPosition, data: []byte{0x02, 0x09}},
		{cmd: setRAMYAddressStartEndPosition, data: []byte{0x21, 0x01, 0x0e, 0x01}},
		{cmd: setRAMXAddressCounter, data: []byte{0x02}},
		{cmd: setRAMYAddressCounter, data: []byte{0x21, 0x01}},
	}
	if diff := diffRecords(got, want); diff != "" {
		t.Errorf("setWindow() difference (-got +want):\n%s", diff)
	}
}
