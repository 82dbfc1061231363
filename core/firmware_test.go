package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/FabLabAQ/Marvin/protocol"
)

// captureOutput is an unbounded OutputBuffer for tests
type captureOutput struct {
	data []byte
}

func (c *captureOutput) Output(data []byte) { c.data = append(c.data, data...) }
func (c *captureOutput) CurPosition() int { return len(c.data) }
func (c *captureOutput) Update(pos int, val byte) { c.data[pos] = val }
func (c *captureOutput) DataSince(pos int) []byte { return c.data[pos:] }

// statuses decodes everything written so far and clears the capture
func (c *captureOutput) statuses(t *testing.T) []protocol.Status {
	t.Helper()
	var out []protocol.Status
	data := c.data
	for len(data) > 0 {
		s, n, err := protocol.DecodeStatus(data)
		if err != nil {
			t.Fatalf("bad status stream %v: %v", c.data, err)
		}
		out = append(out, s)
		data = data[n:]
	}
	c.data = nil
	return out
}

func tags(statuses []protocol.Status) string {
	var b strings.Builder
	for _, s := range statuses {
		b.WriteByte(s.Tag)
	}
	return b.String()
}

type mockBattery struct {
	level uint8
	err   error
}

func (m *mockBattery) ReadLevel() (uint8, error) { return m.level, m.err }

func pointPacket(duration, ttt uint16, coords ...uint8) []byte {
	var p protocol.Point
	p.Duration = duration
	p.TimeToTarget = ttt
	p.SetCoordinates(coords)
	out := protocol.NewScratchOutput()
	protocol.EncodePoint(out, &p)
	return append([]byte(nil), out.Result()...)
}

func newTestFirmware(t *testing.T, cfg FirmwareConfig) (*Firmware, *captureOutput, *mockActuator) {
	t.Helper()
	SetTime(0)
	ClearTimingRing()
	out := &captureOutput{}
	act := newMockActuator(protocol.MaxPointDim)
	if cfg.Actuator == nil {
		cfg.Actuator = act
	}
	return NewFirmware(out, cfg), out, act
}

func runFor(fw *Firmware, ms int) {
	for i := 0; i < ms/DefaultStepIntervalMS; i++ {
		AdvanceTime(TimerFromMS(DefaultStepIntervalMS))
		fw.Tick()
	}
}

func TestFirmwareStreamFlowControl(t *testing.T) {
	fw, out, _ := newTestFirmware(t, FirmwareConfig{})

	input := []byte{'S', 1}
	input = append(input, pointPacket(100, 0, 10)...)
	input = append(input, pointPacket(100, 0, 20)...)
	input = append(input, pointPacket(100, 0, 30)...)
	fw.Receive(protocol.NewSliceInputBuffer(input))

	if fw.Mode() != ModeStream {
		t.Fatalf("expected stream mode, got %v", fw.Mode())
	}
	if got := tags(out.statuses(t)); got != "NNF" {
		t.Fatalf("expected NNF, got %q", got)
	}

	// First point starts at the first tick and ends 100ms later
	runFor(fw, 200)
	if got := tags(out.statuses(t)); got != "N" {
		t.Errorf("expected one deferred N once a slot freed, got %q", got)
	}
	if fw.Player().Output()[0] != 20 {
		t.Errorf("expected second point playing, got %v", fw.Player().Output())
	}
}

func TestFirmwareStopDrainsThenFinishes(t *testing.T) {
	fw, out, act := newTestFirmware(t, FirmwareConfig{})

	input := []byte{'S', 1}
	input = append(input, pointPacket(50, 0, 10)...)
	input = append(input, pointPacket(50, 0, 20)...)
	fw.Receive(protocol.NewSliceInputBuffer(input))
	out.statuses(t)

	runFor(fw, 10)
	fw.Receive(protocol.NewSliceInputBuffer([]byte{'H'}))
	if !fw.Stopping() {
		t.Fatal("expected stopping after H in stream mode")
	}
	if got := tags(out.statuses(t)); got != "" {
		t.Errorf("E must wait for the current point, got %q", got)
	}

	runFor(fw, 30)
	if got := tags(out.statuses(t)); got != "" {
		t.Errorf("queued point must play before E, got %q", got)
	}

	runFor(fw, 200)
	if got := tags(out.statuses(t)); got != "E" {
		t.Errorf("expected E after drain, got %q", got)
	}
	if fw.Mode() != ModeIdle || fw.Stopping() {
		t.Errorf("expected idle after finish, mode=%v stopping=%v", fw.Mode(), fw.Stopping())
	}
	if act.values[0] != 20 {
		t.Errorf("queued point should have played, actuator at %d", act.values[0])
	}

	fw.Receive(protocol.NewSliceInputBuffer(pointPacket(0, 0, 99)))
	if !fw.Player().BufferEmpty() {
		t.Error("points after the stop must be discarded")
	}
}

func TestFirmwareImmediateMode(t *testing.T) {
	fw, out, act := newTestFirmware(t, FirmwareConfig{})

	input := []byte{'I', 2}
	input = append(input, pointPacket(0, 0, 1, 2)...)
	input = append(input, pointPacket(0, 0, 200, 100)...)
	fw.Receive(protocol.NewSliceInputBuffer(input))

	if got := tags(out.statuses(t)); got != "" {
		t.Errorf("immediate mode sends no acks, got %q", got)
	}
	runFor(fw, 10)
	if act.values[0] != 200 || act.values[1] != 100 {
		t.Errorf("expected newest point, got %v", act.values)
	}

	fw.Receive(protocol.NewSliceInputBuffer([]byte{'H'}))
	if fw.Mode() != ModeIdle {
		t.Errorf("H in immediate mode should go idle at once, got %v", fw.Mode())
	}
	if got := tags(out.statuses(t)); got != "" {
		t.Errorf("immediate stop sends nothing, got %q", got)
	}
}

func TestFirmwareRejectsInvalidDimension(t *testing.T) {
	fw, out, _ := newTestFirmware(t, FirmwareConfig{})

	fw.Receive(protocol.NewSliceInputBuffer([]byte{'S', 0}))
	st := out.statuses(t)
	if len(st) != 1 || st[0].Tag != protocol.TagDebug {
		t.Fatalf("expected one debug packet, got %+v", st)
	}
	if !strings.Contains(st[0].Message, "dimension 0") {
		t.Errorf("unexpected debug message %q", st[0].Message)
	}
	if fw.Mode() != ModeIdle {
		t.Errorf("expected idle, got %v", fw.Mode())
	}

	fw.Receive(protocol.NewSliceInputBuffer([]byte{'S', 17}))
	if fw.Mode() != ModeIdle {
		t.Errorf("dimension 17 should be rejected, got %v", fw.Mode())
	}
}

func TestFirmwareIgnoresPointsWhileIdle(t *testing.T) {
	fw, out, _ := newTestFirmware(t, FirmwareConfig{})

	input := []byte{'S', 1, 'H'}
	input = append(input, pointPacket(0, 0, 5)...)
	fw.Receive(protocol.NewSliceInputBuffer(input))

	if got := tags(out.statuses(t)); got != "E" {
		t.Errorf("expected E for the empty stop, got %q", got)
	}
	if !fw.Player().BufferEmpty() {
		t.Error("point received while idle should be discarded")
	}
}

func TestFirmwareBatteryReports(t *testing.T) {
	bat := &mockBattery{level: 128}
	fw, out, _ := newTestFirmware(t, FirmwareConfig{
		Battery:         bat,
		BatteryInterval: TimerFromMS(100),
	})

	runFor(fw, 100)
	st := out.statuses(t)
	if len(st) != 1 || st[0].Tag != protocol.TagBattery || st[0].Level != 128 {
		t.Fatalf("expected one battery report, got %+v", st)
	}

	bat.err = errors.New("adc busy")
	runFor(fw, 100)
	if got := tags(out.statuses(t)); got != "" {
		t.Errorf("failed read should not report, got %q", got)
	}
}

func TestFirmwareDesyncDebug(t *testing.T) {
	fw, out, _ := newTestFirmware(t, FirmwareConfig{Debug: true})
	defer SetDebugEnabled(false)

	fw.Receive(protocol.NewSliceInputBuffer([]byte{'Z', 'S', 1}))
	st := out.statuses(t)
	if len(st) != 1 || st[0].Tag != protocol.TagDebug || st[0].Message != "desync: skipped 0x5a" {
		t.Fatalf("expected desync debug packet, got %+v", st)
	}
	if fw.Mode() != ModeStream {
		t.Errorf("receiver should recover on the next tag, mode %v", fw.Mode())
	}
	if fw.Transport().Desyncs() != 1 {
		t.Errorf("expected 1 desync, got %d", fw.Transport().Desyncs())
	}

	events := TimingEvents()
	if len(events) == 0 || events[0].EventType != EvtDesync || events[0].Value1 != 'Z' {
		t.Errorf("expected desync in timing ring, got %+v", events)
	}
}

func TestFirmwareFragmentedInput(t *testing.T) {
	fw, out, _ := newTestFirmware(t, FirmwareConfig{})
	fifo := protocol.NewFifoBuffer(64)

	stream := append([]byte{'S', 1}, pointPacket(10, 0, 42)...)
	for _, b := range stream {
		fifo.WriteByte(b)
		fw.Receive(fifo)
	}
	if got := tags(out.statuses(t)); got != "N" {
		t.Errorf("expected N after the fragmented point, got %q", got)
	}
	if fifo.Available() != 0 {
		t.Errorf("all bytes should be consumed, %d left", fifo.Available())
	}
}

func TestFirmwareUnderrunDumpsTimingOnce(t *testing.T) {
	fw, out, _ := newTestFirmware(t, FirmwareConfig{Debug: true})
	defer SetDebugEnabled(false)

	input := append([]byte{'S', 1}, pointPacket(20, 0, 7)...)
	fw.Receive(protocol.NewSliceInputBuffer(input))
	out.statuses(t)

	runFor(fw, 100)
	st := out.statuses(t)
	if len(st) < 3 || st[0].Message != "buffer underrun" || st[1].Message != "[TIMING] dump" {
		t.Fatalf("expected underrun report and dump, got %+v", st)
	}
	if last := st[len(st)-1]; last.Message != "[TIMING] end" {
		t.Errorf("dump should close with the end marker, got %q", last.Message)
	}

	runFor(fw, 100)
	if got := tags(out.statuses(t)); got != "" {
		t.Errorf("underrun is reported once per stall, got %q", got)
	}
}

func TestFirmwarePointSplitAcrossFreedSlot(t *testing.T) {
	fw, out, _ := newTestFirmware(t, FirmwareConfig{})

	input := []byte{'S', 1}
	for i := 0; i < 3; i++ {
		input = append(input, pointPacket(100, 0, 10)...)
	}
	fw.Receive(protocol.NewSliceInputBuffer(input))
	if got := tags(out.statuses(t)); got != "NNF" {
		t.Fatalf("expected NNF, got %q", got)
	}

	packet := pointPacket(0x1234, 0x0042, 77)
	fw.Receive(protocol.NewSliceInputBuffer(packet[:3]))

	// The buffered points play out and free every slot mid-packet
	runFor(fw, 400)
	if got := tags(out.statuses(t)); got != "N" {
		t.Fatalf("expected deferred N, got %q", got)
	}

	fw.Receive(protocol.NewSliceInputBuffer(packet[3:]))
	if got := tags(out.statuses(t)); got != "F" {
		t.Errorf("point started while full must be dropped and reported, got %q", got)
	}
	if !fw.Player().BufferEmpty() {
		t.Fatalf("dropped point was committed, %d pending", fw.Player().Pending())
	}

	fw.Receive(protocol.NewSliceInputBuffer(packet))
	if got := tags(out.statuses(t)); got != "N" {
		t.Errorf("expected N for the resent point, got %q", got)
	}
	p := fw.Player()
	got := p.points[(p.fill+PlayerSlots-1)%PlayerSlots]
	if got.Duration != 0x1234 || got.TimeToTarget != 0x0042 || got.Dim != 1 || got.Coords[0] != 77 {
		t.Errorf("committed point decoded wrong: %+v", got)
	}
}
