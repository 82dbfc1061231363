package core

import (
	"errors"
	"testing"
)

// mockActuator records every position written
type mockActuator struct {
	channels int
	values   map[int]uint8
	writes   int
	failOn   int
}

func newMockActuator(channels int) *mockActuator {
	return &mockActuator{channels: channels, values: make(map[int]uint8), failOn: -1}
}

func (m *mockActuator) Channels() int { return m.channels }

func (m *mockActuator) SetPosition(channel int, value uint8) error {
	if channel == m.failOn {
		return errors.New("servo stalled")
	}
	m.values[channel] = value
	m.writes++
	return nil
}

func fillPoint(t *testing.T, p *SequencePlayer, duration, ttt uint16, coords ...uint8) {
	t.Helper()
	slot := p.PointToFill()
	if slot == nil {
		t.Fatal("PointToFill returned nil on a non-full buffer")
	}
	slot.Duration = duration
	slot.TimeToTarget = ttt
	slot.SetCoordinates(coords)
	p.PointFilled()
}

func TestPlayerCapacity(t *testing.T) {
	p := NewSequencePlayer(nil)

	if !p.BufferEmpty() || p.BufferFull() {
		t.Fatal("new player should be empty and not full")
	}
	if p.Capacity() != 3 {
		t.Errorf("expected capacity 3, got %d", p.Capacity())
	}

	for i := 0; i < p.Capacity(); i++ {
		if p.BufferFull() {
			t.Fatalf("buffer full after %d points", i)
		}
		fillPoint(t, p, 0, 0, uint8(i))
	}
	if !p.BufferFull() {
		t.Error("buffer should be full after 3 points")
	}
	if p.PointToFill() != nil {
		t.Error("PointToFill should return nil when full")
	}
	if p.Pending() != 3 {
		t.Errorf("expected 3 pending, got %d", p.Pending())
	}

	p.ForceNextPoint()
	if p.BufferFull() {
		t.Error("advancing should free a slot")
	}
}

func TestPlayerPointFilledWhileFullPanics(t *testing.T) {
	p := NewSequencePlayer(nil)
	for i := 0; i < 3; i++ {
		fillPoint(t, p, 0, 0, 1)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic when filling a full buffer")
		}
	}()
	p.PointFilled()
}

func TestPlayerInterpolation(t *testing.T) {
	SetTime(0)
	act := newMockActuator(1)
	p := NewSequencePlayer(act)
	fillPoint(t, p, 200, 1000, 100)

	steps := []struct {
		ms   uint32
		want uint8
	}{
		{0, 0},
		{500, 50},
		{1000, 100},
		{1200, 100},
	}
	for _, s := range steps {
		SetTime(TimerFromMS(s.ms))
		if !p.Step() {
			t.Fatalf("Step at %dms reported empty buffer", s.ms)
		}
		if got := p.Output()[0]; got != s.want {
			t.Errorf("at %dms expected %d, got %d", s.ms, s.want, got)
		}
		if act.values[0] != s.want {
			t.Errorf("at %dms actuator holds %d", s.ms, act.values[0])
		}
	}

	SetTime(TimerFromMS(1201))
	if p.Step() {
		t.Error("Step past timeToTarget+duration with nothing queued should report empty")
	}
	if got := p.Output()[0]; got != 100 {
		t.Errorf("output should stay frozen at 100, got %d", got)
	}
}

func TestPlayerZeroTimeToTarget(t *testing.T) {
	SetTime(0)
	p := NewSequencePlayer(nil)
	fillPoint(t, p, 100, 0, 255, 7)

	if !p.Step() {
		t.Fatal("expected Step to play")
	}
	out := p.Output()
	if len(out) != 2 || out[0] != 255 || out[1] != 7 {
		t.Errorf("expected immediate jump to target, got %v", out)
	}
}

func TestPlayerAdvanceRampsFromLivePosition(t *testing.T) {
	SetTime(0)
	p := NewSequencePlayer(nil)
	fillPoint(t, p, 0, 1000, 200)
	fillPoint(t, p, 0, 1000, 0)

	SetTime(TimerFromMS(0))
	p.Step()
	SetTime(TimerFromMS(500))
	p.Step()
	if got := p.Output()[0]; got != 100 {
		t.Fatalf("expected 100 halfway, got %d", got)
	}

	// Abandon the first point halfway; the next ramp starts at 100
	p.ForceNextPoint()
	p.Step()
	if got := p.Output()[0]; got != 100 {
		t.Errorf("new ramp should start at the live position, got %d", got)
	}
	SetTime(TimerFromMS(1000))
	p.Step()
	if got := p.Output()[0]; got != 50 {
		t.Errorf("expected 50 halfway down from 100, got %d", got)
	}
}

func TestPlayerAdvancesOnFinishedPoint(t *testing.T) {
	SetTime(0)
	p := NewSequencePlayer(nil)
	fillPoint(t, p, 10, 0, 1)
	fillPoint(t, p, 10, 0, 2)

	p.Step()
	SetTime(TimerFromMS(11))
	if !p.Step() {
		t.Fatal("second point should play")
	}
	if got := p.Output()[0]; got != 2 {
		t.Errorf("expected second point after advance, got %d", got)
	}
	if p.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", p.Pending())
	}
}

func TestPlayerForceNextOnEmptyIsNoop(t *testing.T) {
	p := NewSequencePlayer(nil)
	p.ForceNextPoint()
	if !p.BufferEmpty() || p.Pending() != 0 {
		t.Error("ForceNextPoint on empty buffer should not change state")
	}
	fillPoint(t, p, 0, 0, 1)
	if p.Pending() != 1 {
		t.Errorf("expected 1 pending, got %d", p.Pending())
	}
}

func TestPlayerClearBuffer(t *testing.T) {
	p := NewSequencePlayer(nil)
	for i := 0; i < 3; i++ {
		fillPoint(t, p, 0, 0, uint8(i))
	}

	p.ClearBuffer()
	if !p.BufferEmpty() {
		t.Error("ClearBuffer should empty the buffer")
	}
	if p.Step() {
		t.Error("Step on a cleared buffer should report empty")
	}
}

func TestPlayerSkipToNewest(t *testing.T) {
	SetTime(0)
	p := NewSequencePlayer(nil)
	fillPoint(t, p, 0, 0, 10)
	fillPoint(t, p, 0, 0, 20)
	fillPoint(t, p, 0, 0, 30)

	p.SkipToNewest()
	if p.Pending() != 1 {
		t.Fatalf("expected only the newest point, got %d pending", p.Pending())
	}
	p.Step()
	if got := p.Output()[0]; got != 30 {
		t.Errorf("expected newest point 30, got %d", got)
	}
}

func TestPlayerWritesOnlyChangedChannels(t *testing.T) {
	SetTime(0)
	act := newMockActuator(2)
	p := NewSequencePlayer(act)
	fillPoint(t, p, 1000, 0, 5, 6)

	p.Step()
	if act.writes != 2 {
		t.Fatalf("expected 2 initial writes, got %d", act.writes)
	}
	SetTime(TimerFromMS(10))
	p.Step()
	if act.writes != 2 {
		t.Errorf("unchanged output should not be rewritten, got %d writes", act.writes)
	}
}

func TestPlayerActuatorErrorRetries(t *testing.T) {
	SetTime(0)
	act := newMockActuator(2)
	act.failOn = 1
	p := NewSequencePlayer(act)
	fillPoint(t, p, 1000, 0, 5, 6)

	p.Step()
	if _, ok := act.values[1]; ok {
		t.Fatal("failing channel should not be recorded")
	}

	act.failOn = -1
	SetTime(TimerFromMS(10))
	p.Step()
	if act.values[1] != 6 {
		t.Errorf("failed channel should be written again, got %d", act.values[1])
	}
}

var _ ActuatorDriver = (*mockActuator)(nil)
