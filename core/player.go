package core

import "github.com/FabLabAQ/Marvin/protocol"

// PlayerSlots is the number of points the player ring holds. One slot always
// holds the position the current point ramps from, so PlayerSlots-1 points
// can be pending.
const PlayerSlots = 4

// SequencePlayer moves the actuators through buffered sequence points,
// interpolating linearly from the previous position to each target.
//
// The ring uses three indices: prev holds the live position the current
// ramp starts from, cur is the point being played and fill is the next slot
// to receive a point. The buffer is empty when cur == fill and full when
// fill == prev.
type SequencePlayer struct {
	points [PlayerSlots]protocol.Point
	prev   uint8
	cur    uint8
	fill   uint8

	started   bool
	startTime uint32

	output  [protocol.MaxPointDim]uint8
	outDim  uint8
	written [protocol.MaxPointDim]uint8
	synced  uint8 // channels of written that match the hardware

	driver ActuatorDriver
}

// NewSequencePlayer creates a player writing to driver. A nil driver only
// tracks the output.
func NewSequencePlayer(driver ActuatorDriver) *SequencePlayer {
	return &SequencePlayer{
		prev:   0,
		cur:    1,
		fill:   1,
		driver: driver,
	}
}

// Capacity returns how many points can be pending at once
func (p *SequencePlayer) Capacity() int {
	return PlayerSlots - 1
}

// Pending returns how many points are buffered, including the one playing
func (p *SequencePlayer) Pending() int {
	var n uint8
	critical(func() {
		n = (p.fill + PlayerSlots - p.cur) % PlayerSlots
	})
	return int(n)
}

// BufferEmpty reports whether there is nothing to play
func (p *SequencePlayer) BufferEmpty() bool {
	var empty bool
	critical(func() {
		empty = p.cur == p.fill
	})
	return empty
}

// BufferFull reports whether every slot is taken
func (p *SequencePlayer) BufferFull() bool {
	var full bool
	critical(func() {
		full = p.fill == p.prev
	})
	return full
}

// PointToFill returns the slot for the next point, or nil when the buffer
// is full. It keeps returning the same slot until PointFilled is called.
func (p *SequencePlayer) PointToFill() *protocol.Point {
	var slot *protocol.Point
	critical(func() {
		if p.fill != p.prev {
			slot = &p.points[p.fill]
		}
	})
	return slot
}

// PointFilled commits the slot returned by PointToFill. Calling it on a
// full buffer is a programming error.
func (p *SequencePlayer) PointFilled() {
	full := false
	critical(func() {
		if p.fill == p.prev {
			full = true
			return
		}
		p.fill = (p.fill + 1) % PlayerSlots
	})
	if full {
		panic("point filled while buffer full")
	}
	RecordTiming(EvtPointFilled, p.fill, GetTime(), uint32(p.Pending()), 0)
}

// ForceNextPoint abandons the current point. The next Step ramps from the
// live position to the following point. Does nothing on an empty buffer.
func (p *SequencePlayer) ForceNextPoint() {
	p.advance()
}

// advance moves prev and cur forward, reporting whether it did
func (p *SequencePlayer) advance() bool {
	moved := false
	critical(func() {
		if p.cur == p.fill {
			return
		}
		p.prev = p.cur
		p.cur = (p.cur + 1) % PlayerSlots
		p.points[p.prev].SetCoordinates(p.output[:p.outDim])
		p.started = false
		moved = true
	})
	if moved {
		RecordTiming(EvtAdvance, p.cur, GetTime(), 0, 0)
	}
	return moved
}

// ClearBuffer drops every buffered point. The output stays where it is and
// becomes the start of the next ramp.
func (p *SequencePlayer) ClearBuffer() {
	critical(func() {
		p.prev = 0
		p.cur = 1
		p.fill = 1
		p.points[0].SetCoordinates(p.output[:p.outDim])
		p.started = false
	})
}

// SkipToNewest drops every pending point but the most recently filled one,
// which starts playing at the next Step
func (p *SequencePlayer) SkipToNewest() {
	for p.Pending() > 1 {
		p.advance()
	}
}

// Output returns the live actuator values
func (p *SequencePlayer) Output() []uint8 {
	out := make([]uint8, p.outDim)
	copy(out, p.output[:p.outDim])
	return out
}

// Step updates the output for the current time. It must be called at a
// fixed rate. It returns false only when the buffer is empty; the output
// then stays frozen.
func (p *SequencePlayer) Step() bool {
	now := GetTime()

	// A finished point advances once; the next point has just started so
	// it cannot be finished too.
	for attempt := 0; attempt < 2; attempt++ {
		var (
			target, from protocol.Point
			ok           bool
		)
		critical(func() {
			if p.cur == p.fill {
				return
			}
			if !p.started {
				p.startTime = now
				p.started = true
			}
			target = p.points[p.cur]
			from = p.points[p.prev]
			ok = true
		})
		if !ok {
			RecordTiming(EvtBufferEmpty, p.cur, now, 0, 0)
			return false
		}

		elapsed := TimerToMS(now - p.startTime)
		ttt := uint32(target.TimeToTarget)
		if elapsed > ttt+uint32(target.Duration) {
			p.advance()
			continue
		}

		p.interpolate(&from, &target, elapsed, ttt)
		p.apply()
		return true
	}
	return !p.BufferEmpty()
}

// interpolate computes from + (target-from)*elapsed/ttt for every channel
func (p *SequencePlayer) interpolate(from, target *protocol.Point, elapsed, ttt uint32) {
	p.outDim = target.Dim
	for i := uint8(0); i < target.Dim; i++ {
		if elapsed >= ttt {
			p.output[i] = target.Coords[i]
			continue
		}
		start := int32(from.Coords[i])
		delta := int32(target.Coords[i]) - start
		p.output[i] = uint8(start + delta*int32(elapsed)/int32(ttt))
	}
}

// apply writes the channels whose value changed
func (p *SequencePlayer) apply() {
	if p.driver == nil {
		return
	}
	channels := p.driver.Channels()
	for i := 0; i < int(p.outDim) && i < channels; i++ {
		if uint8(i) < p.synced && p.written[i] == p.output[i] {
			continue
		}
		if err := p.driver.SetPosition(i, p.output[i]); err != nil {
			RecordTiming(EvtActuatorErr, p.cur, GetTime(), uint32(i), 0)
			DebugPrintln("actuator " + itoa(i) + ": " + err.Error())
			if uint8(i) < p.synced {
				p.synced = uint8(i)
			}
			return
		}
		p.written[i] = p.output[i]
		if uint8(i) == p.synced {
			p.synced++
		}
	}
}
