package protocol

import "sync/atomic"

type receiveState uint8

const (
	awaitingTag receiveState = iota
	awaitingStartDim
	awaitingPointBytes
)

// pointTimingBytes is the duration and time-to-target part of a point packet
const pointTimingBytes = PointHeaderSize - 1

// Transport is the controller side of the link. It parses host packets one
// byte at a time, writing point payloads straight into a caller supplied
// slot, and encodes status packets towards the host.
type Transport struct {
	output         OutputBuffer
	flushCallback  func() // Called after every status packet
	desyncCallback func(tag byte)

	state    receiveState
	command  byte
	complete bool
	dim      uint8

	fill     *Point // offered for the next point packet
	target   *Point // bound when the current point packet started
	captured bool
	received int
	expected int

	desyncs uint32 // atomic
}

// NewTransport creates a new Transport writing status packets to output
func NewTransport(output OutputBuffer) *Transport {
	return &Transport{output: output}
}

// SetPointToFill sets where the payload of the next point packet goes.
// The target is bound when that packet's tag arrives, so changing it in the
// middle of a packet only affects the following one. With a nil target the
// payload bytes are consumed and discarded.
func (t *Transport) SetPointToFill(p *Point) {
	t.fill = p
}

// PointCaptured reports whether the last point packet was written into a
// target. It is false when the packet started with no target offered.
func (t *Transport) PointCaptured() bool {
	return t.captured
}

// CommandReceived consumes bytes from input until one command completes and
// reports whether it did. Consumed bytes are popped from input; the bytes
// after a completed command stay there for the next call.
func (t *Transport) CommandReceived(input InputBuffer) bool {
	data := input.Data()
	t.complete = false

	consumed := 0
	for consumed < len(data) {
		b := data[consumed]
		consumed++
		if t.receiveByte(b) {
			t.complete = true
			break
		}
	}

	if consumed > 0 {
		input.Pop(consumed)
	}
	return t.complete
}

// receiveByte advances the state machine and reports command completion
func (t *Transport) receiveByte(b byte) bool {
	switch t.state {
	case awaitingStartDim:
		t.dim = b
		t.state = awaitingTag
		return true

	case awaitingPointBytes:
		t.storePointByte(t.received, b)
		t.received++
		if t.received < t.expected {
			return false
		}
		t.state = awaitingTag
		return true
	}

	t.command = b
	switch b {
	case TagStop:
		return true
	case TagStartStream, TagStartImmediate:
		t.state = awaitingStartDim
		return false
	case TagPoint:
		t.beginPoint()
		return false
	default:
		// Desynchronised: keep the byte as an incomplete command and treat
		// the next one as a tag again.
		atomic.AddUint32(&t.desyncs, 1)
		if t.desyncCallback != nil {
			t.desyncCallback(b)
		}
		return false
	}
}

func (t *Transport) beginPoint() {
	t.received = 0
	t.expected = pointTimingBytes + int(t.dim)
	t.state = awaitingPointBytes
	t.target = t.fill
	t.captured = t.target != nil
	if t.target != nil {
		n := t.dim
		if n > MaxPointDim {
			n = MaxPointDim
		}
		t.target.Dim = n
		for i := n; i < MaxPointDim; i++ {
			t.target.Coords[i] = 0
		}
	}
}

func (t *Transport) storePointByte(idx int, b byte) {
	p := t.target
	if p == nil {
		return
	}
	switch idx {
	case 0:
		p.Duration = uint16(b)<<8 | p.Duration&0xFF
	case 1:
		p.Duration = p.Duration&0xFF00 | uint16(b)
	case 2:
		p.TimeToTarget = uint16(b)<<8 | p.TimeToTarget&0xFF
	case 3:
		p.TimeToTarget = p.TimeToTarget&0xFF00 | uint16(b)
	default:
		if c := idx - pointTimingBytes; c < MaxPointDim {
			p.Coords[c] = b
		}
	}
}

// Command returns the tag of the last command. It is only meaningful after
// CommandReceived returned true.
func (t *Transport) Command() byte {
	return t.command
}

// PointDimension returns the dimension announced by the last start packet
func (t *Transport) PointDimension() uint8 {
	return t.dim
}

// Desyncs returns how many unknown tags were skipped
func (t *Transport) Desyncs() uint32 {
	return atomic.LoadUint32(&t.desyncs)
}

// SetDesyncCallback sets a callback invoked with every unknown tag byte
func (t *Transport) SetDesyncCallback(callback func(tag byte)) {
	t.desyncCallback = callback
}

// SetFlushCallback sets a callback to push status packets out immediately
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

// Reset drops any partially received command and the announced dimension
func (t *Transport) Reset() {
	t.state = awaitingTag
	t.command = 0
	t.complete = false
	t.dim = 0
	t.received = 0
	t.expected = 0
	t.target = nil
	t.captured = false
}

// SendNotFull reports that the controller can take another point
func (t *Transport) SendNotFull() {
	EncodeNotFull(t.output)
	t.flush()
}

// SendFull reports that every free slot is taken
func (t *Transport) SendFull() {
	EncodeFull(t.output)
	t.flush()
}

// SendFinished reports that a stopped stream has drained
func (t *Transport) SendFinished() {
	EncodeFinished(t.output)
	t.flush()
}

// SendDebug sends a debug message, truncated to MaxDebugLen bytes
func (t *Transport) SendDebug(msg string) {
	EncodeDebug(t.output, msg)
	t.flush()
}

// SendBattery sends the raw battery level
func (t *Transport) SendBattery(level uint8) {
	EncodeBattery(t.output, level)
	t.flush()
}

func (t *Transport) flush() {
	if t.flushCallback != nil {
		t.flushCallback()
	}
}
