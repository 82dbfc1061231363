package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete is returned when a packet has not been fully received yet
	ErrIncomplete = errors.New("incomplete packet")

	// ErrUnknownTag is wrapped by UnknownTagError
	ErrUnknownTag = errors.New("unknown packet tag")

	// ErrUnexpectedTag is returned when a decoder is given the wrong packet kind
	ErrUnexpectedTag = errors.New("unexpected packet tag")
)

// UnknownTagError reports a lead byte that does not start any packet
// valid in the decoded direction
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown packet tag 0x%02x", e.Tag)
}

func (e *UnknownTagError) Unwrap() error {
	return ErrUnknownTag
}

// EncodePoint writes a point packet. The coordinate count is taken from
// p.Dim; matching it to the announced dimension is up to the caller.
func EncodePoint(out OutputBuffer, p *Point) {
	var hdr [PointHeaderSize]byte
	hdr[0] = TagPoint
	hdr[1] = byte(p.Duration >> 8)
	hdr[2] = byte(p.Duration)
	hdr[3] = byte(p.TimeToTarget >> 8)
	hdr[4] = byte(p.TimeToTarget)
	out.Output(hdr[:])
	out.Output(p.Coordinates())
}

// EncodeStart writes a start packet. tag must be TagStartStream or
// TagStartImmediate.
func EncodeStart(out OutputBuffer, tag byte, dim uint8) {
	out.Output([]byte{tag, dim})
}

// EncodeStop writes a stop packet
func EncodeStop(out OutputBuffer) {
	out.Output([]byte{TagStop})
}

// EncodeNotFull writes a buffer-not-full status
func EncodeNotFull(out OutputBuffer) {
	out.Output([]byte{TagNotFull})
}

// EncodeFull writes a buffer-full status
func EncodeFull(out OutputBuffer) {
	out.Output([]byte{TagFull})
}

// EncodeFinished writes a sequence-finished status
func EncodeFinished(out OutputBuffer) {
	out.Output([]byte{TagFinished})
}

// EncodeDebug writes a debug message. Messages longer than MaxDebugLen are
// truncated.
func EncodeDebug(out OutputBuffer, msg string) {
	if len(msg) > MaxDebugLen {
		msg = msg[:MaxDebugLen]
	}
	out.Output([]byte{TagDebug, byte(len(msg))})
	out.Output([]byte(msg))
}

// EncodeBattery writes a battery level status
func EncodeBattery(out OutputBuffer, level uint8) {
	out.Output([]byte{TagBattery, level})
}

// BatteryPercent converts a raw battery level to a charge percentage
func BatteryPercent(level uint8) float64 {
	return float64(level) * 100 / 255
}

// DecodePoint decodes a point packet of the given dimension from the start
// of data and returns it with the number of bytes consumed. Coordinates past
// MaxPointDim are consumed and dropped.
func DecodePoint(data []byte, dim int) (Point, int, error) {
	var p Point
	if len(data) == 0 {
		return p, 0, ErrIncomplete
	}
	if data[0] != TagPoint {
		return p, 0, fmt.Errorf("%w: %s", ErrUnexpectedTag, TagName(data[0]))
	}
	n := PointHeaderSize + dim
	if len(data) < n {
		return p, 0, ErrIncomplete
	}
	p.Duration = uint16(data[1])<<8 | uint16(data[2])
	p.TimeToTarget = uint16(data[3])<<8 | uint16(data[4])
	p.SetCoordinates(data[PointHeaderSize:n])
	return p, n, nil
}

// Command is one decoded host -> device packet
type Command struct {
	Tag   byte
	Dim   uint8 // start packets only
	Point Point // point packets only
}

// DecodeCommand decodes one host -> device packet. dim is the dimension
// announced by the last start packet and sizes point packets.
func DecodeCommand(data []byte, dim int) (Command, int, error) {
	var c Command
	if len(data) == 0 {
		return c, 0, ErrIncomplete
	}
	c.Tag = data[0]
	switch c.Tag {
	case TagStop:
		return c, 1, nil
	case TagStartStream, TagStartImmediate:
		if len(data) < StartSize {
			return c, 0, ErrIncomplete
		}
		c.Dim = data[1]
		return c, StartSize, nil
	case TagPoint:
		p, n, err := DecodePoint(data, dim)
		if err != nil {
			return c, 0, err
		}
		c.Point = p
		return c, n, nil
	default:
		return c, 0, &UnknownTagError{Tag: c.Tag}
	}
}

// Status is one decoded device -> host packet
type Status struct {
	Tag     byte
	Message string // debug packets only
	Level   uint8  // battery packets only
}

// DecodeStatus decodes one device -> host packet from the start of data
func DecodeStatus(data []byte) (Status, int, error) {
	var s Status
	if len(data) == 0 {
		return s, 0, ErrIncomplete
	}
	s.Tag = data[0]
	switch s.Tag {
	case TagNotFull, TagFull, TagFinished:
		return s, 1, nil
	case TagDebug:
		if len(data) < DebugHeaderSize {
			return s, 0, ErrIncomplete
		}
		n := DebugHeaderSize + int(data[1])
		if len(data) < n {
			return s, 0, ErrIncomplete
		}
		s.Message = string(data[DebugHeaderSize:n])
		return s, n, nil
	case TagBattery:
		if len(data) < BatterySize {
			return s, 0, ErrIncomplete
		}
		s.Level = data[1]
		return s, BatterySize, nil
	default:
		return s, 0, &UnknownTagError{Tag: s.Tag}
	}
}
