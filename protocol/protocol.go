// Package protocol implements the Marvin sequence streaming protocol
package protocol

// Version represents the Marvin protocol implementation version
const Version = "0.1.0"

// Packet tags. Every packet starts with one of these bytes.
const (
	// host -> device
	TagPoint          byte = 'P'
	TagStartStream    byte = 'S'
	TagStartImmediate byte = 'I'
	TagStop           byte = 'H'

	// device -> host
	TagNotFull  byte = 'N'
	TagFull     byte = 'F'
	TagFinished byte = 'E'
	TagDebug    byte = 'D'
	TagBattery  byte = 'B'
)

// Protocol constants
const (
	MaxPointDim     = 16  // Coordinates the controller can store per point
	PointHeaderSize = 5   // Tag + duration(2) + timeToTarget(2)
	StartSize       = 2   // Tag + dimension
	BatterySize     = 2   // Tag + level
	DebugHeaderSize = 2   // Tag + length
	MaxDebugLen     = 255 // Longest debug message that fits the length byte

	// MessageMax is the largest single packet: a point packet with the
	// biggest dimension a start packet can declare.
	MessageMax = PointHeaderSize + 255
)

// TagName returns a human readable name for a packet tag
func TagName(tag byte) string {
	switch tag {
	case TagPoint:
		return "point"
	case TagStartStream:
		return "start-stream"
	case TagStartImmediate:
		return "start-immediate"
	case TagStop:
		return "stop"
	case TagNotFull:
		return "not-full"
	case TagFull:
		return "full"
	case TagFinished:
		return "finished"
	case TagDebug:
		return "debug"
	case TagBattery:
		return "battery"
	default:
		return "unknown"
	}
}

// Point is a sequence point as it travels on the wire. The coordinate array
// has a fixed size so the controller never allocates while receiving.
type Point struct {
	Duration     uint16 // Hold time after the target is reached, ms
	TimeToTarget uint16 // Ramp time, ms
	Dim          uint8  // Number of valid entries in Coords
	Coords       [MaxPointDim]uint8
}

// Coordinates returns the valid part of the coordinate array
func (p *Point) Coordinates() []uint8 {
	n := int(p.Dim)
	if n > MaxPointDim {
		n = MaxPointDim
	}
	return p.Coords[:n]
}

// SetCoordinates copies coords into the point and updates its dimension.
// Values beyond MaxPointDim are dropped.
func (p *Point) SetCoordinates(coords []uint8) {
	n := copy(p.Coords[:], coords)
	for i := n; i < MaxPointDim; i++ {
		p.Coords[i] = 0
	}
	p.Dim = uint8(n)
}
