package session

import (
	"math"

	"github.com/FabLabAQ/Marvin/protocol"
	"github.com/FabLabAQ/Marvin/sequence"
)

// wirePoint converts a sequence point to its packet form. Coordinates are
// rounded into a byte and times clamped to 16 bits.
func wirePoint(p sequence.Point) protocol.Point {
	var w protocol.Point
	w.Duration = wireTime(p.Duration)
	w.TimeToTarget = wireTime(p.TimeToTarget)

	var coords [protocol.MaxPointDim]uint8
	n := len(p.Coords)
	if n > protocol.MaxPointDim {
		n = protocol.MaxPointDim
	}
	for i := 0; i < n; i++ {
		coords[i] = wireCoord(p.Coords[i])
	}
	w.SetCoordinates(coords[:n])
	return w
}

func wireCoord(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(math.Round(v))
}

func wireTime(ms int) uint16 {
	if ms <= 0 {
		return 0
	}
	if ms >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(ms)
}
