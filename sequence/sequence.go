// Package sequence holds the host-side model of a Marvin sequence: an
// ordered list of points with a movable cursor, bounded by per-coordinate
// limits. Sequences are not safe for concurrent use; the streaming session
// and the CLI mutate them from the session loop only.
package sequence

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidLimits is returned when limits are inconsistent
	ErrInvalidLimits = errors.New("invalid limits")

	// ErrIndexOutOfRange is returned for a point index past the sequence
	ErrIndexOutOfRange = errors.New("point index out of range")
)

// Point is one target configuration. Coordinates are in actuator units;
// Duration is the hold time once the target is reached and TimeToTarget
// the ramp time, both in milliseconds.
type Point struct {
	Coords       []float64 `json:"point"`
	Duration     int       `json:"duration"`
	TimeToTarget int       `json:"timeToTarget"`
}

// Invalid returns the sentinel point used where no point exists
func Invalid() Point {
	return Point{Duration: -1, TimeToTarget: -1}
}

// Valid reports whether p is a well formed point rather than the sentinel
func (p Point) Valid() bool {
	return p.Duration >= 0 && p.TimeToTarget >= 0
}

// Clone returns a deep copy of p
func (p Point) Clone() Point {
	c := p
	if p.Coords != nil {
		c.Coords = append([]float64(nil), p.Coords...)
	}
	return c
}

// Limits bounds every point stored in a sequence
type Limits struct {
	Dimension int
	Min       Point
	Max       Point
}

// Wire ranges of a point
const (
	MinCoordinate = 0
	MaxCoordinate = 255
	MaxTime       = math.MaxUint16
)

// DefaultLimits covers the full range the wire format can carry
func DefaultLimits(dim int) Limits {
	l := Limits{
		Dimension: dim,
		Min:       Point{Coords: make([]float64, dim)},
		Max:       Point{Coords: make([]float64, dim), Duration: MaxTime, TimeToTarget: MaxTime},
	}
	for i := range l.Max.Coords {
		l.Min.Coords[i] = MinCoordinate
		l.Max.Coords[i] = MaxCoordinate
	}
	return l
}

// Validate checks that the limits describe a non-empty range
func (l Limits) Validate() error {
	if l.Dimension < 1 {
		return fmt.Errorf("%w: dimension %d", ErrInvalidLimits, l.Dimension)
	}
	if len(l.Min.Coords) != l.Dimension || len(l.Max.Coords) != l.Dimension {
		return fmt.Errorf("%w: min/max must have %d coordinates", ErrInvalidLimits, l.Dimension)
	}
	for i := range l.Min.Coords {
		// Written negated so NaN bounds fail too
		if !(l.Min.Coords[i] <= l.Max.Coords[i]) {
			return fmt.Errorf("%w: coordinate %d min %g > max %g", ErrInvalidLimits, i, l.Min.Coords[i], l.Max.Coords[i])
		}
	}
	if l.Min.Duration < 0 || l.Min.Duration > l.Max.Duration {
		return fmt.Errorf("%w: duration range [%d, %d]", ErrInvalidLimits, l.Min.Duration, l.Max.Duration)
	}
	if l.Min.TimeToTarget < 0 || l.Min.TimeToTarget > l.Max.TimeToTarget {
		return fmt.Errorf("%w: timeToTarget range [%d, %d]", ErrInvalidLimits, l.Min.TimeToTarget, l.Max.TimeToTarget)
	}
	return nil
}

// Clamp pads or truncates p to the limit dimension and clamps every field
func (l Limits) Clamp(p Point) Point {
	out := Point{
		Coords:       make([]float64, l.Dimension),
		Duration:     clampInt(p.Duration, l.Min.Duration, l.Max.Duration),
		TimeToTarget: clampInt(p.TimeToTarget, l.Min.TimeToTarget, l.Max.TimeToTarget),
	}
	for i := range out.Coords {
		var v float64
		if i < len(p.Coords) {
			v = p.Coords[i]
		}
		if math.IsNaN(v) {
			v = l.Min.Coords[i]
		}
		out.Coords[i] = math.Min(math.Max(v, l.Min.Coords[i]), l.Max.Coords[i])
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sequence is an ordered list of points with a current-point cursor.
// Current is -1 exactly when the sequence is empty.
type Sequence struct {
	limits    Limits
	points    []Point
	current   int
	observers []*Registration
}

// New creates an empty sequence
func New(limits Limits) (*Sequence, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return &Sequence{limits: limits, current: -1}, nil
}

// FromPoints creates a sequence holding points, clamped to limits, with the
// cursor on the first point
func FromPoints(limits Limits, points []Point) (*Sequence, error) {
	s, err := New(limits)
	if err != nil {
		return nil, err
	}
	s.points = make([]Point, len(points))
	for i, p := range points {
		s.points[i] = limits.Clamp(p)
	}
	if len(s.points) > 0 {
		s.current = 0
	}
	return s, nil
}

// Limits returns the bounds applied to stored points
func (s *Sequence) Limits() Limits {
	return s.limits
}

// Dim returns the number of coordinates of every point
func (s *Sequence) Dim() int {
	return s.limits.Dimension
}

// Len returns the number of points
func (s *Sequence) Len() int {
	return len(s.points)
}

// Current returns the cursor, -1 when empty
func (s *Sequence) Current() int {
	return s.current
}

// SetCurrent moves the cursor, clamping i into range. Observers are only
// notified when the cursor actually moves. Does nothing on an empty
// sequence.
func (s *Sequence) SetCurrent(i int) {
	if len(s.points) == 0 {
		return
	}
	i = clampInt(i, 0, len(s.points)-1)
	if i == s.current {
		return
	}
	s.current = i
	s.notify(Change{Kind: CurrentChanged, Index: i})
}

// At returns a copy of point i, or Invalid when out of range
func (s *Sequence) At(i int) Point {
	if i < 0 || i >= len(s.points) {
		return Invalid()
	}
	return s.points[i].Clone()
}

// CurrentPoint returns a copy of the point under the cursor, or Invalid
// when the sequence is empty
func (s *Sequence) CurrentPoint() Point {
	return s.At(s.current)
}

// Append adds p at the end. The cursor moves to it only if the sequence was
// empty.
func (s *Sequence) Append(p Point) {
	s.points = append(s.points, s.limits.Clamp(p))
	idx := len(s.points) - 1
	s.notify(Change{Kind: PointsChanged, Index: idx})
	if s.current == -1 {
		s.current = 0
		s.notify(Change{Kind: CurrentChanged, Index: 0})
	}
}

// SetPoint replaces point i
func (s *Sequence) SetPoint(i int, p Point) error {
	if i < 0 || i >= len(s.points) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(s.points))
	}
	s.points[i] = s.limits.Clamp(p)
	if i == s.current {
		s.notify(Change{Kind: CurrentValuesChanged, Index: i})
	}
	return nil
}

// SetCurrentPoint replaces the point under the cursor
func (s *Sequence) SetCurrentPoint(p Point) error {
	return s.SetPoint(s.current, p)
}

// Clear removes every point
func (s *Sequence) Clear() {
	if len(s.points) == 0 {
		return
	}
	s.points = nil
	s.notify(Change{Kind: PointsChanged, Index: -1})
	s.current = -1
	s.notify(Change{Kind: CurrentChanged, Index: -1})
}

// Points returns copies of every point
func (s *Sequence) Points() []Point {
	out := make([]Point, len(s.points))
	for i, p := range s.points {
		out[i] = p.Clone()
	}
	return out
}
