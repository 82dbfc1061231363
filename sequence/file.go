package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

var (
	// ErrMalformed is returned for sequence files that are not an array of
	// complete point objects
	ErrMalformed = errors.New("malformed sequence file")

	// ErrMixedDimensions is returned when file points differ in length
	ErrMixedDimensions = errors.New("points have different dimensions")

	// ErrDimensionMismatch is returned when file points do not match the
	// requested limits
	ErrDimensionMismatch = errors.New("point dimension does not match limits")
)

// filePoint detects missing fields, which the plain Point cannot
type filePoint struct {
	Point        *[]float64 `json:"point"`
	Duration     *int       `json:"duration"`
	TimeToTarget *int       `json:"timeToTarget"`
}

// Load parses a sequence file. The file may contain comments and trailing
// commas. With nil limits the dimension comes from the file and the full
// wire range is allowed; an empty file then has no dimension and fails.
func Load(data []byte, limits *Limits) (*Sequence, error) {
	var raw []filePoint
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	points := make([]Point, 0, len(raw))
	dim := -1
	for i, fp := range raw {
		if fp.Point == nil || fp.Duration == nil || fp.TimeToTarget == nil {
			return nil, fmt.Errorf("%w: point %d lacks point, duration or timeToTarget", ErrMalformed, i)
		}
		if dim != -1 && len(*fp.Point) != dim {
			return nil, fmt.Errorf("%w: point %d has %d coordinates, expected %d", ErrMixedDimensions, i, len(*fp.Point), dim)
		}
		dim = len(*fp.Point)
		points = append(points, Point{Coords: *fp.Point, Duration: *fp.Duration, TimeToTarget: *fp.TimeToTarget})
	}

	var l Limits
	switch {
	case limits != nil:
		l = *limits
		if dim != -1 && dim != l.Dimension {
			return nil, fmt.Errorf("%w: file has %d coordinates, limits %d", ErrDimensionMismatch, dim, l.Dimension)
		}
	case dim > 0:
		l = DefaultLimits(dim)
	default:
		return nil, fmt.Errorf("%w: cannot infer a dimension", ErrMalformed)
	}

	return FromPoints(l, points)
}

// ReadFile loads a sequence file from disk
func ReadFile(path string, limits *Limits) (*Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	s, err := Load(data, limits)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// MarshalJSON encodes the points as the sequence file array
func (s *Sequence) MarshalJSON() ([]byte, error) {
	points := s.points
	if points == nil {
		points = []Point{}
	}
	return json.Marshal(points)
}

// WriteFile saves the sequence as indented JSON
func (s *Sequence) WriteFile(path string) error {
	data, err := json.MarshalIndent(s.Points(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sequence: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
