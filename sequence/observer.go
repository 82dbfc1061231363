package sequence

// ChangeKind tells observers what changed
type ChangeKind int

const (
	// CurrentChanged means the cursor moved
	CurrentChanged ChangeKind = iota
	// CurrentValuesChanged means the point under the cursor was replaced
	CurrentValuesChanged
	// PointsChanged means points were added or removed
	PointsChanged
)

func (k ChangeKind) String() string {
	switch k {
	case CurrentChanged:
		return "current-changed"
	case CurrentValuesChanged:
		return "current-values-changed"
	case PointsChanged:
		return "points-changed"
	default:
		return "unknown"
	}
}

// Change describes one mutation of a sequence
type Change struct {
	Kind  ChangeKind
	Index int
}

// Registration is the handle returned by Observe
type Registration struct {
	seq *Sequence
	fn  func(Change)
}

// Observe registers fn to be called synchronously after every mutation.
// The callback may read the sequence and may release its registration.
func (s *Sequence) Observe(fn func(Change)) *Registration {
	r := &Registration{seq: s, fn: fn}
	s.observers = append(s.observers, r)
	return r
}

// Release stops notifications. It is safe to call more than once and on a
// nil registration.
func (r *Registration) Release() {
	if r == nil || r.seq == nil {
		return
	}
	obs := r.seq.observers
	for i, o := range obs {
		if o == r {
			r.seq.observers = append(obs[:i:i], obs[i+1:]...)
			break
		}
	}
	r.seq = nil
}

func (s *Sequence) notify(c Change) {
	if len(s.observers) == 0 {
		return
	}
	// Snapshot so callbacks can release themselves
	obs := append([]*Registration(nil), s.observers...)
	for _, o := range obs {
		if o.seq != nil {
			o.fn(c)
		}
	}
}
