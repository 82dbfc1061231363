package core

// Timer represents a scheduled event
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

// Handler results
const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Scheduler keeps timers sorted by wake time and runs the due ones from
// the main loop
type Scheduler struct {
	timerList *Timer
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Schedule adds a timer. A timer already in the list is moved.
func (s *Scheduler) Schedule(t *Timer) {
	s.remove(t)
	s.insert(t)
}

// Cancel removes a timer if it is scheduled
func (s *Scheduler) Cancel(t *Timer) {
	s.remove(t)
}

// Pending reports whether t is in the list
func (s *Scheduler) Pending(t *Timer) bool {
	for cur := s.timerList; cur != nil; cur = cur.Next {
		if cur == t {
			return true
		}
	}
	return false
}

// insert keeps the list sorted by WakeTime, wrap-aware
func (s *Scheduler) insert(t *Timer) {
	if s.timerList == nil || timerIsBefore(t.WakeTime, s.timerList.WakeTime) {
		t.Next = s.timerList
		s.timerList = t
		return
	}

	current := s.timerList
	for current.Next != nil && !timerIsBefore(t.WakeTime, current.Next.WakeTime) {
		current = current.Next
	}

	t.Next = current.Next
	current.Next = t
}

func (s *Scheduler) remove(t *Timer) {
	if s.timerList == t {
		s.timerList = t.Next
		t.Next = nil
		return
	}
	for cur := s.timerList; cur != nil && cur.Next != nil; cur = cur.Next {
		if cur.Next == t {
			cur.Next = t.Next
			t.Next = nil
			return
		}
	}
}

// Dispatch runs every timer due at now. A handler returning SF_RESCHEDULE
// must have moved its WakeTime forward.
func (s *Scheduler) Dispatch(now uint32) int {
	fired := 0
	for s.timerList != nil && !timerIsBefore(now, s.timerList.WakeTime) {
		timer := s.timerList
		s.timerList = timer.Next
		timer.Next = nil

		fired++
		if timer.Handler(timer) == SF_RESCHEDULE {
			s.insert(timer)
		}
	}
	return fired
}
