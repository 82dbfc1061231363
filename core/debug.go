package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TimingEvent captures a player event for post-mortem analysis
type TimingEvent struct {
	EventType uint8  // Event type code
	Slot      uint8  // Ring slot involved
	Clock     uint32 // System clock at event
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtStart       = 1 // start packet accepted, Value1 = dimension
	EvtPointFilled = 2 // point committed, Value1 = pending points
	EvtAdvance     = 3 // moved to the next point
	EvtBufferEmpty = 4 // player ran dry
	EvtStop        = 5 // stop packet received
	EvtFinished    = 6 // stopped stream drained
	EvtDesync      = 7 // unknown tag skipped, Value1 = tag
	EvtActuatorErr = 8 // actuator write failed, Value1 = channel
)

var timingEventNames = [...]string{
	EvtStart:       "START",
	EvtPointFilled: "FILLED",
	EvtAdvance:     "ADVANCE",
	EvtBufferEmpty: "EMPTY",
	EvtStop:        "STOP",
	EvtFinished:    "FINISHED",
	EvtDesync:      "DESYNC!",
	EvtActuatorErr: "ACTUATOR_ERR!",
}

// TimingRingSize is how many events are kept for a dump
const TimingRingSize = 32

// eventRing overwrites its oldest entry once full. Slots with a zero event
// type have never been written.
type eventRing struct {
	events [TimingRingSize]TimingEvent
	head   uint8
}

func (r *eventRing) add(e TimingEvent) {
	r.events[r.head] = e
	r.head = (r.head + 1) % TimingRingSize
}

func (r *eventRing) ordered() []TimingEvent {
	out := make([]TimingEvent, 0, TimingRingSize)
	for i := uint8(0); i < TimingRingSize; i++ {
		if e := r.events[(r.head+i)%TimingRingSize]; e.EventType != 0 {
			out = append(out, e)
		}
	}
	return out
}

var (
	debugPrintln DebugWriter = func(string) {}
	debugEnabled bool
	timing       eventRing
)

// SetDebugWriter sets the platform-specific debug output function.
// The firmware installs a writer that emits debug packets.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// RecordTiming captures an event in the ring buffer. Recording is always
// on; only dumping depends on debug output.
func RecordTiming(eventType, slot uint8, clock, value1, value2 uint32) {
	timing.add(TimingEvent{
		EventType: eventType,
		Slot:      slot,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	})
}

// TimingEvents returns the recorded events, oldest first
func TimingEvents() []TimingEvent {
	return timing.ordered()
}

func timingEventName(eventType uint8) string {
	if int(eventType) < len(timingEventNames) && timingEventNames[eventType] != "" {
		return timingEventNames[eventType]
	}
	return "UNKNOWN"
}

// DumpTimingRing writes every recorded event as a debug message
func DumpTimingRing() {
	if !debugEnabled {
		return
	}
	DebugPrintln("[TIMING] dump")
	for _, evt := range TimingEvents() {
		DebugPrintln("[TIMING] " + timingEventName(evt.EventType) +
			" slot=" + itoa(int(evt.Slot)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	DebugPrintln("[TIMING] end")
}

// ClearTimingRing clears the timing buffer
func ClearTimingRing() {
	timing = eventRing{}
}
