package core

import "sync/atomic"

// TimerFreq is the tick rate of the firmware clock. One tick is one
// microsecond, matching the RP2040 hardware timer.
const TimerFreq = 1000000

var systemTicks uint32 // atomic, written by the platform clock

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return atomic.LoadUint32(&systemTicks)
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	atomic.StoreUint32(&systemTicks, ticks)
}

// AdvanceTime moves the system time forward and returns the new value
func AdvanceTime(ticks uint32) uint32 {
	return atomic.AddUint32(&systemTicks, ticks)
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * TimerFreq / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / TimerFreq)
}

// TimerFromMS converts milliseconds to timer ticks
func TimerFromMS(ms uint32) uint32 {
	return uint32(uint64(ms) * TimerFreq / 1000)
}

// TimerToMS converts timer ticks to whole milliseconds
func TimerToMS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000 / TimerFreq)
}

// timerIsBefore compares two tick values across counter wrap-around
func timerIsBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
