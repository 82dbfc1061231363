//go:build rp2040 || rp2350

package main

import (
	"runtime/volatile"
	"unsafe"

	"github.com/FabLabAQ/Marvin/core"
)

// TIMERAWL is the unlatched low word of the 1MHz TIMER peripheral at
// 0x40054000. Reading it does not latch TIMEHR, so the main loop and the
// reader goroutine can both sample it.
const timerRawLow = 0x40054000 + 0x0C

var timerLow = (*volatile.Register32)(unsafe.Pointer(uintptr(timerRawLow)))

// syncClock copies the hardware microsecond counter into the firmware
// clock. core.TimerFreq matches the peripheral, so no scaling is needed and
// both wrap together every ~71 minutes.
func syncClock() {
	core.SetTime(timerLow.Get())
}
