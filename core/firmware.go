package core

import "github.com/FabLabAQ/Marvin/protocol"

// Mode is the playback mode selected by the last start packet
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeStream
	ModeImmediate
)

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	case ModeImmediate:
		return "immediate"
	default:
		return "idle"
	}
}

// Default timer intervals
const (
	DefaultStepIntervalMS    = 10
	DefaultBatteryIntervalMS = 5000
)

// FirmwareConfig wires the firmware to its hardware
type FirmwareConfig struct {
	Actuator        ActuatorDriver // nil uses the driver from SetActuatorDriver
	Battery         BatterySensor  // nil disables battery reports
	StepInterval    uint32         // ticks between player steps
	BatteryInterval uint32         // ticks between battery reports
	Debug           bool           // send debug messages as debug packets
}

// Firmware is the controller side of Marvin: it receives host commands,
// feeds the player and reports buffer state back.
type Firmware struct {
	transport *protocol.Transport
	player    *SequencePlayer
	scheduler *Scheduler
	commands  *CommandTable
	battery   BatterySensor

	stepTimer       Timer
	batteryTimer    Timer
	stepInterval    uint32
	batteryInterval uint32

	mode         Mode
	stopping     bool
	reportedFull bool
	underrun     bool // nothing played since the last dump
	dim          uint8
}

// NewFirmware creates the firmware writing status packets to output and
// schedules its timers from the current time
func NewFirmware(output protocol.OutputBuffer, cfg FirmwareConfig) *Firmware {
	driver := cfg.Actuator
	if driver == nil {
		driver = MustActuator()
	}
	if cfg.StepInterval == 0 {
		cfg.StepInterval = TimerFromMS(DefaultStepIntervalMS)
	}
	if cfg.BatteryInterval == 0 {
		cfg.BatteryInterval = TimerFromMS(DefaultBatteryIntervalMS)
	}

	f := &Firmware{
		transport:       protocol.NewTransport(output),
		player:          NewSequencePlayer(driver),
		scheduler:       NewScheduler(),
		commands:        NewCommandTable(),
		battery:         cfg.Battery,
		stepInterval:    cfg.StepInterval,
		batteryInterval: cfg.BatteryInterval,
	}

	f.commands.Register(protocol.TagStartStream, "start_stream", func() error {
		f.start(ModeStream)
		return nil
	})
	f.commands.Register(protocol.TagStartImmediate, "start_immediate", func() error {
		f.start(ModeImmediate)
		return nil
	})
	f.commands.Register(protocol.TagPoint, "point", f.handlePoint)
	f.commands.Register(protocol.TagStop, "stop", f.handleStop)

	f.transport.SetDesyncCallback(func(tag byte) {
		RecordTiming(EvtDesync, 0, GetTime(), uint32(tag), 0)
		DebugPrintln("desync: skipped " + hex8(tag))
	})

	SetDebugEnabled(cfg.Debug)
	if cfg.Debug {
		SetDebugWriter(f.transport.SendDebug)
	}

	now := GetTime()
	f.stepTimer.Handler = f.stepEvent
	f.stepTimer.WakeTime = now + f.stepInterval
	f.scheduler.Schedule(&f.stepTimer)
	if f.battery != nil {
		f.batteryTimer.Handler = f.batteryEvent
		f.batteryTimer.WakeTime = now + f.batteryInterval
		f.scheduler.Schedule(&f.batteryTimer)
	}

	return f
}

// Transport returns the packet transport, e.g. to install a flush callback
func (f *Firmware) Transport() *protocol.Transport {
	return f.transport
}

// Player returns the sequence player
func (f *Firmware) Player() *SequencePlayer {
	return f.player
}

// Mode returns the current playback mode
func (f *Firmware) Mode() Mode {
	return f.mode
}

// Stopping reports whether a stopped stream is still draining
func (f *Firmware) Stopping() bool {
	return f.stopping
}

// Receive handles every complete command in input. Incomplete trailing
// bytes are kept by the transport until more data arrives.
func (f *Firmware) Receive(input protocol.InputBuffer) {
	for input.Available() > 0 {
		f.transport.SetPointToFill(f.fillTarget())
		if !f.transport.CommandReceived(input) {
			return
		}
		if err := f.commands.Dispatch(f.transport.Command()); err != nil {
			DebugPrintln(err.Error())
		}
	}
}

// fillTarget picks where the next point payload goes. Points are discarded
// while idle, while stopping and when the player is full.
func (f *Firmware) fillTarget() *protocol.Point {
	if f.mode == ModeIdle || f.stopping {
		return nil
	}
	return f.player.PointToFill()
}

// Tick runs every due timer and returns how many fired
func (f *Firmware) Tick() int {
	return f.scheduler.Dispatch(GetTime())
}

func (f *Firmware) start(mode Mode) {
	dim := f.transport.PointDimension()
	if dim == 0 || dim > protocol.MaxPointDim {
		// Points sized for this dimension do not fit a slot
		f.mode = ModeIdle
		f.stopping = false
		f.player.ClearBuffer()
		f.transport.SendDebug("invalid point dimension " + utoa(uint32(dim)))
		return
	}

	f.player.ClearBuffer()
	f.mode = mode
	f.dim = dim
	f.stopping = false
	f.reportedFull = false
	f.underrun = true
	RecordTiming(EvtStart, 0, GetTime(), uint32(dim), uint32(mode))
}

func (f *Firmware) handlePoint() error {
	if f.mode == ModeIdle || f.stopping {
		return nil
	}
	if !f.transport.PointCaptured() || f.player.BufferFull() {
		// The packet started while the buffer was full, so the host ignored
		// a full report and the payload was discarded
		if f.mode == ModeStream {
			f.reportedFull = true
			f.transport.SendFull()
		}
		DebugPrintln("point dropped: buffer full")
		return nil
	}

	f.player.PointFilled()

	if f.mode == ModeImmediate {
		f.player.SkipToNewest()
		return nil
	}

	if f.player.BufferFull() {
		f.reportedFull = true
		f.transport.SendFull()
	} else {
		f.transport.SendNotFull()
	}
	return nil
}

func (f *Firmware) handleStop() error {
	RecordTiming(EvtStop, 0, GetTime(), uint32(f.mode), 0)
	switch f.mode {
	case ModeStream:
		f.stopping = true
		f.reportedFull = false
		if f.player.BufferEmpty() {
			f.finish()
		}
	case ModeImmediate:
		f.player.ClearBuffer()
		f.mode = ModeIdle
	default:
		// Nothing is playing; confirm so a waiting host can tear down
		f.transport.SendFinished()
	}
	return nil
}

// finish ends a stopped stream
func (f *Firmware) finish() {
	f.stopping = false
	f.mode = ModeIdle
	f.player.ClearBuffer()
	RecordTiming(EvtFinished, 0, GetTime(), 0, 0)
	f.transport.SendFinished()
}

func (f *Firmware) stepEvent(t *Timer) uint8 {
	playing := f.player.Step()

	if f.mode == ModeStream {
		switch {
		case f.stopping && f.player.BufferEmpty():
			f.finish()
		case f.reportedFull && !f.player.BufferFull():
			f.reportedFull = false
			f.transport.SendNotFull()
		}
		if playing {
			f.underrun = false
		} else if !f.stopping && !f.underrun {
			// The host fell behind mid-stream
			f.underrun = true
			DebugPrintln("buffer underrun")
			DumpTimingRing()
		}
	}

	f.reschedule(t, f.stepInterval)
	return SF_RESCHEDULE
}

func (f *Firmware) batteryEvent(t *Timer) uint8 {
	level, err := f.battery.ReadLevel()
	if err != nil {
		DebugPrintln("battery: " + err.Error())
	} else {
		f.transport.SendBattery(level)
	}

	f.reschedule(t, f.batteryInterval)
	return SF_RESCHEDULE
}

// reschedule moves t one interval on, skipping missed periods so a stalled
// loop does not fire a burst of catch-up events
func (f *Firmware) reschedule(t *Timer, interval uint32) {
	t.WakeTime += interval
	if now := GetTime(); timerIsBefore(t.WakeTime, now) {
		t.WakeTime = now + interval
	}
}
