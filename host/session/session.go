// Package session drives a Marvin controller from the host: it opens the
// link, starts stream or immediate playback of a sequence and answers the
// controller's flow-control packets.
//
// A Session is not safe for concurrent use. Run it from a Loop, which owns
// the link, the timers and every call made from other goroutines.
package session

import (
	"io"
	"log/slog"
	"time"

	"github.com/FabLabAQ/Marvin/host/serial"
	"github.com/FabLabAQ/Marvin/host/timeutil"
	"github.com/FabLabAQ/Marvin/protocol"
	"github.com/FabLabAQ/Marvin/sequence"
)

// Mode is the playback mode of a session
type Mode int

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

// DefaultBootDelay is how long a controller needs after the port opens.
// Boards that reset on open spend most of it in the bootloader.
const DefaultBootDelay = 1000 * time.Millisecond

// State is a snapshot of the session flags
type State struct {
	Connected bool
	Mode      Mode
	Paused    bool
	Stopping  bool
	QueueFull bool
}

// Hooks receive asynchronous events. Nil hooks are skipped. Hooks run on
// the session goroutine and must not block.
type Hooks struct {
	LinkError     func(err error)
	DebugMessage  func(msg string)
	BatteryCharge func(percent float64)
	ProtocolError func(err error)
	StateChanged  func(st State)
}

// Options configure a Session
type Options struct {
	Logger *slog.Logger
	Clock  timeutil.Clock

	// BootDelay holds back the first packets after OpenLink. Zero sends
	// immediately; DefaultOptions sets DefaultBootDelay.
	BootDelay time.Duration

	// StopTimeout tears a stream down when the controller does not
	// acknowledge a stop in time. Zero waits forever.
	StopTimeout time.Duration

	// OneShot stops a stream after its last point instead of wrapping
	OneShot bool

	// Open defaults to the tarm serial backend
	Open Opener

	Hooks Hooks
}

// DefaultOptions returns options for a real controller
func DefaultOptions() Options {
	return Options{BootDelay: DefaultBootDelay}
}

// Session is the host side of the streaming protocol
type Session struct {
	log   *slog.Logger
	clock timeutil.Clock
	opts  Options
	hooks Hooks

	link      Link
	linkName  string
	bootTimer timeutil.Timer
	booting   bool
	stopTimer timeutil.Timer

	seq *sequence.Sequence
	reg *sequence.Registration

	mode      Mode
	paused    bool
	stopping  bool
	queueFull bool
	oneShot   bool

	// Received bytes not consumed yet. Bytes before scan are N/F packets
	// retained while paused.
	incoming []byte
	scan     int

	battery        float64
	protocolErrors int
}

// New creates an idle session without a link
func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Open == nil {
		opts.Open = SerialOpener(*serial.DefaultConfig(""), serial.Open)
	}
	return &Session{
		log:     opts.Logger,
		clock:   opts.Clock,
		opts:    opts,
		hooks:   opts.Hooks,
		oneShot: opts.OneShot,
		battery: -1,
	}
}

// IsConnected reports whether a link is open
func (s *Session) IsConnected() bool { return s.link != nil }

// IsStreaming reports whether a sequence is bound, in either mode
func (s *Session) IsStreaming() bool { return s.mode != ModeIdle }

func (s *Session) Mode() Mode              { return s.mode }
func (s *Session) IsPaused() bool          { return s.paused }
func (s *Session) IsStopping() bool        { return s.stopping }
func (s *Session) HardwareQueueFull() bool { return s.queueFull }
func (s *Session) OneShot() bool           { return s.oneShot }
func (s *Session) SetOneShot(v bool)       { s.oneShot = v }

// BatteryCharge returns the last reported charge in percent, or -1 before
// the controller reported one
func (s *Session) BatteryCharge() float64 { return s.battery }

// ProtocolErrors counts bytes dropped because they started no known packet
func (s *Session) ProtocolErrors() int { return s.protocolErrors }

// Sequence returns the bound sequence, nil when idle
func (s *Session) Sequence() *sequence.Sequence { return s.seq }

// Booting reports whether the boot delay after OpenLink is still running
func (s *Session) Booting() bool { return s.booting }

// State returns a snapshot of the session flags
func (s *Session) State() State {
	return State{
		Connected: s.link != nil,
		Mode:      s.mode,
		Paused:    s.paused,
		Stopping:  s.stopping,
		QueueFull: s.queueFull,
	}
}

// OpenLink opens the controller link, replacing any open one, and starts
// the boot delay
func (s *Session) OpenLink(name string, baud int) error {
	if s.IsStreaming() {
		return ErrStreaming
	}
	if s.link != nil {
		if err := s.closeLink(); err != nil {
			s.log.Warn("closing previous link", "device", s.linkName, "error", err)
		}
	}

	link, err := s.opts.Open(name, baud)
	if err != nil {
		return &LinkError{Op: "open", Err: err}
	}
	s.link = link
	s.linkName = name
	s.resetIncoming()

	if s.opts.BootDelay > 0 {
		s.booting = true
		s.bootTimer = s.clock.NewTimer(s.opts.BootDelay)
	}
	s.log.Info("link open", "device", name, "baud", baud, "boot_delay", s.opts.BootDelay)
	s.changed()
	return nil
}

// CloseLink closes the link. Closing when no link is open is not an error.
func (s *Session) CloseLink() error {
	if s.IsStreaming() {
		return ErrStreaming
	}
	if s.link == nil {
		return nil
	}
	err := s.closeLink()
	s.changed()
	if err != nil {
		return &LinkError{Op: "close", Err: err}
	}
	return nil
}

func (s *Session) closeLink() error {
	s.cancelBoot()
	link := s.link
	s.link = nil
	s.resetIncoming()
	s.log.Info("link closed", "device", s.linkName)
	return link.Close()
}

func (s *Session) cancelBoot() {
	if s.bootTimer != nil {
		s.bootTimer.Stop()
		s.bootTimer = nil
	}
	s.booting = false
}

// StartStream plays seq with controller flow control. Unless fromCurrent is
// set the cursor is moved to the first point.
func (s *Session) StartStream(seq *sequence.Sequence, fromCurrent bool) error {
	if err := s.canStart(seq); err != nil {
		return err
	}

	s.bind(seq, ModeStream)
	if !fromCurrent {
		seq.SetCurrent(0)
	}
	s.changed()

	if !s.booting {
		s.bootComplete()
	}
	return nil
}

// StartImmediate forwards the current point of seq every time it changes
func (s *Session) StartImmediate(seq *sequence.Sequence) error {
	if err := s.canStart(seq); err != nil {
		return err
	}

	s.bind(seq, ModeImmediate)
	s.reg = seq.Observe(s.sequenceChanged)
	s.changed()

	if !s.booting {
		s.bootComplete()
	}
	return nil
}

func (s *Session) canStart(seq *sequence.Sequence) error {
	if s.link == nil {
		return ErrNotConnected
	}
	if s.IsStreaming() {
		return ErrBusy
	}
	if seq == nil || seq.Len() == 0 {
		return ErrEmptySequence
	}
	if seq.Dim() > protocol.MaxPointDim {
		return ErrDimension
	}
	return nil
}

func (s *Session) bind(seq *sequence.Sequence, mode Mode) {
	s.seq = seq
	s.mode = mode
	s.paused = false
	s.stopping = false
	s.queueFull = false
	s.resetIncoming()
}

// PauseStream stops answering N packets until ResumeStream
func (s *Session) PauseStream() error {
	switch {
	case s.mode != ModeStream:
		return ErrNotStreamMode
	case s.stopping:
		return ErrStopping
	case s.paused:
		return ErrAlreadyPaused
	}
	s.paused = true
	s.log.Info("stream paused", "current", s.seq.Current())
	s.changed()
	return nil
}

// ResumeStream continues a paused stream, replaying the flow-control
// packets received meanwhile
func (s *Session) ResumeStream() error {
	switch {
	case s.mode != ModeStream:
		return ErrNotStreamMode
	case s.stopping:
		return ErrStopping
	case !s.paused:
		return ErrNotPaused
	}
	s.paused = false
	s.scan = 0
	s.log.Info("stream resumed", "retained", len(s.incoming))
	s.changed()
	s.process()
	return nil
}

// Stop sends the stop packet. Immediate mode ends at once; a stream ends
// when the controller answers E.
func (s *Session) Stop() error {
	if s.mode == ModeIdle {
		return ErrIdle
	}
	if s.stopping {
		return ErrStopping
	}
	if s.booting {
		// Nothing was sent yet, the controller never started
		s.log.Info("stopped before boot completed")
		s.teardown()
		return nil
	}

	if err := s.send("stop", protocol.EncodeStop); err != nil {
		// The controller cannot acknowledge what it never received
		s.teardown()
		return err
	}

	if s.mode == ModeImmediate {
		s.teardown()
		return nil
	}

	s.stopping = true
	s.paused = false
	// Retained N/F bytes are drained by the next scan
	s.scan = 0
	if s.opts.StopTimeout > 0 {
		s.stopTimer = s.clock.NewTimer(s.opts.StopTimeout)
	}
	s.log.Info("stopping stream", "current", s.seq.Current())
	s.changed()
	return nil
}

// Abort ends playback without waiting for the controller to acknowledge a
// stop. Use it when the controller stopped answering; it may keep playing
// whatever it still has buffered.
func (s *Session) Abort() error {
	if s.mode == ModeIdle {
		return ErrIdle
	}
	s.log.Warn("abandoning stream", "mode", s.mode, "stopping", s.stopping)
	s.teardown()
	return nil
}

// teardown unbinds the sequence and returns to idle
func (s *Session) teardown() {
	if s.reg != nil {
		s.reg.Release()
		s.reg = nil
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	mode := s.mode
	s.seq = nil
	s.mode = ModeIdle
	s.paused = false
	s.stopping = false
	s.queueFull = false
	s.log.Info("stream ended", "mode", mode)
	s.changed()
}

// bootElapsed runs when the boot timer fires
func (s *Session) bootElapsed() {
	s.bootTimer = nil
	s.booting = false
	s.log.Debug("boot delay elapsed", "device", s.linkName)
	if s.mode != ModeIdle && !s.stopping {
		s.bootComplete()
	}
}

// stopElapsed runs when the controller did not acknowledge a stop in time
func (s *Session) stopElapsed() {
	s.stopTimer = nil
	if !s.stopping {
		return
	}
	s.log.Warn("stop not acknowledged", "timeout", s.opts.StopTimeout)
	s.teardown()
	s.reportLinkError(&LinkError{Op: "stop", Err: ErrStopTimeout})
}

// bootComplete announces the mode and sends the first point
func (s *Session) bootComplete() {
	tag := protocol.TagStartStream
	if s.mode == ModeImmediate {
		tag = protocol.TagStartImmediate
	}
	dim := uint8(s.seq.Dim())
	if err := s.send("start", func(out protocol.OutputBuffer) {
		protocol.EncodeStart(out, tag, dim)
	}); err != nil {
		s.reportLinkError(err)
		return
	}
	s.log.Info("stream started", "mode", s.mode, "dim", dim, "points", s.seq.Len())

	if s.seq.Current() < 0 {
		return
	}
	if err := s.sendCurrent(); err != nil {
		s.reportLinkError(err)
		return
	}
	if s.mode == ModeStream {
		s.advance()
	}
}

// sequenceChanged re-sends the current point in immediate mode
func (s *Session) sequenceChanged(c sequence.Change) {
	if s.mode != ModeImmediate || s.booting {
		return
	}
	if c.Kind != sequence.CurrentChanged && c.Kind != sequence.CurrentValuesChanged {
		return
	}
	if s.seq.Current() < 0 {
		return
	}
	if err := s.sendCurrent(); err != nil {
		s.reportLinkError(err)
	}
}

func (s *Session) sendCurrent() error {
	p := wirePoint(s.seq.CurrentPoint())
	return s.send("point", func(out protocol.OutputBuffer) {
		protocol.EncodePoint(out, &p)
	})
}

// advance moves the cursor after a point was sent, wrapping or stopping
// at the end
func (s *Session) advance() {
	next := s.seq.Current() + 1
	if next < s.seq.Len() {
		s.seq.SetCurrent(next)
		return
	}
	if s.oneShot {
		if err := s.Stop(); err != nil {
			s.reportLinkError(err)
		}
		return
	}
	s.seq.SetCurrent(0)
}

func (s *Session) send(what string, encode func(out protocol.OutputBuffer)) error {
	if s.link == nil {
		return ErrNotConnected
	}
	if err := s.link.Send(encode); err != nil {
		return &LinkError{Op: "write " + what, Err: err}
	}
	return nil
}

// linkLost handles a link whose reader stopped
func (s *Session) linkLost(err error) {
	if s.link == nil {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.log.Error("link lost", "device", s.linkName, "error", err)
	if s.mode != ModeIdle {
		s.teardown()
	}
	if cerr := s.closeLink(); cerr != nil {
		s.log.Debug("closing lost link", "error", cerr)
	}
	s.changed()
	s.reportLinkError(&LinkError{Op: "read", Err: err})
}

func (s *Session) reportLinkError(err error) {
	s.log.Warn("link error", "error", err)
	if s.hooks.LinkError != nil {
		s.hooks.LinkError(err)
	}
}

func (s *Session) changed() {
	st := s.State()
	s.log.Debug("state", "connected", st.Connected, "mode", st.Mode, "paused", st.Paused,
		"stopping", st.Stopping, "queue_full", st.QueueFull)
	if s.hooks.StateChanged != nil {
		s.hooks.StateChanged(st)
	}
}
