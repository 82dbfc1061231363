// Package simulator runs the controller firmware in-process behind a pipe,
// so the host can be exercised without a board attached.
package simulator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/FabLabAQ/Marvin/core"
	"github.com/FabLabAQ/Marvin/protocol"
)

// Options configure a Simulator
type Options struct {
	Logger *slog.Logger

	// Tick is the wall-clock period of the firmware loop (default 1ms)
	Tick time.Duration

	// BatteryInterval enables battery reports when positive
	BatteryInterval time.Duration

	// Debug forwards firmware debug lines as debug packets
	Debug bool
}

// Simulator is a firmware instance with a fake actuator and battery. The
// firmware clock is global, so only one Simulator may run at a time.
type Simulator struct {
	log      *slog.Logger
	fw       *core.Firmware
	out      *protocol.ScratchOutput
	fifo     *protocol.FifoBuffer
	actuator *Actuator
	battery  *Battery
	tick     time.Duration

	host net.Conn
	dev  net.Conn
	rx   chan []byte
	done chan struct{}
}

// New creates a simulator with the firmware clock reset to zero
func New(opts Options) *Simulator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Millisecond
	}

	host, dev := net.Pipe()
	s := &Simulator{
		log:      opts.Logger,
		out:      protocol.NewScratchOutput(),
		fifo:     protocol.NewFifoBuffer(512),
		actuator: newActuator(opts.Logger),
		tick:     opts.Tick,
		host:     host,
		dev:      dev,
		rx:       make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	core.SetTime(0)
	cfg := core.FirmwareConfig{
		Actuator: s.actuator,
		Debug:    opts.Debug,
	}
	if opts.BatteryInterval > 0 {
		s.battery = &Battery{level: 255}
		cfg.Battery = s.battery
		cfg.BatteryInterval = core.TimerFromMS(uint32(opts.BatteryInterval / time.Millisecond))
	}
	s.fw = core.NewFirmware(s.out, cfg)
	s.fw.Transport().SetFlushCallback(s.flush)
	return s
}

// Port returns the host end of the link
func (s *Simulator) Port() *PipePort {
	return &PipePort{Conn: s.host}
}

// Actuator returns the simulated actuator
func (s *Simulator) Actuator() *Actuator {
	return s.actuator
}

// Run drives the firmware until ctx is cancelled or the host closes the
// link
func (s *Simulator) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.dev.Close()
	go s.readLoop()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-s.rx:
			if !ok {
				s.log.Debug("simulator link closed")
				return nil
			}
			s.receive(data)

		case now := <-ticker.C:
			// Microsecond ticks wrap like the hardware timer does
			core.SetTime(core.TimerFromUS(uint32(now.Sub(start) / time.Microsecond)))
			s.fw.Tick()
		}
	}
}

func (s *Simulator) receive(data []byte) {
	for len(data) > 0 {
		n := s.fifo.Write(data)
		data = data[n:]
		before := s.fifo.Available()
		s.fw.Receive(s.fifo)
		if n == 0 && s.fifo.Available() == before {
			s.log.Error("simulator input overflow", "dropped", len(data))
			s.fifo.Reset()
			return
		}
	}
}

func (s *Simulator) readLoop() {
	defer close(s.rx)
	buf := make([]byte, 256)
	for {
		n, err := s.dev.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.rx <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Simulator) flush() {
	data := s.out.Result()
	if len(data) == 0 {
		return
	}
	if _, err := s.dev.Write(data); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Warn("simulator write", "error", err)
	}
	s.out.Reset()
}

// PipePort adapts the pipe to a serial port
type PipePort struct {
	net.Conn
}

// Flush has nothing to discard on a pipe
func (p *PipePort) Flush() error {
	return nil
}

// Actuator records the positions the firmware commands
type Actuator struct {
	log    *slog.Logger
	mu     sync.Mutex
	values [protocol.MaxPointDim]uint8
	writes int
}

func newActuator(log *slog.Logger) *Actuator {
	return &Actuator{log: log}
}

func (a *Actuator) Channels() int {
	return protocol.MaxPointDim
}

func (a *Actuator) SetPosition(channel int, value uint8) error {
	if channel < 0 || channel >= protocol.MaxPointDim {
		return errors.New("channel out of range")
	}
	a.mu.Lock()
	a.values[channel] = value
	a.writes++
	a.mu.Unlock()
	a.log.Debug("actuator", "channel", channel, "value", value)
	return nil
}

// Positions returns the first n channel values
func (a *Actuator) Positions(n int) []uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.values) {
		n = len(a.values)
	}
	return append([]uint8(nil), a.values[:n]...)
}

// Writes counts channel updates
func (a *Actuator) Writes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes
}

// Battery drains by one level per report
type Battery struct {
	level uint8
}

func (b *Battery) ReadLevel() (uint8, error) {
	level := b.level
	if b.level > 0 {
		b.level--
	}
	return level, nil
}
