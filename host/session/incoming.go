package session

import (
	"errors"

	"github.com/FabLabAQ/Marvin/protocol"
)

// HandleIncoming appends bytes received from the controller and processes
// every complete packet. Partial debug and battery packets wait for the
// rest of their bytes.
func (s *Session) HandleIncoming(data []byte) {
	s.incoming = append(s.incoming, data...)
	s.process()
}

// process scans the backlog from the cursor. N and F are retained while a
// stream is paused; every other packet is consumed when complete.
func (s *Session) process() {
	for s.scan < len(s.incoming) {
		tag := s.incoming[s.scan]
		switch tag {
		case protocol.TagNotFull, protocol.TagFull:
			if s.mode == ModeStream && s.paused && !s.stopping {
				s.scan++
				continue
			}
			s.consume(1)
			s.flowControl(tag)

		case protocol.TagFinished:
			s.consume(1)
			if s.stopping {
				s.log.Debug("stop acknowledged")
				s.teardown()
			} else {
				s.log.Debug("ignoring finished packet", "mode", s.mode)
			}

		case protocol.TagDebug, protocol.TagBattery:
			st, n, err := protocol.DecodeStatus(s.incoming[s.scan:])
			if errors.Is(err, protocol.ErrIncomplete) {
				return
			}
			s.consume(n)
			s.status(st)

		default:
			s.consume(1)
			s.protocolErrors++
			err := &protocol.UnknownTagError{Tag: tag}
			s.log.Warn("dropping unexpected byte", "error", err)
			if s.hooks.ProtocolError != nil {
				s.hooks.ProtocolError(err)
			}
		}
	}
}

func (s *Session) flowControl(tag byte) {
	if s.mode != ModeStream || s.stopping {
		s.log.Debug("draining flow control", "tag", protocol.TagName(tag), "mode", s.mode, "stopping", s.stopping)
		return
	}
	if tag == protocol.TagFull {
		s.queueFull = true
		return
	}

	s.queueFull = false
	if s.booting {
		return
	}
	if err := s.sendCurrent(); err != nil {
		s.reportLinkError(err)
		return
	}
	s.advance()
}

func (s *Session) status(st protocol.Status) {
	switch st.Tag {
	case protocol.TagDebug:
		s.log.Debug("controller", "message", st.Message)
		if s.hooks.DebugMessage != nil {
			s.hooks.DebugMessage(st.Message)
		}
	case protocol.TagBattery:
		s.battery = protocol.BatteryPercent(st.Level)
		s.log.Debug("battery", "percent", s.battery)
		if s.hooks.BatteryCharge != nil {
			s.hooks.BatteryCharge(s.battery)
		}
	}
}

// consume removes n bytes at the scan cursor
func (s *Session) consume(n int) {
	s.incoming = append(s.incoming[:s.scan], s.incoming[s.scan+n:]...)
}

func (s *Session) resetIncoming() {
	s.incoming = s.incoming[:0]
	s.scan = 0
}
