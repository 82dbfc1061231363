package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// resetPulse is how long DTR is held low to reset the board
const resetPulse = 50 * time.Millisecond

// BugstPort wraps a go.bug.st/serial port
type BugstPort struct {
	serial.Port
}

// SerialMode converts the port options into the serial.Mode structure
// required by go.bug.st/serial when opening a port.
func (c Config) SerialMode() (*serial.Mode, error) {
	opts, err := c.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}

	return mode, nil
}

func openBugst(cfg *Config) (Port, error) {
	mode, err := cfg.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	if cfg.ReadTimeout > 0 {
		if err := port.SetReadTimeout(time.Duration(cfg.ReadTimeout) * time.Millisecond); err != nil {
			port.Close()
			return nil, fmt.Errorf("setting read timeout on %s: %w", cfg.Device, err)
		}
	}

	if cfg.ResetOnOpen {
		if err := pulseReset(port); err != nil {
			port.Close()
			return nil, fmt.Errorf("resetting board on %s: %w", cfg.Device, err)
		}
	}

	return &BugstPort{Port: port}, nil
}

func pulseReset(port serial.Port) error {
	if err := port.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(resetPulse)
	if err := port.SetDTR(true); err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

// Flush discards unread input
func (p *BugstPort) Flush() error {
	return p.Port.ResetInputBuffer()
}
