// Package serial opens the link to a Marvin controller. Two backends are
// available: github.com/tarm/serial and go.bug.st/serial, the latter also
// able to reset the board through DTR when the port opens.
package serial

import (
	"fmt"
	"io"
	"strings"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (tarm or go.bug.st)
// - In-process simulator pipes
// - Mock serial (for testing)
type Port interface {
	io.ReadWriteCloser

	// Flush discards data received but not read yet
	Flush() error
}

// Driver selects the serial backend
type Driver string

const (
	DriverTarm  Driver = "tarm"
	DriverBugst Driver = "bugst"
)

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string `yaml:"device" json:"device"`

	// Baud rate (USB CDC boards ignore it)
	Baud int `yaml:"baud" json:"baud"`

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int `yaml:"read_timeout_ms" json:"read_timeout_ms"`

	DataBits int    `yaml:"data_bits" json:"data_bits"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits"`
	Parity   string `yaml:"parity" json:"parity"`

	Driver Driver `yaml:"driver" json:"driver"`

	// ResetOnOpen pulses DTR after opening, rebooting boards that wire DTR
	// to reset. Only the bugst driver supports it.
	ResetOnOpen bool `yaml:"reset_on_open" json:"reset_on_open"`
}

// DefaultBaud is the rate the controller firmware listens at
const DefaultBaud = 115200

// DefaultConfig returns a default configuration for a device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100, // 100ms read timeout
		DataBits:    8,
		StopBits:    1,
		Parity:      "N",
		Driver:      DriverTarm,
	}
}

// Normalize validates the options and applies defaults for any unset values.
func (c Config) Normalize() (Config, error) {
	opts := c

	if strings.TrimSpace(opts.Device) == "" {
		return opts, fmt.Errorf("serial device not set")
	}

	if opts.Baud <= 0 {
		opts.Baud = DefaultBaud
	}
	if opts.ReadTimeout < 0 {
		return opts, fmt.Errorf("invalid read timeout %dms", opts.ReadTimeout)
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity

	switch Driver(strings.ToLower(string(opts.Driver))) {
	case "", DriverTarm:
		opts.Driver = DriverTarm
	case DriverBugst:
		opts.Driver = DriverBugst
	default:
		return opts, fmt.Errorf("unknown serial driver %q: expected tarm or bugst", opts.Driver)
	}

	if opts.ResetOnOpen && opts.Driver != DriverBugst {
		return opts, fmt.Errorf("reset_on_open needs the bugst driver")
	}

	return opts, nil
}

// Opener opens a port; the session uses it so tests and the simulator can
// substitute their own link
type Opener func(cfg *Config) (Port, error)

// Open opens a serial port with the backend named in cfg
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	opts, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	switch opts.Driver {
	case DriverBugst:
		return openBugst(&opts)
	default:
		return openTarm(&opts)
	}
}
