package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// TarmPort wraps a github.com/tarm/serial port
type TarmPort struct {
	*serial.Port
	polling bool
}

// tarmConfig translates normalized options for tarm/serial
func (c *Config) tarmConfig() *serial.Config {
	return &serial.Config{
		Name:        c.Device,
		Baud:        c.Baud,
		ReadTimeout: time.Duration(c.ReadTimeout) * time.Millisecond,
		Size:        byte(c.DataBits),
		Parity:      serial.Parity(c.Parity[0]),
		StopBits:    serial.StopBits(c.StopBits),
	}
}

func openTarm(cfg *Config) (Port, error) {
	port, err := serial.OpenPort(cfg.tarmConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return &TarmPort{Port: port, polling: cfg.ReadTimeout > 0}, nil
}

// Read returns an empty read when the timeout expires. tarm reports the
// timeout as io.EOF, which would otherwise look like a closed port.
func (p *TarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if p.polling && errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}
