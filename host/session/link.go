package session

import (
	"fmt"

	"github.com/FabLabAQ/Marvin/host/serial"
	"github.com/FabLabAQ/Marvin/protocol"
)

// Link is the connection to a controller. *protocol.HostTransport
// implements it.
type Link interface {
	// Send encodes and writes one packet
	Send(encode func(out protocol.OutputBuffer)) error

	// Incoming delivers received chunks; it is closed when the link dies
	Incoming() <-chan []byte

	// Errors delivers read errors
	Errors() <-chan error

	Close() error
}

// Opener opens a link by device name and baud rate
type Opener func(name string, baud int) (Link, error)

// SerialOpener opens links through the serial package. base supplies
// everything but the device name and, when baud is positive, the rate.
func SerialOpener(base serial.Config, open serial.Opener) Opener {
	if open == nil {
		open = serial.Open
	}
	return func(name string, baud int) (Link, error) {
		cfg := base
		cfg.Device = name
		if baud > 0 {
			cfg.Baud = baud
		}
		port, err := open(&cfg)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
		if err := port.Flush(); err != nil {
			port.Close()
			return nil, fmt.Errorf("flushing %s: %w", name, err)
		}
		return protocol.NewHostTransport(port), nil
	}
}
