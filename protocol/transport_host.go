package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// ErrTransportClosed is returned by writes after Close
var ErrTransportClosed = errors.New("transport closed")

// HostTransport is the host end of the link. A background reader forwards
// raw chunks from the port; packet parsing is left to the session, which
// keeps its own backlog across chunks.
type HostTransport struct {
	// Serial I/O
	port io.ReadWriteCloser

	// Encoding scratch, guarded by writeMutex
	scratch ScratchOutput

	incoming chan []byte
	errs     chan error

	writeMutex sync.Mutex

	// Stop channel for graceful shutdown
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewHostTransport creates a host transport and starts reading from port
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:     port,
		incoming: make(chan []byte, 16),
		errs:     make(chan error, 4),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	// Start background reader
	go t.readLoop()

	return t
}

// Incoming delivers received chunks in arrival order. It is closed when
// the reader stops.
func (t *HostTransport) Incoming() <-chan []byte {
	return t.incoming
}

// Errors delivers read errors. Errors are dropped when nobody drains them.
func (t *HostTransport) Errors() <-chan error {
	return t.errs
}

// Done is closed once the reader has stopped
func (t *HostTransport) Done() <-chan struct{} {
	return t.doneChan
}

// Write sends raw bytes to the port
func (t *HostTransport) Write(p []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	return t.write(p)
}

// Send encodes one packet and writes it
func (t *HostTransport) Send(encode func(out OutputBuffer)) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	t.scratch.Reset()
	encode(&t.scratch)
	if t.scratch.Overflowed() {
		return fmt.Errorf("packet exceeds %d bytes", MessageMax)
	}
	return t.write(t.scratch.Result())
}

func (t *HostTransport) write(p []byte) error {
	select {
	case <-t.stopChan:
		return ErrTransportClosed
	default:
	}

	n, err := t.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(p))
	}
	return nil
}

// readLoop continuously reads from the port and forwards chunks
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)
	defer close(t.incoming)

	buffer := make([]byte, 256)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			select {
			case t.incoming <- chunk:
			case <-t.stopChan:
				return
			}
		}
		if err == nil {
			continue
		}

		select {
		case <-t.stopChan:
			return
		default:
		}
		t.reportError(err)
		if isFatalReadError(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (t *HostTransport) reportError(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func isFatalReadError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}

// Close stops the reader and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		// Closing the port unblocks a pending Read
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}
