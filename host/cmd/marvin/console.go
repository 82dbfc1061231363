package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/FabLabAQ/Marvin/host/config"
	"github.com/FabLabAQ/Marvin/host/session"
	"github.com/FabLabAQ/Marvin/sequence"
)

var errStreamOwnsCursor = errors.New("the stream advances the cursor; stop or use immediate mode")

// console is the interactive command loop. Every session and sequence
// access goes through the session loop.
type console struct {
	loop        *session.Loop
	seq         *sequence.Sequence
	mode        string
	fromCurrent bool
	out         io.Writer

	drainTimeout time.Duration // zero uses defaultDrainTimeout
}

func (c *console) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(c.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if c.execute(ctx, line) {
				return
			}
		}
	}
}

// execute runs one command line and reports whether the console should exit
func (c *console) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	var err error
	switch cmd := parts[0]; cmd {
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Goodbye!")
		return true

	case "help", "?":
		c.printHelp()

	case "start":
		fromCurrent := c.fromCurrent || (len(parts) > 1 && parts[1] == "current")
		err = c.call(ctx, func(s *session.Session) error {
			if c.mode == config.ModeImmediate {
				return s.StartImmediate(c.seq)
			}
			return s.StartStream(c.seq, fromCurrent)
		})

	case "immediate":
		err = c.call(ctx, func(s *session.Session) error { return s.StartImmediate(c.seq) })

	case "pause":
		err = c.call(ctx, (*session.Session).PauseStream)

	case "resume":
		err = c.call(ctx, (*session.Session).ResumeStream)

	case "stop":
		err = c.call(ctx, (*session.Session).Stop)

	case "next", "prev":
		delta := 1
		if cmd == "prev" {
			delta = -1
		}
		err = c.moveCursor(ctx, func(cur int) int { return cur + delta })

	case "goto":
		if len(parts) < 2 {
			err = errors.New("usage: goto <index>")
			break
		}
		idx, perr := strconv.Atoi(parts[1])
		if perr != nil {
			err = fmt.Errorf("invalid index %q", parts[1])
			break
		}
		err = c.moveCursor(ctx, func(int) int { return idx })

	case "status":
		err = c.call(ctx, func(s *session.Session) error {
			c.printStatus(s)
			return nil
		})

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for available commands)\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *console) call(ctx context.Context, fn func(s *session.Session) error) error {
	return c.loop.Call(ctx, fn)
}

func (c *console) moveCursor(ctx context.Context, target func(cur int) int) error {
	return c.call(ctx, func(s *session.Session) error {
		if s.Mode() == session.ModeStream {
			return errStreamOwnsCursor
		}
		c.seq.SetCurrent(target(c.seq.Current()))
		fmt.Fprintf(c.out, "current point %d/%d\n", c.seq.Current(), c.seq.Len())
		return nil
	})
}

func (c *console) printStatus(s *session.Session) {
	st := s.State()
	fmt.Fprintf(c.out, "connected: %t  mode: %s  paused: %t  stopping: %t  queue full: %t\n",
		st.Connected, st.Mode, st.Paused, st.Stopping, st.QueueFull)
	if charge := s.BatteryCharge(); charge >= 0 {
		fmt.Fprintf(c.out, "battery: %.0f%%\n", charge)
	} else {
		fmt.Fprintln(c.out, "battery: unknown")
	}
	p := c.seq.CurrentPoint()
	fmt.Fprintf(c.out, "point %d/%d: %v duration=%dms timeToTarget=%dms\n",
		c.seq.Current(), c.seq.Len(), p.Coords, p.Duration, p.TimeToTarget)
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, "\nAvailable commands:")
	fmt.Fprintln(c.out, "  start [current] - Start playback in the configured mode")
	fmt.Fprintln(c.out, "  immediate      - Forward the current point on every change")
	fmt.Fprintln(c.out, "  pause/resume   - Pause or resume a stream")
	fmt.Fprintln(c.out, "  stop           - Stop playback")
	fmt.Fprintln(c.out, "  next/prev      - Move the current point")
	fmt.Fprintln(c.out, "  goto <index>   - Jump to a point")
	fmt.Fprintln(c.out, "  status         - Show session state")
	fmt.Fprintln(c.out, "  quit/exit/q    - Exit the program")
	fmt.Fprintln(c.out)
}

// defaultDrainTimeout bounds how long shutdown waits for a stream to end
const defaultDrainTimeout = 5 * time.Second

// shutdown stops playback, waits for a stream to drain and closes the link.
// A stream the controller never finishes is abandoned so the link can close.
func (c *console) shutdown() {
	timeout := c.drainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	streaming := false
	if err := c.call(drainCtx, func(s *session.Session) error {
		streaming = s.IsStreaming()
		if streaming && !s.IsStopping() {
			if err := s.Stop(); err != nil {
				return err
			}
			streaming = s.IsStreaming()
		}
		return nil
	}); err != nil {
		fmt.Fprintf(c.out, "stop: %v\n", err)
	}

	for streaming {
		select {
		case <-drainCtx.Done():
			streaming = false
			continue
		case <-time.After(50 * time.Millisecond):
		}
		if err := c.call(drainCtx, func(s *session.Session) error {
			streaming = s.IsStreaming()
			return nil
		}); err != nil && drainCtx.Err() == nil {
			fmt.Fprintf(c.out, "status: %v\n", err)
			break
		}
	}

	// The drain context may have expired; closing gets its own deadline
	closeCtx, cancelClose := context.WithTimeout(context.Background(), time.Second)
	defer cancelClose()
	if err := c.call(closeCtx, func(s *session.Session) error {
		if s.IsStreaming() {
			fmt.Fprintln(c.out, "controller did not finish, abandoning the stream")
			if err := s.Abort(); err != nil {
				return err
			}
		}
		return s.CloseLink()
	}); err != nil {
		fmt.Fprintf(c.out, "closing link: %v\n", err)
	}
}
