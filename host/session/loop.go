package session

import (
	"context"
	"time"

	"github.com/FabLabAQ/Marvin/host/timeutil"
)

// Loop owns a Session and runs it on a single goroutine. Link data, link
// errors, the boot and stop timers and submitted calls are all handled in
// Run, so the session never needs locking.
type Loop struct {
	s     *Session
	calls chan func(*Session)
	done  chan struct{}
}

// NewLoop wraps s. Nothing may touch s directly once Run has started.
func NewLoop(s *Session) *Loop {
	return &Loop{
		s:     s,
		calls: make(chan func(*Session)),
		done:  make(chan struct{}),
	}
}

// Run handles events until ctx is cancelled. The link is left open; close
// it with a final Call before cancelling if needed.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	s := l.s
	for {
		var (
			incoming <-chan []byte
			errs     <-chan error
		)
		if s.link != nil {
			incoming = s.link.Incoming()
			errs = s.link.Errors()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case fn := <-l.calls:
			fn(s)

		case data, ok := <-incoming:
			if !ok {
				s.linkLost(pendingError(errs))
				continue
			}
			s.HandleIncoming(data)

		case err := <-errs:
			s.reportLinkError(&LinkError{Op: "read", Err: err})

		case <-timerC(s.bootTimer):
			s.bootElapsed()

		case <-timerC(s.stopTimer):
			s.stopElapsed()
		}
	}
}

// Done is closed when Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Submit queues fn to run on the loop goroutine. It blocks until the loop
// accepts fn and returns false if the loop has stopped.
func (l *Loop) Submit(fn func(*Session)) bool {
	select {
	case l.calls <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop goroutine and returns its error
func (l *Loop) Call(ctx context.Context, fn func(*Session) error) error {
	result := make(chan error, 1)
	wrapped := func(s *Session) {
		result <- fn(s)
	}

	select {
	case l.calls <- wrapped:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		// fn may have been the call that ended the loop
		select {
		case err := <-result:
			return err
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timerC(t timeutil.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

// pendingError picks up the error that made the reader stop, if queued
func pendingError(errs <-chan error) error {
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
