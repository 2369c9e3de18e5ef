// Package wait implements deadline-bounded waits. Every blocking loop in the link
// (mailbox ack, command ring space, coprocessor bring-up) is a Policy.
package wait

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// Policy bounds a wait.
type Policy struct {

	// Interval is the time between condition checks.
	Interval time.Duration

	// Timeout is the total time to wait. A zero Timeout checks once.
	Timeout time.Duration

	// Spin busy-waits between checks instead of sleeping. Use it in contexts
	// that must not block, and for waits measured in microseconds.
	Spin bool
}

type timeoutError struct{}

func (timeoutError) Error() string { return "wait: timed out" }

// Is makes a timeout match unix.ETIMEDOUT.
func (timeoutError) Is(target error) bool { return target == unix.ETIMEDOUT }

// ErrTimeout is returned when a Policy's deadline passes.
var ErrTimeout error = timeoutError{}

// Until calls cond until it returns true, the deadline passes, or ctx is done.
func (p Policy) Until(ctx context.Context, cond func() bool) error {
	deadline := time.Now().Add(p.Timeout)

	for {
		if cond() {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if !time.Now().Before(deadline) {
			return ErrTimeout
		}

		p.pause(ctx, deadline)
	}
}

// Wait receives from c until the deadline passes or ctx is done.
func (p Policy) Wait(ctx context.Context, c <-chan struct{}) error {
	if p.Spin {
		return p.Until(ctx, func() bool {
			select {
			case <-c:
				return true
			default:
				return false
			}
		})
	}

	t := time.NewTimer(p.Timeout)
	defer t.Stop()

	select {
	case <-c:
		return nil

	case <-t.C:
		// prefer the value if both are ready
		select {
		case <-c:
			return nil
		default:
			return ErrTimeout
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p Policy) pause(ctx context.Context, deadline time.Time) {
	d := p.Interval
	if rem := time.Until(deadline); d > rem {
		d = rem
	}

	if d <= 0 {
		return
	}

	if p.Spin {
		end := time.Now().Add(d)
		for time.Now().Before(end) {
			runtime.Gosched()
		}

		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
