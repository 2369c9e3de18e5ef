package paging

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Request is a deferred page miss. Done receives the outcome on the queue's goroutine.
type Request struct {
	Addr uint32
	Done func(Outcome, error)
}

// Queue hands page misses from interrupt context to a paging goroutine.
type Queue struct {
	c chan Request
}

// ErrQueueFull is returned by Enqueue when the queue has no room.
var ErrQueueFull = fmt.Errorf("paging: queue full: %w", unix.EAGAIN)

// NewQueue returns a queue holding up to n pending misses.
func NewQueue(n int) *Queue {
	return &Queue{c: make(chan Request, n)}
}

// Enqueue adds req without blocking.
func (q *Queue) Enqueue(req Request) error {
	select {
	case q.c <- req:
		return nil

	default:
		return ErrQueueFull
	}
}

// Len returns the number of pending misses.
func (q *Queue) Len() int {
	return len(q.c)
}

// Run services queued misses with p until ctx is done.
func (q *Queue) Run(ctx context.Context, p *Pager) error {
	for {
		select {
		case req := <-q.c:
			o, err := p.Miss(req.Addr)
			if req.Done != nil {
				req.Done(o, err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
