package clocksync

import (
	"context"
	"fmt"
	"runtime"

	"github.com/c35s/dsplink/shm"
)

// exchange status

const (
	StatusIdle    = 0
	StatusSyncing = 1 // host stamped, waiting for the coprocessor
	StatusReply   = 2 // coprocessor stamped
	StatusOffset  = 3 // offset published, exchange over
)

// shared block word offsets

const (
	offStatus = 0x0
	offHost   = 0x4
	offDSP    = 0x8
	offOffset = 0xc

	BlockSize = 0x10
)

// MemLink is the host side of the exchange through a block in shared memory.
type MemLink struct {
	r   *shm.Region
	off int
}

// Peer is the coprocessor side of the exchange.
type Peer struct {
	r   *shm.Region
	off int
	now func() uint32
}

// NewMemLink returns a link through the block at off in r and resets the block.
func NewMemLink(r *shm.Region, off int) (*MemLink, error) {
	if _, err := r.Slice(off, BlockSize); err != nil {
		return nil, fmt.Errorf("clocksync: %w", err)
	}

	r.Zero(off, BlockSize)
	return &MemLink{r: r, off: off}, nil
}

func (l *MemLink) Start(host uint32) {
	l.r.Store32(l.off+offHost, host)
	l.r.Store32(l.off+offStatus, StatusSyncing)
}

func (l *MemLink) Reply() (uint32, bool) {
	if l.r.Load32(l.off+offStatus) != StatusReply {
		return 0, false
	}

	return l.r.Load32(l.off + offDSP), true
}

func (l *MemLink) Finish(offset uint32) {
	l.r.Store32(l.off+offOffset, offset)
	l.r.Store32(l.off+offStatus, StatusOffset)
}

// NewPeer returns the coprocessor side of the block at off in r. The now callback
// reads the coprocessor's timer.
func NewPeer(r *shm.Region, off int, now func() uint32) *Peer {
	return &Peer{r: r, off: off, now: now}
}

// Serve answers the host's rounds until it publishes the offset, and returns it.
func (p *Peer) Serve(ctx context.Context) (uint32, error) {
	for {
		switch p.r.Load32(p.off + offStatus) {
		case StatusSyncing:
			p.r.Store32(p.off+offDSP, p.now())
			p.r.Store32(p.off+offStatus, StatusReply)

		case StatusOffset:
			return p.r.Load32(p.off + offOffset), nil

		default:
			if err := ctx.Err(); err != nil {
				return 0, fmt.Errorf("clocksync: %w", err)
			}

			runtime.Gosched()
		}
	}
}
