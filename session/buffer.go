package session

import (
	"fmt"
	"io"

	"github.com/c35s/dsplink/mailbox"
	"github.com/c35s/dsplink/ring"
	"github.com/c35s/dsplink/shm"
	"golang.org/x/sys/unix"
)

// Buffer is a sample ring shared with the coprocessor. One side writes and the other
// reads; neither needs a lock.
type Buffer struct {

	// LowLatency kicks the coprocessor when a write makes data available to it:
	// when the buffer fills from empty, or when Length reaches NextReadSize.
	LowLatency bool

	// NextReadSize is the amount the coprocessor reads next.
	NextReadSize int

	s      *Session
	ring   *ring.Ring
	region *shm.Region
	owned  bool
	dead   bool
}

// AllocBuffer allocates a buffer holding n bytes from the session's shared arena.
func (s *Session) AllocBuffer(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("session: buffer size %d: %w", n, unix.EINVAL)
	}

	r, err := s.arena.Alloc(ring.HeaderSize + n)
	if err != nil {
		return nil, fmt.Errorf("session: alloc %d byte buffer: %w", n, err)
	}

	rb, err := ring.New(r, 0, ring.HeaderSize+n)
	if err != nil {
		s.arena.Free(r)
		return nil, err
	}

	return &Buffer{s: s, ring: rb, region: r, owned: true}, nil
}

// InitBuffer lays out a buffer in r, which the caller keeps ownership of.
func (s *Session) InitBuffer(r *shm.Region) (*Buffer, error) {
	rb, err := ring.New(r, 0, r.Len())
	if err != nil {
		return nil, err
	}

	return &Buffer{s: s, ring: rb, region: r}, nil
}

// Addr returns the coprocessor address of the buffer, for use in command payloads.
// A destroyed buffer has the zero address.
func (b *Buffer) Addr() shm.SharedAddress {
	if b.dead {
		return shm.SharedAddress{}
	}

	return b.ring.Addr()
}

// Size returns the capacity in bytes. A destroyed buffer has none.
func (b *Buffer) Size() int {
	if b.dead {
		return 0
	}

	return b.ring.Size()
}

// Space returns the free bytes.
func (b *Buffer) Space() int {
	if b.dead {
		return 0
	}

	return b.ring.Space()
}

// Length returns the buffered bytes.
func (b *Buffer) Length() int {
	if b.dead {
		return 0
	}

	return b.ring.Length()
}

// Reset discards the buffer's content.
func (b *Buffer) Reset() error {
	if b.dead {
		return b.closed()
	}

	b.ring.Reset()
	return nil
}

// Read copies up to len(p) buffered bytes into p. It doesn't wait for data.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.dead {
		return 0, b.closed()
	}

	return b.ring.Get(p), nil
}

// Write copies as much of p as fits. It doesn't wait for space.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.dead {
		return 0, b.closed()
	}

	before := b.ring.Length()
	n := b.ring.Put(p)
	b.wrote(before, n)

	return n, nil
}

// ReadTo streams up to n buffered bytes to w.
func (b *Buffer) ReadTo(w io.Writer, n int) (int, error) {
	if b.dead {
		return 0, b.closed()
	}

	return b.ring.GetTo(w, n)
}

// WriteFrom streams up to n bytes from r into the buffer.
func (b *Buffer) WriteFrom(r io.Reader, n int) (int, error) {
	if b.dead {
		return 0, b.closed()
	}

	before := b.ring.Length()
	m, err := b.ring.PutFrom(r, n)
	b.wrote(before, m)

	return m, err
}

// Destroy releases the buffer. Buffers from AllocBuffer return their memory to the
// arena.
func (b *Buffer) Destroy() error {
	if b.dead {
		return b.closed()
	}

	r := b.region
	b.dead = true
	b.ring, b.region = nil, nil

	if b.owned {
		return b.s.arena.Free(r)
	}

	return nil
}

func (b *Buffer) wrote(before, n int) {
	if !b.LowLatency || n == 0 {
		return
	}

	after := before + n
	if before == 0 || (before < b.NextReadSize && after >= b.NextReadSize) {
		if err := b.s.Kick(mailbox.MsgKick, 0, 0); err != nil {
			b.s.log.Debug("buffer kick failed", "err", err)
		}
	}
}

func (b *Buffer) closed() error {
	return fmt.Errorf("session: buffer destroyed: %w", unix.EINVAL)
}
