// Package cmdq implements the command channel: a ring of variable-length commands in
// shared memory, produced by the host and consumed by the coprocessor in sequence
// order.
//
// The channel header holds the sequence number the coprocessor expects next (written
// by the coprocessor) and a mirror of the host's next sequence number. Each command is
// framed as id, seq and size (16 bits each, little endian) followed by size payload
// bytes, padded to a 4-byte boundary.
package cmdq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/dsplink/ring"
	"github.com/c35s/dsplink/shm"
	"github.com/c35s/dsplink/wait"
	"golang.org/x/sys/unix"
)

// Command is a decoded command.
type Command struct {
	ID      uint16
	Seq     uint16
	Size    uint16
	Payload []byte
}

// Config configures a Channel.
type Config struct {

	// SpaceWait bounds the wait for ring space. If it is zero, Submit polls
	// every 10ms for up to 500ms.
	SpaceWait wait.Policy
}

// Channel is the host side of a command channel.
type Channel struct {
	mu    sync.Mutex
	r     *shm.Region
	off   int
	ring  *ring.Ring
	next  uint16
	kick  func() error
	space wait.Policy
}

// Reader is the coprocessor side of a command channel.
type Reader struct {
	r    *shm.Region
	off  int
	ring *ring.Ring
}

// channel header word offsets

const (
	hdrCurSeq  = 0x0
	hdrNextSeq = 0x4

	HeaderSize = 0x8

	// FrameHeaderSize is the size of a command's id, seq and size fields.
	FrameHeaderSize = 6
)

var (
	ErrNoSpace  = errors.New("cmdq: no space")
	ErrTooLarge = errors.New("cmdq: command too large")
)

var DefaultSpaceWait = wait.Policy{
	Interval: 10 * time.Millisecond,
	Timeout:  500 * time.Millisecond,
}

var le = binary.LittleEndian

// New lays out a channel in the n bytes of mem at off. The kick callback prompts the
// coprocessor to look at the ring; its errors are logged and otherwise ignored.
func New(mem *shm.Region, off, n int, kick func() error, cfg Config) (*Channel, error) {
	if cfg.SpaceWait == (wait.Policy{}) {
		cfg.SpaceWait = DefaultSpaceWait
	}

	rb, err := ring.New(mem, off+HeaderSize, n-HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("cmdq: %w", err)
	}

	c := &Channel{
		r:     mem,
		off:   off,
		ring:  rb,
		kick:  kick,
		space: cfg.SpaceWait,
	}

	c.Reset()
	return c, nil
}

// FrameSize returns the ring bytes used by a command with an n-byte payload.
func FrameSize(n int) int {
	return (FrameHeaderSize + n + 3) &^ 3
}

// Addr returns the channel's address in coprocessor space.
func (c *Channel) Addr() shm.SharedAddress {
	a, err := c.r.Translate(c.off)
	if err != nil {
		panic(err)
	}

	return a
}

// Reset zeroes the sequence counters and empties the ring. The coprocessor must not
// be running.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next = 0
	c.r.Store32(c.off+hdrCurSeq, 0)
	c.r.Store32(c.off+hdrNextSeq, 0)
	c.ring.Reset()
}

// Submit appends a command and kicks the coprocessor. It waits for ring space
// according to the channel's SpaceWait policy and returns the command's sequence
// number.
func (c *Channel) Submit(ctx context.Context, id uint16, payload []byte) (uint16, error) {
	need := FrameSize(len(payload))
	if len(payload) > 0xffff || need > c.ring.Size() {
		return 0, fmt.Errorf("%w: %d byte payload: %w", ErrTooLarge, len(payload), unix.EINVAL)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.space.Until(ctx, func() bool {
		return c.ring.Space() >= need
	})

	if err != nil && ctx.Err() != nil {
		return 0, fmt.Errorf("cmdq: command %#x: %w", id, err)
	}

	if err != nil {
		slog.Warn("command ring full",
			"id", id, "need", need, "space", c.ring.Space(), "err", err)

		return 0, fmt.Errorf("%w: command %#x: %w: %w", ErrNoSpace, id, unix.ENOSPC, err)
	}

	seq := c.next
	c.next++

	frame := make([]byte, need)
	le.PutUint16(frame[0:], id)
	le.PutUint16(frame[2:], seq)
	le.PutUint16(frame[4:], uint16(len(payload)))
	copy(frame[FrameHeaderSize:], payload)

	c.ring.Put(frame)
	c.r.Store32(c.off+hdrNextSeq, uint32(c.next))

	if err := c.kick(); err != nil {
		slog.Debug("command kick failed", "id", id, "seq", seq, "err", err)
	}

	return seq, nil
}

// SubmitSync submits a command and waits until the coprocessor has consumed it.
func (c *Channel) SubmitSync(ctx context.Context, id uint16, payload []byte, p wait.Policy) (uint16, error) {
	seq, err := c.Submit(ctx, id, payload)
	if err != nil {
		return 0, err
	}

	if err := p.Until(ctx, func() bool { return c.Consumed(seq) }); err != nil {
		return seq, fmt.Errorf("cmdq: command %#x seq %d not consumed: %w", id, seq, err)
	}

	return seq, nil
}

// Consumed reports whether the coprocessor has taken the command with sequence seq.
func (c *Channel) Consumed(seq uint16) bool {
	cur := uint16(c.r.Load32(c.off + hdrCurSeq))
	return int16(cur-seq) > 0
}

// Drained reports whether every submitted command has been consumed.
func (c *Channel) Drained() bool {
	cur, next := c.Sequence()
	return cur == next
}

// Sequence returns the sequence the coprocessor expects next and the next sequence
// the host will assign.
func (c *Channel) Sequence() (cur, next uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return uint16(c.r.Load32(c.off + hdrCurSeq)), c.next
}

// Space returns the free ring bytes.
func (c *Channel) Space() int {
	return c.ring.Space()
}

// Length returns the occupied ring bytes.
func (c *Channel) Length() int {
	return c.ring.Length()
}

// Attach returns a reader for the channel at coprocessor address addr in mem.
func Attach(mem *shm.Region, addr uint32) (*Reader, error) {
	off, err := mem.Offset(addr)
	if err != nil {
		return nil, fmt.Errorf("cmdq: attach: %w", err)
	}

	rb, err := ring.Attach(mem, off+HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("cmdq: attach: %w", err)
	}

	return &Reader{r: mem, off: off, ring: rb}, nil
}

// Next takes the next command off the ring. It returns false if none is available.
func (rd *Reader) Next() (Command, bool) {
	var hdr [FrameHeaderSize]byte
	if rd.ring.Peek(hdr[:]) < FrameHeaderSize {
		return Command{}, false
	}

	cmd := Command{
		ID:   le.Uint16(hdr[0:]),
		Seq:  le.Uint16(hdr[2:]),
		Size: le.Uint16(hdr[4:]),
	}

	frame := make([]byte, FrameSize(int(cmd.Size)))
	if rd.ring.Get(frame) != len(frame) {
		panic("cmdq: partial frame")
	}

	cmd.Payload = frame[FrameHeaderSize : FrameHeaderSize+int(cmd.Size)]
	rd.r.Store32(rd.off+hdrCurSeq, uint32(cmd.Seq+1))

	return cmd, true
}
