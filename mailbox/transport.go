package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c35s/dsplink/shm"
	"github.com/c35s/dsplink/wait"
	"golang.org/x/sys/unix"
)

// Config configures a Transport.
type Config struct {

	// AckWait bounds the wait for the receiver's ACK. It should spin: sends made
	// from interrupt context can't sleep. If AckWait is zero, the transport waits
	// 1000 one-microsecond iterations.
	AckWait wait.Policy
}

// Transport sends messages through one block and receives through the other.
// The host and the coprocessor each see the same pair of blocks with the roles
// swapped.
type Transport struct {
	mu    sync.Mutex
	out   block
	in    block
	raise func()
	ack   wait.Policy
}

// Handler handles an inbound message. It sets m.Result (Done by default) and, for
// Reply, m.Param1 and m.Param2. Setting InProgress defers completion to Complete.
type Handler func(m *Message)

var (
	ErrBusy       = errors.New("mailbox: channel busy")
	ErrNoAck      = errors.New("mailbox: no ack")
	ErrNoMessage  = errors.New("mailbox: no message pending")
	ErrDuplicate  = errors.New("mailbox: message already acknowledged")
	ErrNotPending = errors.New("mailbox: no deferred message")
)

// DefaultAckWait is 1000 one-microsecond spins.
var DefaultAckWait = wait.Policy{
	Interval: time.Microsecond,
	Timeout:  1000 * time.Microsecond,
	Spin:     true,
}

// New returns a transport sending through the block at outOff and receiving through
// the block at inOff. The raise callback interrupts the peer.
func New(regs *shm.Region, outOff, inOff int, raise func(), cfg Config) *Transport {
	if cfg.AckWait == (wait.Policy{}) {
		cfg.AckWait = DefaultAckWait
	}

	return &Transport{
		out:   block{regs, outOff},
		in:    block{regs, inOff},
		raise: raise,
		ack:   cfg.AckWait,
	}
}

// Send posts m and waits for the peer to acknowledge it. On return m.Result holds
// the outcome and, for Reply, m.Param1 and m.Param2 hold the peer's return value.
// Concurrent calls are serialized.
func (t *Transport) Send(m *Message) error {
	return t.send(m, true)
}

// SendFromISR is Send for interrupt context. It never blocks on the transport
// mutex; interrupt-context sends are already serialized by the hardware.
func (t *Transport) SendFromISR(m *Message) error {
	return t.send(m, false)
}

func (t *Transport) send(m *Message, mayBlock bool) error {
	if mayBlock {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	if _, st := t.out.msg(); st&StatusBusy != 0 {
		return fmt.Errorf("%w: message %#x: %w", ErrBusy, m.ID, unix.EBUSY)
	}

	t.out.post(m)
	t.raise()

	var st uint16
	err := t.ack.Until(context.Background(), func() bool {
		_, st = t.out.msg()
		return st&StatusAck != 0
	})

	if err != nil {
		m.Result = NoAck
		return fmt.Errorf("%w: message %#x: %w", ErrNoAck, m.ID, err)
	}

	t.collect(m, st)
	return nil
}

// Poll checks whether an outbound message that returned InProgress has completed.
// If it has, Poll fills in m's result and returns true.
func (t *Transport) Poll(m *Message) bool {
	_, st := t.out.msg()
	if st&StatusBusy != 0 {
		return false
	}

	t.collect(m, st)
	return true
}

func (t *Transport) collect(m *Message, st uint16) {
	switch {
	case st&StatusFail != 0:
		m.Result = Fail

	case st&StatusReply != 0:
		m.Result = Reply
		m.Param1, m.Param2 = t.out.params()

	case st&StatusDone != 0:
		m.Result = Done

	default:
		m.Result = InProgress
	}
}

// Serve receives the pending inbound message, passes it to h, and responds. It is
// called from the inbound interrupt handler.
func (t *Transport) Serve(h Handler) error {
	m, st := t.in.read()

	if st&StatusBusy == 0 {
		return fmt.Errorf("%w: %w", ErrNoMessage, unix.EINVAL)
	}

	if st&StatusAck != 0 {
		return fmt.Errorf("%w: message %#x: %w", ErrDuplicate, m.ID, unix.EINVAL)
	}

	m.Result = Done
	h(&m)
	t.respond(&m)

	return nil
}

// Complete finishes an inbound message that was answered with InProgress.
func (t *Transport) Complete(m *Message) error {
	if _, st := t.in.msg(); st&(StatusBusy|StatusAck) != StatusBusy|StatusAck {
		return fmt.Errorf("%w: message %#x: %w", ErrNotPending, m.ID, unix.EINVAL)
	}

	if m.Result == InProgress {
		return fmt.Errorf("mailbox: complete message %#x with in-progress result: %w", m.ID, unix.EINVAL)
	}

	t.respond(m)
	return nil
}

func (t *Transport) respond(m *Message) {
	var st uint16

	switch m.Result {
	case Done:
		st = StatusAck | StatusDone

	case Reply:
		t.in.setParams(m.Param1, m.Param2)
		st = StatusAck | StatusDone | StatusReply

	case InProgress:
		st = StatusBusy | StatusAck

	default:
		st = StatusAck | StatusFail
	}

	t.in.setMsg(m.ID, st)
}

// Reset zeroes both blocks.
func (t *Transport) Reset() {
	t.out.reset()
	t.in.reset()
}

// Snapshot returns the raw words of the outbound and inbound blocks.
func (t *Transport) Snapshot() (out, in [4]uint32) {
	return t.out.words(), t.in.words()
}
