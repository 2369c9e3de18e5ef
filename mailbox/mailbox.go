// Package mailbox implements the message protocol carried by the two mailbox register
// blocks shared with the coprocessor.
//
// Each block holds a msg word (status<<16 | id) and three data words. The sender
// posts a message by writing the data words and then the msg word with BUSY set, and
// raises the peer's interrupt. The receiver sets ACK once it has seen the message, and
// completes it by storing ACK together with DONE, DONE|REPLY or FAIL, which also clears
// BUSY. A receiver that needs more time stores BUSY|ACK and completes later.
package mailbox

import (
	"fmt"

	"github.com/c35s/dsplink/shm"
)

// status bits

const (
	StatusBusy  = 1 << 0 // set by the sender: new message
	StatusSync  = 1 << 1 // advisory, ignored by receivers
	StatusAck   = 1 << 2 // set by the receiver: message seen
	StatusDone  = 1 << 3 // set by the receiver: fully handled
	StatusReply = 1 << 4 // set with DONE: param1/param2 carry a return value
	StatusFail  = 1 << 5 // set instead of DONE: handling failed
)

// block word offsets

const (
	offMsg    = 0x0
	offOwner  = 0x4
	offParam1 = 0x8
	offParam2 = 0xc

	BlockSize = 0x10
)

// Result is the outcome of a message.
type Result int

const (
	Done Result = iota
	Reply
	Fail
	NoAck
	InProgress
)

// Message is a single mailbox message.
type Message struct {
	ID     uint16
	Result Result
	Owner  uint32
	Param1 uint32
	Param2 uint32
}

// block is one direction's register block.
type block struct {
	r   *shm.Region
	off int
}

func (r Result) String() string {
	switch r {
	case Done:
		return "done"

	case Reply:
		return "reply"

	case Fail:
		return "fail"

	case NoAck:
		return "no-ack"

	case InProgress:
		return "in-progress"

	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// PackMsg builds a msg word.
func PackMsg(id, status uint16) uint32 {
	return uint32(status)<<16 | uint32(id)
}

// UnpackMsg splits a msg word.
func UnpackMsg(w uint32) (id, status uint16) {
	return uint16(w), uint16(w >> 16)
}

func (b block) msg() (id, status uint16) {
	return UnpackMsg(b.r.Load32(b.off + offMsg))
}

func (b block) setMsg(id, status uint16) {
	b.r.Store32(b.off+offMsg, PackMsg(id, status))
}

func (b block) post(m *Message) {
	b.r.Store32(b.off+offOwner, m.Owner)
	b.r.Store32(b.off+offParam1, m.Param1)
	b.r.Store32(b.off+offParam2, m.Param2)
	b.setMsg(m.ID, StatusBusy)
}

func (b block) read() (m Message, status uint16) {
	m.ID, status = b.msg()
	m.Owner = b.r.Load32(b.off + offOwner)
	m.Param1 = b.r.Load32(b.off + offParam1)
	m.Param2 = b.r.Load32(b.off + offParam2)
	return
}

func (b block) params() (p1, p2 uint32) {
	return b.r.Load32(b.off + offParam1), b.r.Load32(b.off + offParam2)
}

func (b block) setParams(p1, p2 uint32) {
	b.r.Store32(b.off+offParam1, p1)
	b.r.Store32(b.off+offParam2, p2)
}

func (b block) words() [4]uint32 {
	return [4]uint32{
		b.r.Load32(b.off + offMsg),
		b.r.Load32(b.off + offOwner),
		b.r.Load32(b.off + offParam1),
		b.r.Load32(b.off + offParam2),
	}
}

func (b block) reset() {
	b.r.Zero(b.off, BlockSize)
}
