package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/mailbox"
	"golang.org/x/sys/unix"
)

// Func is an audio function the coprocessor can run.
type Func int

const (
	FuncDecode Func = iota
	FuncEncode
	FuncPlayback
	FuncCapture
	FuncPostProcess

	NumFuncs
)

// FuncMask is a set of functions.
type FuncMask uint32

// Info selects a UserInfo query.
type Info uint32

const (
	InfoState       Info = iota // session power state
	InfoErrorCode               // sticky error code
	InfoDebugReg                // debug register arg
	InfoFuncState               // coprocessor's state for function arg
	InfoSessionInfo             // coprocessor's session word arg
)

var le = binary.LittleEndian

// MaskOf returns the set of fs.
func MaskOf(fs ...Func) FuncMask {
	var m FuncMask
	for _, f := range fs {
		m |= 1 << f
	}

	return m
}

// Has reports whether f is in m.
func (m FuncMask) Has(f Func) bool {
	return f >= 0 && f < NumFuncs && m&(1<<f) != 0
}

// Submit appends a command to the channel and kicks the coprocessor. It returns the
// command's sequence number.
func (s *Session) Submit(ctx context.Context, id uint16, payload []byte) (uint16, error) {
	if st := s.State(); st == PoweredOff {
		return 0, fmt.Errorf("%w: %v", ErrState, st)
	}

	seq, err := s.channel.Submit(ctx, id, payload)
	if err != nil {
		s.record(err)
	}

	return seq, err
}

// SubmitSync is Submit followed by a wait for the coprocessor to take the command.
func (s *Session) SubmitSync(ctx context.Context, id uint16, payload []byte) (uint16, error) {
	if st := s.State(); st == PoweredOff {
		return 0, fmt.Errorf("%w: %v", ErrState, st)
	}

	seq, err := s.channel.SubmitSync(ctx, id, payload, s.cfg.ConsumeWait)
	if err != nil {
		s.record(err)
	}

	return seq, err
}

// Drained reports whether the coprocessor has taken every submitted command.
func (s *Session) Drained() bool {
	return s.channel.Drained()
}

// Kick sends a reply-less message prompting the coprocessor to look at its rings.
func (s *Session) Kick(event uint16, p1, p2 uint32) error {
	if st := s.State(); st == PoweredOff {
		return fmt.Errorf("%w: %v", ErrState, st)
	}

	m := mailbox.Message{ID: event, Param1: p1, Param2: p2}
	if err := s.mbox.Send(&m); err != nil {
		s.record(err)
		return err
	}

	return nil
}

func (s *Session) kick() error {
	return s.Kick(mailbox.MsgKick, 0, 0)
}

// EnableFunc starts f on the coprocessor. f must be in the session's allowed set.
func (s *Session) EnableFunc(ctx context.Context, f Func) error {
	if !s.Info.Allowed.Has(f) {
		return fmt.Errorf("%w: %v: %w", ErrNotAllowed, f, unix.EPERM)
	}

	s.funcMu.Lock()
	defer s.funcMu.Unlock()

	if s.running.Has(f) {
		return fmt.Errorf("session: %v already enabled: %w", f, unix.EALREADY)
	}

	if _, err := s.Submit(ctx, CmdFuncEnable, le.AppendUint32(nil, uint32(f))); err != nil {
		return err
	}

	s.running |= MaskOf(f)
	s.runRef.Add(1)

	return nil
}

// DisableFunc stops f.
func (s *Session) DisableFunc(ctx context.Context, f Func) error {
	s.funcMu.Lock()
	defer s.funcMu.Unlock()

	if !s.running.Has(f) {
		return fmt.Errorf("session: %v not enabled: %w", f, unix.EINVAL)
	}

	if _, err := s.Submit(ctx, CmdFuncDisable, le.AppendUint32(nil, uint32(f))); err != nil {
		return err
	}

	s.running &^= MaskOf(f)
	s.runRef.Add(-1)

	return nil
}

// Running returns the enabled functions.
func (s *Session) Running() FuncMask {
	s.funcMu.Lock()
	defer s.funcMu.Unlock()

	return s.running
}

// UserInfo answers a query about the session. State, error code and debug registers
// are read locally; the rest are asked of the coprocessor.
func (s *Session) UserInfo(kind Info, arg uint32) (uint32, error) {
	switch kind {
	case InfoState:
		return uint32(s.State()), nil

	case InfoErrorCode:
		return uint32(s.ErrorCode()), nil

	case InfoDebugReg:
		if arg >= hw.NumDebugRegs {
			return 0, fmt.Errorf("session: debug register %d: %w", arg, unix.EINVAL)
		}

		return s.hw.Registers().Load32(hw.DebugReg(int(arg))), nil

	case InfoFuncState, InfoSessionInfo:
		if st := s.State(); st == PoweredOff {
			return 0, fmt.Errorf("%w: %v", ErrState, st)
		}

		m := mailbox.Message{ID: mailbox.MsgRequestUserInfo, Param1: uint32(kind), Param2: arg}
		if err := s.send(&m); err != nil {
			return 0, err
		}

		if m.Result != mailbox.Reply {
			return 0, fmt.Errorf("%w: user info %v: result %v", ErrFailed, kind, m.Result)
		}

		return m.Param1, nil

	default:
		return 0, fmt.Errorf("session: user info kind %d: %w", kind, unix.EINVAL)
	}
}

func (f Func) String() string {
	switch f {
	case FuncDecode:
		return "decode"

	case FuncEncode:
		return "encode"

	case FuncPlayback:
		return "playback"

	case FuncCapture:
		return "capture"

	case FuncPostProcess:
		return "post-process"

	default:
		return fmt.Sprintf("Func(%d)", int(f))
	}
}

// ParseFunc returns the function named s.
func ParseFunc(s string) (Func, error) {
	for f := Func(0); f < NumFuncs; f++ {
		if f.String() == s {
			return f, nil
		}
	}

	return 0, fmt.Errorf("session: unknown function %q: %w", s, unix.EINVAL)
}

func (m FuncMask) String() string {
	var names []string
	for f := Func(0); f < NumFuncs; f++ {
		if m.Has(f) {
			names = append(names, f.String())
		}
	}

	return "{" + strings.Join(names, ",") + "}"
}

func (k Info) String() string {
	switch k {
	case InfoState:
		return "state"

	case InfoErrorCode:
		return "error-code"

	case InfoDebugReg:
		return "debug-reg"

	case InfoFuncState:
		return "func-state"

	case InfoSessionInfo:
		return "session-info"

	default:
		return fmt.Sprintf("Info(%d)", uint32(k))
	}
}
