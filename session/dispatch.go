package session

import (
	"errors"
	"fmt"

	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/mailbox"
	"github.com/c35s/dsplink/paging"
)

// isr runs on the coprocessor -> host interrupt.
func (s *Session) isr() {
	if err := s.mbox.Serve(s.dispatch); err != nil {
		s.log.Warn("mailbox message rejected", "err", err)
		s.record(err)
	}
}

func (s *Session) dispatch(m *mailbox.Message) {
	switch m.ID {
	case mailbox.MsgRequestBootArgs:
		m.Result = mailbox.Reply
		m.Param1 = s.hw.Registers().Load32(hw.RegBootArgChannel)
		m.Param2 = s.hw.Registers().Load32(hw.RegBootArgSubEntry)

	case mailbox.MsgStateChanged:
		s.stateChanged(m.Param1, m.Param2)

	case mailbox.MsgPageMiss:
		in := *m
		err := s.queue.Enqueue(paging.Request{
			Addr: m.Param1,
			Done: func(o paging.Outcome, err error) { s.pageDone(in, o, err) },
		})

		if err != nil {
			s.log.Warn("page miss dropped", "addr", fmt.Sprintf("%#x", m.Param1), "err", err)
			s.record(err)
			m.Result = mailbox.Fail
			return
		}

		m.Result = mailbox.InProgress

	case mailbox.MsgPageFlush:
		if err := s.pager.Flush(m.Param1); err != nil {
			s.log.Warn("page flush failed", "err", err)
			s.record(err)
			m.Result = mailbox.Fail
		}

	default:
		h := s.handler.Load()
		if m.ID < mailbox.MsgUser || h == nil {
			s.log.Debug("unhandled message", "id", m.ID)
			m.Result = mailbox.Fail
			return
		}

		(*h)(m)
	}
}

func (s *Session) stateChanged(state, flags uint32) {
	s.dspState.Store(state)

	switch state {
	case mailbox.StateReady:
		s.bootFlags.Store(flags)

	case mailbox.StateError:
		s.errCode.Store(uint32(CodeDSP))
		err := fmt.Errorf("%w: coprocessor error %#x", ErrFailed, flags)
		s.log.Error("coprocessor reported an error", "code", flags)
		s.record(err)
	}

	// release bring-up
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// pageDone finishes a page miss on the paging goroutine.
func (s *Session) pageDone(m mailbox.Message, o paging.Outcome, err error) {
	switch {
	case errors.Is(err, paging.ErrBadAddress):
		s.fatal(CodeBadCommand, err)
		m.Result = mailbox.Fail

	case err != nil:
		s.log.Warn("page miss failed", "err", err)
		s.record(err)
		m.Result = mailbox.Fail

	case o == paging.AlreadyMapped:
		m.Result = mailbox.Reply
		m.Param1, m.Param2 = mailbox.PageBusy, 0

	default:
		m.Result = mailbox.Done
	}

	if err := s.mbox.Complete(&m); err != nil {
		s.log.Warn("page miss completion failed", "err", err)
		s.record(err)
	}
}

// send posts m and maps a failed result to ErrFailed.
func (s *Session) send(m *mailbox.Message) error {
	if err := s.mbox.Send(m); err != nil {
		s.record(err)
		return err
	}

	if m.Result == mailbox.Fail {
		err := fmt.Errorf("%w: message %#x", ErrFailed, m.ID)
		s.record(err)
		return err
	}

	return nil
}
