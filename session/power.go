package session

import (
	"context"
	"fmt"

	"github.com/c35s/dsplink/clocksync"
	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/image"
	"github.com/c35s/dsplink/mailbox"
)

// powerOn boots the coprocessor and waits for it to announce itself.
func (s *Session) powerOn(ctx context.Context) error {
	s.powerMu.Lock()
	defer s.powerMu.Unlock()

	var (
		h    = s.hw
		regs = h.Registers()
	)

	s.mbox.Reset()

	var sub uint32
	if img, ok := s.images.Get(image.Sub); ok {
		sub = uint32(img.Entry)
	}

	regs.Store32(hw.RegBootArgChannel, s.channel.Addr().Uint32())
	regs.Store32(hw.RegBootArgSubEntry, sub)
	regs.Store32(hw.RegBootArgSession, s.UUID)

	link, err := clocksync.NewMemLink(h.Memory(), hw.MemClockSync)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPower, err)
	}

	s.dspState.Store(0)
	s.bootFlags.Store(0)

	select {
	case <-s.ready:
	default:
	}

	h.Connect(s.isr)

	if err := h.SetClock(s.cfg.ClockHz); err != nil {
		h.Connect(nil)
		return fmt.Errorf("%w: set clock: %w", ErrPower, err)
	}

	h.SetWait(true)

	if err := h.RequestMemory(); err != nil {
		h.SetWait(false)
		h.Connect(nil)
		return fmt.Errorf("%w: request memory: %w", ErrPower, err)
	}

	h.SetReset(false)
	s.state.Store(int32(PoweredOn))

	if err := s.cfg.BringUp.Wait(ctx, s.ready); err != nil {
		s.errCode.Store(uint32(CodeBringUp))
		s.powerOffLocked()

		err = fmt.Errorf("%w: %w", ErrBringUp, err)
		s.record(err)

		return err
	}

	if st := s.dspState.Load(); st != mailbox.StateReady {
		s.powerOffLocked()

		err := fmt.Errorf("%w: coprocessor state %d", ErrBringUp, st)
		s.record(err)

		return err
	}

	if s.bootFlags.Load()&mailbox.FlagSyncClock != 0 {
		restore := h.DisableInterrupts()
		res, err := clocksync.Sync(ctx, link, h.Cycles, s.cfg.ClockSync)
		restore()

		if err != nil {
			s.powerOffLocked()

			err = fmt.Errorf("%w: %w", ErrClockSync, err)
			s.record(err)

			return err
		}

		s.clock, s.synced = res, true
		s.log.Debug("clock synchronized", "offset", res.Offset, "rounds", res.Rounds, "jitter", res.Jitter)
	}

	s.log.Debug("coprocessor up", "clock", s.cfg.ClockHz, "channel", s.channel.Addr())
	return nil
}

func (s *Session) powerOff() {
	s.powerMu.Lock()
	defer s.powerMu.Unlock()

	s.powerOffLocked()
}

func (s *Session) powerOffLocked() {
	if s.State() == PoweredOff {
		return
	}

	h := s.hw

	h.SetReset(true)
	h.SetWait(false)

	if err := h.ReleaseMemory(); err != nil {
		s.log.Warn("memory release failed", "err", err)
	}

	h.Connect(nil)
	s.pager.Clear()
	s.state.Store(int32(PoweredOff))

	s.log.Debug("coprocessor off")
}

// fatal powers the coprocessor off and records a sticky error code. The session stays
// active until it's closed, but it can't be used.
func (s *Session) fatal(code ErrorCode, err error) {
	s.errCode.Store(uint32(code))
	s.record(err)

	s.log.Error("fatal coprocessor error, powering off", "code", code, "err", err)
	s.powerOff()
}

// Suspend asks the coprocessor to suspend.
func (s *Session) Suspend() error {
	return s.transition(PoweredOn, Suspended, mailbox.MsgSuspend)
}

// Resume wakes a suspended coprocessor.
func (s *Session) Resume() error {
	return s.transition(Suspended, PoweredOn, mailbox.MsgResume)
}

func (s *Session) transition(from, to State, id uint16) error {
	s.powerMu.Lock()
	defer s.powerMu.Unlock()

	if st := s.State(); st != from {
		return fmt.Errorf("%w: %v, want %v", ErrState, st, from)
	}

	m := mailbox.Message{ID: id}
	if err := s.send(&m); err != nil {
		return err
	}

	s.state.Store(int32(to))
	s.log.Info("power state changed", "from", from, "to", to)

	return nil
}

// ClockSync returns the result of the bring-up clock synchronization, if one ran.
func (s *Session) ClockSync() (clocksync.Result, bool) {
	s.powerMu.Lock()
	defer s.powerMu.Unlock()

	return s.clock, s.synced
}
