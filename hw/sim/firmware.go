//go:build linux

package sim

import (
	"context"
	"log/slog"
	"time"

	"github.com/c35s/dsplink/clocksync"
	"github.com/c35s/dsplink/cmdq"
	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/mailbox"
)

// firmware runs from reset deassertion until ctx is done.
func (d *Device) firmware(ctx context.Context) {
	// drop interrupts raised while in reset
	select {
	case <-d.dspC:
	default:
	}

	if d.cfg.BootDelay > 0 {
		t := time.NewTimer(d.cfg.BootDelay)
		defer t.Stop()

		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}

	for i := 0; i < hw.NumDebugRegs; i++ {
		d.regs.Store32(hw.DebugReg(i), 0)
	}

	d.regs.Store32(hw.DebugReg(DebugBootID), d.regs.Load32(hw.RegBootArgSession))

	args := mailbox.Message{ID: mailbox.MsgRequestBootArgs}
	if err := d.fw.Send(&args); err != nil || args.Result != mailbox.Reply {
		slog.Error("sim: boot args request failed", "result", args.Result, "err", err)
		d.announce(mailbox.StateError, 1)
		return
	}

	rd, err := cmdq.Attach(d.mem, args.Param1)
	if err != nil {
		slog.Error("sim: bad command channel", "addr", args.Param1, "err", err)
		d.announce(mailbox.StateError, 2)
		return
	}

	var flags uint32
	if d.cfg.SyncClock {
		flags |= mailbox.FlagSyncClock
	}

	if !d.announce(mailbox.StateReady, flags) {
		return
	}

	if d.cfg.SyncClock {
		off, err := clocksync.NewPeer(d.mem, hw.MemClockSync, d.dspCycles).Serve(ctx)
		if err != nil {
			return
		}

		d.mu.Lock()
		d.offset, d.synced = off, true
		d.mu.Unlock()
	}

	for {
		select {
		case <-d.dspC:
			err := d.fw.Serve(func(m *mailbox.Message) {
				d.handle(rd, m)
			})

			if err != nil {
				slog.Debug("sim: spurious interrupt", "err", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (d *Device) announce(state, flags uint32) bool {
	m := mailbox.Message{ID: mailbox.MsgStateChanged, Param1: state, Param2: flags}
	if err := d.fw.Send(&m); err != nil {
		slog.Error("sim: state change not acknowledged", "state", state, "err", err)
		return false
	}

	return true
}

func (d *Device) handle(rd *cmdq.Reader, m *mailbox.Message) {
	switch {
	case m.ID == mailbox.MsgKick:
		d.mu.Lock()
		d.kicks++
		d.mu.Unlock()

		d.drain(rd)

	case m.ID == mailbox.MsgSuspend:
		d.mu.Lock()
		d.suspended = true
		d.mu.Unlock()

	case m.ID == mailbox.MsgResume:
		d.mu.Lock()
		d.suspended = false
		d.mu.Unlock()

	case m.ID == mailbox.MsgRequestUserInfo:
		m.Result = mailbox.Fail

		if d.cfg.UserInfo != nil {
			if v, ok := d.cfg.UserInfo(m.Param1, m.Param2); ok {
				m.Result = mailbox.Reply
				m.Param1, m.Param2 = v, 0
			}
		}

	case m.ID >= mailbox.MsgUser:
		if d.cfg.OnMessage != nil {
			d.cfg.OnMessage(m)
		}

	default:
		m.Result = mailbox.Fail
	}
}

func (d *Device) drain(rd *cmdq.Reader) {
	for {
		c, ok := rd.Next()
		if !ok {
			return
		}

		d.regs.Add32(hw.DebugReg(DebugConsumed), 1)
		d.regs.Store32(hw.DebugReg(DebugLastSeq), uint32(c.Seq))
		d.regs.Store32(hw.DebugReg(DebugLastID), uint32(c.ID))

		d.mu.Lock()
		d.cmds = append(d.cmds, c)
		d.mu.Unlock()

		if d.cfg.OnCommand != nil {
			d.cfg.OnCommand(c)
		}
	}
}
