package mailbox_test

import (
	"errors"
	"testing"
	"time"

	"github.com/c35s/dsplink/mailbox"
	"github.com/c35s/dsplink/shm"
	"github.com/c35s/dsplink/wait"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

const (
	offA = 0x00
	offB = 0x10
)

var testAckWait = wait.Policy{
	Interval: time.Microsecond,
	Timeout:  time.Second,
	Spin:     true,
}

// pair returns two transports sharing one register window. Raising an interrupt
// on one serves the other with h.
func pair(t *testing.T, h mailbox.Handler) (host, peer *mailbox.Transport) {
	t.Helper()

	regs := shm.New(0x20, 0)
	cfg := mailbox.Config{AckWait: testAckWait}

	host = mailbox.New(regs, offA, offB, func() {
		go func() {
			if err := peer.Serve(h); err != nil {
				t.Error(err)
			}
		}()
	}, cfg)

	peer = mailbox.New(regs, offB, offA, func() {}, cfg)

	return
}

func TestSend(t *testing.T) {
	t.Run("done", func(t *testing.T) {
		host, _ := pair(t, func(m *mailbox.Message) {})

		m := mailbox.Message{ID: mailbox.MsgUser}
		if err := host.Send(&m); err != nil {
			t.Fatal(err)
		}

		if m.Result != mailbox.Done {
			t.Errorf("result %v != done", m.Result)
		}
	})

	t.Run("reply", func(t *testing.T) {
		host, _ := pair(t, func(m *mailbox.Message) {
			m.Result = mailbox.Reply
			m.Param1 = m.Param1 + 1
			m.Param2 = m.Owner
		})

		m := mailbox.Message{ID: mailbox.MsgUser, Owner: 7, Param1: 41}
		if err := host.Send(&m); err != nil {
			t.Fatal(err)
		}

		want := mailbox.Message{ID: mailbox.MsgUser, Result: mailbox.Reply, Owner: 7, Param1: 42, Param2: 7}
		if diff := cmp.Diff(want, m); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("fail", func(t *testing.T) {
		host, _ := pair(t, func(m *mailbox.Message) { m.Result = mailbox.Fail })

		m := mailbox.Message{ID: mailbox.MsgUser}
		if err := host.SendFromISR(&m); err != nil {
			t.Fatal(err)
		}

		if m.Result != mailbox.Fail {
			t.Errorf("result %v != fail", m.Result)
		}
	})

	t.Run("in progress", func(t *testing.T) {
		host, peer := pair(t, func(m *mailbox.Message) { m.Result = mailbox.InProgress })

		m := mailbox.Message{ID: mailbox.MsgPageMiss, Param1: 0x10000}
		if err := host.Send(&m); err != nil {
			t.Fatal(err)
		}

		if m.Result != mailbox.InProgress {
			t.Fatalf("result %v != in-progress", m.Result)
		}

		if host.Poll(&m) {
			t.Fatal("poll reports completion before Complete")
		}

		// the channel stays occupied until the deferred message completes
		next := mailbox.Message{ID: mailbox.MsgUser}
		if err := host.Send(&next); !errors.Is(err, unix.EBUSY) {
			t.Errorf("error isn't EBUSY: %v", err)
		}

		done := mailbox.Message{ID: m.ID, Result: mailbox.Reply, Param1: mailbox.PageBusy}
		if err := peer.Complete(&done); err != nil {
			t.Fatal(err)
		}

		if !host.Poll(&m) {
			t.Fatal("poll doesn't report completion")
		}

		if m.Result != mailbox.Reply || m.Param1 != mailbox.PageBusy {
			t.Errorf("result %v param1 %d", m.Result, m.Param1)
		}

		if err := peer.Complete(&done); !errors.Is(err, mailbox.ErrNotPending) {
			t.Errorf("second complete error isn't ErrNotPending: %v", err)
		}
	})

	t.Run("no ack", func(t *testing.T) {
		regs := shm.New(0x20, 0)
		host := mailbox.New(regs, offA, offB, func() {}, mailbox.Config{})

		m := mailbox.Message{ID: mailbox.MsgUser}
		err := host.Send(&m)
		if !errors.Is(err, mailbox.ErrNoAck) || !errors.Is(err, unix.ETIMEDOUT) {
			t.Errorf("error isn't ErrNoAck/ETIMEDOUT: %v", err)
		}

		if m.Result != mailbox.NoAck {
			t.Errorf("result %v != no-ack", m.Result)
		}

		// BUSY is still set
		if err := host.Send(&m); !errors.Is(err, mailbox.ErrBusy) {
			t.Errorf("error isn't ErrBusy: %v", err)
		}
	})
}

func TestServe(t *testing.T) {
	regs := shm.New(0x20, 0)
	host := mailbox.New(regs, offA, offB, func() {}, mailbox.Config{})
	peer := mailbox.New(regs, offB, offA, func() {}, mailbox.Config{AckWait: wait.Policy{Timeout: time.Nanosecond, Spin: true}})

	calls := 0
	h := func(m *mailbox.Message) { calls++ }

	if err := host.Serve(h); !errors.Is(err, mailbox.ErrNoMessage) || !errors.Is(err, unix.EINVAL) {
		t.Errorf("idle serve error isn't ErrNoMessage/EINVAL: %v", err)
	}

	// post from the peer; its ack wait times out immediately
	m := mailbox.Message{ID: mailbox.MsgStateChanged, Param1: mailbox.StateReady}
	if err := peer.Send(&m); !errors.Is(err, mailbox.ErrNoAck) {
		t.Fatalf("error isn't ErrNoAck: %v", err)
	}

	if err := host.Serve(h); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("handler called %d times != 1", calls)
	}

	// the response cleared BUSY, so a second serve finds nothing
	if err := host.Serve(h); !errors.Is(err, mailbox.ErrNoMessage) {
		t.Errorf("error isn't ErrNoMessage: %v", err)
	}

	_, in := host.Snapshot()
	if id, st := mailbox.UnpackMsg(in[0]); id != mailbox.MsgStateChanged || st != mailbox.StatusAck|mailbox.StatusDone {
		t.Errorf("inbound msg id %#x status %#x", id, st)
	}

	t.Run("duplicate", func(t *testing.T) {
		regs.Store32(offB, mailbox.PackMsg(mailbox.MsgUser, mailbox.StatusBusy|mailbox.StatusAck))
		if err := host.Serve(h); !errors.Is(err, mailbox.ErrDuplicate) {
			t.Errorf("error isn't ErrDuplicate: %v", err)
		}

		if calls != 1 {
			t.Errorf("handler called for a duplicate")
		}
	})
}
