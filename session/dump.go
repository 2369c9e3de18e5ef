package session

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/image"
	"github.com/c35s/dsplink/mailbox"
)

// ErrorRecord is an error observed by a session.
type ErrorRecord struct {
	Time time.Time
	Err  error
}

// history keeps the last max errors.
type history struct {
	mu   sync.Mutex
	max  int
	recs []ErrorRecord
}

func (h *history) add(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.recs) == h.max {
		h.recs = append(h.recs[:0], h.recs[1:]...)
	}

	h.recs = append(h.recs, ErrorRecord{Time: time.Now(), Err: err})
}

func (h *history) list() []ErrorRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]ErrorRecord(nil), h.recs...)
}

func (s *Session) record(err error) {
	if s.history.max > 0 {
		s.history.add(err)
	}
}

// Errors returns the errors the session has observed, oldest first.
func (s *Session) Errors() []ErrorRecord {
	return s.history.list()
}

// Dump writes a description of the session's runtime state to w.
func (s *Session) Dump(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	regs := s.hw.Registers()

	fmt.Fprintf(tw, "session\t%d\n", s.ID)
	fmt.Fprintf(tw, "uuid\t%#08x\n", s.UUID)
	fmt.Fprintf(tw, "state\t%v\n", s.State())
	fmt.Fprintf(tw, "dsp state\t%d\n", s.dspState.Load())
	fmt.Fprintf(tw, "error code\t%v\n", s.ErrorCode())
	fmt.Fprintf(tw, "open refs\t%d\n", s.openRef.Load())
	fmt.Fprintf(tw, "run refs\t%d\n", s.runRef.Load())
	fmt.Fprintf(tw, "allowed\t%v\n", s.Info.Allowed)
	fmt.Fprintf(tw, "running\t%v\n", s.Running())

	slots := s.images.Snapshot()
	for typ, img := range slots {
		if img == nil {
			fmt.Fprintf(tw, "image %v\t-\n", image.Type(typ))
			continue
		}

		fmt.Fprintf(tw, "image %v\t%s origin=%s size=%d entry=%#x banks=%d\n", image.Type(typ),
			img.Name, img.Origin, img.Size, uint32(img.Entry), len(img.Banks))
	}

	fmt.Fprintf(tw, "reset vector\t%#x\n", regs.Load32(hw.RegResetVector))

	for i, e := range s.pager.Entries() {
		fmt.Fprintf(tw, "page slot %d\t%#08x\n", i, e)
	}

	ps := s.pager.Stats()
	fmt.Fprintf(tw, "paging\tmisses=%d loads=%d flushes=%d queued=%d\n", ps.Misses, ps.Loads, ps.Flushes, s.queue.Len())

	cur, next := s.channel.Sequence()
	fmt.Fprintf(tw, "channel\taddr=%v cur=%d next=%d length=%d space=%d\n",
		s.channel.Addr(), cur, next, s.channel.Length(), s.channel.Space())

	out, in := s.mbox.Snapshot()
	fmt.Fprintf(tw, "mailbox out\t%s\n", mailboxWords(out))
	fmt.Fprintf(tw, "mailbox in\t%s\n", mailboxWords(in))

	for i := 0; i < hw.NumDebugRegs; i++ {
		fmt.Fprintf(tw, "debug %d\t%#08x\n", i, regs.Load32(hw.DebugReg(i)))
	}

	if s.powerMu.TryLock() {
		if s.synced {
			fmt.Fprintf(tw, "clock sync\toffset=%d rounds=%d jitter=%d delta=%d\n",
				s.clock.Offset, s.clock.Rounds, s.clock.Jitter, s.clock.Delta)
		}

		s.powerMu.Unlock()
	}

	for _, rec := range s.Errors() {
		fmt.Fprintf(tw, "error\t%s %v\n", rec.Time.Format(time.RFC3339Nano), rec.Err)
	}

	return tw.Flush()
}

func mailboxWords(w [4]uint32) string {
	id, st := mailbox.UnpackMsg(w[0])
	return fmt.Sprintf("id=%#x status=%#x owner=%#x param1=%#x param2=%#x", id, st, w[1], w[2], w[3])
}
