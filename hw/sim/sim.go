//go:build linux

// Package sim is a simulated coprocessor. A Device implements hw.Hardware over process
// memory and runs firmware that speaks the link's wire formats: it asks for its boot
// arguments, announces itself ready, optionally synchronizes its clock, and consumes
// the command channel whenever it's kicked.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c35s/dsplink/cmdq"
	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/mailbox"
	"github.com/c35s/dsplink/shm"
	"github.com/c35s/dsplink/wait"
	"golang.org/x/sys/unix"
)

// Config configures a Device.
type Config struct {

	// MemBase is the coprocessor address of shared memory.
	// If MemBase is 0, memory starts at 0x20000000.
	MemBase uint32

	// SyncClock makes the firmware request clock synchronization at bring-up.
	SyncClock bool

	// Skew is how far the coprocessor's timer runs behind the host's counter.
	Skew uint32

	// BootDelay delays the firmware's ready announcement.
	BootDelay time.Duration

	// AckWait bounds the firmware's wait for the host's ACK.
	// If AckWait is zero, the firmware spins for up to 100ms.
	AckWait wait.Policy

	// UserInfo answers MsgRequestUserInfo. If it's nil or returns false, the
	// request fails.
	UserInfo func(kind, arg uint32) (uint32, bool)

	// OnCommand, if set, is called for each command the firmware consumes.
	OnCommand func(cmdq.Command)

	// OnMessage, if set, handles host messages with IDs from MsgUser up.
	OnMessage mailbox.Handler
}

// Device is a simulated coprocessor.
type Device struct {
	cfg   Config
	regs  *shm.Region
	mem   *shm.Region
	fw    *mailbox.Transport
	start time.Time

	hostC chan struct{} // coprocessor -> host interrupt
	dspC  chan struct{} // host -> coprocessor interrupt
	irqMu sync.Mutex    // held while the isr runs or host interrupts are masked

	mu        sync.Mutex
	isr       func()
	clock     uint32
	reset     bool
	waitLine  bool
	granted   bool
	suspended bool
	boots     int
	kicks     int
	offset    uint32
	synced    bool
	cmds      []cmdq.Command
	stop      context.CancelFunc
	doneC     chan struct{}
}

// State is a snapshot of the device's control lines and firmware.
type State struct {
	Clock     uint32
	Reset     bool
	Wait      bool
	Granted   bool
	Running   bool
	Suspended bool
	Boots     int
	Kicks     int // kicks served since the last boot
}

// debug registers written by the firmware

const (
	DebugConsumed = 0 // commands consumed since boot
	DebugLastSeq  = 1 // sequence of the last command consumed
	DebugLastID   = 2 // id of the last command consumed
	DebugBootID   = 3 // session uuid read at boot
)

var defaultAckWait = wait.Policy{
	Interval: 10 * time.Microsecond,
	Timeout:  100 * time.Millisecond,
	Spin:     true,
}

var ErrNotRunning = errors.New("sim: firmware not running")

// New returns a powered-off device.
func New(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()

	mem, err := shm.Map(hw.MemSize, cfg.MemBase)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}

	d := &Device{
		cfg:   cfg,
		regs:  shm.New(hw.RegWindowSize, 0),
		mem:   mem,
		start: time.Now(),
		hostC: make(chan struct{}, 1),
		dspC:  make(chan struct{}, 1),
		reset: true,
	}

	// the firmware sends through the host's inbound block
	d.fw = mailbox.New(d.regs, hw.RegMailboxIn, hw.RegMailboxOut, d.raiseHost, mailbox.Config{
		AckWait: cfg.AckWait,
	})

	return d, nil
}

func (d *Device) Registers() *shm.Region { return d.regs }
func (d *Device) Memory() *shm.Region    { return d.mem }

func (d *Device) SetClock(hz uint32) error {
	if hz == 0 {
		return fmt.Errorf("sim: clock rate 0: %w", unix.EINVAL)
	}

	d.mu.Lock()
	d.clock = hz
	d.mu.Unlock()

	return nil
}

func (d *Device) RequestMemory() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.granted {
		return fmt.Errorf("sim: memory already granted: %w", unix.EBUSY)
	}

	d.granted = true
	return nil
}

func (d *Device) ReleaseMemory() error {
	d.mu.Lock()
	d.granted = false
	d.mu.Unlock()

	return nil
}

func (d *Device) SetWait(asserted bool) {
	d.mu.Lock()
	d.waitLine = asserted
	d.mu.Unlock()
}

// SetReset stops the firmware when asserted and boots it when deasserted. The
// firmware won't boot without a memory grant.
func (d *Device) SetReset(asserted bool) {
	d.mu.Lock()

	if asserted == d.reset {
		d.mu.Unlock()
		return
	}

	d.reset = asserted

	if asserted {
		stop, doneC := d.stop, d.doneC
		d.stop, d.doneC = nil, nil
		d.mu.Unlock()

		if stop != nil {
			stop()
			<-doneC
		}

		return
	}

	if !d.granted {
		d.mu.Unlock()
		slog.Error("sim: reset deasserted without a memory grant")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.stop, d.doneC = cancel, make(chan struct{})
	d.boots++
	d.suspended = false
	d.synced = false
	d.cmds = nil
	d.kicks = 0
	doneC := d.doneC
	d.mu.Unlock()

	go func() {
		defer close(doneC)
		d.firmware(ctx)
	}()
}

// Interrupt raises the host -> coprocessor interrupt.
func (d *Device) Interrupt() {
	select {
	case d.dspC <- struct{}{}:
	default:
	}
}

func (d *Device) Connect(isr func()) {
	d.mu.Lock()
	d.isr = isr
	d.mu.Unlock()
}

func (d *Device) DisableInterrupts() (restore func()) {
	d.irqMu.Lock()
	return sync.OnceFunc(d.irqMu.Unlock)
}

// Cycles counts microseconds since the device was created.
func (d *Device) Cycles() uint32 {
	return uint32(time.Since(d.start) / time.Microsecond)
}

// Run delivers coprocessor -> host interrupts to the connected handler until ctx is
// done. Handler calls never overlap.
func (d *Device) Run(ctx context.Context) error {
	for {
		select {
		case <-d.hostC:
			d.mu.Lock()
			isr := d.isr
			d.mu.Unlock()

			if isr == nil {
				slog.Debug("sim: interrupt lost, no handler connected")
				continue
			}

			d.irqMu.Lock()
			isr()
			d.irqMu.Unlock()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the firmware and unmaps shared memory.
func (d *Device) Close() error {
	d.SetReset(true)
	return d.mem.Close()
}

// Send posts m to the host as the firmware would and waits for it to complete,
// following up on in-progress answers until the host finishes them.
func (d *Device) Send(ctx context.Context, m *mailbox.Message) error {
	if !d.State().Running {
		return ErrNotRunning
	}

	if err := d.fw.Send(m); err != nil {
		return err
	}

	if m.Result != mailbox.InProgress {
		return nil
	}

	p := wait.Policy{Interval: 100 * time.Microsecond, Timeout: 5 * time.Second}
	if err := p.Until(ctx, func() bool { return d.fw.Poll(m) }); err != nil {
		return fmt.Errorf("sim: message %#x not completed: %w", m.ID, err)
	}

	return nil
}

// PageMiss reports a page miss at the code address addr.
func (d *Device) PageMiss(ctx context.Context, addr uint32) (mailbox.Message, error) {
	m := mailbox.Message{ID: mailbox.MsgPageMiss, Param1: addr}
	err := d.Send(ctx, &m)
	return m, err
}

// PageFlush asks the host to unmap the page slot of the code address addr.
func (d *Device) PageFlush(ctx context.Context, addr uint32) (mailbox.Message, error) {
	m := mailbox.Message{ID: mailbox.MsgPageFlush, Param1: addr}
	err := d.Send(ctx, &m)
	return m, err
}

// Commands returns the commands consumed since the last boot.
func (d *Device) Commands() []cmdq.Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]cmdq.Command(nil), d.cmds...)
}

// ClockOffset returns the offset published by the last clock synchronization.
func (d *Device) ClockOffset() (uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.offset, d.synced
}

// State returns a snapshot of the device.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	return State{
		Clock:     d.clock,
		Reset:     d.reset,
		Wait:      d.waitLine,
		Granted:   d.granted,
		Running:   d.stop != nil,
		Suspended: d.suspended,
		Boots:     d.boots,
		Kicks:     d.kicks,
	}
}

func (d *Device) raiseHost() {
	select {
	case d.hostC <- struct{}{}:
	default:
	}
}

func (d *Device) dspCycles() uint32 {
	return d.Cycles() - d.cfg.Skew
}

func (cfg Config) withDefaults() Config {
	if cfg.MemBase == 0 {
		cfg.MemBase = 0x20000000
	}

	if cfg.AckWait == (wait.Policy{}) {
		cfg.AckWait = defaultAckWait
	}

	return cfg
}
