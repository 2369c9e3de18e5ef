// Package session manages the lifecycle of a session on the coprocessor: image
// binding, power, the command channel, mailbox dispatch, and paging.
//
// At most one session is active at a time. The Registry enforces this: opening while a
// session is active takes another reference to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/dsplink/clocksync"
	"github.com/c35s/dsplink/cmdq"
	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/image"
	"github.com/c35s/dsplink/mailbox"
	"github.com/c35s/dsplink/paging"
	"github.com/c35s/dsplink/shm"
	"github.com/c35s/dsplink/wait"
	"golang.org/x/sys/unix"
)

// Config configures a Registry and the sessions it opens.
type Config struct {

	// Images resolves image names. It must be set.
	Images image.Provider

	// ClockHz is the coprocessor clock rate.
	// If ClockHz is 0, the coprocessor runs at 200MHz.
	ClockHz uint32

	// BringUp bounds the wait for the coprocessor's ready announcement after
	// reset. If it's zero, the wait is 100ms.
	BringUp wait.Policy

	// AckWait bounds mailbox sends. See mailbox.Config.
	AckWait wait.Policy

	// SpaceWait bounds the wait for command ring space. See cmdq.Config.
	SpaceWait wait.Policy

	// ConsumeWait bounds SubmitSync's wait for the coprocessor to take a command.
	// If it's zero, SubmitSync polls every millisecond for up to 500ms.
	ConsumeWait wait.Policy

	// PageQueue is the number of page misses that can wait for the paging
	// goroutine. If PageQueue is 0, 16 can wait.
	PageQueue int

	// ClockSync tunes clock synchronization.
	ClockSync clocksync.Config

	// History is the number of errors kept for Dump. If History is 0, 32 are kept.
	History int

	// Logger receives the registry's logs. If it's nil, slog.Default is used.
	Logger *slog.Logger
}

// ImageInfo describes the session to open.
type ImageInfo struct {

	// Main names the main image. It's required.
	Main string

	// Sub optionally names the sub image. Failing to load it isn't fatal.
	Sub string

	// Allowed is the set of functions the session may enable.
	Allowed FuncMask

	// Handler receives coprocessor messages with IDs from mailbox.MsgUser up.
	// Messages arrive in interrupt context. If Handler is nil, they fail.
	Handler mailbox.Handler
}

// Registry tracks the active session.
type Registry struct {
	mu     sync.Mutex
	hw     hw.Hardware
	cfg    Config
	log    *slog.Logger
	active *Session
	nextID int
	uuid   uint32
}

// Session is an open session.
type Session struct {
	ID   int
	UUID uint32
	Info ImageInfo

	reg *Registry
	cfg Config
	hw  hw.Hardware
	log *slog.Logger

	images  image.Table
	pager   *paging.Pager
	queue   *paging.Queue
	channel *cmdq.Channel
	mbox    *mailbox.Transport
	arena   *shm.Arena

	openRef atomic.Int32
	runRef  atomic.Int32

	powerMu sync.Mutex // serializes power transitions
	state   atomic.Int32
	clock   clocksync.Result
	synced  bool

	funcMu  sync.Mutex
	running FuncMask

	dspState  atomic.Uint32
	bootFlags atomic.Uint32
	errCode   atomic.Uint32
	ready     chan struct{}
	handler   atomic.Pointer[mailbox.Handler]

	pagingStop context.CancelFunc
	pagingDone chan struct{}

	history history
}

// State is the session's power state.
type State int32

const (
	PoweredOff State = iota
	PoweredOn
	Suspended
)

// ErrorCode is the session's sticky error code.
type ErrorCode uint32

const (
	CodeNone       ErrorCode = iota
	CodeBadCommand           // the coprocessor faulted on a bad code address
	CodeBringUp              // the coprocessor didn't come up
	CodeDSP                  // the coprocessor reported an error state
)

// reserved command IDs

const (
	CmdSetSession  = 0x01 // id u32, uuid u32, allowed u32
	CmdFuncEnable  = 0x02 // func u32
	CmdFuncDisable = 0x03 // func u32

	CmdUser = 0x100
)

const (
	ClockHzDefault   = 200_000_000
	PageQueueDefault = 16
	HistoryDefault   = 32
)

var (
	ErrConfig      = errors.New("session: invalid config")
	ErrImage       = errors.New("session: image load failed")
	ErrPower       = errors.New("session: power on failed")
	ErrBringUp     = errors.New("session: coprocessor bring-up failed")
	ErrClockSync   = errors.New("session: clock sync failed")
	ErrAlreadyOpen = errors.New("session: already open")
	ErrBusy        = errors.New("session: still open by other clients")
	ErrClosed      = errors.New("session: closed")
	ErrState       = errors.New("session: wrong power state")
	ErrNotAllowed  = errors.New("session: function not allowed")
	ErrFailed      = errors.New("session: coprocessor reported failure")
)

var DefaultBringUp = wait.Policy{Timeout: 100 * time.Millisecond}

var DefaultConsumeWait = wait.Policy{
	Interval: time.Millisecond,
	Timeout:  500 * time.Millisecond,
}

// NewRegistry returns a registry for sessions on h.
func NewRegistry(h hw.Hardware, cfg Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &Registry{hw: h, cfg: cfg, log: cfg.Logger}, nil
}

// Open opens a session for info. If a session is already active, Open takes another
// reference to it and returns it along with ErrAlreadyOpen; info is ignored. Opening
// a session that was powered off by a fatal error fails with ErrState.
func (r *Registry) Open(ctx context.Context, info ImageInfo) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.active; s != nil {
		if s.State() == PoweredOff {
			return nil, fmt.Errorf("%w: session %d is powered off (%v): %w", ErrState, s.ID, s.ErrorCode(), unix.EPERM)
		}

		s.openRef.Add(1)
		return s, fmt.Errorf("%w: session %d", ErrAlreadyOpen, s.ID)
	}

	r.nextID++
	r.uuid++

	s, err := r.newSession(r.nextID, r.uuid, info)
	if err != nil {
		return nil, err
	}

	if err := s.open(ctx); err != nil {
		return nil, err
	}

	r.active = s
	return s, nil
}

// Active returns the active session, if any.
func (r *Registry) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active
}

func (r *Registry) newSession(id int, uuid uint32, info ImageInfo) (*Session, error) {
	var (
		regs = r.hw.Registers()
		mem  = r.hw.Memory()
	)

	s := &Session{
		ID:    id,
		UUID:  uuid,
		Info:  info,
		reg:   r,
		cfg:   r.cfg,
		hw:    r.hw,
		log:   r.log.With("session", id, "uuid", uuid),
		queue: paging.NewQueue(r.cfg.PageQueue),
		ready: make(chan struct{}, 1),
	}

	s.history.max = r.cfg.History
	s.pager = paging.New(&s.images, regs, mem)

	s.mbox = mailbox.New(regs, hw.RegMailboxOut, hw.RegMailboxIn, r.hw.Interrupt, mailbox.Config{
		AckWait: r.cfg.AckWait,
	})

	ch, err := cmdq.New(mem, hw.MemCommandChannel, hw.MemCommandChannelSize, s.kick, cmdq.Config{
		SpaceWait: r.cfg.SpaceWait,
	})

	if err != nil {
		return nil, err
	}

	s.channel = ch

	arena, err := mem.Sub(hw.MemArena, hw.MemArenaSize)
	if err != nil {
		return nil, err
	}

	s.arena = shm.NewArena(arena)
	return s, nil
}

// open runs the first-open sequence. Every step is undone if a later one fails.
func (s *Session) open(ctx context.Context) (err error) {
	var undo []func()

	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}

			s.openRef.Store(0)
			s.log.Error("session open failed", "err", err)
		}
	}()

	s.openRef.Store(1)

	if err := s.load(image.Main, s.Info.Main); err != nil {
		return err
	}

	undo = append(undo, func() { s.pager.Release(image.Main) })

	if s.Info.Sub != "" {
		if err := s.load(image.Sub, s.Info.Sub); err != nil {
			s.record(err)
			s.log.Warn("continuing without sub image", "err", err)
		} else {
			undo = append(undo, func() { s.pager.Release(image.Sub) })
		}
	}

	s.channel.Reset()
	s.startPaging()
	undo = append(undo, s.stopPaging)

	if err := s.powerOn(ctx); err != nil {
		return err
	}

	undo = append(undo, s.powerOff)

	payload := le.AppendUint32(nil, uint32(s.ID))
	payload = le.AppendUint32(payload, s.UUID)
	payload = le.AppendUint32(payload, uint32(s.Info.Allowed))

	if _, err := s.channel.Submit(ctx, CmdSetSession, payload); err != nil {
		s.record(err)
		return err
	}

	if s.Info.Handler != nil {
		h := s.Info.Handler
		s.handler.Store(&h)
	}

	s.log.Info("session open", "main", s.Info.Main, "sub", s.Info.Sub, "allowed", s.Info.Allowed)
	return nil
}

func (s *Session) load(typ image.Type, name string) error {
	img, err := image.Open(s.cfg.Images, name)
	if err != nil {
		return fmt.Errorf("%w: %v: %w", ErrImage, typ, err)
	}

	if err := s.pager.Bind(typ, img); err != nil {
		img.Close()
		return fmt.Errorf("%w: %v: %w", ErrImage, typ, err)
	}

	s.log.Debug("image loaded", "type", typ, "name", img.Name, "origin", img.Origin,
		"size", img.Size, "entry", img.Entry, "banks", len(img.Banks))

	return nil
}

// Close drops the last reference to the session, powers the coprocessor off and
// releases the images. If other clients still hold the session open, Close fails
// with ErrBusy and changes nothing.
func (s *Session) Close() error {
	r := s.reg

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != s {
		return fmt.Errorf("%w: session %d: %w", ErrClosed, s.ID, unix.EINVAL)
	}

	if n := s.openRef.Load(); n > 1 {
		return fmt.Errorf("%w: session %d has %d references: %w", ErrBusy, s.ID, n, unix.EBUSY)
	}

	s.handler.Store(nil)

	if s.State() != PoweredOff && !s.channel.Drained() {
		cur, next := s.channel.Sequence()
		s.log.Warn("coprocessor didn't drain the command channel", "cur", cur, "next", next)
	}

	if n := s.runRef.Load(); n > 0 {
		s.log.Debug("closing with functions enabled", "count", n)
	}

	s.stopPaging()
	s.powerOff()

	for typ := image.Type(0); typ < image.NumTypes; typ++ {
		if err := s.pager.Release(typ); err != nil {
			s.log.Warn("image release failed", "type", typ, "err", err)
		}
	}

	s.openRef.Store(0)
	r.active = nil

	s.log.Info("session closed")
	return nil
}

// Release drops a reference taken by a repeated Open. The last reference must be
// dropped with Close.
func (s *Session) Release() error {
	r := s.reg

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != s {
		return fmt.Errorf("%w: session %d: %w", ErrClosed, s.ID, unix.EINVAL)
	}

	if s.openRef.Load() <= 1 {
		return fmt.Errorf("session: release of last reference to session %d: %w", s.ID, unix.EINVAL)
	}

	s.openRef.Add(-1)
	return nil
}

// OpenRefs returns the number of open references.
func (s *Session) OpenRefs() int {
	return int(s.openRef.Load())
}

// State returns the power state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ErrorCode returns the sticky error code.
func (s *Session) ErrorCode() ErrorCode {
	return ErrorCode(s.errCode.Load())
}

func (s *Session) startPaging() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.pagingStop, s.pagingDone = cancel, done

	go func() {
		defer close(done)
		s.queue.Run(ctx, s.pager)
	}()
}

func (s *Session) stopPaging() {
	if s.pagingStop == nil {
		return
	}

	s.pagingStop()
	<-s.pagingDone
	s.pagingStop = nil
}

func (cfg Config) withDefaults() Config {
	if cfg.ClockHz == 0 {
		cfg.ClockHz = ClockHzDefault
	}

	if cfg.BringUp == (wait.Policy{}) {
		cfg.BringUp = DefaultBringUp
	}

	if cfg.ConsumeWait == (wait.Policy{}) {
		cfg.ConsumeWait = DefaultConsumeWait
	}

	if cfg.PageQueue == 0 {
		cfg.PageQueue = PageQueueDefault
	}

	if cfg.History == 0 {
		cfg.History = HistoryDefault
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}

func (cfg Config) validate(h hw.Hardware) error {
	if h == nil {
		return errors.New("hardware is not set")
	}

	if cfg.Images == nil {
		return errors.New("image provider is not set")
	}

	if n := h.Registers().Len(); n < hw.RegWindowSize {
		return fmt.Errorf("register window is too small: %d < %d", n, hw.RegWindowSize)
	}

	if n := h.Memory().Len(); n < hw.MemSize {
		return fmt.Errorf("shared memory is too small: %d < %d", n, hw.MemSize)
	}

	if cfg.PageQueue < 0 || cfg.History < 0 {
		return fmt.Errorf("negative page queue (%d) or history (%d)", cfg.PageQueue, cfg.History)
	}

	return nil
}

func (st State) String() string {
	switch st {
	case PoweredOff:
		return "powered-off"

	case PoweredOn:
		return "powered-on"

	case Suspended:
		return "suspended"

	default:
		return fmt.Sprintf("State(%d)", int(st))
	}
}

func (c ErrorCode) String() string {
	switch c {
	case CodeNone:
		return "none"

	case CodeBadCommand:
		return "bad-command"

	case CodeBringUp:
		return "bring-up"

	case CodeDSP:
		return "dsp"

	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(c))
	}
}
