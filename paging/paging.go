// Package paging services the coprocessor's page misses and flushes by swapping 64K
// code banks into the physical bank slots and programming the page table.
package paging

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c35s/dsplink/hw"
	"github.com/c35s/dsplink/image"
	"github.com/c35s/dsplink/shm"
)

// Outcome is the result of a successful page miss.
type Outcome int

const (
	// Mapped means the bank was loaded and the page table entry programmed.
	Mapped Outcome = iota

	// AlreadyMapped means the entry already held the bank. Nothing was loaded
	// or written.
	AlreadyMapped
)

// EntryValid marks a programmed page table entry. The rest of the entry is the
// bank's base code address.
const EntryValid = 1

// Pager maps the banks of the images in a table.
type Pager struct {
	mu     sync.Mutex
	images *image.Table
	regs   *shm.Region
	mem    *shm.Region

	misses  atomic.Uint64
	loads   atomic.Uint64
	flushes atomic.Uint64
}

// Stats counts pager activity.
type Stats struct {
	Misses  uint64
	Loads   uint64
	Flushes uint64
}

// ErrBadAddress is returned for a code address that can't be mapped. The coprocessor
// has executed garbage; the error is fatal to the session.
var ErrBadAddress = errors.New("paging: bad code address")

// New returns a pager for the images in t. The page table lives in regs and the bank
// slots in mem.
func New(t *image.Table, regs, mem *shm.Region) *Pager {
	return &Pager{images: t, regs: regs, mem: mem}
}

// Bind places img in the slot for typ. Binding the main image programs the reset
// vector with its entry point and clears the page table.
func (p *Pager) Bind(typ image.Type, img *image.Image) error {
	if err := p.images.Bind(typ, img); err != nil {
		return err
	}

	if typ == image.Main {
		p.regs.Store32(hw.RegResetVector, uint32(img.Entry))
		p.Clear()
	}

	return nil
}

// Release closes and unbinds the image in the slot for typ.
func (p *Pager) Release(typ image.Type) error {
	if typ == image.Main {
		p.regs.Store32(hw.RegResetVector, 0)
		p.Clear()
	}

	return p.images.Release(typ)
}

// Miss maps the bank containing the code address addr.
func (p *Pager) Miss(addr uint32) (Outcome, error) {
	p.misses.Add(1)

	a := image.CodeAddr(addr)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: %#x: reserved bits set", ErrBadAddress, addr)
	}

	img, ok := p.images.Get(a.Type())
	if !ok {
		return 0, fmt.Errorf("%w: %v: no %v image", ErrBadAddress, a, a.Type())
	}

	if _, ok := img.Bank(a); !ok {
		return 0, fmt.Errorf("%w: %v: no such bank in %s", ErrBadAddress, a, img.Name)
	}

	slot := a.Group()
	if slot >= hw.NumPageSlots {
		return 0, fmt.Errorf("%w: %v: no page slot %d", ErrBadAddress, a, slot)
	}

	dst, err := p.mem.Slice(hw.BankSlot(slot), hw.BankSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v: bank slot %d: %w", ErrBadAddress, a, slot, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry := uint32(a.BankBase()) | EntryValid
	reg := hw.PageTableReg(slot)

	if p.regs.Load32(reg) == entry {
		return AlreadyMapped, nil
	}

	// the old mapping is invalid while the slot is overwritten
	p.regs.Store32(reg, 0)

	if err := img.LoadBank(a, dst); err != nil {
		return 0, err
	}

	p.loads.Add(1)
	p.regs.Store32(reg, entry)

	return Mapped, nil
}

// Flush unmaps the page table slot of the code address addr.
func (p *Pager) Flush(addr uint32) error {
	a := image.CodeAddr(addr)
	if !a.Valid() {
		return fmt.Errorf("%w: %#x: reserved bits set", ErrBadAddress, addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.flushes.Add(1)
	p.regs.Store32(hw.PageTableReg(a.Group()), 0)

	return nil
}

// Clear unmaps every page table slot.
func (p *Pager) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < hw.NumPageSlots; i++ {
		p.regs.Store32(hw.PageTableReg(i), 0)
	}
}

// Entries returns the page table.
func (p *Pager) Entries() (e [hw.NumPageSlots]uint32) {
	for i := range e {
		e[i] = p.regs.Load32(hw.PageTableReg(i))
	}

	return
}

// Stats returns the pager's counters.
func (p *Pager) Stats() Stats {
	return Stats{
		Misses:  p.misses.Load(),
		Loads:   p.loads.Load(),
		Flushes: p.flushes.Load(),
	}
}

func (o Outcome) String() string {
	switch o {
	case Mapped:
		return "mapped"

	case AlreadyMapped:
		return "already-mapped"

	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
