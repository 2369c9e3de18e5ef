// Package shm provides views of memory shared between the host and the coprocessor.
//
// A Region is a host-side byte slice plus the address the coprocessor uses for its
// first byte. Addresses handed to the coprocessor are SharedAddress values, which can
// only be produced by Region.Translate, so host offsets and coprocessor addresses can't
// be mixed up by accident.
package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a window of shared memory.
type Region struct {
	b     []byte
	base  uint32
	unmap func() error
}

// SharedAddress is an address in the coprocessor's view of shared memory.
type SharedAddress struct {
	a uint32
}

var (
	ErrOutOfRange = errors.New("shm: out of range")
	ErrAlign      = errors.New("shm: misaligned")
)

// New returns a heap-backed region of size bytes whose first byte the coprocessor sees at base.
func New(size int, base uint32) *Region {
	w := make([]uint64, (size+7)/8)
	if len(w) == 0 {
		return &Region{base: base}
	}

	return &Region{
		b:    unsafe.Slice((*byte)(unsafe.Pointer(&w[0])), size),
		base: base,
	}
}

// Wrap returns a region backed by b. The slice must be 4-byte aligned.
func Wrap(b []byte, base uint32) (*Region, error) {
	if len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: %w", ErrAlign, unix.EINVAL)
	}

	return &Region{b: b, base: base}, nil
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int {
	return len(r.b)
}

// Base returns the coprocessor address of the region's first byte.
func (r *Region) Base() SharedAddress {
	return SharedAddress{r.base}
}

// Slice returns n bytes starting at off. The slice aliases the region.
func (r *Region) Slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(r.b) {
		return nil, fmt.Errorf("%w: [%#x, %#x) of %#x", ErrOutOfRange, off, off+n, len(r.b))
	}

	return r.b[off : off+n], nil
}

// Sub returns the n-byte region at off. The coprocessor address of the result is
// offset accordingly.
func (r *Region) Sub(off, n int) (*Region, error) {
	b, err := r.Slice(off, n)
	if err != nil {
		return nil, err
	}

	return &Region{b: b, base: r.base + uint32(off)}, nil
}

// Translate converts a host offset into the coprocessor's address for the same byte.
func (r *Region) Translate(off int) (SharedAddress, error) {
	if off < 0 || off > len(r.b) {
		return SharedAddress{}, fmt.Errorf("%w: offset %#x of %#x", ErrOutOfRange, off, len(r.b))
	}

	return SharedAddress{r.base + uint32(off)}, nil
}

// Offset converts a raw coprocessor address into a host offset.
func (r *Region) Offset(addr uint32) (int, error) {
	if addr < r.base || addr-r.base > uint32(len(r.b)) {
		return 0, fmt.Errorf("%w: address %#x not in [%#x, %#x]", ErrOutOfRange,
			addr, r.base, r.base+uint32(len(r.b)))
	}

	return int(addr - r.base), nil
}

// Zero clears n bytes at off.
func (r *Region) Zero(off, n int) {
	clear(r.b[off : off+n])
}

// Load32 atomically loads the 32-bit word at off.
func (r *Region) Load32(off int) uint32 {
	return atomic.LoadUint32(r.word(off))
}

// Store32 atomically stores v at off.
func (r *Region) Store32(off int, v uint32) {
	atomic.StoreUint32(r.word(off), v)
}

// Add32 atomically adds delta to the word at off and returns the new value.
func (r *Region) Add32(off int, delta uint32) uint32 {
	return atomic.AddUint32(r.word(off), delta)
}

// CompareAndSwap32 atomically replaces old with new at off.
func (r *Region) CompareAndSwap32(off int, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(r.word(off), old, new)
}

// Close unmaps the region if it was created by Map.
func (r *Region) Close() error {
	if r.unmap == nil {
		return nil
	}

	err := r.unmap()
	r.unmap = nil
	r.b = nil

	return err
}

func (r *Region) word(off int) *uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("shm: misaligned word offset %#x", off))
	}

	return (*uint32)(unsafe.Pointer(&r.b[off : off+4][0]))
}

// Uint32 returns the raw address as written to registers and shared structures.
func (a SharedAddress) Uint32() uint32 {
	return a.a
}

// Add returns the address n bytes past a.
func (a SharedAddress) Add(n int) SharedAddress {
	return SharedAddress{a.a + uint32(n)}
}

func (a SharedAddress) String() string {
	return fmt.Sprintf("dsp:%#08x", a.a)
}
