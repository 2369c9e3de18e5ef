// Package ring implements a single-producer, single-consumer byte ring in shared
// memory. Both processors address the same ring: the header records the data area's
// coprocessor address, and the occupied length is kept explicitly so a full ring and
// an empty ring are never confused.
package ring

import (
	"errors"
	"fmt"
	"io"

	"github.com/c35s/dsplink/shm"
	"golang.org/x/sys/unix"
)

// Ring is a byte ring laid out as a header followed by its data area.
type Ring struct {
	r    *shm.Region
	off  int
	data []byte
	size int
}

// header word offsets

const (
	hdrSize   = 0x00 // data area size in bytes
	hdrAddr   = 0x04 // data area address in coprocessor space
	hdrRead   = 0x08 // consumer position
	hdrWrite  = 0x0c // producer position
	hdrLength = 0x10 // occupied bytes

	HeaderSize = 0x14
)

var ErrBadHeader = errors.New("ring: bad header")

// New lays out a ring in the n bytes of r at off and returns it empty.
func New(r *shm.Region, off, n int) (*Ring, error) {
	if off%4 != 0 || n <= HeaderSize {
		return nil, fmt.Errorf("ring: bad geometry off=%#x n=%d: %w", off, n, unix.EINVAL)
	}

	data, err := r.Slice(off+HeaderSize, n-HeaderSize)
	if err != nil {
		return nil, err
	}

	addr, err := r.Translate(off + HeaderSize)
	if err != nil {
		return nil, err
	}

	r.Store32(off+hdrSize, uint32(len(data)))
	r.Store32(off+hdrAddr, addr.Uint32())

	rb := &Ring{r: r, off: off, data: data, size: len(data)}
	rb.Reset()

	return rb, nil
}

// Attach returns the ring whose header is at off. The data area is located through
// the coprocessor address recorded in the header.
func Attach(r *shm.Region, off int) (*Ring, error) {
	if off%4 != 0 {
		return nil, fmt.Errorf("%w: misaligned offset %#x", ErrBadHeader, off)
	}

	if _, err := r.Slice(off, HeaderSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}

	var (
		size = int(r.Load32(off + hdrSize))
		addr = r.Load32(off + hdrAddr)
	)

	doff, err := r.Offset(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}

	data, err := r.Slice(doff, size)
	if err != nil || size == 0 {
		return nil, fmt.Errorf("%w: data area %#x+%d", ErrBadHeader, addr, size)
	}

	return &Ring{r: r, off: off, data: data, size: size}, nil
}

// Addr returns the coprocessor address of the ring's header.
func (rb *Ring) Addr() shm.SharedAddress {
	a, err := rb.r.Translate(rb.off)
	if err != nil {
		panic(err)
	}

	return a
}

// Size returns the capacity in bytes.
func (rb *Ring) Size() int {
	return rb.size
}

// Length returns the number of occupied bytes.
func (rb *Ring) Length() int {
	return int(rb.r.Load32(rb.off + hdrLength))
}

// Space returns the number of free bytes. Space()+Length() == Size().
func (rb *Ring) Space() int {
	return rb.size - rb.Length()
}

// Reset discards the ring's content. Neither side may be using the ring.
func (rb *Ring) Reset() {
	rb.r.Store32(rb.off+hdrRead, 0)
	rb.r.Store32(rb.off+hdrWrite, 0)
	rb.r.Store32(rb.off+hdrLength, 0)
}

// Put copies as much of p as fits into the ring and returns the number of bytes copied.
func (rb *Ring) Put(p []byte) int {
	n := min(len(p), rb.Space())
	if n == 0 {
		return 0
	}

	wr := int(rb.r.Load32(rb.off + hdrWrite))
	c := copy(rb.data[wr:], p[:n])
	copy(rb.data, p[c:n])

	rb.produced(wr, n)
	return n
}

// Get moves up to len(p) bytes out of the ring and returns the number moved.
func (rb *Ring) Get(p []byte) int {
	n := rb.Peek(p)
	rb.consumed(n)
	return n
}

// Peek copies up to len(p) bytes without consuming them.
func (rb *Ring) Peek(p []byte) int {
	n := min(len(p), rb.Length())
	if n == 0 {
		return 0
	}

	rd := int(rb.r.Load32(rb.off + hdrRead))
	c := copy(p[:n], rb.data[rd:])
	copy(p[c:n], rb.data)

	return n
}

// Discard consumes up to n bytes and returns the number consumed.
func (rb *Ring) Discard(n int) int {
	n = min(n, rb.Length())
	rb.consumed(n)
	return n
}

// PutFrom reads up to n bytes from r directly into the ring. It stops early when
// the ring is full or r returns an error; io.EOF is not reported.
func (rb *Ring) PutFrom(r io.Reader, n int) (int, error) {
	var total int

	for total < n {
		space := rb.Space()
		if space == 0 {
			break
		}

		wr := int(rb.r.Load32(rb.off + hdrWrite))
		chunk := rb.data[wr:min(rb.size, wr+space)]
		if rem := n - total; len(chunk) > rem {
			chunk = chunk[:rem]
		}

		m, err := r.Read(chunk)
		if m > 0 {
			rb.produced(wr, m)
			total += m
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			return total, err
		}

		if m == 0 {
			break
		}
	}

	return total, nil
}

// GetTo writes up to n bytes from the ring directly to w.
func (rb *Ring) GetTo(w io.Writer, n int) (int, error) {
	var total int

	for total < n {
		length := rb.Length()
		if length == 0 {
			break
		}

		rd := int(rb.r.Load32(rb.off + hdrRead))
		chunk := rb.data[rd:min(rb.size, rd+length)]
		if rem := n - total; len(chunk) > rem {
			chunk = chunk[:rem]
		}

		m, err := w.Write(chunk)
		rb.consumed(m)
		total += m

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

func (rb *Ring) produced(wr, n int) {
	rb.r.Store32(rb.off+hdrWrite, uint32((wr+n)%rb.size))
	rb.r.Add32(rb.off+hdrLength, uint32(n))
}

func (rb *Ring) consumed(n int) {
	if n == 0 {
		return
	}

	rd := int(rb.r.Load32(rb.off + hdrRead))
	rb.r.Store32(rb.off+hdrRead, uint32((rd+n)%rb.size))
	rb.r.Add32(rb.off+hdrLength, ^uint32(n-1))
}
