// Package image loads coprocessor code images and resolves their banks.
//
// An image file starts with a Header and a table of BankEntry records. Each record
// places up to 64K of code at a bank address in the paged code space; see CodeAddr
// for the address layout. Images come from a Provider: a directory, a cpio archive
// of packed images, an HTTP server, or memory.
package image

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Type selects an image slot.
type Type int

const (
	Main Type = iota
	Sub

	NumTypes
)

// Image is a loaded code image.
type Image struct {
	Name   string
	Origin string
	Size   int64
	Entry  CodeAddr
	Banks  []BankEntry

	storage Storage
	index   map[uint32]int
}

// Table holds the bound images, at most one per type.
type Table struct {
	mu    sync.RWMutex
	slots [NumTypes]*Image
}

var (
	ErrNoImage   = errors.New("image: not loaded")
	ErrNoBank    = errors.New("image: no such bank")
	ErrSlotInUse = errors.New("image: slot in use")
	ErrBadType   = errors.New("image: bad type")
)

// Open loads the header and bank table of the named image from p.
func Open(p Provider, name string) (*Image, error) {
	s, err := p.Open(name)
	if err != nil {
		return nil, fmt.Errorf("image: open %s: %w", name, err)
	}

	hdr, banks, err := ReadHeader(s)
	if err != nil {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}

		return nil, fmt.Errorf("image: open %s: %w", name, err)
	}

	size, _ := s.Size()

	img := &Image{
		Name:    name,
		Origin:  origin(s),
		Size:    size,
		Entry:   CodeAddr(hdr.Entry),
		Banks:   banks,
		storage: s,
		index:   make(map[uint32]int, len(banks)),
	}

	for i, b := range banks {
		img.index[CodeAddr(b.Addr).bankKey()] = i
	}

	return img, nil
}

// Bank returns the bank table entry containing a.
func (img *Image) Bank(a CodeAddr) (BankEntry, bool) {
	i, ok := img.index[a.bankKey()]
	if !ok {
		return BankEntry{}, false
	}

	return img.Banks[i], true
}

// LoadBank copies the bank containing a into dst and zeroes the rest of dst.
func (img *Image) LoadBank(a CodeAddr, dst []byte) error {
	b, ok := img.Bank(a)
	if !ok {
		return fmt.Errorf("%w: %s: %v", ErrNoBank, img.Name, a)
	}

	if len(dst) < int(b.Size) {
		return fmt.Errorf("image: bank %v: %d bytes don't fit in %d: %w", a, b.Size, len(dst), unix.EINVAL)
	}

	n, err := img.storage.ReadAt(dst[:b.Size], int64(b.Offset))
	if n == int(b.Size) {
		err = nil
	}

	if err != nil {
		return fmt.Errorf("image: %s: read bank %v: %w", img.Name, a, err)
	}

	clear(dst[b.Size:])
	return nil
}

// Close releases the image's storage.
func (img *Image) Close() error {
	if c, ok := img.storage.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// Bind places img in the slot for typ.
func (t *Table) Bind(typ Type, img *Image) error {
	if typ < 0 || typ >= NumTypes {
		return fmt.Errorf("%w: %d: %w", ErrBadType, typ, unix.EINVAL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.slots[typ] != nil {
		return fmt.Errorf("%w: %v: %w", ErrSlotInUse, typ, unix.EALREADY)
	}

	t.slots[typ] = img
	return nil
}

// Release closes and unbinds the image in the slot for typ, if any.
func (t *Table) Release(typ Type) error {
	if typ < 0 || typ >= NumTypes {
		return fmt.Errorf("%w: %d: %w", ErrBadType, typ, unix.EINVAL)
	}

	t.mu.Lock()
	img := t.slots[typ]
	t.slots[typ] = nil
	t.mu.Unlock()

	if img == nil {
		return nil
	}

	return img.Close()
}

// Get returns the image bound to typ. Out-of-range types are reported as unbound.
func (t *Table) Get(typ Type) (*Image, bool) {
	if typ < 0 || typ >= NumTypes {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	img := t.slots[typ]
	return img, img != nil
}

// Snapshot returns the current slots.
func (t *Table) Snapshot() [NumTypes]*Image {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.slots
}

func (typ Type) String() string {
	switch typ {
	case Main:
		return "main"

	case Sub:
		return "sub"

	default:
		return fmt.Sprintf("Type(%d)", int(typ))
	}
}

func origin(s Storage) string {
	switch s := s.(type) {
	case *MemStorage:
		return "memory"

	case *FileStorage:
		return "file:" + s.File.Name()

	case *HTTPStorage:
		return s.URL

	default:
		return fmt.Sprintf("%T", s)
	}
}
