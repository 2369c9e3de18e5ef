//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map returns a region backed by an anonymous shared mapping of size bytes. The size
// is rounded up to the host page size. Call Close to unmap it.
func Map(size int, base uint32) (*Region, error) {
	pgsz := unix.Getpagesize()
	size = (size + pgsz - 1) &^ (pgsz - 1)

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)

	if err != nil {
		return nil, fmt.Errorf("shm: mmap %d bytes: %w", size, err)
	}

	return &Region{
		b:     mem,
		base:  base,
		unmap: func() error { return unix.Munmap(mem) },
	}, nil
}
