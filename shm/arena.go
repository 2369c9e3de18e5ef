package shm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Arena hands out sub-regions of a parent region. It's a first-fit allocator with
// coalescing frees, sized for the handful of stream buffers a session uses.
type Arena struct {
	mu   sync.Mutex
	r    *Region
	free []span
	used map[uint32]int // base:size
}

type span struct {
	off int
	n   int
}

const arenaAlign = 8

var ErrNoMemory = errors.New("shm: arena exhausted")

// NewArena returns an arena managing all of r.
func NewArena(r *Region) *Arena {
	return &Arena{
		r:    r,
		free: []span{{0, r.Len()}},
		used: make(map[uint32]int),
	}
}

// Alloc returns a zeroed region of at least n bytes.
func (a *Arena) Alloc(n int) (*Region, error) {
	if n <= 0 {
		return nil, fmt.Errorf("shm: alloc %d bytes: %w", n, unix.EINVAL)
	}

	n = (n + arenaAlign - 1) &^ (arenaAlign - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.n < n {
			continue
		}

		if s.n == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{s.off + n, s.n - n}
		}

		sub, err := a.r.Sub(s.off, n)
		if err != nil {
			panic(err)
		}

		sub.Zero(0, n)
		a.used[sub.base] = n

		return sub, nil
	}

	return nil, fmt.Errorf("%w: %d bytes: %w", ErrNoMemory, n, unix.ENOMEM)
}

// Free returns a region obtained from Alloc.
func (a *Arena) Free(sub *Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, ok := a.used[sub.base]
	if !ok {
		return fmt.Errorf("shm: free of unknown region %v: %w", sub.Base(), unix.EINVAL)
	}

	delete(a.used, sub.base)
	a.free = append(a.free, span{int(sub.base - a.r.base), n})

	sort.Slice(a.free, func(i, j int) bool {
		return a.free[i].off < a.free[j].off
	})

	merged := a.free[:1]
	for _, s := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.n == s.off {
			last.n += s.n
			continue
		}

		merged = append(merged, s)
	}

	a.free = merged
	return nil
}

// Available returns the number of free bytes.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total int
	for _, s := range a.free {
		total += s.n
	}

	return total
}
