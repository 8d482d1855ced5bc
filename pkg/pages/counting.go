package pages

import (
	"fmt"
	"sync"
	"unsafe"
)

// Counting meters another Source. With a non-zero limit it refuses any
// request that would push the live byte count past the limit, which makes
// it the usual way to provoke exhaustion in tests.
type Counting struct {
	src Source

	mu     sync.Mutex
	limit  uintptr
	live   uintptr
	peak   uintptr
	stats  CountingStats
	owners map[unsafe.Pointer]uintptr
}

// CountingStats is a snapshot of a Counting source.
type CountingStats struct {
	Live     uintptr // bytes currently handed out
	Peak     uintptr // highest Live seen
	Regions  int     // regions currently handed out
	Allocs   uint64  // successful Allocate calls
	Deallocs uint64  // Deallocate calls
	Failures uint64  // refused or failed Allocate calls
	Limit    uintptr // 0 means unlimited
}

// NewCounting wraps src. A limit of 0 disables the byte cap.
func NewCounting(src Source, limit uintptr) *Counting {
	if src == nil {
		src = OS()
	}
	return &Counting{src: src, limit: limit, owners: make(map[unsafe.Pointer]uintptr)}
}

// Allocate implements Source.
func (c *Counting) Allocate(size, alignment uintptr) (unsafe.Pointer, error) {
	c.mu.Lock()
	if c.limit != 0 && c.live+size > c.limit {
		c.stats.Failures++
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: limit of %d bytes reached (%d live, %d requested)",
			ErrOutOfMemory, c.limit, c.live, size)
	}
	// Reserve before calling out so concurrent callers see the limit.
	c.live += size
	c.mu.Unlock()

	p, err := c.src.Allocate(size, alignment)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.live -= size
		c.stats.Failures++
		return nil, err
	}
	c.owners[p] = size
	c.stats.Allocs++
	c.peak = max(c.peak, c.live)
	return p, nil
}

// Deallocate implements Source. Returning a region that was not handed out
// by c, or with a different size, panics.
func (c *Counting) Deallocate(p unsafe.Pointer, size, alignment uintptr) {
	if p == nil {
		return
	}
	c.mu.Lock()
	got, ok := c.owners[p]
	if !ok || got != size {
		c.mu.Unlock()
		panic(fmt.Sprintf("pages: deallocate of %p with size %d does not match a live region (size %d, known %v)", p, size, got, ok))
	}
	delete(c.owners, p)
	c.live -= size
	c.stats.Deallocs++
	c.mu.Unlock()

	c.src.Deallocate(p, size, alignment)
}

// Live returns the number of bytes currently handed out.
func (c *Counting) Live() uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// SetLimit changes the byte cap. 0 removes it.
func (c *Counting) SetLimit(limit uintptr) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Counting) Stats() CountingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Live = c.live
	s.Peak = c.peak
	s.Regions = len(c.owners)
	s.Limit = c.limit
	return s
}
