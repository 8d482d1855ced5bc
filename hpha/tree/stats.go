package tree

// Stats is a snapshot of a tree allocator.
type Stats struct {
	Arenas      int
	ArenaBytes  uintptr
	UsedBlocks  int
	UsedBytes   uintptr // payload bytes of used blocks
	FreeBlocks  int
	FreeBytes   uintptr // payload bytes of free blocks
	LargestFree uintptr

	Allocs       uint64
	Frees        uint64
	Splits       uint64
	Coalesces    uint64
	Shifts       uint64
	Grows        uint64
	GrowFailures uint64
	Purged       uint64
	InPlace      uint64
	Moves        uint64
}

// Stats walks the arenas under the lock.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var s Stats
	a.walkLocked(func(b BlockInfo) bool {
		switch {
		case b.Fence:
		case b.Used:
			s.UsedBlocks++
			s.UsedBytes += b.Size
		default:
			s.FreeBlocks++
			s.FreeBytes += b.Size
		}
		return true
	})

	s.Arenas = len(a.arenas)
	for _, size := range a.arenas {
		s.ArenaBytes += size
	}
	if n := a.free.max(); n != nil {
		s.LargestFree = n.size()
	}
	c := a.stats
	s.Allocs, s.Frees = c.Allocs, c.Frees
	s.Splits, s.Coalesces, s.Shifts = c.Splits, c.Coalesces, c.Shifts
	s.Grows, s.GrowFailures, s.Purged = c.Grows, c.GrowFailures, c.Purged
	s.InPlace, s.Moves = c.InPlace, c.Moves
	return s
}

// MaxAllocation returns the largest request that can be served without
// growing, or 0.
func (a *Allocator) MaxAllocation() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := a.free.max(); n != nil {
		return n.size()
	}
	return 0
}

// UnusedMemory returns the payload bytes of all free blocks.
func (a *Allocator) UnusedMemory() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	var unused uintptr
	a.free.each(func(n *freeNode) bool {
		unused += n.size()
		return true
	})
	return unused
}

// Empty reports whether the allocator holds no arena.
func (a *Allocator) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.arenas) == 0
}
