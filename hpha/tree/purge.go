package tree

import (
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/assert"
	"github.com/akioCL/o3de-sub000/internal/layout"
)

// Purge returns every arena that consists of a single free block to the
// page source and reports how many were released. Free space inside
// partially used arenas is kept.
func (a *Allocator) Purge() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idle []*layout.BlockHeader
	a.free.each(func(n *freeNode) bool {
		if b := n.block(); wholeArena(b) {
			idle = append(idle, b)
		}
		return true
	})

	for _, b := range idle {
		a.detachLocked(b)
		start := unsafe.Pointer(b.Prev())
		size := uintptr(unsafe.Pointer(b.Next())) + hdrSize - uintptr(start)
		if assert.Enabled {
			assert.That(a.arenas[start] == size, "tree purge of %p: size %d, arena has %d", start, size, a.arenas[start])
		}
		delete(a.arenas, start)
		a.src.Deallocate(start, size, a.pageSize)
	}
	if len(idle) > 0 {
		a.stats.Purged += uint64(len(idle))
		a.log.Debug("tree purge", "arenas", len(idle))
	}
	return len(idle)
}

// wholeArena reports whether free block b is bounded by both fences of
// its arena.
func wholeArena(b *layout.BlockHeader) bool {
	return b.Prev().Prev() == nil && b.Next().Size() == 0
}
