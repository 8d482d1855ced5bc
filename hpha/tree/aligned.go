package tree

import (
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/assert"
	"github.com/akioCL/o3de-sub000/internal/layout"
)

// AllocAligned returns at least size bytes at a multiple of alignment, or
// nil when the page source is exhausted. alignment must be a power of two.
func (a *Allocator) AllocAligned(size, alignment uintptr) unsafe.Pointer {
	if alignment <= hdrSize {
		return a.Alloc(size)
	}
	if size > maxRequest || alignment > maxRequest {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocAlignedLocked(normalize(size), alignment)
}

func (a *Allocator) allocAlignedLocked(size, alignment uintptr) unsafe.Pointer {
	b := a.extractAlignedLocked(size, alignment)
	if b == nil {
		if b = a.growLocked(size + alignment); b == nil {
			return nil
		}
	}
	b = a.alignBlockLocked(b, alignment)
	if assert.Enabled {
		assert.That(b.Size() >= size, "tree aligned alloc: %d left for %d", b.Size(), size)
	}
	a.splitTailLocked(b, size)
	b.SetUsed()
	a.stats.Allocs++
	return b.Mem()
}

// extractAlignedLocked walks the free blocks sized [size, size+alignment]
// for one whose aligned payload still holds size bytes. The first block
// beyond that range always fits and ends the walk.
func (a *Allocator) extractAlignedLocked(size, alignment uintptr) *layout.BlockHeader {
	upper := size + alignment
	for n := a.free.lowerBound(size); n != nil; n = a.free.next(n) {
		ns := n.size()
		if ns > upper || ns >= size+layout.AlignOffset(unsafe.Pointer(n), alignment) {
			b := n.block()
			a.detachLocked(b)
			return b
		}
	}
	return nil
}

// alignBlockLocked moves the payload of unused block b up to alignment.
// A gap that can hold a block of its own is split off and indexed;
// smaller gaps are absorbed by the previous block.
func (a *Allocator) alignBlockLocked(b *layout.BlockHeader, alignment uintptr) *layout.BlockHeader {
	offs := layout.AlignOffset(b.Mem(), alignment)
	switch {
	case offs >= splitMin:
		a.splitLocked(b, offs-hdrSize)
		a.attachLocked(b)
		return b.Next()
	case offs > 0:
		return a.shiftLocked(b, offs)
	}
	return b
}
