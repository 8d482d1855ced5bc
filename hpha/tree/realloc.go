package tree

import (
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/assert"
	"github.com/akioCL/o3de-sub000/internal/layout"
)

// Resize grows or shrinks the block at p in place and returns its new
// payload size, which may differ from size in either direction. It never
// moves the block; growth only happens into a free next block.
func (a *Allocator) Resize(p unsafe.Pointer, size uintptr) uintptr {
	if size > maxRequest {
		size = maxRequest
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size = normalize(size)
	b := layout.BlockOf(p)
	if b.Size() >= size {
		a.shrinkLocked(b, size)
	} else {
		a.growIntoNextLocked(b, size)
	}
	return b.Size()
}

// Realloc resizes the block at p to size bytes, moving it only when no
// neighbour can make room. It returns nil, leaving p intact, when the page
// source is exhausted.
func (a *Allocator) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size > maxRequest {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size = normalize(size)
	b := layout.BlockOf(p)
	bsize := b.Size()
	if bsize >= size {
		a.shrinkLocked(b, size)
		a.stats.InPlace++
		return p
	}
	if a.growIntoNextLocked(b, size) {
		a.stats.InPlace++
		return p
	}

	prev, next := b.Prev(), b.Next()
	if !prev.Used() && bsize+neighbourSize(prev)+neighbourSize(next) >= size {
		nb := a.absorbNeighboursLocked(b, prev, next)
		nb.SetUsed()
		np := nb.Mem()
		moveBytes(np, p, bsize)
		a.splitTailLocked(nb, size)
		a.stats.Moves++
		return np
	}

	np := a.allocLocked(size)
	if np == nil {
		return nil
	}
	moveBytes(np, p, bsize)
	a.freeLocked(p)
	a.stats.Moves++
	return np
}

// ReallocAligned is Realloc for a block that must stay aligned. p must
// already be a multiple of alignment.
func (a *Allocator) ReallocAligned(p unsafe.Pointer, size, alignment uintptr) unsafe.Pointer {
	if alignment <= hdrSize {
		return a.Realloc(p, size)
	}
	if size > maxRequest {
		return nil
	}
	if assert.Enabled {
		assert.That(layout.IsAligned(p, alignment), "tree realloc of %p: not %d-aligned", p, alignment)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size = normalize(size)
	b := layout.BlockOf(p)
	bsize := b.Size()
	if bsize >= size {
		a.shrinkLocked(b, size)
		a.stats.InPlace++
		return p
	}
	if a.growIntoNextLocked(b, size) {
		a.stats.InPlace++
		return p
	}

	prev, next := b.Prev(), b.Next()
	if !prev.Used() {
		offs := layout.AlignOffset(prev.Mem(), alignment)
		if bsize+neighbourSize(prev)+neighbourSize(next) >= size+offs {
			nb := a.absorbNeighboursLocked(b, prev, next)
			nb = a.alignBlockLocked(nb, alignment)
			nb.SetUsed()
			np := nb.Mem()
			moveBytes(np, p, bsize)
			a.splitTailLocked(nb, size)
			a.stats.Moves++
			return np
		}
	}

	np := a.allocAlignedLocked(size, alignment)
	if np == nil {
		return nil
	}
	moveBytes(np, p, bsize)
	a.freeLocked(p)
	a.stats.Moves++
	return np
}

// neighbourSize is the payload a free neighbour contributes when merged,
// header included. Used blocks contribute nothing.
func neighbourSize(b *layout.BlockHeader) uintptr {
	if b.Used() {
		return 0
	}
	return b.Size() + hdrSize
}

// shrinkLocked gives the tail of used block b back to the index when it
// can hold a block of its own.
func (a *Allocator) shrinkLocked(b *layout.BlockHeader, size uintptr) {
	if b.Size() < size+splitMin {
		return
	}
	a.splitLocked(b, size)
	a.attachLocked(a.coalesceLocked(b.Next()))
}

// growIntoNextLocked extends used block b over a free next block when the
// two together hold size bytes.
func (a *Allocator) growIntoNextLocked(b *layout.BlockHeader, size uintptr) bool {
	next := b.Next()
	if next.Used() || b.Size()+next.Size()+hdrSize < size {
		return false
	}
	a.detachLocked(next)
	next.Unlink()
	a.stats.Coalesces++
	a.splitTailLocked(b, size)
	return true
}

// absorbNeighboursLocked merges used block b into its free previous block
// and, if free, its next block. The merged block is returned unindexed and
// still unused; b's payload has not been moved yet.
func (a *Allocator) absorbNeighboursLocked(b, prev, next *layout.BlockHeader) *layout.BlockHeader {
	a.detachLocked(prev)
	b.Unlink()
	a.stats.Coalesces++
	if !next.Used() {
		a.detachLocked(next)
		next.Unlink()
		a.stats.Coalesces++
	}
	return prev
}

func moveBytes(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 || dst == src {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
