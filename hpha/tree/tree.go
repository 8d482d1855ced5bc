// Package tree implements the large-object side of the heap: variable-size
// blocks carved from page-granular arenas, indexed by size for best-fit
// allocation, split on allocation and coalesced on free.
//
// # Arenas
//
// An arena is one region obtained from a pages.Source. It starts with a
// zero-sized front fence, ends with a zero-sized back fence, and everything
// in between is a chain of blocks, each prefixed by a layout.BlockHeader:
//
//	+-------+--------+---------+--------+---------+-----+------+
//	| front | header | payload | header | payload | ... | back |
//	+-------+--------+---------+--------+---------+-----+------+
//
// Fences are permanently marked used, so neighbour lookups during
// coalescing never need bounds checks. The front fence may grow when an
// aligned allocation shifts the first block forward.
//
// # Free index
//
// Unused blocks are linked into a treap ordered by (size, address) whose
// nodes live in the blocks' own payloads. Two unused blocks are never
// adjacent: Free merges with free neighbours before indexing.
//
// # Locking
//
// One mutex guards the index and every arena. Exported methods take it;
// helpers suffixed Locked expect it to be held.
package tree

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/assert"
	"github.com/akioCL/o3de-sub000/internal/layout"
	"github.com/akioCL/o3de-sub000/internal/logx"
	"github.com/akioCL/o3de-sub000/pkg/pages"
)

const (
	hdrSize = layout.BlockHeaderSize

	// splitMin is the smallest remainder worth carving into its own free
	// block: a header plus room for the index node.
	splitMin = hdrSize + freeNodeSize

	// maxRequest bounds request sizes so rounding never wraps.
	maxRequest = ^uintptr(0) >> 2
)

// Allocator is a tree allocator. It is safe for concurrent use.
type Allocator struct {
	mu       sync.Mutex
	free     freeTree
	src      pages.Source
	pageSize uintptr
	log      *slog.Logger

	// arenas maps each arena start to its size.
	arenas map[unsafe.Pointer]uintptr
	stats  counters

	onResize func(p unsafe.Pointer, oldSize, newSize uintptr)
}

// counters holds operation statistics.
type counters struct {
	Allocs       uint64 // blocks handed out
	Frees        uint64 // blocks returned
	Splits       uint64 // blocks carved in two
	Coalesces    uint64 // neighbour merges
	Shifts       uint64 // headers moved forward for alignment
	Grows        uint64 // arenas obtained
	GrowFailures uint64 // arena requests refused by the source
	Purged       uint64 // arenas returned
	InPlace      uint64 // reallocations served without moving
	Moves        uint64 // reallocations that copied the payload
}

// New creates a tree allocator growing in multiples of pageSize from src.
// A nil logger falls back to logx.FromEnv.
func New(pageSize uintptr, src pages.Source, log *slog.Logger) (*Allocator, error) {
	if !layout.IsPow2(pageSize) || pageSize < 4*hdrSize {
		return nil, fmt.Errorf("tree: bad page size %d", pageSize)
	}
	if src == nil {
		return nil, fmt.Errorf("tree: nil page source")
	}
	return &Allocator{
		src:      src,
		pageSize: pageSize,
		log:      logx.Or(log),
		arenas:   make(map[unsafe.Pointer]uintptr),
	}, nil
}

// OnResize registers fn to be told when a used block grows without being
// asked to. That happens when an aligned allocation shifts a header forward
// and the block in front absorbs the gap. fn runs with the allocator
// locked and must not call back into it.
func (a *Allocator) OnResize(fn func(p unsafe.Pointer, oldSize, newSize uintptr)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onResize = fn
}

// normalize rounds a request to a legal payload size.
func normalize(size uintptr) uintptr {
	return layout.AlignUp(max(size, freeNodeSize), hdrSize)
}

// Alloc returns at least size bytes aligned to the header size, or nil when
// the page source is exhausted.
func (a *Allocator) Alloc(size uintptr) unsafe.Pointer {
	if size > maxRequest {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(normalize(size))
}

func (a *Allocator) allocLocked(size uintptr) unsafe.Pointer {
	b := a.extractLocked(size)
	if b == nil {
		if b = a.growLocked(size); b == nil {
			return nil
		}
	}
	if assert.Enabled {
		assert.That(!b.Used() && b.Size() >= size, "tree alloc: bad candidate %p size %d for %d", b, b.Size(), size)
	}
	a.splitTailLocked(b, size)
	b.SetUsed()
	a.stats.Allocs++
	return b.Mem()
}

// Free returns p to the index, merging it with free neighbours.
func (a *Allocator) Free(p unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(p)
}

func (a *Allocator) freeLocked(p unsafe.Pointer) {
	b := layout.BlockOf(p)
	if assert.Enabled {
		assert.That(b.Used(), "tree free of %p: double free", p)
	}
	b.SetUnused()
	b = a.coalesceLocked(b)
	a.attachLocked(b)
	a.stats.Frees++
}

// Size returns the payload size of the used block at p, or 0 if the block
// is free.
func (a *Allocator) Size(p unsafe.Pointer) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := layout.BlockOf(p)
	if !b.Used() {
		return 0
	}
	return b.Size()
}

func (a *Allocator) attachLocked(b *layout.BlockHeader) {
	a.free.insert(nodeOf(b))
}

func (a *Allocator) detachLocked(b *layout.BlockHeader) {
	a.free.remove(nodeOf(b))
}

// extractLocked removes and returns the smallest free block of at least
// size bytes.
func (a *Allocator) extractLocked(size uintptr) *layout.BlockHeader {
	n := a.free.lowerBound(size)
	if n == nil {
		return nil
	}
	b := n.block()
	a.detachLocked(b)
	return b
}

// splitLocked carves b after size payload bytes. The tail becomes a new
// unused block that is not indexed yet.
func (a *Allocator) splitLocked(b *layout.BlockHeader, size uintptr) {
	if assert.Enabled {
		assert.That(size+splitMin <= b.Size(), "tree split of %d from %d", size, b.Size())
	}
	nb := layout.BlockAt(unsafe.Add(b.Mem(), size))
	nb.Init(nil, 0)
	nb.LinkAfter(b)
	a.stats.Splits++
}

// splitTailLocked trims b to size and indexes the remainder when it can
// hold a block of its own.
func (a *Allocator) splitTailLocked(b *layout.BlockHeader, size uintptr) {
	if b.Size() >= size+splitMin {
		a.splitLocked(b, size)
		a.attachLocked(b.Next())
	}
}

// shiftLocked moves the header of unused block b forward by offs bytes.
// The previous block absorbs the gap.
func (a *Allocator) shiftLocked(b *layout.BlockHeader, offs uintptr) *layout.BlockHeader {
	if assert.Enabled {
		assert.That(offs > 0 && offs%hdrSize == 0, "tree shift by %d", offs)
	}
	prev := b.Prev()
	old := prev.Size()
	b.Unlink()
	nb := layout.BlockAt(unsafe.Add(unsafe.Pointer(b), offs))
	nb.Init(nil, 0)
	nb.LinkAfter(prev)
	a.stats.Shifts++
	// The front fence has no previous block.
	if a.onResize != nil && prev.Prev() != nil {
		a.onResize(prev.Mem(), old, prev.Size())
	}
	return nb
}

// coalesceLocked merges unused block b with its unused neighbours, which
// are removed from the index first. It returns the merged block.
func (a *Allocator) coalesceLocked(b *layout.BlockHeader) *layout.BlockHeader {
	if next := b.Next(); !next.Used() {
		a.detachLocked(next)
		next.Unlink()
		a.stats.Coalesces++
	}
	if prev := b.Prev(); !prev.Used() {
		a.detachLocked(prev)
		b.Unlink()
		b = prev
		a.stats.Coalesces++
	}
	return b
}

// growLocked obtains an arena that can hold a block of size bytes and
// returns its single free block, unindexed.
func (a *Allocator) growLocked(size uintptr) *layout.BlockHeader {
	// Two fences plus the block header.
	total := layout.AlignUp(size+3*hdrSize, a.pageSize)
	mem, err := a.src.Allocate(total, a.pageSize)
	if err != nil || mem == nil {
		a.stats.GrowFailures++
		a.log.Debug("tree arena grow failed", "bytes", total, "err", err)
		return nil
	}
	a.arenas[mem] = total
	a.stats.Grows++
	a.log.Debug("tree arena grow", "bytes", total, "arena", mem)
	return addArena(mem, total)
}

// addArena lays out fences and one free block over [mem, mem+size).
func addArena(mem unsafe.Pointer, size uintptr) *layout.BlockHeader {
	front := layout.BlockAt(mem)
	front.Init(nil, 0)
	front.SetUsed()

	b := layout.BlockAt(front.Mem())
	b.Init(front, 0)

	back := layout.BlockAt(unsafe.Add(mem, size-hdrSize))
	back.Init(b, 0)
	back.SetUsed()

	b.SetNext(back)
	return b
}
