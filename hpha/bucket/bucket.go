// Package bucket implements the small-object side of the heap: one pool
// ("bucket") per linear size class, each a list of pages carved into
// same-sized elements.
//
// # Layout
//
// Every page is exactly one page-size chunk obtained from a pages.Source,
// aligned to the page size. A layout.PageHeader sits at its front and the
// elements are packed against its end. Because of that, the owning page of
// any element is found by aligning the element address down to the page
// size, and no per-element header is needed: unused elements hold the
// free-list link.
//
// # Classification
//
// Each bucket draws a random marker at construction. Pages store
// marker XOR page address, so Owns can decide without locks or lookups
// whether an arbitrary pointer came from this allocator. The check is
// probabilistic; a foreign pointer matches only if the word at its page
// start happens to hold the right value.
//
// # Locking
//
// Each bucket has its own mutex, padded to a cache line, and it is held
// across alloc-or-grow. Owns and Size read only fields that are written
// once when the page is formatted.
package bucket

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/assert"
	"github.com/akioCL/o3de-sub000/internal/layout"
	"github.com/akioCL/o3de-sub000/internal/logx"
	"github.com/akioCL/o3de-sub000/pkg/pages"
)

const (
	ptrSize       = unsafe.Sizeof(uintptr(0))
	cacheLineSize = 64
)

type bucketState struct {
	mu     sync.Mutex
	pages  pageList
	marker uintptr
}

type bucket struct {
	bucketState
	_ [cacheLineSize - unsafe.Sizeof(bucketState{})%cacheLineSize]byte
}

// freePage returns the front page if it has an unused element.
func (b *bucket) freePage() *layout.PageHeader {
	p := b.pages.front()
	if p == nil || p.FreeList() == nil {
		return nil
	}
	return p
}

// Allocator is a bucket allocator. It is safe for concurrent use.
type Allocator struct {
	classes  Classes
	pageSize uintptr
	src      pages.Source
	log      *slog.Logger
	buckets  []bucket

	grows        atomic.Uint64
	growFailures atomic.Uint64
	purged       atomic.Uint64
}

// New creates a bucket allocator drawing pages of pageSize bytes from src.
// A nil logger falls back to logx.FromEnv.
func New(classes Classes, pageSize uintptr, src pages.Source, log *slog.Logger) (*Allocator, error) {
	if !layout.IsPow2(pageSize) {
		return nil, fmt.Errorf("bucket: page size %d is not a power of two", pageSize)
	}
	if err := classes.Validate(pageSize); err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}
	if src == nil {
		return nil, fmt.Errorf("bucket: nil page source")
	}

	a := &Allocator{
		classes:  classes,
		pageSize: pageSize,
		src:      src,
		log:      logx.Or(log),
		buckets:  make([]bucket, classes.Count()),
	}
	for i := range a.buckets {
		a.buckets[i].marker = newMarker()
	}
	return a, nil
}

func newMarker() uintptr {
	for {
		if m := uintptr(rand.Uint64()); m != 0 {
			return m
		}
	}
}

// Classes returns the size-class layout.
func (a *Allocator) Classes() Classes { return a.classes }

// PageSize returns the size of every bucket page.
func (a *Allocator) PageSize() uintptr { return a.pageSize }

// Alloc returns an element of at least size bytes, or nil when no page
// could be obtained. size must not exceed Classes().Max().
func (a *Allocator) Alloc(size uintptr) unsafe.Pointer {
	if assert.Enabled {
		assert.That(a.classes.IsSmall(size), "bucket alloc of %d bytes", size)
	}
	return a.AllocIndex(a.classes.Index(a.classes.Clamp(size)))
}

// AllocIndex returns an element from bucket bi, or nil when no page could
// be obtained.
func (a *Allocator) AllocIndex(bi int) unsafe.Pointer {
	b := &a.buckets[bi]
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.freePage()
	if p == nil {
		p = a.growLocked(b, bi)
		if p == nil {
			return nil
		}
		b.pages.pushFront(p)
	}

	l := p.FreeList()
	p.SetFreeList(l.Next)
	p.IncRef()
	if l.Next == nil {
		// Full pages live at the back.
		b.pages.moveToBack(p)
	}
	return unsafe.Pointer(l)
}

// growLocked formats a fresh page for bucket bi. b.mu must be held.
func (a *Allocator) growLocked(b *bucket, bi int) *layout.PageHeader {
	mem, err := a.src.Allocate(a.pageSize, a.pageSize)
	if err != nil || mem == nil {
		a.growFailures.Add(1)
		a.log.Debug("bucket page grow failed", "class", bi, "err", err)
		return nil
	}
	if assert.Enabled {
		assert.That(layout.IsAligned(mem, a.pageSize), "page source returned unaligned page %p", mem)
	}
	a.grows.Add(1)
	elem := a.classes.ElemSize(bi)
	a.log.Debug("bucket page grow", "class", bi, "elem", elem, "page", mem)
	return layout.InitPage(mem, a.pageSize, elem, uint32(bi), b.marker)
}

// Free returns p to its bucket, found through the page header.
func (a *Allocator) Free(p unsafe.Pointer) {
	h := layout.PageOf(p, a.pageSize)
	bi := int(h.BucketIndex())
	if assert.Enabled {
		assert.That(bi < len(a.buckets), "bucket free of %p: bad class %d", p, bi)
	}
	a.freeTo(h, bi, p)
}

// FreeIndex returns p to bucket bi without reading the class from the
// page. A mismatch usually means the caller freed with a different size
// than it allocated with.
func (a *Allocator) FreeIndex(p unsafe.Pointer, bi int) {
	h := layout.PageOf(p, a.pageSize)
	if assert.Enabled {
		assert.That(bi < len(a.buckets), "bucket free of %p: bad class %d", p, bi)
		assert.That(int(h.BucketIndex()) == bi, "bucket free of %p: class %d, page says %d", p, bi, h.BucketIndex())
	}
	a.freeTo(h, bi, p)
}

func (a *Allocator) freeTo(h *layout.PageHeader, bi int, p unsafe.Pointer) {
	b := &a.buckets[bi]
	b.mu.Lock()
	defer b.mu.Unlock()

	if assert.Enabled {
		assert.That(h.CheckMarker(b.marker), "bucket free of %p: page not owned", p)
		assert.That(!h.Empty(), "bucket free of %p: double free", p)
	}
	head := h.FreeList()
	l := (*layout.FreeLink)(p)
	l.Next = head
	h.SetFreeList(l)
	h.DecRef()
	if head == nil {
		// Previously full pages go to the front to be reused first.
		b.pages.moveToFront(h)
	}
}

// Owns reports whether p was handed out by this allocator. It reads the
// word-sized fields at the start of p's page without locking, so the page
// must be mapped.
func (a *Allocator) Owns(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	h := layout.PageOf(p, a.pageSize)
	bi := h.BucketIndex()
	if int(bi) >= len(a.buckets) {
		return false
	}
	return h.CheckMarker(a.buckets[bi].marker)
}

// Size returns the element size of the page p lives in.
func (a *Allocator) Size(p unsafe.Pointer) uintptr {
	h := layout.PageOf(p, a.pageSize)
	return a.classes.ElemSize(int(h.BucketIndex()))
}

// Realloc moves p to an element of size bytes. p is kept only when size is
// exactly its element size: the element size doubles as the class for a
// later FreeIndex, so a bigger element must not be reused for a smaller
// request.
func (a *Allocator) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	elem := a.Size(p)
	if size == elem {
		return p
	}
	np := a.Alloc(size)
	if np == nil {
		return nil
	}
	copyBytes(np, p, min(elem, size))
	a.Free(p)
	return np
}

// ReallocAligned is Realloc for an aligned request.
func (a *Allocator) ReallocAligned(p unsafe.Pointer, size, alignment uintptr) unsafe.Pointer {
	elem := a.Size(p)
	if size == elem && elem&(alignment-1) == 0 {
		return p
	}
	np := a.AllocIndex(a.classes.IndexAligned(size, alignment))
	if np == nil {
		return nil
	}
	copyBytes(np, p, min(elem, size))
	a.Free(p)
	return np
}

// Purge returns every page without live elements to the page source and
// reports how many were released. Only the front part of each list (pages
// with free elements) is scanned.
func (a *Allocator) Purge() int {
	released := 0
	for i := range a.buckets {
		b := &a.buckets[i]
		b.mu.Lock()
		for p := b.pages.front(); p != nil && p.FreeList() != nil; {
			next := p.Next()
			if p.Empty() {
				b.pages.remove(p)
				p.Invalidate()
				a.src.Deallocate(p.Start(), a.pageSize, a.pageSize)
				released++
			}
			p = next
		}
		b.mu.Unlock()
	}
	if released > 0 {
		a.purged.Add(uint64(released))
		a.log.Debug("bucket purge", "pages", released)
	}
	return released
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
