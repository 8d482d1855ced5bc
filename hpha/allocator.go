package hpha

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/akioCL/o3de-sub000/hpha/bucket"
	"github.com/akioCL/o3de-sub000/hpha/track"
	"github.com/akioCL/o3de-sub000/hpha/tree"
	"github.com/akioCL/o3de-sub000/internal/assert"
	"github.com/akioCL/o3de-sub000/internal/layout"
	"github.com/akioCL/o3de-sub000/internal/logx"
	"github.com/akioCL/o3de-sub000/pkg/pages"
)

// Interface is the allocator contract shared by every heap in this module.
type Interface interface {
	Allocate(size, alignment uintptr) unsafe.Pointer
	Deallocate(p unsafe.Pointer, size, alignment uintptr)
	Reallocate(p unsafe.Pointer, size, alignment uintptr) unsafe.Pointer
	AllocatedSize(p unsafe.Pointer, alignment uintptr) uintptr
	Merge(other Interface)
	GarbageCollect()
}

var _ Interface = (*Allocator)(nil)

// Allocator routes small requests to a bucket allocator and everything
// else to a tree allocator. It is safe for concurrent use.
type Allocator struct {
	name     string
	classes  bucket.Classes
	pageSize uintptr
	log      *slog.Logger

	src     *meteredSource
	buckets *bucket.Allocator
	tree    *tree.Allocator
	rec     *track.Recorder

	// treeMu keeps each tree operation together with its accounting, so a
	// neighbour growth reported by the tree never falls between a size
	// read and the matching record update.
	treeMu sync.Mutex
	// releasing is the block a Reallocate has already taken off the
	// books. Guarded by treeMu.
	releasing unsafe.Pointer

	collections atomic.Uint64 // GarbageCollect calls
	retries     atomic.Uint64 // requests retried after a collection
	failures    atomic.Uint64 // requests that failed after the retry
}

// meteredSource reports page traffic to the recorder.
type meteredSource struct {
	src pages.Source
	rec *track.Recorder
}

func (m *meteredSource) Allocate(size, alignment uintptr) (unsafe.Pointer, error) {
	p, err := m.src.Allocate(size, alignment)
	if err == nil && p != nil {
		m.rec.AddAllocated(size)
	}
	return p, err
}

func (m *meteredSource) Deallocate(p unsafe.Pointer, size, alignment uintptr) {
	m.src.Deallocate(p, size, alignment)
	m.rec.RemoveAllocated(size)
}

// New creates an allocator. A nil cfg selects ConfigDefault.
func New(cfg *Config) (*Allocator, error) {
	if cfg == nil {
		cfg = &ConfigDefault
	}
	c := *cfg
	if err := c.normalize(); err != nil {
		return nil, err
	}
	log := logx.Or(c.Logger).With("allocator", c.Name)

	rec := track.New(track.Options{
		Records:   c.TrackRecords,
		Stacks:    c.CaptureStacks,
		StackSkip: 1,
	})
	src := &meteredSource{src: c.Source, rec: rec}

	bk, err := bucket.New(c.classes(), c.PageSize, src, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	tr, err := tree.New(c.PageSize, src, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	a := &Allocator{
		name:     c.Name,
		classes:  bk.Classes(),
		pageSize: c.PageSize,
		log:      log,
		src:      src,
		buckets:  bk,
		tree:     tr,
		rec:      rec,
	}
	tr.OnResize(a.treeResized)

	log.Debug("allocator created", "page_size", c.PageSize,
		"min", bk.Classes().Min(), "max_small", bk.Classes().Max(), "buckets", bk.Classes().Count())
	return a, nil
}

// treeResized accounts for a tree block that grew under an aligned
// allocation. The tree calls it with treeMu held by the caller.
func (a *Allocator) treeResized(p unsafe.Pointer, oldSize, newSize uintptr) {
	if p == a.releasing {
		return
	}
	a.rec.Resize(p, oldSize, newSize)
}

// Name returns the configured name.
func (a *Allocator) Name() string { return a.name }

// Classes returns the bucket size-class layout.
func (a *Allocator) Classes() bucket.Classes { return a.classes }

// PageSize returns the bucket page size.
func (a *Allocator) PageSize() uintptr { return a.pageSize }

// Capacity returns the bytes currently held from the page source.
func (a *Allocator) Capacity() uintptr { return a.rec.Allocated() }

// AllocatedBytes returns the bytes handed out across live allocations.
func (a *Allocator) AllocatedBytes() uintptr { return a.rec.InUse() }

// Recorder exposes the tracking recorder.
func (a *Allocator) Recorder() *track.Recorder { return a.rec }

// Allocate returns size bytes aligned to alignment, or nil for a zero size
// or when memory is exhausted even after a collection. alignment must be
// 0 or a power of two.
func (a *Allocator) Allocate(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	alignment = a.checkAlignment(alignment)
	if !a.smallRoute(size, alignment) {
		a.treeMu.Lock()
		defer a.treeMu.Unlock()
	}
	p := a.alloc(size, alignment)
	if p == nil {
		a.retries.Add(1)
		a.GarbageCollect()
		if p = a.alloc(size, alignment); p == nil {
			a.failures.Add(1)
			a.log.Warn("allocation failed", "size", size, "alignment", alignment)
			return nil
		}
	}
	// The exact request cannot be recovered at free time, so both sides
	// record the block size.
	got := a.size(p)
	a.rec.AddRecord(p, got, got, alignment)
	return p
}

// Deallocate frees p. A non-zero size (and alignment) must match the
// original request and skips pointer classification. nil is a no-op.
func (a *Allocator) Deallocate(p unsafe.Pointer, size, alignment uintptr) {
	if p == nil {
		return
	}
	if !a.buckets.Owns(p) {
		a.treeMu.Lock()
		defer a.treeMu.Unlock()
	}
	got := a.size(p)
	a.rec.RemoveRecord(p, got, got)

	switch {
	case size == 0:
		a.free(p)
	case alignment == 0:
		a.freeSized(p, size)
	default:
		a.freeSizedAligned(p, size, a.checkAlignment(alignment))
	}
}

// Reallocate resizes p to size bytes at alignment, moving it when needed.
// A nil p allocates; a zero size frees and returns nil. On failure nil is
// returned and p stays valid.
func (a *Allocator) Reallocate(p unsafe.Pointer, size, alignment uintptr) unsafe.Pointer {
	alignment = a.checkAlignment(alignment)
	if p == nil {
		return a.Allocate(size, alignment)
	}
	if !a.buckets.Owns(p) || !a.smallRoute(size, alignment) {
		a.treeMu.Lock()
		defer a.treeMu.Unlock()
		a.releasing = p
		defer func() { a.releasing = nil }()
	}
	old := a.size(p)
	a.rec.RemoveRecord(p, old, old)

	np := a.realloc(p, size, alignment)
	if np == nil && size > 0 {
		a.retries.Add(1)
		a.GarbageCollect()
		np = a.realloc(p, size, alignment)
	}
	if np == nil {
		if size > 0 {
			a.failures.Add(1)
			a.log.Warn("reallocation failed", "size", size, "alignment", alignment, "old", old)
			a.rec.AddRecord(p, old, old, alignment)
		}
		return nil
	}
	got := a.size(np)
	a.rec.AddRecord(np, got, got, alignment)
	return np
}

// AllocatedSize returns the usable size of the block at p, or 0 for nil.
func (a *Allocator) AllocatedSize(p unsafe.Pointer, _ uintptr) uintptr {
	return a.size(p)
}

// Resize grows or shrinks p in place as far as possible and returns the
// resulting usable size. Bucket elements never change size.
func (a *Allocator) Resize(p unsafe.Pointer, size uintptr) uintptr {
	if p == nil {
		return 0
	}
	if a.buckets.Owns(p) {
		return a.buckets.Size(p)
	}
	// Tree blocks never shrink into the bucket range.
	size = max(size, a.classes.Max()+a.classes.Min())
	a.treeMu.Lock()
	defer a.treeMu.Unlock()
	old := a.tree.Size(p)
	got := a.tree.Resize(p, size)
	a.rec.Resize(p, old, got)
	return got
}

// OwnsSmall reports whether p came from the bucket side.
func (a *Allocator) OwnsSmall(p unsafe.Pointer) bool {
	return a.buckets.Owns(p)
}

// Merge takes over other's tracking records. Live blocks stay in other's
// memory and must still be freed through other; only the accounting moves.
// With TrackRecords set on other, those frees are accounted here. Without
// records other cannot tell moved blocks from its own, so freeing them
// leaves this allocator's counters and Close report unchanged.
func (a *Allocator) Merge(other Interface) {
	o, ok := other.(*Allocator)
	if !ok {
		a.log.Warn("merge with foreign allocator ignored", "other", fmt.Sprintf("%T", other))
		return
	}
	if o == nil || o == a {
		return
	}
	n := o.rec.Count()
	a.rec.Move(o.rec)
	a.log.Info("merged allocator", "from", o.name, "allocations", n)
}

// GarbageCollect returns unused bucket pages and fully free tree arenas to
// the page source.
func (a *Allocator) GarbageCollect() {
	pg := a.buckets.Purge()
	ar := a.tree.Purge()
	a.collections.Add(1)
	if pg > 0 || ar > 0 {
		a.log.Debug("garbage collected", "pages", pg, "arenas", ar, "capacity", a.Capacity())
	}
}

// PrintAllocations logs the live allocation records at Info.
func (a *Allocator) PrintAllocations() {
	a.rec.Print(a.log, a.name)
}

// Close collects garbage and reports ErrLeaked when allocations are
// still live. The allocator stays usable.
func (a *Allocator) Close() error {
	a.GarbageCollect()
	if n := a.rec.Count(); n > 0 {
		a.log.Warn("allocator closed with live allocations", "count", n, "bytes", a.rec.InUse())
		if a.rec.Enabled() {
			a.PrintAllocations()
		}
		return fmt.Errorf("%w: %s: %d allocations, %d bytes", ErrLeaked, a.name, n, a.rec.InUse())
	}
	return nil
}

func (a *Allocator) checkAlignment(alignment uintptr) uintptr {
	if alignment == 0 || layout.IsPow2(alignment) {
		return alignment
	}
	if assert.Enabled {
		assert.That(false, "alignment %d is not a power of two", alignment)
	}
	return layout.PowerOfTwoCeil(alignment)
}

func (a *Allocator) isSmall(size uintptr) bool {
	return a.classes.IsSmall(size)
}

// smallRoute reports whether a request is served by the buckets.
func (a *Allocator) smallRoute(size, alignment uintptr) bool {
	return a.isSmall(size) && alignment <= a.classes.Max()
}

// alloc is one allocation attempt without retry or tracking.
func (a *Allocator) alloc(size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if alignment <= DefaultAlignment {
		if a.isSmall(size) {
			return a.buckets.Alloc(size)
		}
		return a.tree.Alloc(size)
	}
	if a.isSmall(size) && alignment <= a.classes.Max() {
		return a.buckets.AllocIndex(a.classes.IndexAligned(size, alignment))
	}
	return a.tree.AllocAligned(size, alignment)
}

// realloc is one reallocation attempt without retry or tracking. Moves
// between the two sides copy the smaller of the two extents.
func (a *Allocator) realloc(p unsafe.Pointer, size, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		a.free(p)
		return nil
	}
	if alignment <= DefaultAlignment {
		return a.reallocDefault(p, size)
	}
	if !layout.IsAligned(p, alignment) {
		np := a.alloc(size, alignment)
		if np == nil {
			return nil
		}
		copyBytes(np, p, min(a.size(p), size))
		a.free(p)
		return np
	}

	smallDst := a.isSmall(size) && alignment <= a.classes.Max()
	if a.buckets.Owns(p) {
		if smallDst {
			return a.buckets.ReallocAligned(p, a.classes.Clamp(size), alignment)
		}
		np := a.tree.AllocAligned(size, alignment)
		if np == nil {
			return nil
		}
		copyBytes(np, p, min(a.buckets.Size(p), size))
		a.buckets.Free(p)
		return np
	}
	if smallDst {
		np := a.buckets.AllocIndex(a.classes.IndexAligned(size, alignment))
		if np == nil {
			return nil
		}
		copyBytes(np, p, min(a.classes.Clamp(size), a.tree.Size(p)))
		a.tree.Free(p)
		return np
	}
	return a.tree.ReallocAligned(p, size, alignment)
}

func (a *Allocator) reallocDefault(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if a.buckets.Owns(p) {
		if a.isSmall(size) {
			return a.buckets.Realloc(p, a.classes.Clamp(size))
		}
		np := a.tree.Alloc(size)
		if np == nil {
			return nil
		}
		copyBytes(np, p, a.buckets.Size(p))
		a.buckets.Free(p)
		return np
	}
	if a.isSmall(size) {
		size = a.classes.Clamp(size)
		np := a.buckets.Alloc(size)
		if np == nil {
			return nil
		}
		copyBytes(np, p, min(size, a.tree.Size(p)))
		a.tree.Free(p)
		return np
	}
	return a.tree.Realloc(p, size)
}

func (a *Allocator) size(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	if a.buckets.Owns(p) {
		return a.buckets.Size(p)
	}
	return a.tree.Size(p)
}

func (a *Allocator) free(p unsafe.Pointer) {
	if a.buckets.Owns(p) {
		a.buckets.Free(p)
		return
	}
	a.tree.Free(p)
}

func (a *Allocator) freeSized(p unsafe.Pointer, size uintptr) {
	if a.isSmall(size) {
		if assert.Enabled {
			assert.That(a.buckets.Owns(p), "free of %p with size %d: not a bucket pointer (allocated with alignment?)", p, size)
		}
		a.buckets.FreeIndex(p, a.classes.Index(a.classes.Clamp(size)))
		return
	}
	a.tree.Free(p)
}

func (a *Allocator) freeSizedAligned(p unsafe.Pointer, size, alignment uintptr) {
	if alignment <= DefaultAlignment {
		a.freeSized(p, size)
		return
	}
	if a.isSmall(size) && alignment <= a.classes.Max() {
		if assert.Enabled {
			assert.That(a.buckets.Owns(p), "free of %p with size %d: small object not in a bucket", p, size)
		}
		a.buckets.FreeIndex(p, a.classes.IndexAligned(size, alignment))
		return
	}
	a.tree.Free(p)
}

func copyBytes(dst, src unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}
