// Package track keeps allocation accounting for an allocator: how many
// bytes callers asked for, how many the allocator handed out, and how many
// it holds from its page source. Per-allocation records, optionally with
// call stacks, are kept only when enabled.
package track

import (
	"cmp"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

// DefaultStackDepth is the number of frames captured per record when
// stacks are enabled and Options.StackDepth is zero.
const DefaultStackDepth = 16

// Options controls what a Recorder keeps.
type Options struct {
	Records    bool // keep one Record per live allocation
	Stacks     bool // capture a call stack per record (implies Records)
	StackDepth int
	StackSkip  int // extra frames to drop above AddRecord's caller
}

// Record describes one live allocation.
type Record struct {
	Addr      uintptr
	Requested uintptr
	Allocated uintptr
	Alignment uintptr
	Stack     []uintptr
}

// Frames resolves the captured stack.
func (r Record) Frames() []runtime.Frame {
	if len(r.Stack) == 0 {
		return nil
	}
	var out []runtime.Frame
	frames := runtime.CallersFrames(r.Stack)
	for {
		f, more := frames.Next()
		out = append(out, f)
		if !more {
			break
		}
	}
	return out
}

// Recorder is safe for concurrent use.
type Recorder struct {
	opts Options

	requested atomic.Int64
	inUse     atomic.Int64
	allocated atomic.Int64
	count     atomic.Int64

	mu      sync.Mutex
	records map[uintptr]Record

	// movedTo took over this recorder's records in Move.
	movedTo atomic.Pointer[Recorder]
}

// New creates a recorder.
func New(opts Options) *Recorder {
	if opts.Stacks {
		opts.Records = true
	}
	if opts.StackDepth <= 0 {
		opts.StackDepth = DefaultStackDepth
	}
	r := &Recorder{opts: opts}
	if opts.Records {
		r.records = make(map[uintptr]Record)
	}
	return r
}

// Enabled reports whether per-allocation records are kept.
func (r *Recorder) Enabled() bool { return r.opts.Records }

// AddRecord accounts for a new allocation at p.
func (r *Recorder) AddRecord(p unsafe.Pointer, requested, allocated, alignment uintptr) {
	r.requested.Add(int64(requested))
	r.inUse.Add(int64(allocated))
	r.count.Add(1)
	if !r.opts.Records {
		return
	}
	rec := Record{
		Addr:      uintptr(p),
		Requested: requested,
		Allocated: allocated,
		Alignment: alignment,
	}
	if r.opts.Stacks {
		pcs := make([]uintptr, r.opts.StackDepth)
		// Skip runtime.Callers and AddRecord itself.
		n := runtime.Callers(2+r.opts.StackSkip, pcs)
		rec.Stack = pcs[:n]
	}
	r.mu.Lock()
	r.records[rec.Addr] = rec
	r.mu.Unlock()
}

// RemoveRecord reverses AddRecord for the allocation at p. When records
// are kept and p's record was moved to another recorder, the removal is
// accounted there.
func (r *Recorder) RemoveRecord(p unsafe.Pointer, requested, allocated uintptr) {
	if to := r.forward(p); to != nil {
		to.removeRecord(p, requested, allocated)
		return
	}
	r.removeRecord(p, requested, allocated)
}

func (r *Recorder) removeRecord(p unsafe.Pointer, requested, allocated uintptr) {
	r.requested.Add(-int64(requested))
	r.inUse.Add(-int64(allocated))
	r.count.Add(-1)
	if !r.opts.Records {
		return
	}
	r.mu.Lock()
	delete(r.records, uintptr(p))
	r.mu.Unlock()
}

// Resize updates the allocation at p after an in-place size change.
func (r *Recorder) Resize(p unsafe.Pointer, oldAllocated, newAllocated uintptr) {
	if to := r.forward(p); to != nil {
		to.resize(p, oldAllocated, newAllocated)
		return
	}
	r.resize(p, oldAllocated, newAllocated)
}

func (r *Recorder) resize(p unsafe.Pointer, oldAllocated, newAllocated uintptr) {
	d := int64(newAllocated) - int64(oldAllocated)
	if d == 0 {
		return
	}
	r.requested.Add(d)
	r.inUse.Add(d)
	if !r.opts.Records {
		return
	}
	r.mu.Lock()
	if rec, ok := r.records[uintptr(p)]; ok {
		rec.Requested = uintptr(int64(rec.Requested) + d)
		rec.Allocated = newAllocated
		r.records[uintptr(p)] = rec
	}
	r.mu.Unlock()
}

// forward returns the recorder that holds p's record after a Move, or nil
// when p is accounted here.
func (r *Recorder) forward(p unsafe.Pointer) *Recorder {
	to := r.movedTo.Load()
	if to == nil || !r.opts.Records {
		return nil
	}
	r.mu.Lock()
	_, ok := r.records[uintptr(p)]
	r.mu.Unlock()
	if ok {
		return nil
	}
	return to
}

// AddAllocated accounts for bytes obtained from the page source.
func (r *Recorder) AddAllocated(n uintptr) { r.allocated.Add(int64(n)) }

// RemoveAllocated accounts for bytes returned to the page source.
func (r *Recorder) RemoveAllocated(n uintptr) { r.allocated.Add(-int64(n)) }

// Requested returns the bytes callers asked for across live allocations.
func (r *Recorder) Requested() uintptr { return uintptr(max(r.requested.Load(), 0)) }

// InUse returns the bytes handed out across live allocations. Frees of
// blocks whose accounting was moved away without records can drive the
// counter below zero; it then reads as 0.
func (r *Recorder) InUse() uintptr { return uintptr(max(r.inUse.Load(), 0)) }

// Allocated returns the bytes currently held from the page source.
func (r *Recorder) Allocated() uintptr { return uintptr(r.allocated.Load()) }

// Fragmented returns held bytes not covered by requests.
func (r *Recorder) Fragmented() uintptr {
	a, q := r.allocated.Load(), max(r.requested.Load(), 0)
	if a < q {
		return 0
	}
	return uintptr(a - q)
}

// Count returns the number of live allocations.
func (r *Recorder) Count() int { return int(max(r.count.Load(), 0)) }

// Records returns a snapshot of the live records in address order. It is
// empty unless records are enabled.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(a.Addr, b.Addr) })
	return out
}

// Print logs every live record at Info.
func (r *Recorder) Print(log *slog.Logger, name string) {
	recs := r.Records()
	log.Info("allocations", "allocator", name, "count", r.Count(),
		"requested", r.Requested(), "in_use", r.InUse(), "records", len(recs))
	for _, rec := range recs {
		attrs := []any{
			"allocator", name,
			"addr", rec.Addr,
			"requested", rec.Requested,
			"allocated", rec.Allocated,
			"alignment", rec.Alignment,
		}
		if frames := rec.Frames(); len(frames) > 0 {
			var sb strings.Builder
			for i, f := range frames {
				if i > 0 {
					sb.WriteString(" <- ")
				}
				sb.WriteString(f.Function)
			}
			attrs = append(attrs, "stack", sb.String())
		}
		log.Info("allocation", attrs...)
	}
}

// Move transfers other's live allocations into r and clears them from
// other. Page-source bytes stay with other, which still owns the memory.
// When other keeps records, later removals and resizes of the moved
// allocations through other are accounted in r.
func (r *Recorder) Move(other *Recorder) {
	if other == nil || other == r {
		return
	}
	other.movedTo.Store(r)
	r.requested.Add(other.requested.Swap(0))
	r.inUse.Add(other.inUse.Swap(0))
	r.count.Add(other.count.Swap(0))

	other.mu.Lock()
	moved := other.records
	if other.opts.Records {
		other.records = make(map[uintptr]Record)
	}
	other.mu.Unlock()

	if !r.opts.Records || len(moved) == 0 {
		return
	}
	r.mu.Lock()
	for addr, rec := range moved {
		r.records[addr] = rec
	}
	r.mu.Unlock()
}
