package bucket

import "github.com/akioCL/o3de-sub000/internal/layout"

// ClassStats describes one bucket that owns at least one page.
type ClassStats struct {
	Index     int
	ElemSize  uintptr
	Pages     int
	FullPages int
	Live      uint64  // elements handed out
	Unused    uintptr // free element bytes in non-full pages
}

// Stats is a snapshot of a bucket allocator.
type Stats struct {
	Classes      []ClassStats
	Pages        int
	FullPages    int
	PageBytes    uintptr
	Live         uint64
	LiveBytes    uintptr
	UnusedBytes  uintptr
	Grows        uint64
	GrowFailures uint64
	Purged       uint64
}

// Stats walks every bucket under its lock.
func (a *Allocator) Stats() Stats {
	var s Stats
	avail := a.pageSize - layout.PageHeaderSize
	for i := range a.buckets {
		b := &a.buckets[i]
		elem := a.classes.ElemSize(i)
		cs := ClassStats{Index: i, ElemSize: elem}

		b.mu.Lock()
		for p := b.pages.front(); p != nil; p = p.Next() {
			cs.Pages++
			cs.Live += uint64(p.UseCount())
			if p.FreeList() == nil {
				cs.FullPages++
				continue
			}
			cs.Unused += avail - elem*uintptr(p.UseCount())
		}
		b.mu.Unlock()

		if cs.Pages == 0 {
			continue
		}
		s.Classes = append(s.Classes, cs)
		s.Pages += cs.Pages
		s.FullPages += cs.FullPages
		s.Live += cs.Live
		s.LiveBytes += uintptr(cs.Live) * elem
		s.UnusedBytes += cs.Unused
	}
	s.PageBytes = uintptr(s.Pages) * a.pageSize
	s.Grows = a.grows.Load()
	s.GrowFailures = a.growFailures.Load()
	s.Purged = a.purged.Load()
	return s
}

// MaxAllocation returns the largest element size that can be handed out
// without growing, or 0.
func (a *Allocator) MaxAllocation() uintptr {
	for i := len(a.buckets) - 1; i >= 0; i-- {
		b := &a.buckets[i]
		b.mu.Lock()
		p := b.freePage()
		b.mu.Unlock()
		if p != nil {
			return a.classes.ElemSize(i)
		}
	}
	return 0
}

// UnusedMemory returns the bytes held in pages with free elements that are
// not handed out.
func (a *Allocator) UnusedMemory() uintptr {
	avail := a.pageSize - layout.PageHeaderSize
	var unused uintptr
	for i := range a.buckets {
		b := &a.buckets[i]
		elem := a.classes.ElemSize(i)
		b.mu.Lock()
		// Full pages trail the list.
		for p := b.pages.front(); p != nil && p.FreeList() != nil; p = p.Next() {
			unused += avail - elem*uintptr(p.UseCount())
		}
		b.mu.Unlock()
	}
	return unused
}

// Empty reports whether no bucket holds a page.
func (a *Allocator) Empty() bool {
	for i := range a.buckets {
		b := &a.buckets[i]
		b.mu.Lock()
		e := b.pages.empty()
		b.mu.Unlock()
		if !e {
			return false
		}
	}
	return true
}
