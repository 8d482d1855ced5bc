package hpha

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/akioCL/o3de-sub000/hpha/bucket"
	"github.com/akioCL/o3de-sub000/hpha/tree"
)

// Stats is a snapshot of an allocator. The bucket and tree parts are taken
// one after the other, so under concurrent use they may disagree slightly.
type Stats struct {
	Name     string
	PageSize uintptr
	Classes  bucket.Classes

	Bucket bucket.Stats
	Tree   tree.Stats

	Capacity    uintptr // bytes held from the page source
	InUse       uintptr // bytes handed out
	Fragmented  uintptr // Capacity not covered by live allocations
	Allocations int

	Collections uint64
	Retries     uint64
	Failures    uint64
}

// Stats returns a snapshot of a.
func (a *Allocator) Stats() Stats {
	return Stats{
		Name:        a.name,
		PageSize:    a.pageSize,
		Classes:     a.classes,
		Bucket:      a.buckets.Stats(),
		Tree:        a.tree.Stats(),
		Capacity:    a.rec.Allocated(),
		InUse:       a.rec.InUse(),
		Fragmented:  a.rec.Fragmented(),
		Allocations: a.rec.Count(),
		Collections: a.collections.Load(),
		Retries:     a.retries.Load(),
		Failures:    a.failures.Load(),
	}
}

// Report writes a human-readable summary of s to w, grouping digits the
// way tag's locale does.
func (s Stats) Report(w io.Writer, tag language.Tag) error {
	p := message.NewPrinter(tag)
	ew := &errWriter{w: w}

	ew.printf(p, "allocator %s: page %d bytes, buckets %d..%d (%d classes)\n",
		s.Name, s.PageSize, s.Classes.Min(), s.Classes.Max(), s.Classes.Count())
	ew.printf(p, "  capacity      %16d bytes\n", s.Capacity)
	ew.printf(p, "  in use        %16d bytes in %d allocations\n", s.InUse, s.Allocations)
	ew.printf(p, "  fragmented    %16d bytes\n", s.Fragmented)
	ew.printf(p, "  buckets       %16d pages (%d full), %d live elements, %d unused bytes\n",
		s.Bucket.Pages, s.Bucket.FullPages, s.Bucket.Live, s.Bucket.UnusedBytes)
	ew.printf(p, "  tree          %16d arenas, %d bytes, %d used / %d free blocks, largest free %d\n",
		s.Tree.Arenas, s.Tree.ArenaBytes, s.Tree.UsedBlocks, s.Tree.FreeBlocks, s.Tree.LargestFree)
	ew.printf(p, "  tree ops      %d splits, %d coalesces, %d shifts, %d in place, %d moves\n",
		s.Tree.Splits, s.Tree.Coalesces, s.Tree.Shifts, s.Tree.InPlace, s.Tree.Moves)
	ew.printf(p, "  collections   %d (%d retries, %d failures)\n", s.Collections, s.Retries, s.Failures)

	if len(s.Bucket.Classes) > 0 {
		ew.printf(p, "  %5s %6s %6s %6s %10s %10s\n", "class", "elem", "pages", "full", "live", "unused")
		for _, c := range s.Bucket.Classes {
			ew.printf(p, "  %5d %6d %6d %6d %10d %10d\n",
				c.Index, c.ElemSize, c.Pages, c.FullPages, c.Live, c.Unused)
		}
	}
	return ew.err
}

// errWriter keeps the first write error so Report can print unchecked.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(p *message.Printer, format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = p.Fprintf(e.w, format, args...)
}
