package bucket

import (
	"fmt"

	"github.com/akioCL/o3de-sub000/internal/layout"
)

// Classes describes the linear size-class layout of a bucket allocator.
// Class i holds elements of (i+1) * Min() bytes, up to Max().
type Classes struct {
	// Name for this layout (reports, benchmarks)
	Name string

	MinLog2 uint // log2 of the smallest element size (and the class spacing)
	MaxLog2 uint // log2 of the largest element size served by buckets
}

// Predefined layouts.
var (
	// Default: 8..512 step 8 (64 classes).
	ClassesDefault = Classes{Name: "Default", MinLog2: 3, MaxLog2: 9}

	// Fine: 8..256 step 8 (32 classes). Everything above 256 bytes goes to
	// the tree.
	ClassesFine = Classes{Name: "Fine", MinLog2: 3, MaxLog2: 8}

	// Wide: 16..2048 step 16 (128 classes). Needs pages of at least 4 KiB.
	ClassesWide = Classes{Name: "Wide", MinLog2: 4, MaxLog2: 11}
)

// Min returns the minimum allocation size.
func (c Classes) Min() uintptr { return 1 << c.MinLog2 }

// Max returns the largest small allocation size.
func (c Classes) Max() uintptr { return 1 << c.MaxLog2 }

// Count returns the number of buckets.
func (c Classes) Count() int { return int(c.Max() >> c.MinLog2) }

// Index returns the bucket whose element size covers size.
// size must be in [1, Max()].
func (c Classes) Index(size uintptr) int {
	return int((size+c.Min()-1)>>c.MinLog2) - 1
}

// ElemSize returns the element size of bucket i.
func (c Classes) ElemSize(i int) uintptr {
	return uintptr(i+1) << c.MinLog2
}

// Clamp raises size to the minimum allocation.
func (c Classes) Clamp(size uintptr) uintptr {
	return max(size, c.Min())
}

// IsSmall reports whether size is served by buckets.
func (c Classes) IsSmall(size uintptr) bool {
	return size <= c.Max()
}

// IndexAligned returns the bucket that serves size bytes at alignment. The
// element size of that bucket is a multiple of alignment, which keeps every
// element aligned because pages are packed from their aligned end.
func (c Classes) IndexAligned(size, alignment uintptr) int {
	return c.Index(layout.AlignUp(c.Clamp(size), alignment))
}

// Validate checks the layout against a page size.
func (c Classes) Validate(pageSize uintptr) error {
	ptr := layout.Log2(ptrSize)
	switch {
	case c.MinLog2 < ptr:
		return fmt.Errorf("min allocation %d is smaller than a pointer", c.Min())
	case c.MaxLog2 < c.MinLog2:
		return fmt.Errorf("max small allocation %d is below min allocation %d", c.Max(), c.Min())
	case c.Max() > pageSize/2:
		return fmt.Errorf("max small allocation %d exceeds half the page size %d", c.Max(), pageSize)
	case layout.ElementsPerPage(pageSize, c.Min()) > 1<<32-1:
		return fmt.Errorf("page size %d holds too many %d-byte elements", pageSize, c.Min())
	}
	return nil
}

// ClassInfo describes one bucket for a given page size.
type ClassInfo struct {
	Index        int
	ElemSize     uintptr
	PerPage      uintptr // elements per page
	WastePerPage uintptr // bytes neither header nor element
	MaxAlignment uintptr // largest power-of-two alignment every element has
}

// Table lists every bucket of c for pages of pageSize bytes.
func (c Classes) Table(pageSize uintptr) []ClassInfo {
	out := make([]ClassInfo, c.Count())
	for i := range out {
		elem := c.ElemSize(i)
		n := layout.ElementsPerPage(pageSize, elem)
		out[i] = ClassInfo{
			Index:        i,
			ElemSize:     elem,
			PerPage:      n,
			WastePerPage: pageSize - layout.PageHeaderSize - n*elem,
			MaxAlignment: elem & -elem,
		}
	}
	return out
}

// String returns the layout name.
func (c Classes) String() string {
	return c.Name
}
