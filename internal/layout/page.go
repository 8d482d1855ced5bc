package layout

import "unsafe"

// FreeLink threads through the unused elements of a bucket page. It
// overlays the first word of each free element.
type FreeLink struct {
	Next *FreeLink
}

// PageHeader sits at the front of every bucket page.
//
// Layout (native word size W):
//
//	Offset  Size  Description
//	0       W     next page in the owning bucket's list
//	W       W     previous page in the owning bucket's list
//	2W      W     head of the element free list (nil when full)
//	3W      W     marker: bucket marker XOR page address (0 once purged)
//	4W      4     bucket index
//	4W+4    4     number of live elements
//
// Elements are packed against the end of the page, so every element
// address is a multiple of the element size's largest power-of-two factor
// (up to the page size).
type PageHeader struct {
	next        *PageHeader
	prev        *PageHeader
	freeList    *FreeLink
	marker      uintptr
	bucketIndex uint32
	useCount    uint32
}

// PageHeaderSize is the number of bytes reserved at the front of a page.
const PageHeaderSize = unsafe.Sizeof(PageHeader{})

// PageAt reinterprets p (a page start) as a page header.
func PageAt(p unsafe.Pointer) *PageHeader {
	return (*PageHeader)(p)
}

// PageOf returns the header of the page that contains p.
func PageOf(p unsafe.Pointer, pageSize uintptr) *PageHeader {
	return (*PageHeader)(PointerAlignDown(p, pageSize))
}

// InitPage formats the page at p for elements of elemSize bytes and
// returns its header. The free list is threaded from the lowest element
// address upwards.
func InitPage(p unsafe.Pointer, pageSize, elemSize uintptr, bucketIndex uint32, bucketMarker uintptr) *PageHeader {
	h := (*PageHeader)(p)
	h.next = nil
	h.prev = nil
	h.bucketIndex = bucketIndex
	h.useCount = 0
	h.marker = bucketMarker ^ uintptr(p)

	n := (pageSize - PageHeaderSize) / elemSize
	end := unsafe.Add(p, pageSize)
	cur := unsafe.Add(end, -int(n*elemSize))
	h.freeList = (*FreeLink)(cur)
	for i := uintptr(1); i < n; i++ {
		next := unsafe.Add(cur, elemSize)
		(*FreeLink)(cur).Next = (*FreeLink)(next)
		cur = next
	}
	(*FreeLink)(cur).Next = nil
	return h
}

// ElementsPerPage returns how many elements of elemSize fit behind the
// page header.
func ElementsPerPage(pageSize, elemSize uintptr) uintptr {
	return (pageSize - PageHeaderSize) / elemSize
}

// Start returns the page start address.
func (h *PageHeader) Start() unsafe.Pointer {
	return unsafe.Pointer(h)
}

// Next returns the next page in the bucket list.
func (h *PageHeader) Next() *PageHeader { return h.next }

// Prev returns the previous page in the bucket list.
func (h *PageHeader) Prev() *PageHeader { return h.prev }

// SetNext stores the forward list link.
func (h *PageHeader) SetNext(n *PageHeader) { h.next = n }

// SetPrev stores the backward list link.
func (h *PageHeader) SetPrev(p *PageHeader) { h.prev = p }

// FreeList returns the head of the element free list.
func (h *PageHeader) FreeList() *FreeLink { return h.freeList }

// SetFreeList replaces the head of the element free list.
func (h *PageHeader) SetFreeList(l *FreeLink) { h.freeList = l }

// BucketIndex returns the owning bucket's index as stored in the page.
func (h *PageHeader) BucketIndex() uint32 { return h.bucketIndex }

// UseCount returns the number of live elements.
func (h *PageHeader) UseCount() uint32 { return h.useCount }

// IncRef records one more live element.
func (h *PageHeader) IncRef() { h.useCount++ }

// DecRef records one fewer live element.
func (h *PageHeader) DecRef() { h.useCount-- }

// Empty reports whether the page has no live elements.
func (h *PageHeader) Empty() bool { return h.useCount == 0 }

// CheckMarker reports whether the page was stamped by the bucket whose
// marker is bucketMarker.
func (h *PageHeader) CheckMarker(bucketMarker uintptr) bool {
	return h.marker == bucketMarker^uintptr(unsafe.Pointer(h))
}

// Invalidate clears the marker so stale pointers into the page no longer
// classify as bucket-owned.
func (h *PageHeader) Invalidate() { h.marker = 0 }
