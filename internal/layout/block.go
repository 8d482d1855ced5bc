package layout

import "unsafe"

// Block flags live in the low bits of BlockHeader.sizeAndFlags. Sizes are
// always a multiple of BlockHeaderSize, so those bits are otherwise zero.
const (
	BlockUsed     uintptr = 1
	BlockFlagMask uintptr = 0x3
)

// BlockHeader precedes every payload managed by the tree allocator.
//
// Layout (native word size W):
//
//	Offset  Size  Description
//	0       W     prev: the physically previous block (nil for a front fence)
//	W       W     size of the payload in bytes | flags
//	2W      ...   payload; aliases a free node while the block is unused
//
// The next block is not stored: it starts at Mem()+Size().
type BlockHeader struct {
	prev         *BlockHeader
	sizeAndFlags uintptr
}

// BlockHeaderSize is the size of a BlockHeader and the granularity of every
// tree block size.
const BlockHeaderSize = unsafe.Sizeof(BlockHeader{})

// BlockAt reinterprets p as a block header.
func BlockAt(p unsafe.Pointer) *BlockHeader {
	return (*BlockHeader)(p)
}

// BlockOf returns the header in front of payload p.
func BlockOf(p unsafe.Pointer) *BlockHeader {
	return (*BlockHeader)(unsafe.Add(p, -int(BlockHeaderSize)))
}

// Init overwrites the header with the given links and size, clearing flags.
func (b *BlockHeader) Init(prev *BlockHeader, size uintptr) {
	b.prev = prev
	b.sizeAndFlags = size
}

// Size returns the payload size in bytes.
func (b *BlockHeader) Size() uintptr {
	return b.sizeAndFlags &^ BlockFlagMask
}

// SetSize replaces the payload size, preserving flags.
func (b *BlockHeader) SetSize(size uintptr) {
	b.sizeAndFlags = b.sizeAndFlags&BlockFlagMask | size
}

// Used reports whether the block holds caller data (or is a fence).
func (b *BlockHeader) Used() bool {
	return b.sizeAndFlags&BlockUsed != 0
}

// SetUsed marks the block as holding caller data.
func (b *BlockHeader) SetUsed() {
	b.sizeAndFlags |= BlockUsed
}

// SetUnused marks the block as free.
func (b *BlockHeader) SetUnused() {
	b.sizeAndFlags &^= BlockUsed
}

// Mem returns the payload address.
func (b *BlockHeader) Mem() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), BlockHeaderSize)
}

// Next returns the physically following block.
func (b *BlockHeader) Next() *BlockHeader {
	return (*BlockHeader)(unsafe.Add(b.Mem(), b.Size()))
}

// Prev returns the physically preceding block.
func (b *BlockHeader) Prev() *BlockHeader {
	return b.prev
}

// SetPrev stores the back link.
func (b *BlockHeader) SetPrev(prev *BlockHeader) {
	b.prev = prev
}

// SetNext resizes b so that it ends exactly where next starts.
func (b *BlockHeader) SetNext(next *BlockHeader) {
	b.SetSize(uintptr(unsafe.Pointer(next)) - uintptr(b.Mem()))
}

// Unlink removes b from the physical chain; its previous block grows to
// cover b's header and payload.
func (b *BlockHeader) Unlink() {
	next := b.Next()
	next.SetPrev(b.prev)
	b.prev.SetNext(next)
}

// LinkAfter inserts b into the physical chain right after link. b takes
// over the space between itself and link's old successor.
func (b *BlockHeader) LinkAfter(link *BlockHeader) {
	b.prev = link
	b.SetNext(link.Next())
	b.Next().SetPrev(b)
	link.SetNext(b)
}
