// Package hpha provides a general-purpose, thread-safe heap for memory that
// lives outside the Go garbage collector.
//
// # Overview
//
// An Allocator splits work between two sub-allocators that both grow from
// a page source (pages.Source):
//
//   - bucket.Allocator: one pool per linear size class for small requests
//   - tree.Allocator: best-fit variable-size blocks for everything else
//
// Pointers returned are unsafe.Pointer values into anonymous mappings by
// default. View them with unsafe.Slice and give them back with Deallocate;
// the Go runtime never frees them.
//
// # Routing
//
// With the default configuration (8..512 byte buckets):
//
//	size <= 512, alignment <= 8        -> bucket of size
//	size <= 512, 8 < alignment <= 512  -> bucket of alignUp(size, alignment)
//	everything else                    -> tree
//
// Deallocate without a size classifies the pointer through the marker in
// its page header. Passing the original size (and alignment) skips that
// lookup and must match the request exactly.
//
// # Usage Example
//
//	a, err := hpha.New(&hpha.ConfigDefault)
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	p := a.Allocate(100, 16)
//	buf := unsafe.Slice((*byte)(p), 100)
//	copy(buf, data)
//	a.Deallocate(p, 100, 16)
//
// # Exhaustion
//
// When the page source refuses a request, Allocate and Reallocate run one
// GarbageCollect and retry before returning nil. Memory is never handed
// back to the source automatically otherwise.
//
// # Tracking
//
// Every allocator keeps byte and count totals (Capacity, AllocatedBytes).
// Config.TrackRecords adds one record per live allocation and
// Config.CaptureStacks a call stack per record; PrintAllocations and Close
// log them. Merge moves records between allocators.
//
// # Debugging
//
// Set HPHA_LOG_ALLOC=1 to log growth and purge events to stderr for
// allocators built without a logger. Build with -tags hphadebug to turn on
// internal consistency assertions.
package hpha
