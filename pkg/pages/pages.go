// Package pages supplies page-granular memory to the allocators in hpha.
//
// A Source hands out regions whose size is a multiple of the page size and
// whose start honours the requested power-of-two alignment. The memory is
// not managed by the Go garbage collector: it must be returned with
// Deallocate, passing the same size and alignment that were used to obtain
// it.
//
// OS returns the process-wide source backed by anonymous mappings (mmap on
// unix, VirtualAlloc on windows, pinned Go heap buffers elsewhere).
// Counting wraps any Source to meter it and to inject exhaustion in tests.
package pages

import (
	"fmt"
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/layout"
)

// Source is the page-granular sub-allocator consumed by the bucket and tree
// allocators. Implementations must be safe for concurrent use.
type Source interface {
	// Allocate returns size bytes aligned to alignment, or an error.
	Allocate(size, alignment uintptr) (unsafe.Pointer, error)
	// Deallocate returns a region obtained from Allocate.
	Deallocate(p unsafe.Pointer, size, alignment uintptr)
}

// PageSize returns the operating system page size.
func PageSize() uintptr {
	return sysPageSize()
}

type osSource struct{}

var osSrc Source = osSource{}

// OS returns the process-wide operating system page source.
func OS() Source { return osSrc }

func (osSource) Allocate(size, alignment uintptr) (unsafe.Pointer, error) {
	if err := checkRequest(size, alignment); err != nil {
		return nil, err
	}
	return sysAlloc(layout.AlignUp(size, PageSize()), alignment)
}

func (osSource) Deallocate(p unsafe.Pointer, size, alignment uintptr) {
	if p == nil {
		return
	}
	sysFree(p, layout.AlignUp(size, PageSize()), alignment)
}

func checkRequest(size, alignment uintptr) error {
	if size == 0 {
		return fmt.Errorf("%w: zero-sized request", ErrOutOfMemory)
	}
	if !layout.IsPow2(alignment) {
		return fmt.Errorf("%w: %d", ErrBadAlignment, alignment)
	}
	return nil
}
