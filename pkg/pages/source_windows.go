//go:build windows

package pages

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// allocationGranularity is the alignment VirtualAlloc guarantees for
// reservations.
const allocationGranularity = 64 << 10

var pageSize = uintptr(os.Getpagesize())

// bases maps an over-reserved aligned address back to its reservation.
var (
	basesMu sync.Mutex
	bases   = make(map[uintptr]uintptr)
)

func sysPageSize() uintptr { return pageSize }

func sysAlloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if alignment <= allocationGranularity {
		addr, err := windows.VirtualAlloc(0, size, windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
		if err != nil {
			return nil, fmt.Errorf("%w: VirtualAlloc %d bytes: %w", ErrOutOfMemory, size, err)
		}
		return unsafe.Pointer(addr), nil
	}

	base, err := windows.VirtualAlloc(0, size+alignment, windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("%w: VirtualAlloc reserve %d bytes: %w", ErrOutOfMemory, size+alignment, err)
	}
	aligned := (base + alignment - 1) &^ (alignment - 1)
	if _, err := windows.VirtualAlloc(aligned, size, windows.MEM_COMMIT, windows.PAGE_READWRITE); err != nil {
		_ = windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return nil, fmt.Errorf("%w: VirtualAlloc commit %d bytes: %w", ErrOutOfMemory, size, err)
	}
	basesMu.Lock()
	bases[aligned] = base
	basesMu.Unlock()
	return unsafe.Pointer(aligned), nil
}

func sysFree(p unsafe.Pointer, _, alignment uintptr) {
	addr := uintptr(p)
	if alignment > allocationGranularity {
		basesMu.Lock()
		if base, ok := bases[addr]; ok {
			addr = base
			delete(bases, uintptr(p))
		}
		basesMu.Unlock()
	}
	_ = windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}
