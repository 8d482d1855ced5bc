//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris || windows)

package pages

import (
	"os"
	"sync"
	"unsafe"
)

var pageSize = uintptr(os.Getpagesize())

// Regions are carved from Go heap buffers and pinned here until freed.
var (
	pinnedMu sync.Mutex
	pinned   = make(map[unsafe.Pointer][]byte)
)

func sysPageSize() uintptr { return pageSize }

func sysAlloc(size, alignment uintptr) (unsafe.Pointer, error) {
	buf := make([]byte, size+alignment)
	base := unsafe.Pointer(unsafe.SliceData(buf))
	off := (alignment - uintptr(base)&(alignment-1)) & (alignment - 1)
	p := unsafe.Add(base, off)

	pinnedMu.Lock()
	pinned[p] = buf
	pinnedMu.Unlock()
	return p, nil
}

func sysFree(p unsafe.Pointer, _, _ uintptr) {
	pinnedMu.Lock()
	delete(pinned, p)
	pinnedMu.Unlock()
}
