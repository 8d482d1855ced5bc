//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package pages

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

func sysPageSize() uintptr { return pageSize }

// sysAlloc maps anonymous memory. Alignments above the page size are met by
// over-mapping and unmapping the unaligned head and tail.
func sysAlloc(size, alignment uintptr) (unsafe.Pointer, error) {
	if alignment <= pageSize {
		return mmap(size)
	}

	p, err := mmap(size + alignment)
	if err != nil {
		return nil, err
	}
	head := uintptr(p) & (alignment - 1)
	if head != 0 {
		head = alignment - head
	}
	aligned := unsafe.Add(p, head)
	if head != 0 {
		_ = unix.MunmapPtr(p, head)
	}
	if tail := alignment - head; tail != 0 {
		_ = unix.MunmapPtr(unsafe.Add(aligned, size), tail)
	}
	return aligned, nil
}

func sysFree(p unsafe.Pointer, size, _ uintptr) {
	_ = unix.MunmapPtr(p, size)
}

func mmap(size uintptr) (unsafe.Pointer, error) {
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrOutOfMemory, size, err)
	}
	return p, nil
}
