// Package layout houses the raw memory primitives shared by the bucket and
// tree allocators: alignment helpers, the block header that prefixes every
// tree-managed payload, and the page header at the front of every bucket
// page. The types here only expose field access; the allocators own all
// policy.
package layout

import "unsafe"

// IsPow2 reports whether n is a non-zero power of two.
func IsPow2(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// AlignUp returns n rounded up to the next multiple of a.
// a must be a power of two.
//
// Example:
//
//	AlignUp(1, 8)  = 8
//	AlignUp(8, 8)  = 8
//	AlignUp(9, 16) = 16
func AlignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown returns n rounded down to a multiple of a.
// a must be a power of two.
func AlignDown(n, a uintptr) uintptr {
	return n &^ (a - 1)
}

// AlignOffset returns how many bytes p must advance to reach alignment a.
func AlignOffset(p unsafe.Pointer, a uintptr) uintptr {
	addr := uintptr(p)
	return AlignUp(addr, a) - addr
}

// PointerAlignDown returns p moved back to the previous multiple of a.
// The result stays derived from p so it never leaves the mapping p lives in
// as long as that mapping starts on an a-aligned boundary.
func PointerAlignDown(p unsafe.Pointer, a uintptr) unsafe.Pointer {
	return unsafe.Add(p, -int(uintptr(p)&(a-1)))
}

// IsAligned reports whether p is a multiple of a.
func IsAligned(p unsafe.Pointer, a uintptr) bool {
	return uintptr(p)&(a-1) == 0
}

// Log2 returns the base-2 logarithm of a power of two.
func Log2(n uintptr) uint {
	var l uint
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// PowerOfTwoCeil rounds n up to the next power of two. Values up to 2 are
// returned unchanged.
//
//	PowerOfTwoCeil(3)   = 4
//	PowerOfTwoCeil(45)  = 64
//	PowerOfTwoCeil(136) = 256
func PowerOfTwoCeil(n uintptr) uintptr {
	if n <= 2 {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
