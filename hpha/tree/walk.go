package tree

import (
	"cmp"
	"fmt"
	"slices"
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/layout"
)

// BlockInfo describes one block met by Walk.
type BlockInfo struct {
	Arena unsafe.Pointer // start of the enclosing arena
	Addr  unsafe.Pointer // payload address
	Size  uintptr
	Used  bool
	Fence bool
}

// sortedArenasLocked returns arena starts in address order.
func (a *Allocator) sortedArenasLocked() []unsafe.Pointer {
	starts := make([]unsafe.Pointer, 0, len(a.arenas))
	for p := range a.arenas {
		starts = append(starts, p)
	}
	slices.SortFunc(starts, func(x, y unsafe.Pointer) int {
		return cmp.Compare(uintptr(x), uintptr(y))
	})
	return starts
}

// Walk calls fn for every block of every arena, fences included, in
// address order, until fn returns false. The allocator is locked for the
// duration, so fn must not call back into it.
func (a *Allocator) Walk(fn func(BlockInfo) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.walkLocked(fn)
}

func (a *Allocator) walkLocked(fn func(BlockInfo) bool) {
	for _, start := range a.sortedArenasLocked() {
		back := layout.BlockAt(unsafe.Add(start, a.arenas[start]-hdrSize))
		for b := layout.BlockAt(start); ; b = b.Next() {
			info := BlockInfo{
				Arena: start,
				Addr:  b.Mem(),
				Size:  b.Size(),
				Used:  b.Used(),
				Fence: b.Prev() == nil || b == back,
			}
			if !fn(info) {
				return
			}
			if b == back {
				break
			}
		}
	}
}

// Check verifies every arena and the free index: back links match, fences
// are in place, no two free blocks touch, and the index holds exactly the
// free blocks. It returns an error wrapping ErrCorrupt on the first
// violation.
func (a *Allocator) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := 0
	for _, start := range a.sortedArenasLocked() {
		n, err := a.checkArenaLocked(start, a.arenas[start])
		if err != nil {
			return err
		}
		free += n
	}

	count, ok := a.free.check()
	if !ok {
		return fmt.Errorf("%w: free index out of order", ErrCorrupt)
	}
	if count != free {
		return fmt.Errorf("%w: index holds %d blocks, arenas have %d free", ErrCorrupt, count, free)
	}
	return nil
}

func (a *Allocator) checkArenaLocked(start unsafe.Pointer, size uintptr) (int, error) {
	front := layout.BlockAt(start)
	back := layout.BlockAt(unsafe.Add(start, size-hdrSize))
	if front.Prev() != nil || !front.Used() {
		return 0, fmt.Errorf("%w: arena %p: bad front fence", ErrCorrupt, start)
	}
	if !back.Used() || back.Size() != 0 {
		return 0, fmt.Errorf("%w: arena %p: bad back fence", ErrCorrupt, start)
	}

	free := 0
	prev := front
	prevFree := false
	for b := front.Next(); b != back; b = b.Next() {
		if uintptr(unsafe.Pointer(b)) > uintptr(unsafe.Pointer(back)) {
			return 0, fmt.Errorf("%w: arena %p: block %p overruns the back fence", ErrCorrupt, start, b)
		}
		if b.Prev() != prev {
			return 0, fmt.Errorf("%w: block %p: back link %p, want %p", ErrCorrupt, b, b.Prev(), prev)
		}
		if b.Size()%hdrSize != 0 || b.Size() < freeNodeSize {
			return 0, fmt.Errorf("%w: block %p: bad size %d", ErrCorrupt, b, b.Size())
		}
		if !b.Used() {
			if prevFree {
				return 0, fmt.Errorf("%w: blocks %p and %p are both free", ErrCorrupt, prev, b)
			}
			if !a.free.contains(nodeOf(b)) {
				return 0, fmt.Errorf("%w: free block %p is not indexed", ErrCorrupt, b)
			}
			free++
		}
		prevFree = !b.Used()
		prev = b
	}
	if back.Prev() != prev {
		return 0, fmt.Errorf("%w: arena %p: back fence links %p, want %p", ErrCorrupt, start, back.Prev(), prev)
	}
	return free, nil
}
