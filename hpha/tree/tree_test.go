package tree

import (
	"math/rand/v2"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/akioCL/o3de-sub000/internal/layout"
	"github.com/akioCL/o3de-sub000/pkg/pages"
)

func newTestTree(t testing.TB, limit uintptr) (*Allocator, *pages.Counting) {
	t.Helper()
	src := pages.NewCounting(pages.OS(), limit)
	a, err := New(pages.PageSize(), src, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if !t.Failed() {
			require.NoError(t, a.Check())
		}
		a.Purge()
	})
	return a, src
}

func fill(p unsafe.Pointer, n uintptr, seed byte) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
}

func requireFilled(t testing.TB, p unsafe.Pointer, n uintptr, seed byte) {
	t.Helper()
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		if b[i] != seed^byte(i) {
			t.Fatalf("byte %d of %p: got %#x want %#x", i, p, b[i], seed^byte(i))
		}
	}
}

// requireNoAdjacentFree scans every arena linearly.
func requireNoAdjacentFree(t testing.TB, a *Allocator) {
	t.Helper()
	var prev BlockInfo
	first := true
	a.Walk(func(b BlockInfo) bool {
		if !first && prev.Arena == b.Arena && !prev.Used && !b.Used {
			t.Fatalf("adjacent free blocks at %p and %p", prev.Addr, b.Addr)
		}
		prev, first = b, false
		return true
	})
}

func Test_Tree_NewRejectsBadConfig(t *testing.T) {
	_, err := New(1000, pages.OS(), nil)
	require.Error(t, err)
	_, err = New(4096, nil, nil)
	require.Error(t, err)
}

func Test_Tree_AllocRoundsAndReuses(t *testing.T) {
	a, src := newTestTree(t, 0)

	p := a.Alloc(1000)
	require.NotNil(t, p)
	require.True(t, layout.IsAligned(p, hdrSize))
	require.Equal(t, uintptr(1008), a.Size(p))
	require.Equal(t, 1, src.Stats().Regions)

	small := a.Alloc(1)
	require.Equal(t, freeNodeSize, a.Size(small))

	a.Free(small)
	a.Free(p)
	require.Zero(t, a.Size(p), "freed block reports zero")
	require.Equal(t, p, a.Alloc(1000))
	a.Free(p)
	require.NoError(t, a.Check())
}

// Test_Tree_LargeBlockReused covers a one-megabyte round trip.
func Test_Tree_LargeBlockReused(t *testing.T) {
	a, src := newTestTree(t, 0)

	p := a.Alloc(1_000_000)
	require.NotNil(t, p)
	fill(p, 1_000_000, 1)
	regions := src.Stats().Allocs
	a.Free(p)

	q := a.Alloc(1_000_000)
	require.Equal(t, p, q)
	require.Equal(t, regions, src.Stats().Allocs, "no new arena")
	a.Free(q)
}

func Test_Tree_BestFit(t *testing.T) {
	a, _ := newTestTree(t, 0)

	p1 := a.Alloc(4000)
	p2 := a.Alloc(64)
	p3 := a.Alloc(1000)
	p4 := a.Alloc(64)
	a.Free(p1)
	a.Free(p3)

	got := a.Alloc(900)
	require.Equal(t, p3, got, "smallest fitting block wins")
	got2 := a.Alloc(3000)
	require.Equal(t, p1, got2)

	for _, p := range []unsafe.Pointer{got, got2, p2, p4} {
		a.Free(p)
	}
	// p1 fills a whole arena on 4 KiB pages, so the rest may sit in a
	// second one. Either way each arena is back to one free block.
	s := a.Stats()
	require.Equal(t, s.Arenas, s.FreeBlocks)
	require.Zero(t, s.UsedBlocks)
}

func Test_Tree_CoalesceBothSides(t *testing.T) {
	a, _ := newTestTree(t, 0)

	l := a.Alloc(256)
	m := a.Alloc(256)
	r := a.Alloc(256)
	guard := a.Alloc(256)

	a.Free(m)
	require.Equal(t, 2, a.Stats().FreeBlocks) // m and the arena tail
	a.Free(l)
	a.Free(r)
	requireNoAdjacentFree(t, a)

	s := a.Stats()
	require.Equal(t, 2, s.FreeBlocks)
	require.Equal(t, 1, s.UsedBlocks)
	require.GreaterOrEqual(t, a.MaxAllocation(), 3*256+2*hdrSize)

	big := a.Alloc(3*256 + 2*hdrSize)
	require.Equal(t, l, big, "the merged run serves a request spanning all three")
	a.Free(big)
	a.Free(guard)
	require.Equal(t, 1, a.Stats().FreeBlocks)
}

func Test_Tree_AllocAligned(t *testing.T) {
	a, _ := newTestTree(t, 0)

	var live []unsafe.Pointer
	for _, align := range []uintptr{16, 32, 64, 256, 4096, 65536} {
		for _, size := range []uintptr{1, 100, 600, 5000} {
			p := a.AllocAligned(size, align)
			require.NotNil(t, p)
			require.True(t, layout.IsAligned(p, align), "size %d align %d got %p", size, align, p)
			require.GreaterOrEqual(t, a.Size(p), size)
			fill(p, size, byte(size))
			live = append(live, p)
		}
	}
	require.NoError(t, a.Check())
	for _, p := range live {
		a.Free(p)
	}
	requireNoAdjacentFree(t, a)
	require.Greater(t, a.Purge(), 0)
	require.True(t, a.Empty())
}

func Test_Tree_AlignedShiftsSmallGap(t *testing.T) {
	a, _ := newTestTree(t, 0)

	// The tail after a 64-byte block starts 16 bytes short of a 64-byte
	// boundary: too small to split, so the header moves.
	p := a.Alloc(64)
	q := a.AllocAligned(64, 64)
	require.True(t, layout.IsAligned(q, 64))
	require.Equal(t, uint64(1), a.Stats().Shifts)
	require.Equal(t, uintptr(64+hdrSize), a.Size(p), "previous block absorbs the gap")
	require.NoError(t, a.Check())

	a.Free(q)
	a.Free(p)
}

func Test_Tree_OnResizeReportsAbsorbedGap(t *testing.T) {
	a, _ := newTestTree(t, 0)

	type growth struct {
		p        unsafe.Pointer
		old, new uintptr
	}
	var got []growth
	a.OnResize(func(p unsafe.Pointer, old, new uintptr) {
		got = append(got, growth{p, old, new})
	})

	p := a.Alloc(64)
	q := a.AllocAligned(64, 64)
	require.Equal(t, []growth{{p, 64, 64 + hdrSize}}, got)

	// A gap big enough for its own block is split off, nobody grows.
	r := a.AllocAligned(100, 4096)
	require.Len(t, got, 1)

	a.Free(r)
	a.Free(q)
	a.Free(p)
}

func Test_Tree_AlignedSplitsLargeGap(t *testing.T) {
	a, _ := newTestTree(t, 0)

	p := a.AllocAligned(100, 4096)
	require.True(t, layout.IsAligned(p, 4096))
	s := a.Stats()
	require.Zero(t, s.Shifts)
	require.Equal(t, 2, s.FreeBlocks, "leading gap and tail")
	a.Free(p)
	require.Equal(t, 1, a.Stats().FreeBlocks)
}

func Test_Tree_Resize(t *testing.T) {
	a, _ := newTestTree(t, 0)

	p := a.Alloc(8000)
	require.Equal(t, uintptr(512), a.Resize(p, 500))
	require.Equal(t, uintptr(512), a.Size(p))

	got := a.Resize(p, 5000)
	require.GreaterOrEqual(t, got, uintptr(5000))
	require.Equal(t, got, a.Size(p))

	// Blocked by a used neighbour: unchanged.
	q := a.Alloc(64)
	before := a.Size(p)
	require.Equal(t, before, a.Resize(p, before+1024))

	// Shrinking by less than a block keeps the size.
	require.Equal(t, before, a.Resize(p, before-hdrSize))

	a.Free(q)
	a.Free(p)
}

func Test_Tree_ReallocInPlace(t *testing.T) {
	a, _ := newTestTree(t, 0)

	p := a.Alloc(2000)
	fill(p, 2000, 7)

	q := a.Realloc(p, 1000)
	require.Equal(t, p, q)
	requireFilled(t, q, 1000, 7)

	r := a.Realloc(q, 3000)
	require.Equal(t, p, r, "grows into the free next block")
	requireFilled(t, r, 1000, 7)
	require.Equal(t, uint64(2), a.Stats().InPlace)
	a.Free(r)
}

func Test_Tree_ReallocAbsorbsPrevious(t *testing.T) {
	a, _ := newTestTree(t, 0)

	prev := a.Alloc(1024)
	p := a.Alloc(256)
	guard := a.Alloc(64)
	a.Free(prev)
	fill(p, 256, 0x5a)

	np := a.Realloc(p, 1024)
	require.Equal(t, prev, np, "payload slides down into the previous block")
	requireFilled(t, np, 256, 0x5a)
	require.GreaterOrEqual(t, a.Size(np), uintptr(1024))
	require.NoError(t, a.Check())

	a.Free(np)
	a.Free(guard)
}

func Test_Tree_ReallocMoves(t *testing.T) {
	a, _ := newTestTree(t, 0)

	left := a.Alloc(64)
	p := a.Alloc(512)
	right := a.Alloc(64)
	fill(p, 512, 3)

	np := a.Realloc(p, 8192)
	require.NotEqual(t, p, np)
	requireFilled(t, np, 512, 3)
	require.Zero(t, a.Size(p))
	require.Equal(t, uint64(1), a.Stats().Moves)

	a.Free(left)
	a.Free(right)
	a.Free(np)
}

func Test_Tree_ReallocAligned(t *testing.T) {
	a, _ := newTestTree(t, 0)

	// prev, a small alignment gap, p, then guard blocks the next side.
	prev := a.Alloc(4096)
	p := a.AllocAligned(256, 256)
	guard := a.Alloc(1024)
	a.Free(prev)
	fill(p, 256, 0x33)

	np := a.ReallocAligned(p, 2048, 256)
	require.NotEqual(t, p, np)
	require.Less(t, uintptr(np), uintptr(p), "moved down into the previous block")
	require.True(t, layout.IsAligned(np, 256))
	requireFilled(t, np, 256, 0x33)
	require.GreaterOrEqual(t, a.Size(np), uintptr(2048))
	require.NoError(t, a.Check())

	nq := a.ReallocAligned(np, 64, 256)
	require.Equal(t, np, nq, "shrink stays in place")

	nr := a.ReallocAligned(nq, 100_000, 256)
	require.NotEqual(t, nq, nr)
	require.True(t, layout.IsAligned(nr, 256))
	requireFilled(t, nr, 64, 0x33)

	a.Free(nr)
	a.Free(guard)
}

func Test_Tree_PurgeWholeArenasOnly(t *testing.T) {
	a, src := newTestTree(t, 0)
	ps := pages.PageSize()

	keep := a.Alloc(100)
	big := a.Alloc(4 * ps) // needs its own arena
	require.Equal(t, 2, src.Stats().Regions)

	a.Free(big)
	require.Equal(t, 1, a.Purge())
	require.Equal(t, 0, a.Purge(), "second purge is a no-op")
	require.Equal(t, 1, src.Stats().Regions)
	require.Equal(t, uint64(1), a.Stats().Purged)

	a.Free(keep)
	require.Equal(t, 1, a.Purge())
	require.Zero(t, src.Live())
	require.True(t, a.Empty())
	require.Zero(t, a.MaxAllocation())
}

func Test_Tree_PurgeAfterShiftedFront(t *testing.T) {
	a, src := newTestTree(t, 0)

	p := a.Alloc(64)
	q := a.AllocAligned(64, 64)
	a.Free(p)
	a.Free(q)
	require.Equal(t, 1, a.Purge())
	require.Zero(t, src.Live())
}

func Test_Tree_Exhaustion(t *testing.T) {
	a, src := newTestTree(t, pages.PageSize())

	require.Nil(t, a.Alloc(2*pages.PageSize()))
	require.Nil(t, a.AllocAligned(100, 2*pages.PageSize()))
	require.Equal(t, uint64(2), a.Stats().GrowFailures)
	require.Equal(t, uint64(2), src.Stats().Failures)

	p := a.Alloc(1024)
	require.NotNil(t, p)
	a.Free(p)
}

func Test_Tree_UnusedMemory(t *testing.T) {
	a, _ := newTestTree(t, 0)
	p := a.Alloc(1000)
	s := a.Stats()
	require.Equal(t, s.FreeBytes, a.UnusedMemory())
	require.Equal(t, s.ArenaBytes, s.UsedBytes+s.FreeBytes+uintptr(s.UsedBlocks+s.FreeBlocks)*hdrSize+2*hdrSize)
	a.Free(p)
}

func Test_Tree_RandomOpsKeepInvariants(t *testing.T) {
	a, src := newTestTree(t, 0)
	rng := rand.New(rand.NewPCG(42, 1))

	type live struct {
		p     unsafe.Pointer
		size  uintptr
		align uintptr
		seed  byte
	}
	aligns := []uintptr{0, 0, 0, 32, 64, 256, 4096}
	var lives []live

	for i := range 5000 {
		switch op := rng.IntN(10); {
		case op < 4 || len(lives) == 0:
			size := uintptr(1 + rng.IntN(20000))
			align := aligns[rng.IntN(len(aligns))]
			var p unsafe.Pointer
			if align == 0 {
				p = a.Alloc(size)
			} else {
				p = a.AllocAligned(size, align)
				require.True(t, layout.IsAligned(p, align))
			}
			require.NotNil(t, p)
			seed := byte(i)
			fill(p, size, seed)
			lives = append(lives, live{p, size, align, seed})
		case op < 7:
			j := rng.IntN(len(lives))
			requireFilled(t, lives[j].p, lives[j].size, lives[j].seed)
			a.Free(lives[j].p)
			lives[j] = lives[len(lives)-1]
			lives = lives[:len(lives)-1]
		case op < 9:
			j := rng.IntN(len(lives))
			l := &lives[j]
			size := uintptr(1 + rng.IntN(20000))
			var np unsafe.Pointer
			if l.align == 0 {
				np = a.Realloc(l.p, size)
			} else {
				np = a.ReallocAligned(l.p, size, l.align)
				require.True(t, layout.IsAligned(np, l.align))
			}
			require.NotNil(t, np)
			requireFilled(t, np, min(size, l.size), l.seed)
			l.p, l.size, l.seed = np, size, byte(i)
			fill(np, size, l.seed)
		default:
			j := rng.IntN(len(lives))
			l := &lives[j]
			got := a.Resize(l.p, uintptr(1+rng.IntN(20000)))
			require.Equal(t, got, a.Size(l.p))
			requireFilled(t, l.p, min(got, l.size), l.seed)
			l.size = min(got, l.size)
		}
		if i%250 == 0 {
			require.NoError(t, a.Check())
			requireNoAdjacentFree(t, a)
		}
	}

	for _, l := range lives {
		requireFilled(t, l.p, l.size, l.seed)
		a.Free(l.p)
	}
	require.NoError(t, a.Check())
	a.Purge()
	require.Zero(t, src.Live())
}

func Test_Tree_Concurrent(t *testing.T) {
	a, _ := newTestTree(t, 0)

	var wg sync.WaitGroup
	for w := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 99))
			var held []unsafe.Pointer
			for range 2000 {
				if len(held) > 0 && rng.IntN(2) == 0 {
					p := held[len(held)-1]
					held = held[:len(held)-1]
					if *(*byte)(p) != byte(w) {
						t.Errorf("worker %d: block %p clobbered", w, p)
					}
					a.Free(p)
					continue
				}
				p := a.Alloc(uintptr(600 + rng.IntN(8000)))
				if p == nil {
					t.Error("alloc failed")
					return
				}
				*(*byte)(p) = byte(w)
				held = append(held, p)
			}
			for _, p := range held {
				a.Free(p)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, a.Check())
	require.Zero(t, a.Stats().UsedBlocks)
}

func Benchmark_Tree_AllocFree(b *testing.B) {
	a, _ := newTestTree(b, 0)
	b.ReportAllocs()
	for b.Loop() {
		p := a.Alloc(4096)
		a.Free(p)
	}
}
