package pages

import (
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/akioCL/o3de-sub000/internal/layout"
)

func Test_Pages_PageSize(t *testing.T) {
	ps := PageSize()
	require.True(t, layout.IsPow2(ps))
	require.GreaterOrEqual(t, ps, uintptr(4096))
}

func Test_Pages_OSAllocateAligned(t *testing.T) {
	src := OS()
	ps := PageSize()
	for _, align := range []uintptr{ps, 4 * ps, 64 << 10, 1 << 20} {
		size := 3 * ps
		p, err := src.Allocate(size, align)
		require.NoError(t, err, "align %d", align)
		require.True(t, layout.IsAligned(p, align), "align %d got %p", align, p)

		buf := unsafe.Slice((*byte)(p), size)
		for i := range buf {
			buf[i] = byte(i)
		}
		for i := range buf {
			require.Equal(t, byte(i), buf[i])
		}
		src.Deallocate(p, size, align)
	}
}

func Test_Pages_OSRejectsBadRequests(t *testing.T) {
	_, err := OS().Allocate(0, PageSize())
	require.ErrorIs(t, err, ErrOutOfMemory)

	_, err = OS().Allocate(PageSize(), 3)
	require.ErrorIs(t, err, ErrBadAlignment)

	OS().Deallocate(nil, PageSize(), PageSize())
}

func Test_Pages_CountingLimit(t *testing.T) {
	ps := PageSize()
	c := NewCounting(OS(), 2*ps)

	a, err := c.Allocate(ps, ps)
	require.NoError(t, err)
	b, err := c.Allocate(ps, ps)
	require.NoError(t, err)

	_, err = c.Allocate(ps, ps)
	require.True(t, errors.Is(err, ErrOutOfMemory))

	s := c.Stats()
	require.Equal(t, 2*ps, s.Live)
	require.Equal(t, 2*ps, s.Peak)
	require.Equal(t, 2, s.Regions)
	require.Equal(t, uint64(2), s.Allocs)
	require.Equal(t, uint64(1), s.Failures)

	c.Deallocate(a, ps, ps)
	c.Deallocate(b, ps, ps)
	require.Equal(t, uintptr(0), c.Live())

	c.SetLimit(0)
	p, err := c.Allocate(8*ps, ps)
	require.NoError(t, err)
	c.Deallocate(p, 8*ps, ps)
	require.Equal(t, 8*ps, c.Stats().Peak)
}

func Test_Pages_CountingMismatchPanics(t *testing.T) {
	ps := PageSize()
	c := NewCounting(nil, 0)
	p, err := c.Allocate(ps, ps)
	require.NoError(t, err)
	require.Panics(t, func() { c.Deallocate(p, 2*ps, ps) })
	c.Deallocate(p, ps, ps)
	require.Panics(t, func() { c.Deallocate(p, ps, ps) })
}

func Test_Pages_CountingConcurrent(t *testing.T) {
	ps := PageSize()
	c := NewCounting(OS(), 0)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				p, err := c.Allocate(ps, ps)
				if err != nil {
					t.Error(err)
					return
				}
				*(*byte)(p) = 1
				c.Deallocate(p, ps, ps)
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	require.Equal(t, uintptr(0), s.Live)
	require.Equal(t, uint64(400), s.Allocs)
	require.Equal(t, uint64(400), s.Deallocs)
}
