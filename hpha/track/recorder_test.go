package track

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ptrs returns n distinct stable pointers into one buffer.
func ptrs(t *testing.T, n int) []unsafe.Pointer {
	t.Helper()
	buf := make([]byte, n*16)
	t.Cleanup(func() { _ = buf[0] })
	out := make([]unsafe.Pointer, n)
	for i := range out {
		out[i] = unsafe.Pointer(&buf[i*16])
	}
	return out
}

func Test_Recorder_Counters(t *testing.T) {
	r := New(Options{})
	p := ptrs(t, 2)

	r.AddAllocated(4096)
	r.AddRecord(p[0], 100, 112, 0)
	r.AddRecord(p[1], 30, 32, 16)

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, uintptr(130), r.Requested())
	assert.Equal(t, uintptr(144), r.InUse())
	assert.Equal(t, uintptr(4096), r.Allocated())
	assert.Equal(t, uintptr(4096-130), r.Fragmented())
	assert.False(t, r.Enabled())
	assert.Empty(t, r.Records())

	r.RemoveRecord(p[0], 100, 112)
	r.RemoveAllocated(4096)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, uintptr(30), r.Requested())
	assert.Zero(t, r.Fragmented(), "never negative")
}

func Test_Recorder_RecordsSorted(t *testing.T) {
	r := New(Options{Records: true})
	p := ptrs(t, 4)
	for _, i := range []int{2, 0, 3, 1} {
		r.AddRecord(p[i], uintptr(i+1), uintptr(8*(i+1)), 8)
	}
	recs := r.Records()
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, uintptr(p[i]), rec.Addr)
		assert.Equal(t, uintptr(i+1), rec.Requested)
		assert.Nil(t, rec.Stack)
	}

	r.RemoveRecord(p[3], 4, 32)
	assert.Len(t, r.Records(), 3)
}

func Test_Recorder_Stacks(t *testing.T) {
	r := New(Options{Stacks: true})
	require.True(t, r.Enabled())
	p := ptrs(t, 1)
	r.AddRecord(p[0], 8, 8, 0)

	recs := r.Records()
	require.Len(t, recs, 1)
	frames := recs[0].Frames()
	require.NotEmpty(t, frames)
	assert.True(t, strings.HasSuffix(frames[0].Function, "Test_Recorder_Stacks"), frames[0].Function)
}

func Test_Recorder_Print(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	r := New(Options{Stacks: true})
	p := ptrs(t, 2)
	r.AddRecord(p[0], 10, 16, 0)
	r.AddRecord(p[1], 20, 32, 0)

	r.Print(log, "game")
	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "\n"))
	assert.Contains(t, out, "allocator=game")
	assert.Contains(t, out, "requested=20")
	assert.Contains(t, out, "stack=")
}

func Test_Recorder_Resize(t *testing.T) {
	r := New(Options{Records: true})
	p := ptrs(t, 1)
	r.AddRecord(p[0], 1024, 1024, 0)
	r.Resize(p[0], 1024, 2048)

	assert.Equal(t, uintptr(2048), r.InUse())
	assert.Equal(t, uintptr(2048), r.Requested())
	recs := r.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, uintptr(2048), recs[0].Allocated)
	assert.Equal(t, 1, r.Count())
}

func Test_Recorder_Move(t *testing.T) {
	dst := New(Options{Records: true})
	src := New(Options{Records: true})
	p := ptrs(t, 3)

	dst.AddRecord(p[0], 1, 8, 0)
	src.AddRecord(p[1], 2, 8, 0)
	src.AddRecord(p[2], 3, 8, 0)
	src.AddAllocated(4096)

	dst.Move(src)
	assert.Equal(t, 3, dst.Count())
	assert.Equal(t, uintptr(6), dst.Requested())
	assert.Len(t, dst.Records(), 3)

	assert.Zero(t, src.Count())
	assert.Zero(t, src.Requested())
	assert.Empty(t, src.Records())
	assert.Equal(t, uintptr(4096), src.Allocated(), "source bytes stay put")

	dst.Move(dst)
	dst.Move(nil)
	assert.Equal(t, 3, dst.Count())
}

func Test_Recorder_MovedRecordsSettleAtDestination(t *testing.T) {
	dst := New(Options{Records: true})
	src := New(Options{Records: true})
	p := ptrs(t, 2)

	src.AddRecord(p[0], 32, 32, 0)
	dst.Move(src)
	src.AddRecord(p[1], 16, 16, 0)

	src.Resize(p[0], 32, 48)
	assert.Equal(t, uintptr(48), dst.InUse())
	src.RemoveRecord(p[0], 48, 48)
	assert.Zero(t, dst.Count())
	assert.Zero(t, dst.InUse())
	assert.Empty(t, dst.Records())

	// Allocations made after the move stay local.
	assert.Equal(t, 1, src.Count())
	src.RemoveRecord(p[1], 16, 16)
	assert.Zero(t, src.Count())
	assert.Zero(t, src.InUse())
}

func Test_Recorder_CountersNeverWrap(t *testing.T) {
	dst := New(Options{})
	src := New(Options{})
	p := ptrs(t, 1)

	src.AddRecord(p[0], 64, 64, 0)
	dst.Move(src)
	src.RemoveRecord(p[0], 64, 64)

	assert.Zero(t, src.Count())
	assert.Zero(t, src.InUse())
	assert.Zero(t, src.Requested())
	assert.Equal(t, uintptr(64), dst.InUse())
}

func Test_Recorder_Concurrent(t *testing.T) {
	r := New(Options{Records: true})
	p := ptrs(t, 800)

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := p[w*100 : (w+1)*100]
			for _, q := range mine {
				r.AddRecord(q, 16, 16, 0)
			}
			for _, q := range mine[:50] {
				r.RemoveRecord(q, 16, 16)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, r.Count())
	assert.Len(t, r.Records(), 400)
	assert.Equal(t, uintptr(400*16), r.Requested())
}
