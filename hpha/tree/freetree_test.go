package tree

import (
	"math/rand/v2"
	"slices"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/akioCL/o3de-sub000/internal/layout"
)

// fakeBlocks lays out headers for the given payload sizes back to back in
// one word-backed buffer and returns their index nodes.
func fakeBlocks(t *testing.T, sizes []uintptr) []*freeNode {
	t.Helper()
	var total uintptr
	for _, s := range sizes {
		total += hdrSize + s
	}
	words := make([]uintptr, total/unsafe.Sizeof(uintptr(0))+2)
	t.Cleanup(func() { _ = words[0] })
	base := unsafe.Pointer(&words[0])
	base = unsafe.Add(base, layout.AlignOffset(base, hdrSize))

	nodes := make([]*freeNode, 0, len(sizes))
	off := uintptr(0)
	for _, s := range sizes {
		b := layout.BlockAt(unsafe.Add(base, off))
		b.Init(nil, s)
		nodes = append(nodes, nodeOf(b))
		off += hdrSize + s
	}
	return nodes
}

func inOrder(ft *freeTree) []*freeNode {
	var out []*freeNode
	ft.each(func(n *freeNode) bool {
		out = append(out, n)
		return true
	})
	return out
}

func Test_FreeTree_InsertOrdersBySizeThenAddress(t *testing.T) {
	nodes := fakeBlocks(t, []uintptr{64, 32, 64, 16, 128, 32})
	var ft freeTree
	for _, n := range nodes {
		ft.insert(n)
	}
	count, ok := ft.check()
	require.True(t, ok)
	require.Equal(t, 6, count)
	require.Equal(t, 6, ft.len())

	got := inOrder(&ft)
	require.True(t, slices.IsSortedFunc(got, func(a, b *freeNode) int {
		if less(a, b) {
			return -1
		}
		return 1
	}))
	require.Equal(t, nodes[3], got[0])
	require.Equal(t, nodes[1], got[1], "lower address first among equal sizes")
	require.Equal(t, nodes[5], got[2])
	require.Equal(t, nodes[4], ft.max())
}

func Test_FreeTree_LowerBound(t *testing.T) {
	nodes := fakeBlocks(t, []uintptr{32, 96, 48, 256, 96})
	var ft freeTree
	for _, n := range nodes {
		ft.insert(n)
	}
	require.Equal(t, nodes[0], ft.lowerBound(1))
	require.Equal(t, nodes[0], ft.lowerBound(32))
	require.Equal(t, nodes[2], ft.lowerBound(33))
	require.Equal(t, nodes[1], ft.lowerBound(96))
	require.Equal(t, nodes[3], ft.lowerBound(97))
	require.Nil(t, ft.lowerBound(257))

	require.Equal(t, nodes[4], ft.next(nodes[1]))
	require.Equal(t, nodes[3], ft.next(nodes[4]))
	require.Nil(t, ft.next(nodes[3]))
}

func Test_FreeTree_Remove(t *testing.T) {
	nodes := fakeBlocks(t, []uintptr{16, 32, 48, 64, 80, 96, 112})
	var ft freeTree
	for _, n := range nodes {
		ft.insert(n)
	}
	for _, i := range []int{3, 0, 6} {
		ft.remove(nodes[i])
		require.False(t, ft.contains(nodes[i]))
		_, ok := ft.check()
		require.True(t, ok)
	}
	require.Equal(t, 4, ft.len())
	require.Equal(t, []*freeNode{nodes[1], nodes[2], nodes[4], nodes[5]}, inOrder(&ft))
	require.Equal(t, nodes[4], ft.lowerBound(64))
}

func Test_FreeTree_RandomChurn(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	sizes := make([]uintptr, 300)
	for i := range sizes {
		sizes[i] = uintptr(1+rng.IntN(40)) * hdrSize
	}
	nodes := fakeBlocks(t, sizes)

	var ft freeTree
	in := make([]bool, len(nodes))
	for range 3000 {
		i := rng.IntN(len(nodes))
		if in[i] {
			ft.remove(nodes[i])
		} else {
			ft.insert(nodes[i])
		}
		in[i] = !in[i]
	}

	want := 0
	for i, n := range nodes {
		require.Equal(t, in[i], ft.contains(n))
		if in[i] {
			want++
		}
	}
	count, ok := ft.check()
	require.True(t, ok)
	require.Equal(t, want, count)

	// Walking via next matches the in-order traversal.
	all := inOrder(&ft)
	if len(all) > 0 {
		n := ft.lowerBound(0)
		for _, m := range all {
			require.Equal(t, m, n)
			n = ft.next(n)
		}
		require.Nil(t, n)
	}
}
