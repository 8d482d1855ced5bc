package tree

import (
	"unsafe"

	"github.com/akioCL/o3de-sub000/internal/layout"
)

// freeNode is the index entry of an unused block. It occupies the first
// bytes of the block's payload, so free blocks carry no side storage.
type freeNode struct {
	left  *freeNode
	right *freeNode
}

// freeNodeSize is the smallest payload a tree block may have.
const freeNodeSize = unsafe.Sizeof(freeNode{})

func nodeOf(b *layout.BlockHeader) *freeNode { return (*freeNode)(b.Mem()) }

func (n *freeNode) block() *layout.BlockHeader { return layout.BlockOf(unsafe.Pointer(n)) }

func (n *freeNode) size() uintptr { return n.block().Size() }

// priority derives the heap priority from the node address (a 64-bit
// finalizer mix), so it needs no storage and stays stable while the node
// is indexed.
func (n *freeNode) priority() uint64 {
	x := uint64(uintptr(unsafe.Pointer(n)))
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// less orders nodes by block size, then by address, so equal sizes
// coexist and every node has a unique key.
func less(a, b *freeNode) bool {
	as, bs := a.size(), b.size()
	if as != bs {
		return as < bs
	}
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}

// freeTree is an intrusive treap of free blocks: a binary search tree on
// (size, address) that is also a max-heap on priority.
type freeTree struct {
	root  *freeNode
	count int
}

func (t *freeTree) len() int { return t.count }

func (t *freeTree) insert(n *freeNode) {
	n.left, n.right = nil, nil
	t.root = insertAt(t.root, n)
	t.count++
}

func insertAt(root, n *freeNode) *freeNode {
	if root == nil {
		return n
	}
	if less(n, root) {
		root.left = insertAt(root.left, n)
		if root.left.priority() > root.priority() {
			root = rotateRight(root)
		}
	} else {
		root.right = insertAt(root.right, n)
		if root.right.priority() > root.priority() {
			root = rotateLeft(root)
		}
	}
	return root
}

func rotateRight(n *freeNode) *freeNode {
	l := n.left
	n.left = l.right
	l.right = n
	return l
}

func rotateLeft(n *freeNode) *freeNode {
	r := n.right
	n.right = r.left
	r.left = n
	return r
}

// remove unlinks n, which must be in the tree. Its key is found by descent
// so no parent links are needed.
func (t *freeTree) remove(n *freeNode) {
	t.root = removeAt(t.root, n)
	t.count--
}

func removeAt(root, n *freeNode) *freeNode {
	if root == n {
		return merge(n.left, n.right)
	}
	if less(n, root) {
		root.left = removeAt(root.left, n)
	} else {
		root.right = removeAt(root.right, n)
	}
	return root
}

// merge joins two treaps where every key in a precedes every key in b.
func merge(a, b *freeNode) *freeNode {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.priority() > b.priority() {
		a.right = merge(a.right, b)
		return a
	}
	b.left = merge(a, b.left)
	return b
}

// lowerBound returns the smallest node whose block size is at least size.
func (t *freeTree) lowerBound(size uintptr) *freeNode {
	var best *freeNode
	for n := t.root; n != nil; {
		if n.size() >= size {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return best
}

// next returns the in-order successor of n.
func (t *freeTree) next(n *freeNode) *freeNode {
	if n.right != nil {
		m := n.right
		for m.left != nil {
			m = m.left
		}
		return m
	}
	var succ *freeNode
	for m := t.root; m != n; {
		if less(n, m) {
			succ = m
			m = m.left
		} else {
			m = m.right
		}
	}
	return succ
}

// max returns the node with the largest block, or nil.
func (t *freeTree) max() *freeNode {
	n := t.root
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

// contains reports whether n is linked into the tree.
func (t *freeTree) contains(n *freeNode) bool {
	for m := t.root; m != nil; {
		if m == n {
			return true
		}
		if less(n, m) {
			m = m.left
		} else {
			m = m.right
		}
	}
	return false
}

// each calls fn for every node in ascending order until fn returns false.
// fn must not modify the tree.
func (t *freeTree) each(fn func(*freeNode) bool) {
	eachAt(t.root, fn)
}

func eachAt(n *freeNode, fn func(*freeNode) bool) bool {
	for n != nil {
		if !eachAt(n.left, fn) || !fn(n) {
			return false
		}
		n = n.right
	}
	return true
}

// check verifies ordering and heap order, returning the node count.
func (t *freeTree) check() (int, bool) {
	count := 0
	ok := checkAt(t.root, nil, nil, &count)
	return count, ok && count == t.count
}

func checkAt(n, lo, hi *freeNode, count *int) bool {
	if n == nil {
		return true
	}
	*count++
	if lo != nil && !less(lo, n) || hi != nil && !less(n, hi) {
		return false
	}
	if n.left != nil && n.left.priority() > n.priority() {
		return false
	}
	if n.right != nil && n.right.priority() > n.priority() {
		return false
	}
	return checkAt(n.left, lo, n, count) && checkAt(n.right, n, hi, count)
}
