package tralloc

import (
	"github.com/Simon-Swenson-8351/tralloc/internal/debug"
	"github.com/Simon-Swenson-8351/tralloc/pkg/xunsafe"
)

// The free tree is a size-keyed, unbalanced BST stored inside the payloads of
// the free chunks themselves. The sentinel chunk is the root holder: its
// recorded size of zero compares below every real size, so the whole tree
// hangs off its right child and every real node has a non-nil parent. The
// sentinel's left child stays empty.
//
// Duplicate sizes are legal on either side of their parent, so the ordering
// invariant is left <= parent <= right.

// insert threads c into the free tree and clears its in-use flag.
//
// Duplicate keys alternate sides via a heap-wide toggle flipped on every
// equal comparison, which keeps runs of same-sized frees from degenerating
// into a single-sided chain.
func (h *Heap) insert(c chunk) {
	size := c.size()
	cur := h.sentinel

	for {
		var slot *xunsafe.Addr[byte]

		n := cur.node()
		switch {
		case size < cur.size():
			slot = &n.left
		case size > cur.size():
			slot = &n.right
		default:
			h.insertLeft = !h.insertLeft
			if h.insertLeft {
				slot = &n.left
			} else {
				slot = &n.right
			}
		}

		if *slot == 0 {
			*slot = c.addr()
			*c.node() = node{parent: cur.addr()}
			c.header().inUse = false
			h.Log("insert", "%v size %d under %v", c.addr(), size, cur.addr())
			return
		}

		cur = chunk(*slot)
	}
}

// takeFit removes and returns a free chunk whose size is at least size, or
// zero if none exists.
//
// The descent starts at the sentinel and only ever goes right while the
// current node is too small, so it returns the first sufficiently large chunk
// on the right spine rather than the best fit.
func (h *Heap) takeFit(size int) chunk {
	cur := h.sentinel

	for {
		if cur.size() < size {
			r := cur.right()
			if r == 0 {
				return 0
			}
			cur = r
			continue
		}

		h.remove(cur)
		return cur
	}
}

// remove unlinks c from the free tree. c stays flagged free; the caller
// either hands it out, coalesces it away, or reinserts it.
func (h *Heap) remove(c chunk) {
	debug.Assert(c != h.sentinel, "cannot remove the sentinel")

	p := c.parent()
	slot := p.slotOf(c)

	left, right := c.left(), c.right()
	switch {
	case left == 0 && right == 0:
		*slot = 0

	case left == 0:
		*slot = right.addr()
		right.node().parent = p.addr()

	case right == 0:
		*slot = left.addr()
		left.node().parent = p.addr()

	default:
		// Two children: replace c with its in-order predecessor or successor,
		// alternating between the two so repeated removals don't skew the
		// tree. The replacement has at most one child, so the nested remove
		// bottoms out in one of the cases above.
		h.takePred = !h.takePred

		var r chunk
		if h.takePred {
			r = findLargest(left)
		} else {
			r = findSmallest(right)
		}

		h.remove(r)

		// Detaching r may have rewritten c's child links (when r was a direct
		// child of c), so reload them before grafting r into c's place.
		left, right = c.left(), c.right()

		*slot = r.addr()
		*r.node() = node{parent: p.addr(), left: left.addr(), right: right.addr()}
		if left != 0 {
			left.node().parent = r.addr()
		}
		if right != 0 {
			right.node().parent = r.addr()
		}
	}

	h.Log("remove", "%v size %d", c.addr(), c.size())
}

// slotOf returns the child pointer of c that refers to k.
func (c chunk) slotOf(k chunk) *xunsafe.Addr[byte] {
	n := c.node()
	if n.left == k.addr() {
		return &n.left
	}

	debug.Assert(n.right == k.addr(), "%v is not a child of %v", k.addr(), c.addr())
	return &n.right
}

// findLargest returns the rightmost chunk of the subtree rooted at c.
func findLargest(c chunk) chunk {
	for c.right() != 0 {
		c = c.right()
	}
	return c
}

// findSmallest returns the leftmost chunk of the subtree rooted at c.
func findSmallest(c chunk) chunk {
	for c.left() != 0 {
		c = c.left()
	}
	return c
}
