package tralloc

import (
	"github.com/Simon-Swenson-8351/tralloc/pkg/xunsafe"
)

// Alloc allocates size bytes and returns a pointer to the payload, or nil
// when the arena is exhausted.
//
// The size is rounded up to a machine-word multiple, and to the minimum
// trackable payload when smaller; a zero size is served like a one-byte
// request. The returned payload is word-aligned and uninitialized.
func (h *Heap) Alloc(size int) *byte {
	if !h.ensure() {
		return nil
	}

	size = alignUp(size)
	if size < nodeSize {
		size = nodeSize
	}

	c := h.takeFit(size)
	if c == 0 {
		p := h.extend(headerSize + size + footerSize)
		if p == 0 {
			return nil
		}

		c = chunk(p)
		c.header().size = size
		c.footer().size = size
	} else if c.size() >= size+footerSize+headerSize+nodeSize {
		// The surplus is big enough to stand alone as a chunk: carve it off
		// the tail and put it back in the tree. Anything smaller stays inside
		// c, untracked.
		r := chunk(c.addr().ByteAdd(headerSize + size + footerSize))
		*r.header() = header{size: c.size() - size - footerSize - headerSize}
		r.footer().size = r.size()
		h.insert(r)

		c.setSize(size)
		h.Log("split", "%v keeps %d, remainder %v size %d", c.addr(), size, r.addr(), r.size())
	}

	c.header().inUse = true

	h.stats.Allocs++
	h.stats.LiveBytes += c.size()

	p := c.payload().AssertValid()
	if h.live != nil {
		h.live.Add(uintptr(c.payload()))
	}
	h.Log("alloc", "%v size %d", c.payload(), c.size())
	return p
}

// Free returns a payload previously obtained from Alloc to the heap.
//
// The chunk merges with whichever arena neighbors are free before rejoining
// the free tree, so freeing never leaves two adjacent free chunks. Freeing a
// foreign pointer or freeing twice is undefined unless the heap was built
// with [WithPointerChecks].
func (h *Heap) Free(p *byte) {
	addr := xunsafe.AddrOf(p)
	if h.live != nil && !h.live.Delete(uintptr(addr)) {
		panic("tralloc: free of pointer not allocated by this heap")
	}

	c := chunkOfPayload(addr)
	h.stats.Frees++
	h.stats.LiveBytes -= c.size()
	h.Log("free", "%v size %d", addr, c.size())

	// Backward coalesce. The footer just below c belongs to its arena
	// predecessor; a recorded size of zero means that predecessor is the
	// sentinel, which never merges.
	if c.addr() != h.first && c.prevFooter().size != 0 {
		if q := c.prev(); !q.inUse() {
			h.remove(q)
			q.setSize(q.size() + footerSize + headerSize + c.size())
			c = q
		}
	}

	// Forward coalesce, unless c is the last chunk before the guard.
	if c.end() != h.guard() {
		if n := c.next(); !n.inUse() {
			h.remove(n)
			c.setSize(c.size() + footerSize + headerSize + n.size())
		}
	}

	h.insert(c)
}

// alignUp rounds the size up to the machine-word boundary.
func alignUp(size int) int {
	size += Align - 1
	size &^= Align - 1
	return size
}
