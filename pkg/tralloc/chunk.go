package tralloc

import (
	"unsafe"

	"github.com/Simon-Swenson-8351/tralloc/pkg/xunsafe"
)

// Align is the alignment of all payloads handed out by a Heap.
const Align = int(unsafe.Sizeof(uintptr(0)))

// header sits immediately before every payload and records the payload size
// in bytes together with the in-use flag.
type header struct {
	size  int
	inUse bool
}

// footer duplicates the payload size at the end of the chunk. The duplicate is
// what makes the left neighbor's header reachable in constant time, which the
// backward coalesce depends on.
type footer struct {
	size int
}

// node is the free-tree metadata that occupies the payload bytes of a free
// chunk. All three fields are raw addresses of chunk headers in the arena;
// zero means absent.
type node struct {
	parent, left, right xunsafe.Addr[byte]
}

// Pad constants. Each region is sized up to a machine-word multiple so that
// payloads stay word-aligned no matter how chunks are packed.
const (
	headerSize = (int(unsafe.Sizeof(header{})) + Align - 1) &^ (Align - 1)
	footerSize = (int(unsafe.Sizeof(footer{})) + Align - 1) &^ (Align - 1)

	// nodeSize is also the minimum payload of any chunk: a freed payload must
	// have room for its tree node.
	nodeSize = (int(unsafe.Sizeof(node{})) + Align - 1) &^ (Align - 1)
)

// chunk is the address of a chunk header. The zero value means "no chunk".
//
// A chunk occupies [addr, addr+headerSize+extent+footerSize): header, then
// payload, then footer. All navigation below is pointer arithmetic over that
// layout:
//
//	payload  = addr + headerSize
//	footer   = payload + extent
//	next     = footer + footerSize
//	prev     = addr - footerSize - prevFooter.size - headerSize
type chunk xunsafe.Addr[byte]

func (c chunk) addr() xunsafe.Addr[byte] { return xunsafe.Addr[byte](c) }

func (c chunk) header() *header {
	return xunsafe.Cast[header](c.addr().AssertValid())
}

func (c chunk) size() int   { return c.header().size }
func (c chunk) inUse() bool { return c.header().inUse }

// extent is the number of payload bytes the chunk physically occupies. Every
// real chunk's payload is at least nodeSize; the sentinel records size 0 but
// still carries its tree node, so its physical payload is nodeSize too.
func (c chunk) extent() int { return max(c.size(), nodeSize) }

// payload returns the address of the chunk's payload bytes.
func (c chunk) payload() xunsafe.Addr[byte] { return c.addr().ByteAdd(headerSize) }

func (c chunk) footer() *footer {
	return xunsafe.Cast[footer](c.payload().ByteAdd(c.extent()).AssertValid())
}

// end returns the first byte past the chunk's footer, which is the header
// address of its arena successor.
func (c chunk) end() xunsafe.Addr[byte] {
	return c.payload().ByteAdd(c.extent() + footerSize)
}

func (c chunk) next() chunk { return chunk(c.end()) }

// setSize records a new payload size in both the header and the footer. The
// footer moves when the size changes, so it must be rewritten after every
// size update.
func (c chunk) setSize(n int) {
	c.header().size = n
	c.footer().size = n
}

// node reinterprets the payload bytes as the chunk's free-tree node. Only
// meaningful while the chunk is free.
func (c chunk) node() *node {
	return xunsafe.Cast[node](c.payload().AssertValid())
}

func (c chunk) parent() chunk { return chunk(c.node().parent) }
func (c chunk) left() chunk   { return chunk(c.node().left) }
func (c chunk) right() chunk  { return chunk(c.node().right) }

// chunkOfPayload recovers the chunk from a payload address previously handed
// out by Alloc.
func chunkOfPayload(p xunsafe.Addr[byte]) chunk {
	return chunk(p.ByteAdd(-headerSize))
}

// prevFooter reads the footer of the chunk's arena predecessor, which ends
// immediately before this chunk's header.
func (c chunk) prevFooter() *footer {
	return xunsafe.Cast[footer](c.addr().ByteAdd(-footerSize).AssertValid())
}

// prev returns the arena predecessor derived from its footer. A size-0 footer
// belongs to the sentinel, whose header does not sit at the usual offset;
// callers must test for that before calling prev.
func (c chunk) prev() chunk {
	return chunk(c.addr().ByteAdd(-(footerSize + c.prevFooter().size + headerSize)))
}
