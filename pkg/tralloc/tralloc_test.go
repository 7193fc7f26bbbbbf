package tralloc

import (
	"fmt"
	"math/rand"
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/Simon-Swenson-8351/tralloc/internal/debug"
	"github.com/Simon-Swenson-8351/tralloc/pkg/xunsafe"
)

// arenaWalk returns every chunk in arena order, the sentinel included.
func arenaWalk(h *Heap) []chunk {
	if h.sentinel == 0 {
		return nil
	}

	var out []chunk
	for addr := h.first; addr < h.guard(); {
		c := chunk(addr)
		out = append(out, c)
		addr = c.end()
	}
	return out
}

// treeWalk returns every chunk reachable from the sentinel's right child.
func treeWalk(h *Heap) map[chunk]bool {
	out := make(map[chunk]bool)
	var visit func(c chunk)
	visit = func(c chunk) {
		if c == 0 {
			return
		}
		out[c] = true
		visit(c.left())
		visit(c.right())
	}
	visit(h.sentinel.right())
	return out
}

// checkHeap verifies every structural invariant of the heap and returns a
// description of each violation found.
func checkHeap(h *Heap) (problems []string) {
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if h.sentinel == 0 {
		return nil
	}

	// Arena seamlessness: the walk must land exactly on the guard address.
	addr := h.first
	var chunks []chunk
	for addr < h.guard() {
		c := chunk(addr)
		chunks = append(chunks, c)
		addr = c.end()
	}
	if addr != h.guard() {
		bad("arena walk overran the guard: %v != %v", addr, h.guard())
		return
	}

	free := make(map[chunk]bool)
	var prev chunk
	for i, c := range chunks {
		if c.size() != c.footer().size {
			bad("chunk %v: header size %d != footer size %d", c.addr(), c.size(), c.footer().size)
		}

		if c != h.sentinel && !c.inUse() {
			free[c] = true
			if i > 0 && prev != h.sentinel && !prev.inUse() {
				bad("adjacent free chunks %v and %v", prev.addr(), c.addr())
			}
		}
		prev = c
	}

	// Tree reachability must match the arena's free set exactly.
	reachable := treeWalk(h)
	for c := range reachable {
		if !free[c] {
			bad("tree chunk %v is not a free arena chunk", c.addr())
		}
	}
	for c := range free {
		if !reachable[c] {
			bad("free chunk %v is unreachable from the sentinel", c.addr())
		}
	}

	// BST order and parent back-pointers.
	for c := range reachable {
		p := c.parent()
		switch {
		case p.left() == c:
			if c.size() > p.size() {
				bad("left child %v (size %d) exceeds parent %v (size %d)",
					c.addr(), c.size(), p.addr(), p.size())
			}
		case p.right() == c:
			if c.size() < p.size() {
				bad("right child %v (size %d) undercuts parent %v (size %d)",
					c.addr(), c.size(), p.addr(), p.size())
			}
		default:
			bad("chunk %v is not a child of its parent %v", c.addr(), p.addr())
		}

		if l := c.left(); l != 0 && l.parent() != c {
			bad("left child %v does not point back at %v", l.addr(), c.addr())
		}
		if r := c.right(); r != 0 && r.parent() != c {
			bad("right child %v does not point back at %v", r.addr(), c.addr())
		}
	}

	return
}

// sepSize keeps two tracked chunks apart without ever being split.
const sepSize = nodeSize

func TestHeapFirstAllocation(t *testing.T) {
	Convey("Given a fresh Heap", t, func() {
		h := NewHeap()

		Convey("When allocating 8 bytes", func() {
			p := h.Alloc(8)
			So(p, ShouldNotBeNil)

			Convey("Then the arena holds exactly the sentinel and one chunk", func() {
				chunks := arenaWalk(h)
				So(chunks, ShouldHaveLength, 2)
				So(chunks[0], ShouldEqual, h.sentinel)
				So(chunks[1].inUse(), ShouldBeTrue)
			})

			Convey("Then the tree holds only the sentinel", func() {
				So(h.sentinel.right(), ShouldEqual, chunk(0))
				So(h.sentinel.left(), ShouldEqual, chunk(0))
			})

			Convey("Then the payload is clamped to the minimum and word-aligned", func() {
				c := chunkOfPayload(xunsafe.AddrOf(p))
				So(c.size(), ShouldEqual, nodeSize)
				So(uintptr(unsafe.Pointer(p))%uintptr(Align), ShouldEqual, uintptr(0))
			})

			So(checkHeap(h), ShouldBeEmpty)
		})

		Convey("When allocating 1 byte", func() {
			p := h.Alloc(1)
			So(p, ShouldNotBeNil)

			Convey("Then the chunk's payload is the minimum, not 1", func() {
				So(chunkOfPayload(xunsafe.AddrOf(p)).size(), ShouldEqual, nodeSize)
			})
		})

		Convey("When allocating 0 bytes", func() {
			p := h.Alloc(0)
			So(p, ShouldNotBeNil)
			So(chunkOfPayload(xunsafe.AddrOf(p)).size(), ShouldEqual, nodeSize)
		})
	})
}

func TestHeapSplit(t *testing.T) {
	Convey("Given a Heap with two equal chunks big enough to split", t, func() {
		h := NewHeap()

		size := nodeSize + footerSize + headerSize + nodeSize + 16
		p1 := h.Alloc(size)
		p2 := h.Alloc(size)
		So(p1, ShouldNotBeNil)
		So(p2, ShouldNotBeNil)

		Convey("When freeing the first and allocating 16 bytes", func() {
			h.Free(p1)
			p3 := h.Alloc(16)
			So(p3, ShouldNotBeNil)

			Convey("Then the request is satisfied by splitting the freed chunk", func() {
				So(p3, ShouldEqual, p1)
				So(chunkOfPayload(xunsafe.AddrOf(p3)).size(), ShouldEqual, nodeSize)
			})

			Convey("Then the arena shows three non-sentinel chunks with a free remainder", func() {
				chunks := arenaWalk(h)
				So(chunks, ShouldHaveLength, 4)

				remainder := chunks[2]
				So(remainder.inUse(), ShouldBeFalse)
				So(remainder.size(), ShouldEqual, size-nodeSize-footerSize-headerSize)
			})

			So(checkHeap(h), ShouldBeEmpty)
		})
	})
}

func TestHeapCoalesce(t *testing.T) {
	Convey("Given a Heap with three adjacent chunks", t, func() {
		h := NewHeap()

		a := h.Alloc(32)
		b := h.Alloc(32)
		c := h.Alloc(32)
		So(c, ShouldNotBeNil)

		Convey("When freeing the outer chunks and then the middle one", func() {
			h.Free(a)
			h.Free(c)
			h.Free(b)

			Convey("Then the three chunks merge into one free chunk", func() {
				merged := 32 + footerSize + headerSize + 32 + footerSize + headerSize + 32

				chunks := arenaWalk(h)
				So(chunks, ShouldHaveLength, 2)
				So(chunks[1].inUse(), ShouldBeFalse)
				So(chunks[1].size(), ShouldEqual, merged)

				root := h.sentinel.right()
				So(root, ShouldEqual, chunks[1])
				So(root.left(), ShouldEqual, chunk(0))
				So(root.right(), ShouldEqual, chunk(0))
			})

			So(checkHeap(h), ShouldBeEmpty)
		})
	})
}

func TestHeapDuplicateSizes(t *testing.T) {
	Convey("Given a Heap with four equal-sized free chunks", t, func() {
		h := NewHeap()

		// Separators keep the freed chunks from coalescing.
		var frees []*byte
		for i := 0; i < 4; i++ {
			frees = append(frees, h.Alloc(16))
			h.Alloc(sepSize)
		}
		for _, p := range frees {
			h.Free(p)
		}

		Convey("Then the duplicates are spread across both sides of the root", func() {
			root := h.sentinel.right()
			So(root, ShouldNotEqual, chunk(0))
			So(root.left(), ShouldNotEqual, chunk(0))
			So(root.right(), ShouldNotEqual, chunk(0))
			So(treeWalk(h), ShouldHaveLength, 4)
		})

		So(checkHeap(h), ShouldBeEmpty)
	})
}

func TestHeapFitOrLarger(t *testing.T) {
	Convey("Given a Heap whose tree holds sizes 32, 64 and 128", t, func() {
		h := NewHeap()

		var frees []*byte
		for _, size := range []int{32, 64, 128} {
			frees = append(frees, h.Alloc(size))
			h.Alloc(sepSize)
		}
		for _, p := range frees {
			h.Free(p)
		}

		Convey("When allocating 40 bytes", func() {
			p := h.Alloc(40)
			So(p, ShouldNotBeNil)

			Convey("Then the 64-byte chunk is taken and the others remain", func() {
				So(p, ShouldEqual, frees[1])

				var sizes []int
				for c := range treeWalk(h) {
					sizes = append(sizes, c.size())
				}
				So(sizes, ShouldHaveLength, 2)
				So(sizes, ShouldContain, 32)
				So(sizes, ShouldContain, 128)
			})

			So(checkHeap(h), ShouldBeEmpty)
		})
	})
}

func TestHeapOutOfMemory(t *testing.T) {
	Convey("Given a Heap with a tiny reservation", t, func() {
		sentinel := headerSize + nodeSize + footerSize
		h := NewHeap(WithCapacity(sentinel + headerSize + 64 + footerSize))

		Convey("When the reservation is exhausted", func() {
			p := h.Alloc(64)
			So(p, ShouldNotBeNil)

			guard := h.guard()
			q := h.Alloc(64)

			Convey("Then allocation fails without mutating the arena", func() {
				So(q, ShouldBeNil)
				So(h.guard(), ShouldEqual, guard)
				So(checkHeap(h), ShouldBeEmpty)
			})

			Convey("Then freed memory can still be reused", func() {
				h.Free(p)
				r := h.Alloc(64)
				So(r, ShouldEqual, p)
			})
		})

		Convey("When the reservation cannot even hold the sentinel", func() {
			tiny := NewHeap(WithCapacity(8))
			So(tiny.Alloc(8), ShouldBeNil)
		})
	})
}

func TestHeapRoundTrip(t *testing.T) {
	Convey("Given a Heap with some standing allocations", t, func() {
		h := NewHeap()

		h.Alloc(48)
		keep := h.Alloc(96)
		h.Free(keep)

		before := h.Stats().FreeBytes

		Convey("When a value is allocated and freed again", func() {
			p := h.Alloc(64)
			So(p, ShouldNotBeNil)
			h.Free(p)

			Convey("Then coalescing never loses capacity", func() {
				So(h.Stats().FreeBytes, ShouldBeGreaterThanOrEqualTo, before)
			})

			So(checkHeap(h), ShouldBeEmpty)
		})
	})
}

func TestHeapRandomWorkload(t *testing.T) {
	defer debug.WithTesting(t)()

	Convey("Given a randomized allocate/free workload", t, func() {
		h := NewHeap(WithCapacity(1 << 22))
		rng := rand.New(rand.NewSource(1))

		type allocation struct {
			p    *byte
			size int
		}
		var live []allocation
		guard := h.guard()

		for round := 0; round < 200; round++ {
			for i := 0; i < 20; i++ {
				if len(live) > 0 && rng.Intn(2) == 0 {
					j := rng.Intn(len(live))
					h.Free(live[j].p)
					live[j] = live[len(live)-1]
					live = live[:len(live)-1]
					continue
				}

				size := rng.Intn(512)
				p := h.Alloc(size)
				So(p, ShouldNotBeNil)
				live = append(live, allocation{p, size})
			}

			So(checkHeap(h), ShouldBeEmpty)

			// The guard only moves forward.
			So(h.guard(), ShouldBeGreaterThanOrEqualTo, guard)
			guard = h.guard()
		}

		Convey("When everything is freed", func() {
			for _, a := range live {
				h.Free(a.p)
			}

			Convey("Then the arena collapses back to a single free chunk", func() {
				chunks := arenaWalk(h)
				So(chunks, ShouldHaveLength, 2)
				So(chunks[1].inUse(), ShouldBeFalse)
				So(checkHeap(h), ShouldBeEmpty)
			})
		})
	})
}

func TestHeapAllocationFit(t *testing.T) {
	Convey("Given a Heap", t, func() {
		h := NewHeap()

		Convey("Then every returned chunk fits its rounded request", func() {
			for _, size := range []int{0, 1, 7, 8, 9, 24, 25, 100, 4096} {
				p := h.Alloc(size)
				So(p, ShouldNotBeNil)

				want := alignUp(size)
				if want < nodeSize {
					want = nodeSize
				}
				So(chunkOfPayload(xunsafe.AddrOf(p)).size(), ShouldBeGreaterThanOrEqualTo, want)
			}
		})
	})
}

func TestHeapPointerChecks(t *testing.T) {
	Convey("Given a Heap with pointer checks armed", t, func() {
		h := NewHeap(WithPointerChecks())

		Convey("When freeing a live pointer", func() {
			p := h.Alloc(32)
			So(func() { h.Free(p) }, ShouldNotPanic)

			Convey("Then freeing it again panics", func() {
				So(func() { h.Free(p) }, ShouldPanic)
			})
		})

		Convey("When freeing a pointer the heap never allocated", func() {
			foreign := new(byte)
			So(func() { h.Free(foreign) }, ShouldPanic)
		})
	})
}

func TestHeapNewFree(t *testing.T) {
	Convey("Given a Heap", t, func() {
		h := NewHeap()

		type record struct {
			ID   int64
			Seen bool
		}

		Convey("When allocating a typed value", func() {
			p := New(h, record{ID: 42, Seen: true})
			So(p, ShouldNotBeNil)
			So(p.ID, ShouldEqual, 42)
			So(p.Seen, ShouldBeTrue)

			Convey("Then freeing it returns the chunk to the tree", func() {
				Free(h, p)
				So(h.Stats().FreeChunks, ShouldEqual, 1)
				So(checkHeap(h), ShouldBeEmpty)
			})
		})

		Convey("When the arena is exhausted", func() {
			tiny := NewHeap(WithCapacity(headerSize + nodeSize + footerSize))
			So(New(tiny, record{}), ShouldBeNil)
		})
	})
}

func TestHeapStats(t *testing.T) {
	Convey("Given a Heap", t, func() {
		h := NewHeap()

		Convey("When allocating and freeing", func() {
			p := h.Alloc(64)
			q := h.Alloc(64)
			So(q, ShouldNotBeNil)
			h.Free(p)

			s := h.Stats()

			Convey("Then the counters reflect the operations", func() {
				So(s.Allocs, ShouldEqual, 2)
				So(s.Frees, ShouldEqual, 1)
				So(s.LiveBytes, ShouldEqual, 64)
				So(s.FreeBytes, ShouldEqual, 64)
				So(s.FreeChunks, ShouldEqual, 1)
				So(s.Capacity, ShouldEqual, DefaultCapacity)
				So(s.ArenaUsed, ShouldBeGreaterThan, 0)
				So(h.Utilization(), ShouldBeGreaterThan, 0)
			})
		})
	})
}
