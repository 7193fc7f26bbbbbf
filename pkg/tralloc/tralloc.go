// Package tralloc implements a general-purpose dynamic memory allocator over
// a single contiguous, monotonically-growing arena.
//
// The arena is a seamless sequence of chunks, each laid out as a word-padded
// header (payload size and in-use flag), the payload itself, and a word-padded
// footer that duplicates the size. The duplicated footer size is what makes a
// chunk's left neighbor reachable in constant time, and with it backward
// coalescing.
//
// Free chunks are tracked in a size-keyed, unbalanced binary search tree whose
// nodes live physically inside the free payloads; the tree costs no memory
// beyond the chunks it tracks. Allocation takes the first chunk of sufficient
// size found on a rightward-biased descent, splitting off a trackable
// remainder when one fits. Freeing coalesces with both arena neighbors before
// reinserting, so no two adjacent chunks are ever both free.
//
// # Usage
//
//	h := tralloc.NewHeap()
//
//	p := tralloc.New(h, MyStruct{ID: 1})
//	if p == nil {
//		// arena exhausted
//	}
//
//	// ... use p ...
//
//	tralloc.Free(h, p)
//
// # Memory Safety Considerations
//
//   - Payloads are aligned to the machine word; stronger alignment is not
//     supported.
//   - Freeing a pointer twice, freeing a pointer Alloc never returned, or
//     touching a payload after Free is undefined behavior. The
//     [WithPointerChecks] option arms a debug-only detector for the first two.
//   - A Heap is single-threaded and non-reentrant. Concurrent callers must
//     provide external mutual exclusion.
//   - The arena never shrinks and never returns memory to the OS.
package tralloc

import (
	"github.com/Simon-Swenson-8351/tralloc/internal/debug"
	"github.com/Simon-Swenson-8351/tralloc/pkg/tralloc/swiss"
	"github.com/Simon-Swenson-8351/tralloc/pkg/xunsafe"
	"github.com/Simon-Swenson-8351/tralloc/pkg/xunsafe/layout"
)

// DefaultCapacity is the arena reservation used when no [WithCapacity] option
// is given (1 MiB).
const DefaultCapacity = 1 << 20

// Heap is a dynamic memory allocator over one contiguous arena.
//
// A zero Heap is empty and ready to use; it reserves [DefaultCapacity] bytes
// on first allocation. Use [NewHeap] to configure it instead.
type Heap struct {
	_ xunsafe.NoCopy

	// next is the first byte the arena has not grown over yet: the guard
	// address. end bounds the reservation; extend fails past it.
	next, end xunsafe.Addr[byte]

	// first is the address of the first chunk, which is always the sentinel.
	first    xunsafe.Addr[byte]
	sentinel chunk

	reserve  []byte
	capacity int

	// insertLeft alternates the side duplicate keys descend on; takePred
	// alternates two-child removals between predecessor and successor.
	// Both are anti-degeneracy hints, not correctness requirements.
	insertLeft bool
	takePred   bool

	// live tracks outstanding payload addresses when pointer checks are on.
	live *swiss.Set[uintptr]

	stats Stats
}

// An Option configures a Heap.
type Option func(*Heap)

// WithCapacity sets the arena reservation in bytes. The arena grows into the
// reservation and allocation fails once it is exhausted.
func WithCapacity(n int) Option {
	return func(h *Heap) { h.capacity = n }
}

// WithPointerChecks arms a tracker of outstanding payloads. Free panics when
// handed a pointer the Heap did not allocate or has already reclaimed. The
// checks cost a hash probe per operation and are meant for debugging; the
// default contract leaves such misuse undefined.
func WithPointerChecks() Option {
	return func(h *Heap) { h.live = swiss.NewSet[uintptr](0) }
}

// NewHeap returns an empty Heap with the given options applied.
func NewHeap(opts ...Option) *Heap {
	h := new(Heap)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ensure lazily reserves the arena and carves the tree sentinel out of its
// low end. Reports whether the heap is usable.
func (h *Heap) ensure() bool {
	if h.sentinel != 0 {
		return true
	}

	if h.reserve == nil {
		if h.capacity <= 0 {
			h.capacity = DefaultCapacity
		}
		// Over-reserve by one word so the base can be snapped to the word
		// boundary; every address the arena hands out inherits it.
		h.reserve = make([]byte, h.capacity+Align)
		base := xunsafe.AddrOf(&h.reserve[0]).RoundUpTo(Align)
		h.next = base
		h.end = base.ByteAdd(h.capacity)
	}

	// The sentinel is a chunk with a real node but a recorded size of zero,
	// so every real size compares greater and the tree hangs off its right
	// child. It is never allocated, freed, or coalesced.
	p := h.extend(headerSize + nodeSize + footerSize)
	if p == 0 {
		return false
	}

	h.first = p
	h.sentinel = chunk(p)
	*h.sentinel.header() = header{size: 0, inUse: false}
	*h.sentinel.node() = node{}
	h.sentinel.footer().size = 0

	h.Log("init", "sentinel %v", p)
	return true
}

// extend grows the arena by n bytes at its high end and returns the address
// of the first new byte, or zero when the reservation is exhausted. This is
// the sole way addresses enter the arena; each call returns the guard address
// as it stood before the call.
func (h *Heap) extend(n int) xunsafe.Addr[byte] {
	if h.next.ByteAdd(n) > h.end {
		h.Log("extend", "oom: %d bytes over %v:%v", n, h.next, h.end)
		return 0
	}

	p := h.next
	h.next = h.next.ByteAdd(n)
	h.stats.Extends++
	h.Log("extend", "%v:%v, %d", p, h.next, n)
	return p
}

// guard returns the byte just past the last chunk. It only ever increases.
func (h *Heap) guard() xunsafe.Addr[byte] { return h.next }

// New allocates a new value of type T on the heap. Returns nil when the arena
// is exhausted.
func New[T any](h *Heap, value T) *T {
	l := layout.Of[T]()
	if l.Align > Align {
		panic("tralloc: over-aligned object")
	}

	p := h.Alloc(l.Size)
	if p == nil {
		return nil
	}

	t := xunsafe.Cast[T](p)
	*t = value
	return t
}

// Free releases a value previously allocated with [New].
func Free[T any](h *Heap, p *T) {
	h.Free(xunsafe.Cast[byte](p))
}

func (h *Heap) Log(op, format string, args ...any) {
	debug.Log([]any{"%p %v:%v", h, h.next, h.end}, op, format, args...)
}
