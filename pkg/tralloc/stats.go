package tralloc

// Stats is a snapshot of heap statistics.
type Stats struct {
	Capacity  int // reserved arena bytes
	ArenaUsed int // bytes the arena has grown over, metadata included
	LiveBytes int // payload bytes currently allocated
	FreeBytes int // payload bytes sitting in the free tree

	FreeChunks int // chunks in the free tree

	Allocs  int // total successful allocations
	Frees   int // total frees
	Extends int // arena growth operations, sentinel included
}

// Stats returns a snapshot of the heap's statistics.
func (h *Heap) Stats() Stats {
	s := h.stats
	s.Capacity = h.capacity
	if h.sentinel != 0 {
		s.ArenaUsed = int(h.guard() - h.first)
		s.FreeBytes, s.FreeChunks = sumTree(h.sentinel.right())
	}
	return s
}

// Utilization returns the ratio of live payload bytes to arena bytes in use,
// or zero for an empty heap.
func (h *Heap) Utilization() float64 {
	s := h.Stats()
	if s.ArenaUsed == 0 {
		return 0
	}
	return float64(s.LiveBytes) / float64(s.ArenaUsed)
}

func sumTree(c chunk) (bytes, chunks int) {
	if c == 0 {
		return 0, 0
	}

	lb, lc := sumTree(c.left())
	rb, rc := sumTree(c.right())
	return lb + rb + c.size(), lc + rc + 1
}
