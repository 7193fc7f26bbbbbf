package tralloc

import (
	"fmt"
	"io"
)

// Audit dumps the heap's state to w: the sentinel address, the arena bounds,
// every chunk in arena order, and an in-order walk of the free tree.
//
// The format is diagnostic only and not a compatibility contract.
func (h *Heap) Audit(w io.Writer) error {
	if h.sentinel == 0 {
		_, err := fmt.Fprintln(w, "heap: uninitialized")
		return err
	}

	if _, err := fmt.Fprintf(w, "heap: sentinel %v, arena %v:%v (reserved %v)\n",
		h.sentinel.addr(), h.first, h.guard(), h.end); err != nil {
		return err
	}

	if _, err := fmt.Fprintln(w, "chunks:"); err != nil {
		return err
	}
	for c := chunk(h.first); ; c = c.next() {
		state := "free"
		switch {
		case c == h.sentinel:
			state = "sentinel"
		case c.inUse():
			state = "in-use"
		}

		if _, err := fmt.Fprintf(w, "  %v header %d footer %d %s\n",
			c.addr(), c.size(), c.footer().size, state); err != nil {
			return err
		}

		if c.end() == h.guard() {
			break
		}
	}

	if _, err := fmt.Fprintln(w, "tree:"); err != nil {
		return err
	}
	return h.dumpTree(w, h.sentinel.right(), 1)
}

// dumpTree writes an in-order walk of the subtree rooted at c.
func (h *Heap) dumpTree(w io.Writer, c chunk, depth int) error {
	if c == 0 {
		return nil
	}

	if err := h.dumpTree(w, c.left(), depth+1); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "  %*s%v size %d\n", depth*2, "", c.addr(), c.size()); err != nil {
		return err
	}

	return h.dumpTree(w, c.right(), depth+1)
}
