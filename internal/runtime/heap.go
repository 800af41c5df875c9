package runtime

import (
	"github.com/orizon-lang/msgcore/internal/term"
)

// Heap is an actor's private heap. Cells [0, top) are in use.
type Heap struct {
	term.Region
	top int
}

func newHeap(space *term.Space, cells int) Heap {
	return Heap{Region: space.Place(make([]term.Term, cells))}
}

// Top returns the number of cells in use.
func (h *Heap) Top() int { return h.top }

// Free returns the number of cells left above top.
func (h *Heap) Free() int { return len(h.Cells) - h.top }

// Used returns the cells in use.
func (h *Heap) Used() []term.Term { return h.Cells[:h.top] }

// alloc reserves n cells above top.
func (h *Heap) alloc(n int) (*term.Cursor, bool) {
	if h.Free() < n {
		return nil, false
	}
	c := term.NewCursor(&h.Region, h.top, h.top+n)
	h.top += n
	return c, true
}

// release hands the unused tail of the most recent reservation back.
func (h *Heap) release(c *term.Cursor) {
	if c.R == &h.Region && c.End == h.top {
		h.top = c.Pos
	}
}

// rollback drops everything written at or above pos.
func (h *Heap) rollback(pos int) {
	if pos < h.top {
		clear(h.Cells[pos:h.top])
		h.top = pos
	}
}
