// Package relocate rewrites term graphs after their backing storage moved
// by a fixed address delta. All raw address arithmetic on term cells lives
// here.
package relocate

import (
	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/term"
)

func within(a, lo, hi term.Addr) bool { return a >= lo && a < hi }

// OffsetHeap rebases every pointer in cells that refers into [lo, hi).
// Header cells are kept and the raw words they announce are skipped.
func OffsetHeap(cells []term.Term, delta int64, lo, hi term.Addr) {
	for i := 0; i < len(cells); i++ {
		v := cells[i]
		switch v.Tag() {
		case term.TagList, term.TagBoxed:
			if within(v.Ptr(), lo, hi) {
				cells[i] = v.Rebase(delta)
			}
		case term.TagHeader:
			i += v.Skip()
		}
	}
}

// OffsetRoots rebases root terms held outside the scanned storage.
func OffsetRoots(roots []term.Term, delta int64, lo, hi term.Addr) {
	for i, v := range roots {
		if v.IsPointer() && within(v.Ptr(), lo, hi) {
			roots[i] = v.Rebase(delta)
		}
	}
}

// OffsetOffHeap moves the anchor addresses of entries that lie in [lo, hi).
func OffsetOffHeap(r *offheap.Registry, delta int64, lo, hi term.Addr) {
	r.Each(func(e *offheap.Entry) bool {
		if within(e.Addr, lo, hi) {
			e.Addr = term.Addr(int64(e.Addr) + delta)
		}
		return true
	})
}

// Delta returns the offset between two bases.
func Delta(from, to term.Addr) int64 { return int64(to) - int64(from) }

// Move copies every cell of src into dst, which will live at dstBase, and
// hands the off-heap entries of srcOH over to dstOH at their new addresses.
// srcOH is left empty. The returned delta must be applied to any root that
// points into src, e.g. with OffsetRoots.
func Move(dst []term.Term, dstBase term.Addr, src *term.Region, srcOH, dstOH *offheap.Registry) int64 {
	delta := Delta(src.Base, dstBase)
	lo, hi := src.Base, src.End()
	var idx map[term.Addr]*offheap.Entry
	if !srcOH.Empty() {
		idx = srcOH.Detach()
	}
	cells := src.Cells
	for i := 0; i < len(cells); i++ {
		v := cells[i]
		switch v.Tag() {
		case term.TagImmed:
			dst[i] = v
		case term.TagList, term.TagBoxed:
			debugAssertWithin(v, lo, hi)
			if within(v.Ptr(), lo, hi) {
				v = v.Rebase(delta)
			}
			dst[i] = v
		case term.TagHeader:
			dst[i] = v
			n := v.Skip()
			copy(dst[i+1:i+1+n], cells[i+1:i+1+n])
			if _, ok := v.Subtag().Kind(); ok {
				old := src.AddrOf(i)
				if e := idx[old]; e != nil {
					delete(idx, old)
					e.Addr = term.Addr(int64(old) + delta)
					dstOH.Push(e)
				} else {
					debugMissingAnchor(old)
				}
			}
			i += n
		}
	}
	// Entries whose object is no longer part of src own a reference
	// nothing can reach.
	for _, e := range idx {
		debugStaleAnchor(e)
		term.Release(e.Handle)
	}
	return delta
}
