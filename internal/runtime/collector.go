package runtime

import (
	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/relocate"
	"github.com/orizon-lang/msgcore/internal/term"
)

// Collector makes room on an actor's heap. EnsureHeap is called with the
// actor's main lock held and must leave at least need free cells. It may
// move the heap as long as every reference the actor holds follows.
type Collector interface {
	EnsureHeap(a *Actor, need int) int
}

// GrowingCollector enlarges the heap in place of collecting it: live and
// dead cells alike are moved to a larger region.
type GrowingCollector struct{}

// EnsureHeap implements Collector. It returns the new heap size.
func (GrowingCollector) EnsureHeap(a *Actor, need int) int {
	if a.heap.Free() >= need {
		return len(a.heap.Cells)
	}
	a.growHeap(nextHeapSize(len(a.heap.Cells), a.heap.top+need))
	return len(a.heap.Cells)
}

// CopyingCollector copies what the actor can still reach into a fresh heap
// sized for the live data plus need. Linked fragments are emptied into the
// new heap and freed.
type CopyingCollector struct{}

// EnsureHeap implements Collector. It returns the new heap size.
func (CopyingCollector) EnsureHeap(a *Actor, need int) int {
	if a.heap.Free() >= need && a.mbufs == nil {
		return len(a.heap.Cells)
	}
	a.sys.stats.collections.Inc()

	mem := a.Memory()
	roots := a.heapRoots()
	live := 0
	for _, r := range roots {
		live += term.Size(mem, *r)
	}

	size := nextHeapSize(0, live+need)
	nh := newHeap(a.sys.space, size)
	var oh offheap.Registry
	c, _ := nh.alloc(live)
	for _, r := range roots {
		*r = term.Copy(mem, *r, c, &oh)
	}
	nh.release(c)

	dropped := a.offHeap.Count() - oh.Count()
	for f := a.mbufs; f != nil; f = f.Next {
		dropped += f.OffHeap.Count()
	}
	a.offHeap.ReleaseAll()
	for f := a.mbufs; f != nil; {
		next := f.Next
		a.sys.frags.Free(f)
		f = next
	}
	a.mbufs = nil
	a.backlog.Store(0)
	a.heap = nh
	a.offHeap = oh
	a.sys.logger.Debugf("actor <%d> collected: %d live cells, %d off-heap references dropped", a.id, live, dropped)
	return size
}

// nextHeapSize picks a heap size of at least want cells.
func nextHeapSize(cur, want int) int {
	size := max(cur, 16)
	for size < want {
		size += size / 2
	}
	return size
}

// heapRoots returns the slots that may point into the heap or linked
// fragments: the kept state and the terms of private entries without
// storage of their own.
func (a *Actor) heapRoots() []*term.Term {
	roots := []*term.Term{&a.state}
	a.privq.each(func(m *Message) {
		if m.storage == StorageNone {
			roots = append(roots, &m.Term, &m.Token)
		}
	})
	return roots
}

// growHeap moves the heap to a region of size cells.
func (a *Actor) growHeap(size int) {
	old := a.heap.Region
	nh := newHeap(a.sys.space, size)
	copy(nh.Cells, old.Cells[:a.heap.top])
	nh.top = a.heap.top
	a.heap = nh
	a.relocateRegion(relocate.Delta(old.Base, nh.Base), old.Base, old.Base+term.Addr(nh.top))
	a.sys.stats.heapGrowths.Inc()
}
