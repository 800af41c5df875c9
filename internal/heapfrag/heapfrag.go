// Package heapfrag allocates heap fragments: detached, exclusively owned
// runs of term cells with their own off-heap registry. Fragments stage
// messages before they reach a receiver's heap and serve as scratch term
// storage for any component that needs it.
package heapfrag

import (
	"os"

	"github.com/pkg/errors"
	"github.com/tochemey/goakt/v3/log"
	"go.uber.org/atomic"

	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/relocate"
	"github.com/orizon-lang/msgcore/internal/term"
)

// ErrExhausted is the panic value raised when fragment storage cannot be
// obtained. There is no recovery from it.
var ErrExhausted = errors.New("heapfrag: storage exhausted")

// DefaultMmapThreshold is the fragment size, in cells, from which storage
// is mapped directly from the kernel instead of the Go heap.
const DefaultMmapThreshold = 1 << 16

// Fragment is a detached region of term cells.
type Fragment struct {
	term.Region

	// OffHeap anchors the off-heap objects written into the fragment.
	OffHeap offheap.Registry

	// Next links fragments owned by the same actor.
	Next *Fragment

	store storage
}

// Size returns the number of cells in the fragment.
func (f *Fragment) Size() int { return len(f.Cells) }

// Cursor returns a cursor over all cells of the fragment.
func (f *Fragment) Cursor() *term.Cursor { return term.NewCursor(&f.Region, 0, f.Size()) }

// Stats is a snapshot of allocator accounting.
type Stats struct {
	Allocated     uint64
	Freed         uint64
	Resized       uint64
	Mapped        uint64
	LiveFragments int64
	LiveCells     int64
}

// Allocator hands out fragments and keeps accounting for them.
type Allocator struct {
	space         *term.Space
	logger        log.Logger
	mmapThreshold *atomic.Int64

	allocated *atomic.Uint64
	freed     *atomic.Uint64
	resized   *atomic.Uint64
	mapped    *atomic.Uint64
	live      *atomic.Int64
	liveCells *atomic.Int64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(a *Allocator) { a.logger = l } }

// WithSpace places fragments in s instead of term.DefaultSpace.
func WithSpace(s *term.Space) Option { return func(a *Allocator) { a.space = s } }

// WithMmapThreshold sets the size in cells from which storage is mapped.
// Zero disables mapping.
func WithMmapThreshold(cells int) Option {
	return func(a *Allocator) { a.mmapThreshold.Store(int64(cells)) }
}

// NewAllocator returns an allocator.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		space:         term.DefaultSpace,
		logger:        log.New(log.ErrorLevel, os.Stderr),
		mmapThreshold: atomic.NewInt64(DefaultMmapThreshold),
		allocated:     atomic.NewUint64(0),
		freed:         atomic.NewUint64(0),
		resized:       atomic.NewUint64(0),
		mapped:        atomic.NewUint64(0),
		live:          atomic.NewInt64(0),
		liveCells:     atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetMmapThreshold changes the mapping threshold for later allocations.
func (a *Allocator) SetMmapThreshold(cells int) { a.mmapThreshold.Store(int64(cells)) }

// MmapThreshold returns the current mapping threshold.
func (a *Allocator) MmapThreshold() int { return int(a.mmapThreshold.Load()) }

func (a *Allocator) storage(size int) ([]term.Term, storage) {
	cells, st, err := newStorage(size, int(a.mmapThreshold.Load()))
	if err != nil {
		a.logger.Errorf("fragment allocation of %d cells failed: %v", size, err)
		panic(errors.Wrapf(ErrExhausted, "%d cells: %v", size, err))
	}
	if st.mapped != nil {
		a.mapped.Inc()
	}
	return cells, st
}

// Allocate returns a fragment of exactly size cells with an empty
// off-heap registry.
func (a *Allocator) Allocate(size int) *Fragment {
	cells, st := a.storage(size)
	f := &Fragment{Region: a.space.Place(cells), store: st}
	a.allocated.Inc()
	a.live.Inc()
	a.liveCells.Add(int64(size))
	return f
}

// Resize returns a fragment of size cells holding the prefix of f. When
// size equals f's size, f itself is returned. Otherwise f is consumed and
// every pointer into the kept prefix, inside the fragment and in roots, is
// rebased onto the new storage. Live data must already sit in the prefix.
func (a *Allocator) Resize(f *Fragment, size int, roots []term.Term) *Fragment {
	if size == f.Size() {
		return f
	}
	debugAssertPrefix(f, size, roots)

	cells, st := a.storage(size)
	kept := min(size, f.Size())
	copy(cells, f.Cells[:kept])
	nf := &Fragment{Region: a.space.Place(cells), store: st, Next: f.Next}
	nf.OffHeap = f.OffHeap
	f.OffHeap = offheap.Registry{}

	delta := relocate.Delta(f.Base, nf.Base)
	lo, hi := f.Base, f.Base+term.Addr(kept)
	relocate.OffsetOffHeap(&nf.OffHeap, delta, lo, hi)
	relocate.OffsetHeap(nf.Cells[:kept], delta, lo, hi)
	relocate.OffsetRoots(roots, delta, lo, hi)

	a.liveCells.Add(int64(size - f.Size()))
	a.resized.Inc()
	a.drop(f)
	return nf
}

// Free releases every off-heap reference anchored in f and then its
// storage. f must not be used afterwards.
func (a *Allocator) Free(f *Fragment) {
	f.OffHeap.ReleaseAll()
	a.live.Dec()
	a.liveCells.Sub(int64(f.Size()))
	a.freed.Inc()
	a.drop(f)
}

func (a *Allocator) drop(f *Fragment) {
	if err := f.store.release(); err != nil {
		a.logger.Errorf("fragment storage release failed: %v", err)
	}
	f.Cells = nil
	f.store = storage{}
}

// Stats returns the allocator accounting.
func (a *Allocator) Stats() Stats {
	return Stats{
		Allocated:     a.allocated.Load(),
		Freed:         a.freed.Load(),
		Resized:       a.resized.Load(),
		Mapped:        a.mapped.Load(),
		LiveFragments: a.live.Load(),
		LiveCells:     a.liveCells.Load(),
	}
}

// Metrics exposes Stats for the metrics endpoint.
func (a *Allocator) Metrics() map[string]float64 {
	s := a.Stats()
	return map[string]float64{
		"allocated_total": float64(s.Allocated),
		"freed_total":     float64(s.Freed),
		"resized_total":   float64(s.Resized),
		"mapped_total":    float64(s.Mapped),
		"live_fragments":  float64(s.LiveFragments),
		"live_cells":      float64(s.LiveCells),
	}
}
