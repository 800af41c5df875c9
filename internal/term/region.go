package term

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrOverflow is raised when a cursor runs past the cells reserved for it.
var ErrOverflow = errors.New("term: cursor overflow")

// Memory resolves cell addresses.
type Memory interface {
	Load(a Addr) Term
}

// AddressError reports an access outside the region that should contain it.
type AddressError struct {
	Addr Addr
	Base Addr
	Len  int
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("term: address %#x outside region [%#x, %#x)", uint64(e.Addr), uint64(e.Base), uint64(e.Base)+uint64(e.Len))
}

// Region is a contiguous run of cells placed at Base in the address space.
type Region struct {
	Base  Addr
	Cells []Term
}

// Len returns the number of cells in the region.
func (r *Region) Len() int { return len(r.Cells) }

// End returns the first address past the region.
func (r *Region) End() Addr { return r.Base + Addr(len(r.Cells)) }

// Contains reports whether a lies inside the region.
func (r *Region) Contains(a Addr) bool { return a >= r.Base && a < r.End() }

// Load returns the cell at a. It panics with an *AddressError when a lies
// outside the region.
func (r *Region) Load(a Addr) Term {
	if !r.Contains(a) {
		panic(&AddressError{Addr: a, Base: r.Base, Len: len(r.Cells)})
	}
	return r.Cells[a-r.Base]
}

// Store writes v at a.
func (r *Region) Store(a Addr, v Term) {
	if !r.Contains(a) {
		panic(&AddressError{Addr: a, Base: r.Base, Len: len(r.Cells)})
	}
	r.Cells[a-r.Base] = v
}

// AddrOf returns the address of the i-th cell.
func (r *Region) AddrOf(i int) Addr { return r.Base + Addr(i) }

// Space hands out disjoint address ranges. A gap is left between
// consecutive reservations so an overrun never lands in a neighbour.
type Space struct {
	next *atomic.Uint64
}

const (
	spaceStart = 1 << 16
	guardCells = 64
)

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{next: atomic.NewUint64(spaceStart)}
}

// DefaultSpace is shared by every allocator of the process.
var DefaultSpace = NewSpace()

// Reserve returns the base of a fresh range of n cells.
func (s *Space) Reserve(n int) Addr {
	span := uint64(n + guardCells)
	end := s.next.Add(span)
	return Addr(end - span)
}

// Place returns a region over cells at a fresh base.
func (s *Space) Place(cells []Term) Region {
	return Region{Base: s.Reserve(len(cells)), Cells: cells}
}

// Cursor is a bump allocator over part of a region.
type Cursor struct {
	R   *Region
	Pos int
	End int
}

// NewCursor returns a cursor that hands out cells [from, to) of r.
func NewCursor(r *Region, from, to int) *Cursor {
	return &Cursor{R: r, Pos: from, End: to}
}

// Alloc reserves n cells and returns the address of the first.
func (c *Cursor) Alloc(n int) Addr {
	if c.Pos+n > c.End {
		panic(errors.Wrapf(ErrOverflow, "need %d cells, %d left", n, c.End-c.Pos))
	}
	a := c.R.AddrOf(c.Pos)
	c.Pos += n
	return a
}

// Free returns the number of cells still available.
func (c *Cursor) Free() int { return c.End - c.Pos }

// Load implements Memory over the cursor's region.
func (c *Cursor) Load(a Addr) Term { return c.R.Load(a) }

func (c *Cursor) store(a Addr, v Term) { c.R.Cells[a-c.R.Base] = v }

// Value is a term paired with the memory it must be read from.
type Value struct {
	T   Term
	Mem Memory
}

// Imm wraps an immediate term, which needs no memory.
func Imm(t Term) Value { return Value{T: t} }
