// Package term implements the tagged-cell term model shared by actor heaps,
// heap fragments and the wire codec.
//
// A Term is a single 64-bit cell. The two low bits carry the primary tag:
// header cells open a boxed object, list and boxed cells hold the address of
// a cons cell or a header, and immediate cells carry their value inline.
package term

import (
	"fmt"
	"math"
)

// Term is a tagged cell.
type Term uint64

// Addr is the address of a cell in the runtime's term address space.
type Addr uint64

// Primary tags
const (
	TagHeader Term = 0
	TagList   Term = 1
	TagBoxed  Term = 2
	TagImmed  Term = 3

	tagBits      = 2
	tagMask Term = 1<<tagBits - 1
)

// Immediate sub-tags occupy bits 2..3 of an immediate cell.
const (
	immSmall   = 0
	immAtom    = 1
	immPid     = 2
	immSpecial = 3

	immBits      = 4
	immMask Term = 1<<immBits - 1
)

const (
	// MaxSmall is the largest integer that fits in an immediate cell.
	MaxSmall = 1<<59 - 1
	// MinSmall is the smallest integer that fits in an immediate cell.
	MinSmall = -(1 << 59)
)

var (
	// Nil is the empty list.
	Nil = Term(0<<immBits | immSpecial<<tagBits | TagImmed)
	// NonValue marks the term slot of a message that is not decoded yet.
	NonValue = Term(1<<immBits | immSpecial<<tagBits | TagImmed)
)

// Tag returns the primary tag of t.
func (t Term) Tag() Term { return t & tagMask }

func (t Term) IsImmediate() bool { return t.Tag() == TagImmed }
func (t Term) IsList() bool      { return t.Tag() == TagList }
func (t Term) IsBoxed() bool     { return t.Tag() == TagBoxed }
func (t Term) IsHeader() bool    { return t.Tag() == TagHeader }
func (t Term) IsNil() bool       { return t == Nil }
func (t Term) IsNonValue() bool  { return t == NonValue }

// IsPointer reports whether t refers to other cells.
func (t Term) IsPointer() bool { return t.IsList() || t.IsBoxed() }

// Ptr returns the cell address held by a list or boxed term.
func (t Term) Ptr() Addr { return Addr(t >> tagBits) }

// MakeList returns a list term pointing at the cons cell at a.
func MakeList(a Addr) Term { return Term(a)<<tagBits | TagList }

// MakeBoxed returns a boxed term pointing at the header at a.
func MakeBoxed(a Addr) Term { return Term(a)<<tagBits | TagBoxed }

// Rebase returns t moved by delta cells.
func (t Term) Rebase(delta int64) Term {
	return Term(uint64(int64(t.Ptr())+delta))<<tagBits | t.Tag()
}

func (t Term) immTag() Term { return (t >> tagBits) & (1<<(immBits-tagBits) - 1) }

// Small returns an immediate integer. It panics when v is out of range.
func Small(v int64) Term {
	if v > MaxSmall || v < MinSmall {
		panic(fmt.Sprintf("term: %d does not fit in a small integer", v))
	}
	return Term(uint64(v)<<immBits) | immSmall<<tagBits | TagImmed
}

// FitsSmall reports whether v can be stored as an immediate integer.
func FitsSmall(v int64) bool { return v <= MaxSmall && v >= MinSmall }

func (t Term) IsSmall() bool { return t.IsImmediate() && t.immTag() == immSmall }

// SmallValue returns the integer held by a small immediate.
func (t Term) SmallValue() int64 { return int64(t) >> immBits }

// LocalPid returns the immediate identifier of an actor on this node.
func LocalPid(id uint64) Term {
	return Term(id<<immBits) | immPid<<tagBits | TagImmed
}

func (t Term) IsLocalPid() bool { return t.IsImmediate() && t.immTag() == immPid }

// PidID returns the actor id carried by a local pid.
func (t Term) PidID() uint64 { return uint64(t) >> immBits }

// Subtag identifies the kind of boxed object a header opens.
type Subtag uint8

const (
	SubTuple Subtag = iota
	SubFloat
	SubHeapBin
	SubRefcBin
	SubFun
	SubExternalPid
	SubExternalRef
)

const (
	subtagShift = tagBits
	subtagMask  = 0x3f
	arityShift  = 8
)

// Header builds a header cell.
func Header(sub Subtag, arity int) Term {
	return Term(uint64(arity)<<arityShift) | Term(sub)<<subtagShift | TagHeader
}

// Subtag returns the object kind of a header cell.
func (t Term) Subtag() Subtag { return Subtag((t >> subtagShift) & subtagMask) }

// Arity returns the payload word count recorded in a header cell.
func (t Term) Arity() int { return int(t >> arityShift) }

// Skip returns how many words after the header hold raw data. Tuple payload
// words are terms and are scanned like any other cell.
func (t Term) Skip() int {
	if t.Subtag() == SubTuple {
		return 0
	}
	return t.Arity()
}

// Kind returns the off-heap kind anchored by objects of this subtag.
func (s Subtag) Kind() (Kind, bool) {
	switch s {
	case SubRefcBin:
		return KindBinary, true
	case SubFun:
		return KindFun, true
	case SubExternalPid, SubExternalRef:
		return KindExternal, true
	}
	return 0, false
}

// Thing layouts: header, handle word, one extra word. Funs are followed by
// their environment, which is not counted in the header arity.
const thingArity = 2

// ThingSize is the number of cells of an off-heap object without environment.
const ThingSize = 1 + thingArity

// TupleSize returns the cells needed for a tuple of n elements.
func TupleSize(n int) int { return 1 + n }

// ListSize returns the cells needed for a proper list of n elements.
func ListSize(n int) int { return 2 * n }

// FloatSize is the number of cells used by a boxed float.
const FloatSize = 2

func floatBits(f float64) Term { return Term(math.Float64bits(f)) }
