package term

import (
	"encoding/binary"
	"math"
)

// HeapBinLimit is the largest binary stored inline on a heap. Larger
// binaries live off-heap and are shared by reference.
const HeapBinLimit = 64

// BinarySize returns the cells Binary uses for n bytes.
func BinarySize(n int) int {
	if n > HeapBinLimit {
		return ThingSize
	}
	return heapBinSize(n)
}

func heapBinSize(n int) int { return 2 + (n+7)/8 }

// FunSize returns the cells of a closure with nfree captured terms.
func FunSize(nfree int) int { return ThingSize + nfree }

// Tuple builds a tuple of elems.
func (c *Cursor) Tuple(elems ...Term) Term {
	a := c.Alloc(TupleSize(len(elems)))
	c.store(a, Header(SubTuple, len(elems)))
	for i, e := range elems {
		c.store(a+1+Addr(i), e)
	}
	return MakeBoxed(a)
}

// Cons builds a single cons cell.
func (c *Cursor) Cons(head, tail Term) Term {
	a := c.Alloc(2)
	c.store(a, head)
	c.store(a+1, tail)
	return MakeList(a)
}

// List builds a proper list of elems.
func (c *Cursor) List(elems ...Term) Term {
	if len(elems) == 0 {
		return Nil
	}
	a := c.Alloc(ListSize(len(elems)))
	for i, e := range elems {
		cell := a + Addr(2*i)
		c.store(cell, e)
		if i == len(elems)-1 {
			c.store(cell+1, Nil)
		} else {
			c.store(cell+1, MakeList(cell+2))
		}
	}
	return MakeList(a)
}

// String builds a list of character codes.
func (c *Cursor) String(s string) Term {
	rs := []rune(s)
	elems := make([]Term, len(rs))
	for i, r := range rs {
		elems[i] = Small(int64(r))
	}
	return c.List(elems...)
}

// Float builds a boxed float.
func (c *Cursor) Float(f float64) Term {
	a := c.Alloc(FloatSize)
	c.store(a, Header(SubFloat, 1))
	c.store(a+1, floatBits(f))
	return MakeBoxed(a)
}

// HeapBinary stores b inline.
func (c *Cursor) HeapBinary(b []byte) Term {
	words := (len(b) + 7) / 8
	a := c.Alloc(heapBinSize(len(b)))
	c.store(a, Header(SubHeapBin, 1+words))
	c.store(a+1, Term(len(b)))
	var w [8]byte
	for i := 0; i < words; i++ {
		clear(w[:])
		copy(w[:], b[i*8:])
		c.store(a+2+Addr(i), Term(binary.LittleEndian.Uint64(w[:])))
	}
	return MakeBoxed(a)
}

// Binary stores b inline when small and off-heap otherwise.
func (c *Cursor) Binary(b []byte, oh Anchorer) Term {
	if len(b) <= HeapBinLimit {
		return c.HeapBinary(b)
	}
	return c.Thing(SubRefcBin, NewBinary(b), Term(len(b)), oh)
}

// Thing writes an off-heap object referencing h and anchors it in oh. The
// caller's reference to h is handed over to the new object.
func (c *Cursor) Thing(sub Subtag, h Handle, extra Term, oh Anchorer) Term {
	kind, ok := sub.Kind()
	if !ok {
		panic("term: subtag has no off-heap payload")
	}
	a := c.Alloc(ThingSize)
	c.store(a, Header(sub, thingArity))
	c.store(a+1, Term(h))
	c.store(a+2, extra)
	oh.Anchor(kind, a, h)
	return MakeBoxed(a)
}

// Fun writes a closure over env. The caller's reference to h is handed over.
func (c *Cursor) Fun(h Handle, oh Anchorer, env ...Term) Term {
	a := c.Alloc(FunSize(len(env)))
	c.store(a, Header(SubFun, thingArity))
	c.store(a+1, Term(h))
	c.store(a+2, Term(len(env)))
	for i, e := range env {
		c.store(a+3+Addr(i), e)
	}
	oh.Anchor(KindFun, a, h)
	return MakeBoxed(a)
}

// FloatValue returns the value of a boxed float.
func FloatValue(mem Memory, t Term) float64 {
	return math.Float64frombits(uint64(mem.Load(t.Ptr() + 1)))
}

// BinaryBytes returns the contents of a heap or off-heap binary.
func BinaryBytes(mem Memory, t Term) ([]byte, bool) {
	if !t.IsBoxed() {
		return nil, false
	}
	a := t.Ptr()
	h := mem.Load(a)
	switch h.Subtag() {
	case SubHeapBin:
		n := int(mem.Load(a + 1))
		out := make([]byte, 0, n+7)
		var w [8]byte
		for i := 0; i < h.Arity()-1; i++ {
			binary.LittleEndian.PutUint64(w[:], uint64(mem.Load(a+2+Addr(i))))
			out = append(out, w[:]...)
		}
		return out[:n], true
	case SubRefcBin:
		th := Lookup(ThingHandle(mem, a))
		if th == nil {
			return nil, false
		}
		return th.Bytes, true
	}
	return nil, false
}

// TupleElements returns the elements of a tuple.
func TupleElements(mem Memory, t Term) ([]Term, bool) {
	if !t.IsBoxed() {
		return nil, false
	}
	a := t.Ptr()
	h := mem.Load(a)
	if h.Subtag() != SubTuple {
		return nil, false
	}
	out := make([]Term, h.Arity())
	for i := range out {
		out[i] = mem.Load(a + 1 + Addr(i))
	}
	return out, true
}

// ListElements returns the elements of a proper list.
func ListElements(mem Memory, t Term) ([]Term, bool) {
	var out []Term
	for t.IsList() {
		a := t.Ptr()
		out = append(out, mem.Load(a))
		t = mem.Load(a + 1)
	}
	return out, t.IsNil()
}
