package term

import "bytes"

// Size returns the number of cells a structural copy of t needs. Shared
// subterms are counted once per reference, matching Copy.
func Size(mem Memory, t Term) int {
	sum := 0
	for {
		switch t.Tag() {
		case TagList:
			a := t.Ptr()
			sum += 2
			sum += Size(mem, mem.Load(a))
			t = mem.Load(a + 1)
		case TagBoxed:
			a := t.Ptr()
			h := mem.Load(a)
			switch h.Subtag() {
			case SubTuple:
				n := h.Arity()
				sum += TupleSize(n)
				if n == 0 {
					return sum
				}
				for i := 1; i < n; i++ {
					sum += Size(mem, mem.Load(a+Addr(i)))
				}
				t = mem.Load(a + Addr(n))
			case SubFun:
				nfree := int(mem.Load(a + 2))
				sum += FunSize(nfree)
				for i := 0; i < nfree; i++ {
					sum += Size(mem, mem.Load(a+3+Addr(i)))
				}
				return sum
			default:
				return sum + 1 + h.Arity()
			}
		default:
			return sum
		}
	}
}

// Copy writes a structural copy of t into c and returns it. Off-heap objects
// gain a reference and are anchored in oh rather than duplicated.
func Copy(mem Memory, t Term, c *Cursor, oh Anchorer) Term {
	switch t.Tag() {
	case TagList:
		cons := c.Alloc(2)
		res := MakeList(cons)
		for {
			a := t.Ptr()
			c.store(cons, Copy(mem, mem.Load(a), c, oh))
			t = mem.Load(a + 1)
			if !t.IsList() {
				c.store(cons+1, Copy(mem, t, c, oh))
				return res
			}
			next := c.Alloc(2)
			c.store(cons+1, MakeList(next))
			cons = next
		}
	case TagBoxed:
		return copyBoxed(mem, t.Ptr(), c, oh)
	}
	return t
}

func copyBoxed(mem Memory, a Addr, c *Cursor, oh Anchorer) Term {
	h := mem.Load(a)
	switch h.Subtag() {
	case SubTuple:
		n := h.Arity()
		dst := c.Alloc(TupleSize(n))
		c.store(dst, h)
		for i := 1; i <= n; i++ {
			c.store(dst+Addr(i), Copy(mem, mem.Load(a+Addr(i)), c, oh))
		}
		return MakeBoxed(dst)
	case SubFun:
		handle := ThingHandle(mem, a)
		nfree := int(mem.Load(a + 2))
		dst := c.Alloc(FunSize(nfree))
		c.store(dst, h)
		c.store(dst+1, Term(handle))
		c.store(dst+2, Term(nfree))
		Retain(handle)
		oh.Anchor(KindFun, dst, handle)
		for i := 0; i < nfree; i++ {
			c.store(dst+3+Addr(i), Copy(mem, mem.Load(a+3+Addr(i)), c, oh))
		}
		return MakeBoxed(dst)
	}
	n := 1 + h.Arity()
	dst := c.Alloc(n)
	for i := 0; i < n; i++ {
		c.store(dst+Addr(i), mem.Load(a+Addr(i)))
	}
	if kind, ok := h.Subtag().Kind(); ok {
		handle := ThingHandle(mem, a)
		Retain(handle)
		oh.Anchor(kind, dst, handle)
	}
	return MakeBoxed(dst)
}

// Equal reports whether a (read from ma) and b (read from mb) are
// structurally equal. Binaries compare by content whatever their storage.
func Equal(ma Memory, a Term, mb Memory, b Term) bool {
	for {
		if a.IsImmediate() || b.IsImmediate() {
			return a == b
		}
		if a.Tag() != b.Tag() {
			return false
		}
		if a.IsList() {
			pa, pb := a.Ptr(), b.Ptr()
			if !Equal(ma, ma.Load(pa), mb, mb.Load(pb)) {
				return false
			}
			a, b = ma.Load(pa+1), mb.Load(pb+1)
			continue
		}
		return equalBoxed(ma, a, mb, b)
	}
}

func equalBoxed(ma Memory, a Term, mb Memory, b Term) bool {
	if ba, ok := BinaryBytes(ma, a); ok {
		bb, ok := BinaryBytes(mb, b)
		return ok && bytes.Equal(ba, bb)
	}
	pa, pb := a.Ptr(), b.Ptr()
	ha, hb := ma.Load(pa), mb.Load(pb)
	if ha.Subtag() != hb.Subtag() {
		return false
	}
	switch ha.Subtag() {
	case SubTuple:
		if ha.Arity() != hb.Arity() {
			return false
		}
		for i := 1; i <= ha.Arity(); i++ {
			if !Equal(ma, ma.Load(pa+Addr(i)), mb, mb.Load(pb+Addr(i))) {
				return false
			}
		}
		return true
	case SubFloat:
		return ma.Load(pa+1) == mb.Load(pb+1)
	case SubFun:
		ta, tb := Lookup(ThingHandle(ma, pa)), Lookup(ThingHandle(mb, pb))
		if ta == nil || tb == nil || ta.Module != tb.Module || ta.Function != tb.Function || ta.Arity != tb.Arity {
			return false
		}
		n := int(ma.Load(pa + 2))
		if n != int(mb.Load(pb+2)) {
			return false
		}
		for i := 0; i < n; i++ {
			if !Equal(ma, ma.Load(pa+3+Addr(i)), mb, mb.Load(pb+3+Addr(i))) {
				return false
			}
		}
		return true
	case SubExternalPid, SubExternalRef:
		ta, tb := Lookup(ThingHandle(ma, pa)), Lookup(ThingHandle(mb, pb))
		return ta != nil && tb != nil &&
			ta.Node == tb.Node && ta.ID == tb.ID && ta.Serial == tb.Serial && ta.Creation == tb.Creation
	}
	return false
}

// Verify checks that every cell reachable from t lies inside r.
func Verify(r *Region, t Term) error {
	for {
		if !t.IsPointer() {
			return nil
		}
		a := t.Ptr()
		if !r.Contains(a) {
			return &AddressError{Addr: a, Base: r.Base, Len: r.Len()}
		}
		if t.IsList() {
			if !r.Contains(a + 1) {
				return &AddressError{Addr: a + 1, Base: r.Base, Len: r.Len()}
			}
			if err := Verify(r, r.Load(a)); err != nil {
				return err
			}
			t = r.Load(a + 1)
			continue
		}
		h := r.Load(a)
		last := a + Addr(h.Arity())
		if h.Subtag() == SubFun {
			last += Addr(r.Load(a + 2))
		}
		if !r.Contains(last) {
			return &AddressError{Addr: last, Base: r.Base, Len: r.Len()}
		}
		switch h.Subtag() {
		case SubTuple:
			for i := 1; i <= h.Arity(); i++ {
				if err := Verify(r, r.Load(a+Addr(i))); err != nil {
					return err
				}
			}
		case SubFun:
			for i := Addr(0); i < Addr(r.Load(a+2)); i++ {
				if err := Verify(r, r.Load(a+3+i)); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
