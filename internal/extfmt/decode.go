package extfmt

import (
	"math"
	"unicode/utf8"

	"github.com/orizon-lang/msgcore/internal/term"
)

// Decoder materializes encoded terms into term cells.
type Decoder struct {
	// Node is the name of the local node. Pids of this node decode to
	// immediates.
	Node string
}

// Decode writes the term encoded in data into c. Off-heap objects created
// on the way are anchored in oh even when decoding fails, so the caller can
// release them together with the storage. c must have at least
// DecodedSize(data) free cells.
func (d *Decoder) Decode(data []byte, c *term.Cursor, oh term.Anchorer) (term.Term, error) {
	r := &reader{b: data}
	if err := r.version(); err != nil {
		return term.NonValue, err
	}
	t, err := d.decode(r, c, oh)
	if err != nil {
		return term.NonValue, err
	}
	if err := r.done(); err != nil {
		return term.NonValue, err
	}
	return t, nil
}

func (d *Decoder) decode(r *reader, c *term.Cursor, oh term.Anchorer) (term.Term, error) {
	tag, err := r.u8()
	if err != nil {
		return 0, err
	}
	switch tag {
	case tagSmallInteger:
		b, err := r.u8()
		return term.Small(int64(b)), err
	case tagInteger:
		v, err := r.u32()
		return term.Small(int64(int32(v))), err
	case tagSmallBig:
		v, ok, err := r.smallBig()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, r.fail("integer does not fit a small")
		}
		return term.Small(v), nil
	case tagNewFloat:
		b, err := r.bytes(8)
		if err != nil {
			return 0, err
		}
		bits := uint64(0)
		for _, x := range b {
			bits = bits<<8 | uint64(x)
		}
		return c.Float(math.Float64frombits(bits)), nil
	case tagSmallAtomUTF8, tagAtomUTF8:
		r.off--
		return r.atom()
	case tagNil:
		return term.Nil, nil
	case tagString:
		n, err := r.u16()
		if err != nil {
			return 0, err
		}
		b, err := r.bytes(n)
		if err != nil {
			return 0, err
		}
		elems := make([]term.Term, n)
		for i, x := range b {
			elems[i] = term.Small(int64(x))
		}
		return c.List(elems...), nil
	case tagList:
		n, err := r.u32()
		if err != nil {
			return 0, err
		}
		if err := r.need(int(n)); err != nil {
			return 0, err
		}
		if err := r.enter(); err != nil {
			return 0, err
		}
		defer r.leave()
		cells := c.Alloc(term.ListSize(int(n)))
		for i := 0; i < int(n); i++ {
			cell := cells + term.Addr(2*i)
			e, err := d.decode(r, c, oh)
			if err != nil {
				return 0, err
			}
			c.R.Store(cell, e)
			if i < int(n)-1 {
				c.R.Store(cell+1, term.MakeList(cell+2))
			}
		}
		tail, err := d.decode(r, c, oh)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return tail, nil
		}
		c.R.Store(cells+term.Addr(2*int(n)-1), tail)
		return term.MakeList(cells), nil
	case tagSmallTuple, tagLargeTuple:
		var n int
		if tag == tagSmallTuple {
			b, err := r.u8()
			if err != nil {
				return 0, err
			}
			n = int(b)
		} else {
			v, err := r.u32()
			if err != nil {
				return 0, err
			}
			n = int(v)
		}
		if err := r.need(n); err != nil {
			return 0, err
		}
		if err := r.enter(); err != nil {
			return 0, err
		}
		defer r.leave()
		a := c.Alloc(term.TupleSize(n))
		c.R.Store(a, term.Header(term.SubTuple, n))
		for i := 1; i <= n; i++ {
			e, err := d.decode(r, c, oh)
			if err != nil {
				return 0, err
			}
			c.R.Store(a+term.Addr(i), e)
		}
		return term.MakeBoxed(a), nil
	case tagBinary:
		n, err := r.u32()
		if err != nil {
			return 0, err
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return 0, err
		}
		return c.Binary(b, oh), nil
	case tagNewPid:
		node, err := r.atomName()
		if err != nil {
			return 0, err
		}
		id, err := r.u32()
		if err != nil {
			return 0, err
		}
		serial, err := r.u32()
		if err != nil {
			return 0, err
		}
		creation, err := r.u32()
		if err != nil {
			return 0, err
		}
		if node == d.Node {
			return term.LocalPid(uint64(id) | uint64(serial)<<32), nil
		}
		h := term.NewThing(&term.Thing{Kind: term.KindExternal, Node: node, ID: uint64(id), Serial: serial, Creation: creation})
		return c.Thing(term.SubExternalPid, h, 0, oh), nil
	case tagNewerReference:
		n, err := r.u16()
		if err != nil {
			return 0, err
		}
		node, err := r.atomName()
		if err != nil {
			return 0, err
		}
		creation, err := r.u32()
		if err != nil {
			return 0, err
		}
		var id uint64
		for i := 0; i < n; i++ {
			w, err := r.u32()
			if err != nil {
				return 0, err
			}
			if i < 2 {
				id |= uint64(w) << (32 * i)
			}
		}
		h := term.NewThing(&term.Thing{Kind: term.KindExternal, Node: node, ID: id, Creation: creation, Ref: true})
		return c.Thing(term.SubExternalRef, h, 0, oh), nil
	case tagExport:
		module, err := r.atomName()
		if err != nil {
			return 0, err
		}
		function, err := r.atomName()
		if err != nil {
			return 0, err
		}
		if b, err := r.u8(); err != nil || b != tagSmallInteger {
			return 0, r.fail("export arity must be a small integer")
		}
		arity, err := r.u8()
		if err != nil {
			return 0, err
		}
		h := term.NewThing(&term.Thing{Kind: term.KindFun, Module: module, Function: function, Arity: int(arity)})
		return c.Fun(h, oh), nil
	}
	r.off--
	return 0, r.fail("unknown tag %d", tag)
}

func (r *reader) atomName() (string, error) {
	tag, err := r.u8()
	if err != nil {
		return "", err
	}
	var n int
	switch tag {
	case tagSmallAtomUTF8:
		b, err := r.u8()
		if err != nil {
			return "", err
		}
		n = int(b)
	case tagAtomUTF8:
		if n, err = r.u16(); err != nil {
			return "", err
		}
	default:
		r.off--
		return "", r.fail("expected atom, got tag %d", tag)
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		r.off -= n
		return "", r.fail("atom text is not UTF-8")
	}
	return string(b), nil
}

func (r *reader) atom() (term.Term, error) {
	name, err := r.atomName()
	if err != nil {
		return 0, err
	}
	return term.Atom(name), nil
}
