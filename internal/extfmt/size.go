package extfmt

import "github.com/orizon-lang/msgcore/internal/term"

// DecodedSize validates the structure of data and returns an upper bound of
// the cells Decode will use. Pids that turn out to be local take no cells,
// so the bound is not always reached.
func DecodedSize(data []byte) (int, error) {
	r := &reader{b: data}
	if err := r.version(); err != nil {
		return 0, err
	}
	n, err := r.size()
	if err != nil {
		return 0, err
	}
	if err := r.done(); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *reader) size() (int, error) {
	tag, err := r.u8()
	if err != nil {
		return 0, err
	}
	switch tag {
	case tagSmallInteger:
		_, err = r.u8()
		return 0, err
	case tagInteger:
		_, err = r.u32()
		return 0, err
	case tagSmallBig:
		_, ok, err := r.smallBig()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, r.fail("integer does not fit a small")
		}
		return 0, nil
	case tagNewFloat:
		_, err = r.bytes(8)
		return term.FloatSize, err
	case tagSmallAtomUTF8:
		return 0, r.skipAtomBody(true)
	case tagAtomUTF8:
		return 0, r.skipAtomBody(false)
	case tagNil:
		return 0, nil
	case tagString:
		n, err := r.u16()
		if err != nil {
			return 0, err
		}
		_, err = r.bytes(n)
		return term.ListSize(n), err
	case tagList:
		n, err := r.u32()
		if err != nil {
			return 0, err
		}
		if err := r.enter(); err != nil {
			return 0, err
		}
		defer r.leave()
		total := term.ListSize(int(n))
		for i := uint32(0); i <= n; i++ {
			sz, err := r.size()
			if err != nil {
				return 0, err
			}
			total += sz
		}
		return total, nil
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
		if err := r.enter(); err != nil {
			return 0, err
		}
		defer r.leave()
		total := term.TupleSize(n)
		for i := 0; i < n; i++ {
			sz, err := r.size()
			if err != nil {
				return 0, err
			}
			total += sz
		}
		return total, nil
	case tagBinary:
		n, err := r.u32()
		if err != nil {
			return 0, err
		}
		if _, err = r.bytes(int(n)); err != nil {
			return 0, err
		}
		return term.BinarySize(int(n)), nil
	case tagNewPid:
		if err := r.skipAtom(); err != nil {
			return 0, err
		}
		_, err = r.bytes(12)
		return term.ThingSize, err
	case tagNewerReference:
		n, err := r.u16()
		if err != nil {
			return 0, err
		}
		if err := r.skipAtom(); err != nil {
			return 0, err
		}
		_, err = r.bytes(4 + 4*n)
		return term.ThingSize, err
	case tagExport:
		for i := 0; i < 2; i++ {
			if err := r.skipAtom(); err != nil {
				return 0, err
			}
		}
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		if b != tagSmallInteger {
			return 0, r.fail("export arity must be a small integer")
		}
		_, err = r.u8()
		return term.FunSize(0), err
	}
	r.off--
	return 0, r.fail("unknown tag %d", tag)
}

func (r *reader) skipAtom() error {
	tag, err := r.u8()
	if err != nil {
		return err
	}
	switch tag {
	case tagSmallAtomUTF8:
		return r.skipAtomBody(true)
	case tagAtomUTF8:
		return r.skipAtomBody(false)
	}
	r.off--
	return r.fail("expected atom, got tag %d", tag)
}

func (r *reader) skipAtomBody(small bool) error {
	var n int
	if small {
		b, err := r.u8()
		if err != nil {
			return err
		}
		n = int(b)
	} else {
		v, err := r.u16()
		if err != nil {
			return err
		}
		n = v
	}
	_, err := r.bytes(n)
	return err
}
