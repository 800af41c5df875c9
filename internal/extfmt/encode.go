package extfmt

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/orizon-lang/msgcore/internal/term"
)

// Encoder turns terms into their external form.
type Encoder struct {
	// Node names the local node in encoded pids.
	Node     string
	Creation uint32
}

// Encode returns the external form of t, read from mem.
func (e *Encoder) Encode(mem term.Memory, t term.Term) ([]byte, error) {
	buf := []byte{Version}
	return e.encode(buf, mem, t)
}

func (e *Encoder) encode(buf []byte, mem term.Memory, t term.Term) ([]byte, error) {
	switch {
	case t.IsNil():
		return append(buf, tagNil), nil
	case t.IsSmall():
		return appendInteger(buf, t.SmallValue()), nil
	case t.IsAtom():
		return appendAtom(buf, term.AtomName(t)), nil
	case t.IsLocalPid():
		id := t.PidID()
		return appendPid(buf, e.Node, uint32(id), uint32(id>>32), e.Creation), nil
	case t.IsList():
		return e.encodeList(buf, mem, t)
	case t.IsBoxed():
		return e.encodeBoxed(buf, mem, t)
	}
	return nil, errors.Wrapf(ErrUnencodable, "cell %#x", uint64(t))
}

func (e *Encoder) encodeList(buf []byte, mem term.Memory, t term.Term) ([]byte, error) {
	elems, proper := term.ListElements(mem, t)
	if proper && len(elems) <= maxStringExtLength && bytesOnly(elems) {
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(elems)))
		for _, el := range elems {
			buf = append(buf, byte(el.SmallValue()))
		}
		return buf, nil
	}
	buf = append(buf, tagList)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(elems)))
	var err error
	for _, el := range elems {
		if buf, err = e.encode(buf, mem, el); err != nil {
			return nil, err
		}
	}
	tail := term.Nil
	if !proper {
		tail = t
		for tail.IsList() {
			tail = mem.Load(tail.Ptr() + 1)
		}
	}
	return e.encode(buf, mem, tail)
}

func bytesOnly(elems []term.Term) bool {
	for _, el := range elems {
		if !el.IsSmall() || el.SmallValue() < 0 || el.SmallValue() > 255 {
			return false
		}
	}
	return len(elems) > 0
}

func (e *Encoder) encodeBoxed(buf []byte, mem term.Memory, t term.Term) ([]byte, error) {
	a := t.Ptr()
	h := mem.Load(a)
	switch h.Subtag() {
	case term.SubTuple:
		n := h.Arity()
		if n < 256 {
			buf = append(buf, tagSmallTuple, byte(n))
		} else {
			buf = append(buf, tagLargeTuple)
			buf = binary.BigEndian.AppendUint32(buf, uint32(n))
		}
		var err error
		for i := 1; i <= n; i++ {
			if buf, err = e.encode(buf, mem, mem.Load(a+term.Addr(i))); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case term.SubFloat:
		buf = append(buf, tagNewFloat)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(term.FloatValue(mem, t))), nil
	case term.SubHeapBin, term.SubRefcBin:
		b, ok := term.BinaryBytes(mem, t)
		if !ok {
			return nil, errors.Wrap(ErrUnencodable, "released binary")
		}
		buf = append(buf, tagBinary)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
		return append(buf, b...), nil
	case term.SubFun:
		th := term.Lookup(term.ThingHandle(mem, a))
		if th == nil || mem.Load(a+2) != 0 {
			return nil, errors.Wrap(ErrUnencodable, "closure with environment")
		}
		buf = append(buf, tagExport)
		buf = appendAtom(buf, th.Module)
		buf = appendAtom(buf, th.Function)
		return append(buf, tagSmallInteger, byte(th.Arity)), nil
	case term.SubExternalPid:
		th := term.Lookup(term.ThingHandle(mem, a))
		if th == nil {
			return nil, errors.Wrap(ErrUnencodable, "released pid")
		}
		return appendPid(buf, th.Node, uint32(th.ID), th.Serial, th.Creation), nil
	case term.SubExternalRef:
		th := term.Lookup(term.ThingHandle(mem, a))
		if th == nil {
			return nil, errors.Wrap(ErrUnencodable, "released reference")
		}
		buf = append(buf, tagNewerReference)
		buf = binary.BigEndian.AppendUint16(buf, 2)
		buf = appendAtom(buf, th.Node)
		buf = binary.BigEndian.AppendUint32(buf, th.Creation)
		buf = binary.BigEndian.AppendUint32(buf, uint32(th.ID))
		return binary.BigEndian.AppendUint32(buf, uint32(th.ID>>32)), nil
	}
	return nil, errors.Wrapf(ErrUnencodable, "subtag %d", h.Subtag())
}

func appendInteger(buf []byte, v int64) []byte {
	switch {
	case v >= 0 && v <= 255:
		return append(buf, tagSmallInteger, byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf = append(buf, tagInteger)
		return binary.BigEndian.AppendUint32(buf, uint32(int32(v)))
	}
	sign := byte(0)
	mag := uint64(v)
	if v < 0 {
		sign = 1
		mag = uint64(-v)
	}
	var digits []byte
	for mag > 0 {
		digits = append(digits, byte(mag))
		mag >>= 8
	}
	buf = append(buf, tagSmallBig, byte(len(digits)), sign)
	return append(buf, digits...)
}

func appendAtom(buf []byte, name string) []byte {
	if len(name) < 256 {
		buf = append(buf, tagSmallAtomUTF8, byte(len(name)))
	} else {
		buf = append(buf, tagAtomUTF8)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	}
	return append(buf, name...)
}

func appendPid(buf []byte, node string, id, serial, creation uint32) []byte {
	buf = append(buf, tagNewPid)
	buf = appendAtom(buf, node)
	buf = binary.BigEndian.AppendUint32(buf, id)
	buf = binary.BigEndian.AppendUint32(buf, serial)
	return binary.BigEndian.AppendUint32(buf, creation)
}
