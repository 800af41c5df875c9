// Package extfmt encodes and decodes terms in the external term format used
// between nodes. Only the tags this runtime produces are supported.
package extfmt

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/orizon-lang/msgcore/internal/term"
)

// Version is the leading byte of every encoded term.
const Version = 131

const (
	tagNewFloat        = 70
	tagNewPid          = 88
	tagNewerReference  = 90
	tagSmallInteger    = 97
	tagInteger         = 98
	tagSmallTuple      = 104
	tagLargeTuple      = 105
	tagNil             = 106
	tagString          = 107
	tagList            = 108
	tagBinary          = 109
	tagSmallBig        = 110
	tagExport          = 113
	tagAtomUTF8        = 118
	tagSmallAtomUTF8   = 119
	maxStringExtLength = 0xffff
)

var (
	// ErrMalformed is matched by every DecodeError.
	ErrMalformed = errors.New("extfmt: malformed external term")
	// ErrUnencodable is returned for terms the format cannot carry.
	ErrUnencodable = errors.New("extfmt: term cannot be encoded")
)

// DecodeError describes where a blob stopped making sense.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("extfmt: malformed external term at byte %d: %s", e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// MaxDepth bounds how deeply lists and tuples may nest in encoded data.
const MaxDepth = 4096

type reader struct {
	b     []byte
	off   int
	depth int
}

// enter descends into a list or tuple. Every successful enter is paired with
// a leave.
func (r *reader) enter() error {
	if r.depth >= MaxDepth {
		return r.fail("nesting deeper than %d", MaxDepth)
	}
	r.depth++
	return nil
}

func (r *reader) leave() { r.depth-- }

func (r *reader) fail(format string, args ...any) error {
	return &DecodeError{Offset: r.off, Reason: fmt.Sprintf(format, args...)}
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.b)-r.off < n {
		return r.fail("need %d bytes, have %d", n, len(r.b)-r.off)
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (int, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := int(r.b[r.off])<<8 | int(r.b[r.off+1])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := uint32(r.b[r.off])<<24 | uint32(r.b[r.off+1])<<16 | uint32(r.b[r.off+2])<<8 | uint32(r.b[r.off+3])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) version() error {
	v, err := r.u8()
	if err != nil {
		return err
	}
	if v != Version {
		r.off--
		return r.fail("bad version byte %d", v)
	}
	return nil
}

func (r *reader) done() error {
	if r.off != len(r.b) {
		return r.fail("%d trailing bytes", len(r.b)-r.off)
	}
	return nil
}

// smallBig reads the payload of a SMALL_BIG_EXT and returns it when it fits
// a small integer.
func (r *reader) smallBig() (int64, bool, error) {
	n, err := r.u8()
	if err != nil {
		return 0, false, err
	}
	sign, err := r.u8()
	if err != nil {
		return 0, false, err
	}
	digits, err := r.bytes(int(n))
	if err != nil {
		return 0, false, err
	}
	if n > 8 {
		return 0, false, nil
	}
	var mag uint64
	for i := len(digits) - 1; i >= 0; i-- {
		mag = mag<<8 | uint64(digits[i])
	}
	if mag > 1<<62 {
		return 0, false, nil
	}
	v := int64(mag)
	if sign != 0 {
		v = -v
	}
	return v, term.FitsSmall(v), nil
}
