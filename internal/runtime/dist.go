package runtime

import (
	"github.com/pkg/errors"

	"github.com/orizon-lang/msgcore/internal/extfmt"
	"github.com/orizon-lang/msgcore/internal/heapfrag"
	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/relocate"
	"github.com/orizon-lang/msgcore/internal/term"
)

// DistExternal is a message received from another node and not decoded yet.
// A trace token that came with it is decoded eagerly into Trailer.
type DistExternal struct {
	Data    []byte
	Trailer *heapfrag.Fragment
	Token   term.Term

	heapSize int // decoded size upper bound, -1 until computed
}

// NewDistExternal wraps encoded message data.
func NewDistExternal(data []byte) *DistExternal {
	return &DistExternal{Data: data, Token: term.Nil, heapSize: -1}
}

// tokenSize returns the cells needed to copy the trailer token.
func (e *DistExternal) tokenSize() int {
	if e.Trailer == nil {
		return 0
	}
	return e.Trailer.Size()
}

// decodeError turns a codec failure into ErrDecode.
func decodeError(err error) error {
	var de *extfmt.DecodeError
	if errors.As(err, &de) {
		return errors.Wrapf(ErrDecode, "at offset %d: %s", de.Offset, de.Reason)
	}
	return errors.Wrap(ErrDecode, err.Error())
}

// DeliverRemote queues encoded data received from another node to r. When
// tokenData is not empty it holds the encoded trace token. Data is decoded
// lazily, when r receives the message or collects its heap.
func (s *System) DeliverRemote(r *Actor, data, tokenData []byte) error {
	ext := NewDistExternal(data)
	if len(tokenData) > 0 {
		size, err := extfmt.DecodedSize(tokenData)
		if err != nil {
			s.stats.decodeErrors.Inc()
			return decodeError(err)
		}
		f := s.frags.Allocate(size)
		c := f.Cursor()
		tok, err := s.decoder.Decode(tokenData, c, &f.OffHeap)
		if err != nil {
			s.frags.Free(f)
			s.stats.decodeErrors.Inc()
			return decodeError(err)
		}
		if !tok.IsBoxed() {
			s.frags.Free(f)
			s.stats.decodeErrors.Inc()
			return errors.Wrap(ErrDecode, "trace token is not a tuple")
		}
		roots := []term.Term{tok}
		ext.Trailer = s.frags.Resize(f, c.Pos, roots)
		ext.Token = roots[0]
	}
	s.QueueDistMessage(r, proclock.None, ext)
	return nil
}

// QueueDistMessage queues ext to r without decoding it, unless r traces
// receives and must see the term now. held names the r locks the caller
// owns. ext is freed when r is exiting.
func (s *System) QueueDistMessage(r *Actor, held proclock.Set, ext *DistExternal) {
	initial := held
	defer func() { r.locks.Unlock(held &^ initial) }()

	r.locks.Acquire(&held, proclock.Status|proclock.Queue)
	if r.exiting.Load() || r.pendingExit {
		s.freeDistExternal(ext)
		s.stats.dropped.Inc()
		return
	}
	s.stats.distQueued.Inc()

	if r.traceReceive.Load() {
		r.locks.Unlock(held &^ initial)
		held = initial
		msg, token, st, err := s.decodeExternal(r, &held, ext)
		if err != nil {
			s.stats.decodeErrors.Inc()
			s.logger.Warnf("dropping undecodable message to <%d>: %v", r.id, err)
			return
		}
		s.queueMessage(r, &held, st, msg, token)
		return
	}

	m := takeMessage(term.NonValue, ext.Token)
	m.storage = StorageExternal
	m.ext = ext
	s.linkMessage(r, held, m)
	s.notifyLocked(r)
}

// freeDistExternal releases the trailer of ext.
func (s *System) freeDistExternal(ext *DistExternal) {
	if ext.Trailer != nil {
		s.frags.Free(ext.Trailer)
		ext.Trailer = nil
	}
	ext.Token = term.Nil
	ext.Data = nil
}

// DecodeExternal materializes ext for r. The message and its token land on
// r's heap when allowed, with frag nil, or in a fragment of exactly the
// cells they use. r may be nil to always decode into a fragment. ext is
// consumed whether or not decoding succeeds; on failure nothing it
// allocated is retained.
func (s *System) DecodeExternal(r *Actor, held *proclock.Set, ext *DistExternal) (msg, token term.Term, frag *heapfrag.Fragment, err error) {
	msg, token, st, err := s.decodeExternal(r, held, ext)
	if err != nil {
		return term.NonValue, term.Nil, nil, err
	}
	if st.local != nil {
		r.offHeap.Splice(st.local)
	}
	return msg, token, st.frag, nil
}

// decodeExternal is DecodeExternal leaving the off-heap references of an
// on-heap result in st.local, so a caller that ends up dropping the message
// can still give them back.
func (s *System) decodeExternal(r *Actor, held *proclock.Set, ext *DistExternal) (msg, token term.Term, st msgStorage, err error) {
	size := ext.heapSize
	if size < 0 {
		if size, err = extfmt.DecodedSize(ext.Data); err != nil {
			s.freeDistExternal(ext)
			return term.NonValue, term.Nil, msgStorage{}, decodeError(err)
		}
	}
	tokSize := ext.tokenSize()

	st = s.allocMessageHeap(size+tokSize, r, held)
	msg, err = s.decoder.Decode(ext.Data, st.cursor, st.oh)
	if err != nil {
		s.freeDistExternal(ext)
		s.discardStorage(r, st)
		return term.NonValue, term.Nil, msgStorage{}, decodeError(err)
	}

	token = term.Nil
	if ext.Token.IsPointer() {
		token = term.Copy(&ext.Trailer.Region, ext.Token, st.cursor, st.oh)
	}
	s.freeDistExternal(ext)
	s.stats.distDecoded.Inc()

	if st.frag == nil {
		r.heap.release(st.cursor)
		return msg, token, st, nil
	}
	used := st.cursor.Pos
	if used == 0 {
		s.frags.Free(st.frag)
		return msg, token, msgStorage{}, nil
	}
	roots := []term.Term{msg, token}
	st.frag = s.frags.Resize(st.frag, used, roots)
	return roots[0], roots[1], st, nil
}

// AttachedDataSize returns the cells m needs once it is on the heap. An
// external entry whose size cannot be computed is freed and turned into a
// bad message of size zero. The caller holds the main lock of m's owner.
func (s *System) AttachedDataSize(m *Message) int {
	switch m.storage {
	case StorageFragment:
		return m.frag.Size()
	case StorageExternal:
		ext := m.ext
		if ext.heapSize < 0 {
			size, err := extfmt.DecodedSize(ext.Data)
			if err != nil {
				s.stats.decodeErrors.Inc()
				s.logger.Warnf("bad external message: %v", err)
				s.freeDistExternal(ext)
				m.storage = StorageNone
				m.ext = nil
				m.Term = term.NonValue
				m.Token = term.Nil
				return 0
			}
			ext.heapSize = size
		}
		return ext.heapSize + ext.tokenSize()
	}
	return 0
}

// MoveAttachedDataToHeap moves the cells m owns into c, which must have room
// for AttachedDataSize(m) of them, and re-anchors its off-heap objects on
// a's heap. An external entry that fails to decode becomes a bad message.
// The caller holds a's main lock.
func (s *System) MoveAttachedDataToHeap(a *Actor, c *term.Cursor, m *Message) {
	switch m.storage {
	case StorageFragment:
		f := m.frag
		n := f.Size()
		base := c.Alloc(n)
		i := int(base - c.R.Base)
		delta := relocate.Move(c.R.Cells[i:i+n], base, &f.Region, &f.OffHeap, &a.offHeap)
		roots := m.roots()
		relocate.OffsetRoots(roots[:], delta, f.Base, f.End())
		m.setRoots(roots)
		a.backlog.Sub(int64(n))
		s.frags.Free(f)
		m.frag = nil
	case StorageExternal:
		ext := m.ext
		var tmp offheap.Registry
		mark := c.Pos
		t, err := s.decoder.Decode(ext.Data, c, &tmp)
		if err != nil {
			s.stats.decodeErrors.Inc()
			s.logger.Warnf("bad external message: %v", decodeError(err))
			tmp.ReleaseAll()
			clear(c.R.Cells[mark:c.Pos])
			c.Pos = mark
			m.Term = term.NonValue
			m.Token = term.Nil
		} else {
			m.Term = t
			m.Token = term.Nil
			if ext.Token.IsPointer() {
				m.Token = term.Copy(&ext.Trailer.Region, ext.Token, c, &tmp)
			}
			a.offHeap.Splice(&tmp)
			s.stats.distDecoded.Inc()
		}
		s.freeDistExternal(ext)
		m.ext = nil
	}
	m.storage = StorageNone
}
