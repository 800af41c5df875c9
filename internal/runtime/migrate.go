package runtime

import (
	"github.com/orizon-lang/msgcore/internal/heapfrag"
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/relocate"
	"github.com/orizon-lang/msgcore/internal/seqtrace"
	"github.com/orizon-lang/msgcore/internal/term"
)

// fetchIncoming splices the incoming tier onto the private tier. The caller
// holds a's main lock.
func (a *Actor) fetchIncoming() {
	a.locks.Lock(proclock.Queue)
	a.privq.takeAll(&a.inq)
	a.locks.Unlock(proclock.Queue)
}

// MigrateToHeap brings everything a's mailbox and linked fragments hold onto
// its private heap, growing or collecting the heap first through the
// system's Collector. Afterwards no entry of a owns external storage. The
// caller holds a's main lock.
func (s *System) MigrateToHeap(a *Actor) {
	a.fetchIncoming()

	need := 0
	a.privq.each(func(m *Message) {
		m.state = StateMigrated
		need += s.AttachedDataSize(m)
	})
	for f := a.mbufs; f != nil; f = f.Next {
		need += f.Size()
	}

	s.collector.EnsureHeap(a, need)

	need = 0
	a.privq.each(func(m *Message) { need += s.AttachedDataSize(m) })
	for f := a.mbufs; f != nil; f = f.Next {
		need += f.Size()
	}
	c, ok := a.heap.alloc(need)
	if !ok {
		panic(heapfrag.ErrExhausted)
	}
	a.privq.each(func(m *Message) {
		if m.storage != StorageNone {
			s.MoveAttachedDataToHeap(a, c, m)
		}
	})
	s.absorbLinkedFragments(a, c)
	a.heap.release(c)

	a.backlog.Store(0)
	a.forceGC.Store(false)
	s.stats.migrations.Inc()
	debugVerifyActor(a)
}

// absorbLinkedFragments copies every fragment linked to a into c and frees
// it. Their off-heap entries already belong to a.
func (s *System) absorbLinkedFragments(a *Actor, c *term.Cursor) {
	for a.mbufs != nil {
		f := a.mbufs
		a.mbufs = f.Next
		f.Next = nil

		n := f.Size()
		base := c.Alloc(n)
		i := int(base - c.R.Base)
		dst := c.R.Cells[i : i+n]
		copy(dst, f.Cells)
		a.relocateRegion(relocate.Delta(f.Base, base), f.Base, f.End())
		s.frags.Free(f)
	}
}

// Receive takes the next message off a's mailbox and returns it as a value
// in a's memory. Undecodable external messages are discarded. ok is false
// when the mailbox is empty. The caller holds a's main lock.
func (s *System) Receive(a *Actor) (msg term.Value, ok bool) {
	for {
		m := a.privq.pop()
		if m == nil {
			a.fetchIncoming()
			if m = a.privq.pop(); m == nil {
				return term.Value{}, false
			}
		}
		s.materialize(a, m)
		t, tok := m.Term, m.Token
		releaseMessage(m)

		if t.IsNonValue() {
			continue
		}
		if tok.IsBoxed() {
			if tk, ok := seqtrace.Parse(a.Memory(), tok); ok {
				a.trace.UpdateReceive(tk)
				if tk.Flags&seqtrace.FlagReceive != 0 {
					s.tracer.ReportReceive(a.Pid(), a.Memory(), t)
				}
			}
		}
		s.stats.received.Inc()
		return term.Value{T: t, Mem: a.Memory()}, true
	}
}

// materialize makes m's cells readable through a's memory: onto the heap
// when there is room, otherwise by linking its fragment to a.
func (s *System) materialize(a *Actor, m *Message) {
	switch m.storage {
	case StorageNone:
		return
	case StorageFragment:
		if c, ok := a.heap.alloc(m.frag.Size()); ok {
			s.MoveAttachedDataToHeap(a, c, m)
			return
		}
		f := m.frag
		m.frag = nil
		m.storage = StorageNone
		a.backlog.Sub(int64(f.Size()))
		a.LinkFragment(f)
	case StorageExternal:
		need := s.AttachedDataSize(m)
		if m.storage == StorageNone {
			return
		}
		if c, ok := a.heap.alloc(need); ok {
			s.MoveAttachedDataToHeap(a, c, m)
			a.heap.release(c)
			return
		}
		held := proclock.Main
		t, tok, f, err := s.DecodeExternal(nil, &held, m.ext)
		m.ext = nil
		m.storage = StorageNone
		if err != nil {
			s.stats.decodeErrors.Inc()
			s.logger.Warnf("bad external message to <%d>: %v", a.id, err)
			m.Term, m.Token = term.NonValue, term.Nil
			return
		}
		m.Term, m.Token = t, tok
		if f != nil {
			a.LinkFragment(f)
		}
	}
}

// Collect runs a collection on a: its mailbox and linked fragments move
// onto its heap. It takes a's main lock and marks a as garbing meanwhile.
func (s *System) Collect(a *Actor) {
	a.locks.Lock(proclock.Main)
	defer a.locks.Unlock(proclock.Main)
	s.collectLocked(a)
}

func (s *System) collectLocked(a *Actor) {
	if a.exiting.Load() {
		return
	}
	a.beginGC()
	s.MigrateToHeap(a)
	a.endGC()
}
