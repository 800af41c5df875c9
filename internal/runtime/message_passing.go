package runtime

import (
	"github.com/orizon-lang/msgcore/internal/heapfrag"
	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/seqtrace"
	"github.com/orizon-lang/msgcore/internal/term"
)

// SendFlags modify Send.
type SendFlags uint8

const (
	// SendNoSeqTrace sends without the sender's trace token.
	SendNoSeqTrace SendFlags = 1 << iota
)

// msgStorage is where a message being built will live.
type msgStorage struct {
	cursor *term.Cursor
	frag   *heapfrag.Fragment // nil when writing onto the receiver's heap
	oh     term.Anchorer
	local  *offheap.Registry // on-heap anchors, spliced into the receiver on link
	mark   int               // heap top before the reservation
}

// allocMessageHeap reserves size cells for a message to r. Small messages go
// straight onto r's heap when its main lock is held or free; everything else
// gets a fragment. A main lock taken here is added to held.
func (s *System) allocMessageHeap(size int, r *Actor, held *proclock.Set) msgStorage {
	if r != nil && size <= int(s.onHeapLimit.Load()) && !r.exiting.Load() {
		if !held.Has(proclock.Main) && r.locks.TryLock(proclock.Main) == nil {
			*held |= proclock.Main
		}
		if held.Has(proclock.Main) && !r.exiting.Load() {
			mark := r.heap.top
			if c, ok := r.heap.alloc(size); ok {
				s.stats.onHeap.Inc()
				local := new(offheap.Registry)
				return msgStorage{cursor: c, oh: local, local: local, mark: mark}
			}
		}
	}
	f := s.frags.Allocate(size)
	s.stats.fragmented.Inc()
	return msgStorage{cursor: f.Cursor(), frag: f, oh: &f.OffHeap}
}

// discardStorage gives back everything reserved for a message to r that will
// not be queued. On-heap storage needs r's main lock, still held since the
// reservation.
func (s *System) discardStorage(r *Actor, st msgStorage) {
	switch {
	case st.frag != nil:
		s.frags.Free(st.frag)
	case st.local != nil:
		st.local.ReleaseAll()
		r.heap.rollback(st.mark)
	}
}

// Send delivers msg from sender to receiver. held names the receiver locks
// the caller already owns; locks Send takes are released before it returns.
// sender may be nil for sends from outside any actor. When sender is the
// receiver, msg is taken to live on its own heap and is queued uncopied.
func (s *System) Send(sender, receiver *Actor, held proclock.Set, msg term.Value, flags SendFlags) {
	initial := held
	defer func() { receiver.locks.Unlock(held &^ initial) }()

	s.stats.sent.Inc()
	if sender != nil && sender.trace.Active && flags&SendNoSeqTrace == 0 {
		s.sendTraced(sender, receiver, &held, msg)
		return
	}

	switch {
	case sender == receiver:
		debugAssertMainHeld(held)
		s.stats.selfSends.Inc()
		s.queueMessage(receiver, &held, msgStorage{}, msg.T, term.Nil)
	case !msg.T.IsPointer():
		s.queueMessage(receiver, &held, msgStorage{}, msg.T, term.Nil)
	case s.coResident(sender, receiver) && s.literals.holds(msg.T):
		s.stats.byReference.Inc()
		s.queueMessage(receiver, &held, msgStorage{}, msg.T, term.Nil)
	default:
		size := term.Size(msg.Mem, msg.T)
		st := s.allocMessageHeap(size, receiver, &held)
		t := term.Copy(msg.Mem, msg.T, st.cursor, st.oh)
		s.queueMessage(receiver, &held, st, t, term.Nil)
	}
}

// sendTraced copies msg together with the sender's updated trace token into
// a fresh fragment.
func (s *System) sendTraced(sender, receiver *Actor, held *proclock.Set, msg term.Value) {
	s.stats.traced.Inc()
	size := term.Size(msg.Mem, msg.T)
	tk := sender.trace.UpdateSend(sender.Pid())
	if tk.Flags&seqtrace.FlagSend != 0 {
		s.tracer.ReportSend(tk, msg.Mem, msg.T, receiver.Pid())
	}
	f := s.frags.Allocate(size + seqtrace.TokenSize)
	s.stats.fragmented.Inc()
	c := f.Cursor()
	token := tk.Build(c)
	t := term.Copy(msg.Mem, msg.T, c, &f.OffHeap)
	s.queueMessage(receiver, held, msgStorage{frag: f}, t, token)
}

// queueMessage links a message into r's mailbox and wakes r. st is the
// storage holding msg and token, zero when nothing was copied. The message is
// dropped, and its storage and off-heap references released, when r is
// exiting.
func (s *System) queueMessage(r *Actor, held *proclock.Set, st msgStorage, msg, token term.Term) {
	r.locks.Acquire(held, proclock.Status|proclock.Queue)

	if r.exiting.Load() || r.pendingExit {
		s.discardStorage(r, st)
		s.stats.dropped.Inc()
		s.logger.Debugf("message to exiting actor <%d> dropped", r.id)
		return
	}

	if st.local != nil {
		r.offHeap.Splice(st.local)
	}
	frag := st.frag
	m := takeMessage(msg, token)
	m.attachFragment(frag)
	if frag != nil && r.backlog.Add(int64(frag.Size())) > s.backlogLimit.Load() {
		r.forceGC.Store(true)
	}
	s.linkMessage(r, *held, m)

	if r.traceReceive.Load() {
		s.tracer.ReportReceive(r.Pid(), s.messageMemory(r, m), msg)
	}
	s.notifyLocked(r)
}

// linkMessage appends m to the private tier when the caller owns r's main
// lock and to the incoming tier otherwise. The caller holds r's status and
// queue locks.
func (s *System) linkMessage(r *Actor, held proclock.Set, m *Message) {
	if held.Has(proclock.Main) {
		r.privq.takeAll(&r.inq)
		m.state = StateMigrated
		r.privq.push(m)
		return
	}
	m.state = StateIncoming
	r.inq.push(m)
}

// messageMemory returns the memory m's term must be read from.
func (s *System) messageMemory(r *Actor, m *Message) term.Memory {
	switch m.storage {
	case StorageFragment:
		return &m.frag.Region
	case StorageExternal:
		if m.ext.Trailer != nil {
			return &m.ext.Trailer.Region
		}
		return nil
	}
	if !m.Term.IsPointer() && !m.Token.IsPointer() {
		return nil
	}
	if s.literals.holds(m.Term) && s.literals.holds(m.Token) {
		return s.literals
	}
	return r.Memory()
}

// DeliverExit queues {'EXIT', from, reason} to to. A boxed token travels
// with the message and forces it into a fragment; immediates mean no token.
func (s *System) DeliverExit(from term.Value, to *Actor, held proclock.Set, reason, token term.Value) {
	initial := held
	defer func() { to.locks.Unlock(held &^ initial) }()
	s.stats.exitsDelivered.Inc()

	reasonSize := term.Size(reason.Mem, reason.T)
	fromSize := 0
	if from.T.IsPointer() {
		fromSize = term.Size(from.Mem, from.T)
	}

	if token.T.IsBoxed() {
		tokenSize := term.Size(token.Mem, token.T)
		f := s.frags.Allocate(reasonSize + fromSize + term.TupleSize(3) + tokenSize)
		s.stats.fragmented.Inc()
		c := f.Cursor()
		mess := term.Copy(reason.Mem, reason.T, c, &f.OffHeap)
		fromCopy := term.Copy(from.Mem, from.T, c, &f.OffHeap)
		save := c.Tuple(term.AtomEXIT, fromCopy, mess)
		if tk, ok := seqtrace.Parse(token.Mem, token.T); ok && tk.Flags&seqtrace.FlagSend != 0 {
			s.tracer.ReportSend(tk, &f.Region, save, to.Pid())
		}
		tokenCopy := term.Copy(token.Mem, token.T, c, &f.OffHeap)
		s.queueMessage(to, &held, msgStorage{frag: f}, save, tokenCopy)
		return
	}

	st := s.allocMessageHeap(reasonSize+fromSize+term.TupleSize(3), to, &held)
	mess := term.Copy(reason.Mem, reason.T, st.cursor, st.oh)
	fromCopy := from.T
	if fromSize > 0 {
		fromCopy = term.Copy(from.Mem, from.T, st.cursor, st.oh)
	}
	save := st.cursor.Tuple(term.AtomEXIT, fromCopy, mess)
	s.queueMessage(to, &held, st, save, term.Nil)
}
