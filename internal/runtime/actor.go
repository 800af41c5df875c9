package runtime

import (
	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"

	"github.com/orizon-lang/msgcore/internal/heapfrag"
	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/relocate"
	"github.com/orizon-lang/msgcore/internal/seqtrace"
	"github.com/orizon-lang/msgcore/internal/term"
)

type (
	// ActorID identifies an actor within a System. It is also the value of
	// the actor's local pid.
	ActorID uint64

	// Status is the scheduling state of an actor.
	Status uint8
)

const (
	StatusWaiting Status = iota
	StatusRunnable
	StatusRunning
	StatusSuspended
	StatusGarbing
	StatusExiting
	StatusFree
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunnable:
		return "runnable"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusGarbing:
		return "garbing"
	case StatusExiting:
		return "exiting"
	case StatusFree:
		return "free"
	default:
		return "unknown"
	}
}

// Actor is a lightweight process with a private heap and a two-tier mailbox.
//
// Fields are grouped by the lock that guards them. Senders only ever take
// the status and queue locks; the main lock belongs to whoever runs the
// actor or collects its heap.
type Actor struct {
	id    ActorID
	name  string
	group string
	sys   *System
	locks proclock.Locks

	// status lock
	status      Status
	gcStatus    Status // status to restore when a collection ends
	rstatus     Status // status to restore on resume
	pendingExit bool
	queued      bool         // sitting in the run queue
	exitWith    term.Term    // reason recorded with a pending exit
	exiting     *atomic.Bool // written under the status lock, read anywhere

	// queue lock
	inq messageQueue

	// main lock
	privq    messageQueue
	heap     Heap
	offHeap  offheap.Registry
	mbufs    *heapfrag.Fragment
	state    term.Term
	trace    seqtrace.State
	behavior Behavior

	forceGC      *atomic.Bool
	traceReceive *atomic.Bool
	backlog      *atomic.Int64 // cells held in fragments not yet on the heap
	links        goset.Set[ActorID]
}

// ID returns the actor's identifier.
func (a *Actor) ID() ActorID { return a.id }

// Name returns the registered name, if any.
func (a *Actor) Name() string { return a.name }

// Group returns the co-residency group the actor was spawned into.
func (a *Actor) Group() string { return a.group }

// Pid returns the actor's local pid term.
func (a *Actor) Pid() term.Term { return term.LocalPid(uint64(a.id)) }

// Locks exposes the actor's lock set to callers that pass held locks into
// send operations.
func (a *Actor) Locks() *proclock.Locks { return &a.locks }

// Status returns the scheduling status.
func (a *Actor) Status() Status {
	a.locks.Lock(proclock.Status)
	defer a.locks.Unlock(proclock.Status)
	return a.status
}

// Exiting reports whether the actor has started to terminate.
func (a *Actor) Exiting() bool { return a.exiting.Load() }

// ForceGC reports whether the actor must collect before it runs again.
func (a *Actor) ForceGC() bool { return a.forceGC.Load() }

// Backlog returns the cells of fragments waiting to be moved onto the heap.
func (a *Actor) Backlog() int64 { return a.backlog.Load() }

// SetTraceReceive turns receive tracing on or off.
func (a *Actor) SetTraceReceive(on bool) { a.traceReceive.Store(on) }

// Heap returns the private heap. The caller holds the main lock.
func (a *Actor) Heap() *Heap { return &a.heap }

// OffHeap returns the registry of off-heap objects anchored on the heap.
// The caller holds the main lock.
func (a *Actor) OffHeap() *offheap.Registry { return &a.offHeap }

// Trace returns the sequential-trace state. The caller holds the main lock.
func (a *Actor) Trace() *seqtrace.State { return &a.trace }

// Memory returns a view over every cell the actor can reach: its heap, the
// fragments linked to it and the system's literal area. The caller holds
// the main lock.
func (a *Actor) Memory() term.Memory { return actorMemory{a} }

type actorMemory struct{ a *Actor }

func (m actorMemory) Load(addr term.Addr) term.Term {
	a := m.a
	if a.heap.Contains(addr) {
		return a.heap.Cells[addr-a.heap.Base]
	}
	for f := a.mbufs; f != nil; f = f.Next {
		if f.Contains(addr) {
			return f.Cells[addr-f.Base]
		}
	}
	return a.sys.literals.Load(addr)
}

// MailboxLen returns the number of entries in both tiers. It takes the main
// and queue locks, so it must not be called by the actor while it runs.
func (a *Actor) MailboxLen() int {
	a.locks.Lock(proclock.Main | proclock.Queue)
	defer a.locks.Unlock(proclock.Main | proclock.Queue)
	return a.inq.len + a.privq.len
}

// mailboxLenLocked is MailboxLen for a caller that holds the main lock.
func (a *Actor) mailboxLenLocked() int {
	a.locks.Lock(proclock.Queue)
	defer a.locks.Unlock(proclock.Queue)
	return a.inq.len + a.privq.len
}

// Suspend stops the actor from being scheduled until Resume.
func (a *Actor) Suspend() {
	a.locks.Lock(proclock.Status)
	defer a.locks.Unlock(proclock.Status)
	switch a.status {
	case StatusSuspended, StatusExiting, StatusFree:
		return
	case StatusGarbing:
		if a.gcStatus != StatusSuspended {
			a.rstatus = a.gcStatus
			a.gcStatus = StatusSuspended
		}
		return
	}
	a.rstatus = a.status
	a.status = StatusSuspended
}

// Resume undoes Suspend.
func (a *Actor) Resume() {
	a.locks.Lock(proclock.Status)
	defer a.locks.Unlock(proclock.Status)
	switch a.status {
	case StatusSuspended:
		a.status = a.rstatus
		if a.status == StatusRunnable {
			a.sys.enqueueLocked(a)
		}
	case StatusGarbing:
		if a.gcStatus == StatusSuspended {
			a.gcStatus = a.rstatus
		}
	}
}

// beginGC marks the actor as collecting. The caller holds the main lock.
func (a *Actor) beginGC() {
	a.locks.Lock(proclock.Status)
	a.gcStatus = a.status
	a.status = StatusGarbing
	a.locks.Unlock(proclock.Status)
}

// endGC restores the status saved by beginGC.
func (a *Actor) endGC() {
	a.locks.Lock(proclock.Status)
	if a.status == StatusGarbing {
		a.status = a.gcStatus
		if a.status == StatusRunnable {
			a.sys.enqueueLocked(a)
		}
	}
	a.locks.Unlock(proclock.Status)
}

// BeginExit marks the actor as exiting. From here on every message sent to
// it is dropped.
func (a *Actor) BeginExit() {
	a.locks.Lock(proclock.Status)
	a.beginExitLocked()
	a.locks.Unlock(proclock.Status)
}

func (a *Actor) beginExitLocked() {
	if a.status == StatusFree {
		return
	}
	a.exiting.Store(true)
	a.status = StatusExiting
}

// SetPendingExit records an exit signal that will take effect the next time
// the actor is scheduled. Messages arriving meanwhile are dropped. Reasons
// that are not immediates are recorded as kill.
func (a *Actor) SetPendingExit(reason term.Term) {
	a.locks.Lock(proclock.Status)
	defer a.locks.Unlock(proclock.Status)
	a.pendingExit = true
	a.exitWith = term.AtomKill
	if reason.IsImmediate() {
		a.exitWith = reason
	}
	a.sys.notifyLocked(a)
}

// Build writes a term of n cells for the actor, on its heap when there is
// room and otherwise on a fragment linked to it. fn writes at most n
// cells. The caller holds the main lock.
func (a *Actor) Build(n int, fn func(c *term.Cursor, oh term.Anchorer) term.Term) term.Value {
	if c, ok := a.heap.alloc(n); ok {
		t := fn(c, &a.offHeap)
		a.heap.release(c)
		return term.Value{T: t, Mem: a.Memory()}
	}
	f := a.sys.frags.Allocate(n)
	t := fn(f.Cursor(), &f.OffHeap)
	a.LinkFragment(f)
	return term.Value{T: t, Mem: a.Memory()}
}

// LinkFragment makes f part of the actor's heap until the next collection
// moves its cells. The fragment's off-heap entries join the actor's
// registry. The caller holds the main lock.
func (a *Actor) LinkFragment(f *heapfrag.Fragment) {
	a.offHeap.Splice(&f.OffHeap)
	f.Next = a.mbufs
	a.mbufs = f
	a.backlog.Add(int64(f.Size()))
	a.forceGC.Store(true)
}

// State returns the term the actor keeps between messages.
func (a *Actor) State() term.Value { return term.Value{T: a.state, Mem: a.Memory()} }

// SetState replaces the kept term. t must live in the actor's memory.
func (a *Actor) SetState(t term.Term) { a.state = t }

// relocateRegion rewrites every reference the actor holds into [lo, hi)
// after those cells were copied delta cells away.
func (a *Actor) relocateRegion(delta int64, lo, hi term.Addr) {
	relocate.OffsetHeap(a.heap.Used(), delta, lo, hi)
	for f := a.mbufs; f != nil; f = f.Next {
		relocate.OffsetHeap(f.Cells, delta, lo, hi)
	}
	relocate.OffsetOffHeap(&a.offHeap, delta, lo, hi)
	a.privq.each(func(m *Message) {
		if m.storage != StorageNone {
			return
		}
		r := m.roots()
		relocate.OffsetRoots(r[:], delta, lo, hi)
		m.setRoots(r)
	})
	roots := [1]term.Term{a.state}
	relocate.OffsetRoots(roots[:], delta, lo, hi)
	a.state = roots[0]
	debugAssertIncomingDetached(a, lo, hi)
}
