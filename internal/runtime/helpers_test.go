package runtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tochemey/goakt/v3/log"

	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

type recordingScheduler struct {
	mu       sync.Mutex
	enqueued []ActorID
	marked   []ActorID
}

func (r *recordingScheduler) EnqueueRunQueue(a *Actor) {
	r.mu.Lock()
	r.enqueued = append(r.enqueued, a.id)
	r.mu.Unlock()
}

func (r *recordingScheduler) MarkRunnable(a *Actor) {
	r.mu.Lock()
	r.marked = append(r.marked, a.id)
	r.mu.Unlock()
}

func (r *recordingScheduler) snapshot() (enqueued, marked []ActorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActorID(nil), r.enqueued...), append([]ActorID(nil), r.marked...)
}

func newTestSystem(t *testing.T, opts ...Option) *System {
	t.Helper()
	base := []Option{
		WithLogger(log.DiscardLogger),
		WithSpace(term.NewSpace()),
		WithScheduler(&recordingScheduler{}),
	}
	sys := NewSystem(append(base, opts...)...)
	t.Cleanup(sys.Stop)
	return sys
}

func recorder(sys *System) *recordingScheduler { return sys.sched.(*recordingScheduler) }

// scratch is memory outside any actor for building test terms.
type scratch struct {
	region term.Region
	cursor *term.Cursor
	oh     offheap.Registry
}

func newScratch(t *testing.T, cells int) *scratch {
	s := &scratch{region: term.NewSpace().Place(make([]term.Term, cells))}
	s.cursor = term.NewCursor(&s.region, 0, cells)
	t.Cleanup(func() { s.oh.ReleaseAll() })
	return s
}

func (s *scratch) value(t term.Term) term.Value { return term.Value{T: t, Mem: &s.region} }

func sendSmall(sys *System, to *Actor, v int64) {
	sys.Send(nil, to, proclock.None, term.Imm(term.Small(v)), 0)
}

// withMain runs fn holding a's main lock.
func withMain(a *Actor, fn func()) {
	a.locks.Lock(proclock.Main)
	defer a.locks.Unlock(proclock.Main)
	fn()
}

func requireUnlocked(t *testing.T, a *Actor) {
	t.Helper()
	require.NoError(t, a.locks.TryLock(proclock.All), "locks of <%d> still held", a.id)
	a.locks.Unlock(proclock.All)
}

func receiveAll(sys *System, a *Actor) []term.Value {
	var out []term.Value
	withMain(a, func() {
		for {
			v, ok := sys.Receive(a)
			if !ok {
				return
			}
			out = append(out, v)
		}
	})
	return out
}
