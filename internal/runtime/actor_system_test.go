package runtime

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tochemey/goakt/v3/log"

	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

// counter adds every small it receives to its state.
var counter = BehaviorFunc(func(ctx *Context, msg term.Value) error {
	if !msg.T.IsSmall() {
		return errors.Errorf("unexpected %s", term.Format(msg.Mem, msg.T))
	}
	var sum int64
	if cur := ctx.State().T; cur.IsSmall() {
		sum = cur.SmallValue()
	}
	ctx.SetState(term.Imm(term.Small(sum + msg.T.SmallValue())))
	return nil
})

func stateOf(a *Actor) term.Term {
	var t term.Term
	withMain(a, func() { t = a.state })
	return t
}

func exitReason(t *testing.T, v term.Value, from *Actor) term.Term {
	t.Helper()
	el, ok := term.TupleElements(v.Mem, v.T)
	require.True(t, ok, "not a tuple: %s", term.Format(v.Mem, v.T))
	require.Len(t, el, 3)
	assert.Equal(t, term.AtomEXIT, el[0])
	assert.Equal(t, from.Pid(), el[1])
	return el[2]
}

func TestSpawnAndNames(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil, Named("logger"))
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, a.Status())
	assert.Equal(t, "logger", a.Name())

	_, err = sys.Spawn(nil, Named("logger"))
	assert.ErrorIs(t, err, ErrNameTaken)

	found, ok := sys.Whereis("logger")
	require.True(t, ok)
	assert.Same(t, a, found)

	resolved, err := sys.Resolve(a.Pid())
	require.NoError(t, err)
	assert.Same(t, a, resolved)
	_, err = sys.Resolve(term.AtomOK)
	assert.ErrorIs(t, err, ErrNoSuchActor)

	sys.Kill(a, term.AtomNormal)
	_, ok = sys.Whereis("logger")
	assert.False(t, ok)
	_, err = sys.Resolve(a.Pid())
	assert.ErrorIs(t, err, ErrNoSuchActor)
	assert.Equal(t, StatusFree, a.Status())

	_, err = sys.Spawn(nil, Named("logger"))
	assert.NoError(t, err)
	assert.Equal(t, 1, sys.Stats().Actors)
}

func TestTunables(t *testing.T) {
	sys := newTestSystem(t)
	assert.Equal(t, DefaultTunables(), sys.Tunables())

	bad := DefaultTunables()
	bad.InitialHeapCells = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidTunables)
	assert.ErrorIs(t, sys.ApplyTunables(bad), ErrInvalidTunables)
	assert.Equal(t, DefaultTunables(), sys.Tunables())

	next := DefaultTunables()
	next.InitialHeapCells = 64
	next.OnHeapMessageLimit = 32
	next.MmapThresholdCells = 1 << 12
	require.NoError(t, sys.ApplyTunables(next))
	assert.Equal(t, next, sys.Tunables())

	a, err := sys.Spawn(nil)
	require.NoError(t, err)
	assert.Len(t, a.heap.Cells, 64)
}

func TestMessageToSuspendedActorMarksRunnable(t *testing.T) {
	sys := newTestSystem(t)
	b, err := sys.Spawn(nil)
	require.NoError(t, err)

	b.Suspend()
	sendSmall(sys, b, 1)
	assert.Equal(t, StatusSuspended, b.Status())
	enqueued, marked := recorder(sys).snapshot()
	assert.Empty(t, enqueued)
	assert.Equal(t, []ActorID{b.id}, marked)

	b.Resume()
	assert.Equal(t, StatusRunnable, b.Status())
	enqueued, _ = recorder(sys).snapshot()
	assert.Equal(t, []ActorID{b.id}, enqueued)
}

func TestMessageDuringCollectionIsNotLost(t *testing.T) {
	sys := newTestSystem(t)
	b, err := sys.Spawn(nil)
	require.NoError(t, err)

	withMain(b, func() {
		b.beginGC()
		sendSmall(sys, b, 1)
		assert.Equal(t, StatusGarbing, b.Status())
		enqueued, _ := recorder(sys).snapshot()
		assert.Empty(t, enqueued)
		b.endGC()
	})
	assert.Equal(t, StatusRunnable, b.Status())
	enqueued, _ := recorder(sys).snapshot()
	assert.Equal(t, []ActorID{b.id}, enqueued)
}

func TestSuspendDuringCollection(t *testing.T) {
	sys := newTestSystem(t)
	b, err := sys.Spawn(nil)
	require.NoError(t, err)

	withMain(b, func() {
		b.beginGC()
		b.Suspend()
		sendSmall(sys, b, 1)
		b.endGC()
	})
	assert.Equal(t, StatusSuspended, b.Status())
	enqueued, _ := recorder(sys).snapshot()
	assert.Empty(t, enqueued)

	b.Resume()
	assert.Equal(t, StatusRunnable, b.Status())
	enqueued, _ = recorder(sys).snapshot()
	assert.Equal(t, []ActorID{b.id}, enqueued)
}

func TestBuildOverflowIsAbsorbedByCollection(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil, WithHeapCells(8))
	require.NoError(t, err)

	elems := make([]term.Term, 9)
	for i := range elems {
		elems[i] = term.Small(int64(i))
	}
	s := newScratch(t, 16)
	want := s.value(s.cursor.Tuple(elems...))

	withMain(a, func() {
		small := a.Build(3, func(c *term.Cursor, _ term.Anchorer) term.Term {
			return c.Tuple(term.Small(1), term.Small(2))
		})
		assert.True(t, a.heap.Contains(small.T.Ptr()))

		v := a.Build(term.TupleSize(9), func(c *term.Cursor, _ term.Anchorer) term.Term {
			return c.Tuple(elems...)
		})
		require.NotNil(t, a.mbufs)
		assert.True(t, a.mbufs.Contains(v.T.Ptr()))
		assert.True(t, a.ForceGC())
		assert.Equal(t, int64(10), a.Backlog())
		a.SetState(v.T)
	})

	sys.Collect(a)

	withMain(a, func() {
		assert.Nil(t, a.mbufs)
		assert.False(t, a.ForceGC())
		assert.True(t, a.heap.Contains(a.state.Ptr()))
		assert.NoError(t, term.Verify(&a.heap.Region, a.state))
		assert.True(t, term.Equal(want.Mem, want.T, a.Memory(), a.state))
	})
	assert.Equal(t, int64(0), sys.Allocator().Stats().LiveFragments)
	assert.Equal(t, uint64(1), sys.Stats().HeapGrowths)
}

func TestHeapGrowthRelocatesStateAndMailbox(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil, WithHeapCells(4))
	require.NoError(t, err)
	s := newScratch(t, 16)

	withMain(a, func() {
		v := a.Build(term.ListSize(2), func(c *term.Cursor, _ term.Anchorer) term.Term {
			return c.List(term.Small(5), term.Small(6))
		})
		a.SetState(v.T)
	})
	msg := s.value(s.cursor.Tuple(term.AtomOK, term.Small(1), term.Small(2)))
	sys.Send(nil, a, proclock.None, msg, 0)
	sys.Collect(a)

	withMain(a, func() {
		assert.Equal(t, "[5,6]", term.Format(a.Memory(), a.state))
		assert.Equal(t, 4+term.TupleSize(3), a.heap.Top())
		v, ok := sys.Receive(a)
		require.True(t, ok)
		assert.True(t, term.Equal(msg.Mem, msg.T, v.Mem, v.T))
	})
}

func TestCopyingCollectorDropsGarbage(t *testing.T) {
	var logs bytes.Buffer
	sys := newTestSystem(t, WithCollector(CopyingCollector{}), WithLogger(log.New(log.DebugLevel, &logs)))
	a, err := sys.Spawn(nil, WithHeapCells(4))
	require.NoError(t, err)
	live := term.LiveThings()

	withMain(a, func() {
		a.Build(term.BinarySize(200), func(c *term.Cursor, oh term.Anchorer) term.Term {
			return c.Binary(make([]byte, 200), oh)
		})
		kept := a.Build(term.ListSize(2), func(c *term.Cursor, _ term.Anchorer) term.Term {
			return c.List(term.Small(7), term.Small(8))
		})
		require.NotNil(t, a.mbufs)
		a.SetState(kept.T)
	})
	assert.Equal(t, live+1, term.LiveThings())
	sendSmall(sys, a, 9)

	sys.Collect(a)

	withMain(a, func() {
		assert.Nil(t, a.mbufs)
		assert.Equal(t, term.ListSize(2), a.heap.Top())
		assert.Equal(t, "[7,8]", term.Format(a.Memory(), a.state))
		assert.True(t, a.offHeap.Empty())
	})
	assert.Equal(t, live, term.LiveThings())
	assert.Equal(t, uint64(1), sys.Stats().Collections)
	assert.Contains(t, logs.String(), ", 1 off-heap references dropped")
	got := receiveAll(sys, a)
	require.Len(t, got, 1)
	assert.Equal(t, term.Small(9), got[0].T)
}

func TestKillSignalsLinkedActors(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil)
	require.NoError(t, err)
	b, err := sys.Spawn(nil)
	require.NoError(t, err)
	sys.Link(a, b)
	sendSmall(sys, a, 1)

	sys.Kill(a, term.AtomKill)

	assert.Equal(t, StatusFree, a.Status())
	assert.True(t, a.Exiting())
	assert.Equal(t, 0, a.MailboxLen())
	assert.Equal(t, 0, b.links.Cardinality())
	got := receiveAll(sys, b)
	require.Len(t, got, 1)
	assert.Equal(t, term.AtomKill, exitReason(t, got[0], a))
	assert.Equal(t, uint64(1), sys.Stats().ExitsDelivered)

	sys.Kill(a, term.AtomKill)
	assert.Equal(t, uint64(1), sys.Stats().Terminated)
}

func TestPendingExitTakesEffectWhenScheduled(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(counter)
	require.NoError(t, err)
	b, err := sys.Spawn(nil)
	require.NoError(t, err)
	sys.Link(a, b)

	a.SetPendingExit(term.AtomOK)
	sendSmall(sys, a, 1)
	assert.Equal(t, uint64(1), sys.Stats().Dropped)
	sys.execute(a)

	assert.Equal(t, StatusFree, a.Status())
	got := receiveAll(sys, b)
	require.Len(t, got, 1)
	assert.Equal(t, term.AtomOK, exitReason(t, got[0], a))
}

func TestExecuteRunsBehavior(t *testing.T) {
	sys := newTestSystem(t, WithReductions(2))
	a, err := sys.Spawn(counter)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		sendSmall(sys, a, int64(i))
	}

	sys.execute(a)
	assert.Equal(t, term.Small(3), stateOf(a))
	assert.Equal(t, StatusRunnable, a.Status())
	enqueued, _ := recorder(sys).snapshot()
	assert.Equal(t, []ActorID{a.id, a.id}, enqueued)

	sys.execute(a)
	assert.Equal(t, term.Small(6), stateOf(a))
	assert.Equal(t, StatusWaiting, a.Status())
	assert.Equal(t, uint64(3), sys.Stats().Received)
}

func TestExecuteSkipsSuspendedActor(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(counter)
	require.NoError(t, err)
	sendSmall(sys, a, 1)
	a.Suspend()

	sys.execute(a)
	assert.Equal(t, term.Nil, stateOf(a))
	assert.Equal(t, StatusSuspended, a.Status())
}

func TestBehaviorErrorTerminatesActor(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(counter)
	require.NoError(t, err)
	b, err := sys.Spawn(nil)
	require.NoError(t, err)
	sys.Link(a, b)
	sys.Send(nil, a, proclock.None, term.Imm(term.AtomTrue), 0)

	sys.execute(a)

	assert.Equal(t, StatusFree, a.Status())
	got := receiveAll(sys, b)
	require.Len(t, got, 1)
	assert.Equal(t, term.AtomError, exitReason(t, got[0], a))
}

func TestRunQueueDrivesActors(t *testing.T) {
	rq := NewRunQueue(RunQueueConfig{WorkerCount: 2, QueueCapacity: 1, WorkStealingEnabled: true}, log.DiscardLogger)
	sys := newTestSystem(t, WithScheduler(rq))

	sum, err := sys.Spawn(counter)
	require.NoError(t, err)
	echo, err := sys.Spawn(BehaviorFunc(func(ctx *Context, msg term.Value) error {
		el, ok := term.TupleElements(msg.Mem, msg.T)
		if !ok || len(el) != 2 {
			return errors.New("bad request")
		}
		return ctx.SendPid(el[0], term.Imm(el[1]))
	}))
	require.NoError(t, err)
	stopper, err := sys.Spawn(BehaviorFunc(func(ctx *Context, msg term.Value) error {
		ctx.Exit(msg)
		return nil
	}))
	require.NoError(t, err)
	watcher, err := sys.Spawn(nil)
	require.NoError(t, err)
	sys.Link(stopper, watcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sys.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	s := newScratch(t, 64)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sendSmall(sys, sum, 1)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		req := s.value(s.cursor.Tuple(sum.Pid(), term.Small(10)))
		sys.Send(nil, echo, proclock.None, req, 0)
	}
	wg.Wait()
	sys.Send(nil, stopper, proclock.None, term.Imm(term.AtomNormal), 0)

	require.Eventually(t, func() bool {
		return stateOf(sum) == term.Small(300)
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return stopper.Status() == StatusFree
	}, 5*time.Second, 5*time.Millisecond)

	got := receiveAll(sys, watcher)
	require.Len(t, got, 1)
	assert.Equal(t, term.AtomNormal, exitReason(t, got[0], stopper))
	assert.Equal(t, int64(0), sys.Allocator().Stats().LiveFragments)

	err = sys.Run(context.Background())
	assert.Error(t, err)
}

func TestRunRequiresRunQueue(t *testing.T) {
	sys := newTestSystem(t)
	assert.Error(t, sys.Run(context.Background()))
}

func TestLiteralSharedWithinGroup(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil, InGroup("g"))
	require.NoError(t, err)
	b, err := sys.Spawn(nil, InGroup("g"))
	require.NoError(t, err)
	c, err := sys.Spawn(nil, InGroup("other"))
	require.NoError(t, err)

	lit := sys.Literal(term.TupleSize(2), func(cur *term.Cursor, _ term.Anchorer) term.Term {
		return cur.Tuple(term.AtomOK, term.Small(1))
	})
	sys.Send(a, b, proclock.None, lit, 0)
	sys.Send(a, c, proclock.None, lit, 0)
	assert.Equal(t, uint64(1), sys.Stats().ByReference)

	got := receiveAll(sys, b)
	require.Len(t, got, 1)
	assert.Equal(t, lit.T, got[0].T)
	got = receiveAll(sys, c)
	require.Len(t, got, 1)
	assert.NotEqual(t, lit.T, got[0].T)
	assert.Equal(t, "{ok,1}", term.Format(got[0].Mem, got[0].T))
}

func TestMailboxLenWaitsForMainLock(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil)
	require.NoError(t, err)
	sendSmall(sys, a, 1)

	a.locks.Lock(proclock.Main)
	got := make(chan int, 1)
	go func() { got <- a.MailboxLen() }()
	select {
	case n := <-got:
		t.Fatalf("mailbox length %d read while the actor held its main lock", n)
	case <-time.After(20 * time.Millisecond):
	}
	a.locks.Unlock(proclock.Main)
	assert.Equal(t, 1, <-got)
	requireUnlocked(t, a)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "garbing", StatusGarbing.String())
	assert.Equal(t, "unknown", Status(99).String())
}
