package runtime

import (
	"context"
	stdrt "runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tochemey/goakt/v3/log"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

// Scheduler receives the wake-ups produced by message delivery. Both hooks
// are called with the actor's status lock held and must not take any actor
// lock or block.
type Scheduler interface {
	// EnqueueRunQueue is called when a waiting actor became runnable.
	EnqueueRunQueue(a *Actor)
	// MarkRunnable is called when a suspended actor got a message and will
	// be runnable once resumed.
	MarkRunnable(a *Actor)
}

// RunQueueConfig configures a RunQueue.
type RunQueueConfig struct {
	WorkerCount         int           // number of workers, GOMAXPROCS when zero
	QueueCapacity       int           // per-worker queue capacity
	StealInterval       time.Duration // idle time before a worker steals
	WorkStealingEnabled bool          // steal from siblings when idle
}

// RunQueue runs actors on a fixed set of workers. Each enqueue goes to the
// least loaded worker; actors that find every queue full wait in an
// overflow list that idle workers drain.
type RunQueue struct {
	config  RunQueueConfig
	logger  log.Logger
	workers []*runWorker

	overflowMu sync.Mutex
	overflow   []*Actor

	running   *atomic.Bool
	scheduled *atomic.Uint64
	completed *atomic.Uint64
	stolen    *atomic.Uint64
	marked    *atomic.Uint64
}

type runWorker struct {
	id       int
	queue    chan *Actor
	queueLen *atomic.Int64
}

// NewRunQueue returns a run queue. It accepts actors at once and runs them
// once Run is called.
func NewRunQueue(config RunQueueConfig, logger log.Logger) *RunQueue {
	if config.WorkerCount <= 0 {
		config.WorkerCount = stdrt.GOMAXPROCS(0)
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = 256
	}
	if config.StealInterval <= 0 {
		config.StealInterval = 2 * time.Millisecond
	}
	q := &RunQueue{
		config:    config,
		logger:    logger,
		workers:   make([]*runWorker, config.WorkerCount),
		running:   atomic.NewBool(false),
		scheduled: atomic.NewUint64(0),
		completed: atomic.NewUint64(0),
		stolen:    atomic.NewUint64(0),
		marked:    atomic.NewUint64(0),
	}
	for i := range q.workers {
		q.workers[i] = &runWorker{
			id:       i,
			queue:    make(chan *Actor, config.QueueCapacity),
			queueLen: atomic.NewInt64(0),
		}
	}
	return q
}

// EnqueueRunQueue implements Scheduler.
func (q *RunQueue) EnqueueRunQueue(a *Actor) {
	q.scheduled.Inc()

	best := q.workers[0]
	bestLen := best.queueLen.Load()
	for _, w := range q.workers[1:] {
		if l := w.queueLen.Load(); l < bestLen {
			best, bestLen = w, l
		}
	}
	select {
	case best.queue <- a:
		best.queueLen.Inc()
		return
	default:
	}

	q.overflowMu.Lock()
	q.overflow = append(q.overflow, a)
	q.overflowMu.Unlock()
}

// MarkRunnable implements Scheduler.
func (q *RunQueue) MarkRunnable(*Actor) { q.marked.Inc() }

func (q *RunQueue) takeOverflow() (*Actor, bool) {
	q.overflowMu.Lock()
	defer q.overflowMu.Unlock()
	if len(q.overflow) == 0 {
		return nil, false
	}
	a := q.overflow[0]
	q.overflow[0] = nil
	q.overflow = q.overflow[1:]
	return a, true
}

// Run drives the workers until ctx is done, handing every dequeued actor to
// process.
func (q *RunQueue) Run(ctx context.Context, process func(*Actor)) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.New("runtime: run queue already running")
	}
	defer q.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range q.workers {
		w := w
		g.Go(func() error {
			q.runWorker(ctx, w, process)
			return nil
		})
	}
	return g.Wait()
}

func (q *RunQueue) runWorker(ctx context.Context, w *runWorker, process func(*Actor)) {
	ticker := time.NewTicker(q.config.StealInterval)
	defer ticker.Stop()
	for {
		select {
		case a := <-w.queue:
			w.queueLen.Dec()
			process(a)
			q.completed.Inc()
		case <-ctx.Done():
			return
		case <-ticker.C:
			a, ok := q.takeOverflow()
			if !ok && q.config.WorkStealingEnabled {
				if a, ok = q.trySteal(w.id); ok {
					q.stolen.Inc()
				}
			}
			if ok {
				process(a)
				q.completed.Inc()
			}
		}
	}
}

// trySteal takes an actor from a sibling's queue without blocking.
func (q *RunQueue) trySteal(self int) (*Actor, bool) {
	n := len(q.workers)
	for i := 1; i < n; i++ {
		w := q.workers[(self+i)%n]
		select {
		case a := <-w.queue:
			w.queueLen.Dec()
			return a, true
		default:
		}
	}
	return nil, false
}

// QueueLengths returns a snapshot of per-worker queue lengths.
func (q *RunQueue) QueueLengths() []int64 {
	out := make([]int64, len(q.workers))
	for i, w := range q.workers {
		out[i] = w.queueLen.Load()
	}
	return out
}

// Metrics exposes the run queue counters.
func (q *RunQueue) Metrics() map[string]float64 {
	q.overflowMu.Lock()
	overflow := len(q.overflow)
	q.overflowMu.Unlock()
	var queued int64
	for _, l := range q.QueueLengths() {
		queued += l
	}
	return map[string]float64{
		"scheduled_total": float64(q.scheduled.Load()),
		"completed_total": float64(q.completed.Load()),
		"stolen_total":    float64(q.stolen.Load()),
		"marked_total":    float64(q.marked.Load()),
		"queued":          float64(queued),
		"overflow":        float64(overflow),
	}
}

// Run drives the system's RunQueue until ctx is done.
func (s *System) Run(ctx context.Context) error {
	q, ok := s.sched.(*RunQueue)
	if !ok {
		return errors.Errorf("runtime: scheduler %T cannot be run", s.sched)
	}
	return q.Run(ctx, s.execute)
}

// execute runs one turn of a: up to reductions messages are handed to its
// behavior, then a goes back to waiting or to the end of the run queue.
func (s *System) execute(a *Actor) {
	a.locks.Lock(proclock.Main)
	defer a.locks.Unlock(proclock.Main)

	a.locks.Lock(proclock.Status)
	a.queued = false
	if a.pendingExit {
		reason := a.exitWith
		a.locks.Unlock(proclock.Status)
		s.terminate(a, term.Imm(reason))
		return
	}
	if a.status != StatusRunnable {
		a.locks.Unlock(proclock.Status)
		return
	}
	a.status = StatusRunning
	a.locks.Unlock(proclock.Status)

	if a.forceGC.Load() {
		s.collectLocked(a)
	}

	ctx := &Context{sys: s, self: a}
	for i := 0; i < s.reductions && a.behavior != nil; i++ {
		msg, ok := s.Receive(a)
		if !ok {
			break
		}
		if err := a.behavior.Receive(ctx, msg); err != nil {
			s.logger.Errorf("actor <%d> failed: %v", a.id, err)
			ctx.Exit(term.Imm(term.AtomError))
		}
		if ctx.exit {
			s.terminate(a, ctx.reason)
			return
		}
	}

	a.locks.Lock(proclock.Status | proclock.Queue)
	if a.pendingExit {
		reason := a.exitWith
		a.locks.Unlock(proclock.Status | proclock.Queue)
		s.terminate(a, term.Imm(reason))
		return
	}
	next := StatusWaiting
	if a.behavior != nil && !(a.inq.empty() && a.privq.empty()) {
		next = StatusRunnable
	}
	switch a.status {
	case StatusRunning:
		a.status = next
		if next == StatusRunnable {
			s.enqueueLocked(a)
		}
	case StatusSuspended:
		a.rstatus = next
	}
	a.locks.Unlock(proclock.Status | proclock.Queue)
}
