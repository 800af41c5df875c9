// Package runtime implements the message-passing core of the actor runtime:
// private heaps, two-tier mailboxes and the send paths that move terms from
// one actor's memory into another's.
package runtime

import (
	"fmt"
	"os"
	"sync"

	goset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/tochemey/goakt/v3/log"
	"go.uber.org/atomic"

	"github.com/orizon-lang/msgcore/internal/extfmt"
	"github.com/orizon-lang/msgcore/internal/heapfrag"
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/seqtrace"
	"github.com/orizon-lang/msgcore/internal/term"
)

var (
	// ErrDecode is returned when external data cannot be turned into a term.
	ErrDecode = errors.New("runtime: cannot decode external term")
	// ErrNoSuchActor is returned for sends to unknown or terminated actors.
	ErrNoSuchActor = errors.New("runtime: no such actor")
	// ErrNameTaken is returned when registering a name twice.
	ErrNameTaken = errors.New("runtime: name already registered")
	// ErrInvalidTunables is returned by ApplyTunables for out-of-range values.
	ErrInvalidTunables = errors.New("runtime: invalid tunables")
)

// Tunables are the knobs of the message path that can change at runtime.
type Tunables struct {
	// InitialHeapCells sizes the heap of newly spawned actors.
	InitialHeapCells int
	// OnHeapMessageLimit is the largest message, in cells, that a sender
	// may write straight onto an idle receiver's heap. Zero disables it and
	// every message is staged in a fragment.
	OnHeapMessageLimit int
	// FragmentBacklogCells forces a collection once this many cells wait in
	// fragments.
	FragmentBacklogCells int
	// MmapThresholdCells is handed to the fragment allocator.
	MmapThresholdCells int
}

// DefaultTunables returns the tunables used when none are given.
func DefaultTunables() Tunables {
	return Tunables{
		InitialHeapCells:     233,
		OnHeapMessageLimit:   0,
		FragmentBacklogCells: 1 << 14,
		MmapThresholdCells:   heapfrag.DefaultMmapThreshold,
	}
}

// Validate checks the tunables for consistency.
func (t Tunables) Validate() error {
	switch {
	case t.InitialHeapCells <= 0:
		return errors.Wrapf(ErrInvalidTunables, "initial heap %d", t.InitialHeapCells)
	case t.OnHeapMessageLimit < 0:
		return errors.Wrapf(ErrInvalidTunables, "on-heap message limit %d", t.OnHeapMessageLimit)
	case t.FragmentBacklogCells <= 0:
		return errors.Wrapf(ErrInvalidTunables, "fragment backlog %d", t.FragmentBacklogCells)
	case t.MmapThresholdCells < 0:
		return errors.Wrapf(ErrInvalidTunables, "mmap threshold %d", t.MmapThresholdCells)
	}
	return nil
}

// Type definitions for the system
type (
	// System owns a set of actors and the machinery shared by their send
	// paths.
	System struct {
		node       string                        // node name used on the wire
		logger     log.Logger                    // logger
		space      *term.Space                   // address space of heaps and fragments
		frags      *heapfrag.Allocator           // fragment allocator
		sched      Scheduler                     // run queue hooks
		collector  Collector                     // heap sizing
		tracer     seqtrace.Tracer               // trace event sink
		decoder    *extfmt.Decoder               // wire decoder
		encoder    *extfmt.Encoder               // wire encoder
		literals   *literalArea                  // immutable shared terms
		stats      *statistics                   // counters
		tunables   Tunables                      // initial tunables
		reductions int                           // messages per scheduling turn
		mutex      sync.RWMutex                  // guards the maps below
		actors     map[ActorID]*Actor            // live actors
		names      map[string]ActorID            // registered names
		groups     map[string]goset.Set[ActorID] // co-residency groups

		nextID       *atomic.Uint64
		initialHeap  *atomic.Int64
		onHeapLimit  *atomic.Int64
		backlogLimit *atomic.Int64
	}

	// Option configures a System.
	Option func(*System)

	// SpawnOption configures a spawned actor.
	SpawnOption func(*spawnConfig)

	spawnConfig struct {
		name         string
		group        string
		heapCells    int
		traceReceive bool
	}
)

type statistics struct {
	spawned        *atomic.Uint64
	terminated     *atomic.Uint64
	sent           *atomic.Uint64
	selfSends      *atomic.Uint64
	byReference    *atomic.Uint64
	onHeap         *atomic.Uint64
	fragmented     *atomic.Uint64
	traced         *atomic.Uint64
	dropped        *atomic.Uint64
	exitsDelivered *atomic.Uint64
	distQueued     *atomic.Uint64
	distDecoded    *atomic.Uint64
	decodeErrors   *atomic.Uint64
	received       *atomic.Uint64
	migrations     *atomic.Uint64
	collections    *atomic.Uint64
	heapGrowths    *atomic.Uint64
}

func newStatistics() *statistics {
	return &statistics{
		spawned:        atomic.NewUint64(0),
		terminated:     atomic.NewUint64(0),
		sent:           atomic.NewUint64(0),
		selfSends:      atomic.NewUint64(0),
		byReference:    atomic.NewUint64(0),
		onHeap:         atomic.NewUint64(0),
		fragmented:     atomic.NewUint64(0),
		traced:         atomic.NewUint64(0),
		dropped:        atomic.NewUint64(0),
		exitsDelivered: atomic.NewUint64(0),
		distQueued:     atomic.NewUint64(0),
		distDecoded:    atomic.NewUint64(0),
		decodeErrors:   atomic.NewUint64(0),
		received:       atomic.NewUint64(0),
		migrations:     atomic.NewUint64(0),
		collections:    atomic.NewUint64(0),
		heapGrowths:    atomic.NewUint64(0),
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(s *System) { s.logger = l } }

// WithNode sets the node name and creation written into encoded pids.
func WithNode(name string, creation uint32) Option {
	return func(s *System) {
		s.node = name
		s.decoder = &extfmt.Decoder{Node: name}
		s.encoder = &extfmt.Encoder{Node: name, Creation: creation}
	}
}

// WithScheduler replaces the run queue.
func WithScheduler(sc Scheduler) Option { return func(s *System) { s.sched = sc } }

// WithCollector replaces the heap collector.
func WithCollector(c Collector) Option { return func(s *System) { s.collector = c } }

// WithTracer sets where trace events go.
func WithTracer(t seqtrace.Tracer) Option { return func(s *System) { s.tracer = t } }

// WithAllocator replaces the fragment allocator.
func WithAllocator(a *heapfrag.Allocator) Option { return func(s *System) { s.frags = a } }

// WithSpace places heaps in sp.
func WithSpace(sp *term.Space) Option { return func(s *System) { s.space = sp } }

// WithReductions sets how many messages an actor handles per turn.
func WithReductions(n int) Option { return func(s *System) { s.reductions = n } }

// WithTunables sets the initial tunables.
func WithTunables(t Tunables) Option { return func(s *System) { s.tunables = t } }

// Named registers the actor under name.
func Named(name string) SpawnOption { return func(c *spawnConfig) { c.name = name } }

// InGroup places the actor in a co-residency group.
func InGroup(group string) SpawnOption { return func(c *spawnConfig) { c.group = group } }

// WithHeapCells overrides the initial heap size.
func WithHeapCells(n int) SpawnOption { return func(c *spawnConfig) { c.heapCells = n } }

// WithTraceReceive reports every message queued to the actor.
func WithTraceReceive() SpawnOption { return func(c *spawnConfig) { c.traceReceive = true } }

// NewSystem returns a system. Its scheduler is a RunQueue that does nothing
// until Run is called, unless WithScheduler says otherwise.
func NewSystem(opts ...Option) *System {
	s := &System{
		node:         "nonode@nohost",
		logger:       log.New(log.ErrorLevel, os.Stderr),
		space:        term.DefaultSpace,
		collector:    GrowingCollector{},
		tracer:       seqtrace.Nop{},
		stats:        newStatistics(),
		tunables:     DefaultTunables(),
		reductions:   64,
		actors:       make(map[ActorID]*Actor),
		names:        make(map[string]ActorID),
		groups:       make(map[string]goset.Set[ActorID]),
		nextID:       atomic.NewUint64(0),
		initialHeap:  atomic.NewInt64(0),
		onHeapLimit:  atomic.NewInt64(0),
		backlogLimit: atomic.NewInt64(0),
	}
	s.decoder = &extfmt.Decoder{Node: s.node}
	s.encoder = &extfmt.Encoder{Node: s.node}
	for _, opt := range opts {
		opt(s)
	}
	if s.frags == nil {
		s.frags = heapfrag.NewAllocator(heapfrag.WithLogger(s.logger), heapfrag.WithSpace(s.space))
	}
	if s.sched == nil {
		s.sched = NewRunQueue(RunQueueConfig{}, s.logger)
	}
	s.literals = &literalArea{}
	if err := s.ApplyTunables(s.tunables); err != nil {
		s.logger.Warnf("ignoring tunables: %v", err)
		_ = s.ApplyTunables(DefaultTunables())
	}
	return s
}

// Node returns the node name.
func (s *System) Node() string { return s.node }

// Logger returns the system logger.
func (s *System) Logger() log.Logger { return s.logger }

// Allocator returns the fragment allocator.
func (s *System) Allocator() *heapfrag.Allocator { return s.frags }

// Encoder returns the wire encoder for this node.
func (s *System) Encoder() *extfmt.Encoder { return s.encoder }

// Scheduler returns the run queue hooks.
func (s *System) Scheduler() Scheduler { return s.sched }

// ApplyTunables validates t and makes it effective for later operations.
func (s *System) ApplyTunables(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.initialHeap.Store(int64(t.InitialHeapCells))
	s.onHeapLimit.Store(int64(t.OnHeapMessageLimit))
	s.backlogLimit.Store(int64(t.FragmentBacklogCells))
	s.frags.SetMmapThreshold(t.MmapThresholdCells)
	s.logger.Debugf("tunables applied: %+v", t)
	return nil
}

// Tunables returns the tunables in effect.
func (s *System) Tunables() Tunables {
	return Tunables{
		InitialHeapCells:     int(s.initialHeap.Load()),
		OnHeapMessageLimit:   int(s.onHeapLimit.Load()),
		FragmentBacklogCells: int(s.backlogLimit.Load()),
		MmapThresholdCells:   s.frags.MmapThreshold(),
	}
}

// Spawn creates a waiting actor running behavior. A nil behavior makes a
// passive actor whose mailbox is only drained by Receive.
func (s *System) Spawn(behavior Behavior, opts ...SpawnOption) (*Actor, error) {
	cfg := spawnConfig{heapCells: int(s.initialHeap.Load())}
	for _, opt := range opts {
		opt(&cfg)
	}
	a := &Actor{
		id:           ActorID(s.nextID.Inc()),
		name:         cfg.name,
		group:        cfg.group,
		sys:          s,
		status:       StatusWaiting,
		heap:         newHeap(s.space, cfg.heapCells),
		state:        term.Nil,
		behavior:     behavior,
		exiting:      atomic.NewBool(false),
		forceGC:      atomic.NewBool(false),
		traceReceive: atomic.NewBool(cfg.traceReceive),
		backlog:      atomic.NewInt64(0),
		links:        goset.NewSet[ActorID](),
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if cfg.name != "" {
		if _, taken := s.names[cfg.name]; taken {
			return nil, errors.Wrap(ErrNameTaken, cfg.name)
		}
		s.names[cfg.name] = a.id
	}
	if cfg.group != "" {
		g, ok := s.groups[cfg.group]
		if !ok {
			g = goset.NewSet[ActorID]()
			s.groups[cfg.group] = g
		}
		g.Add(a.id)
	}
	s.actors[a.id] = a
	s.stats.spawned.Inc()
	return a, nil
}

// Lookup returns the live actor with the given id.
func (s *System) Lookup(id ActorID) (*Actor, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	a, ok := s.actors[id]
	return a, ok
}

// Whereis returns the actor registered under name.
func (s *System) Whereis(name string) (*Actor, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	id, ok := s.names[name]
	if !ok {
		return nil, false
	}
	a, ok := s.actors[id]
	return a, ok
}

// Resolve returns the local actor a pid term names.
func (s *System) Resolve(pid term.Term) (*Actor, error) {
	if !pid.IsLocalPid() {
		return nil, errors.Wrapf(ErrNoSuchActor, "not a local pid: %s", term.Format(nil, pid))
	}
	a, ok := s.Lookup(ActorID(pid.PidID()))
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchActor, "<%d>", pid.PidID())
	}
	return a, nil
}

// Actors returns a snapshot of live actors.
func (s *System) Actors() []*Actor {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		out = append(out, a)
	}
	return out
}

// Link connects two actors so that each receives an exit message when the
// other terminates.
func (s *System) Link(a, b *Actor) {
	if a == b {
		return
	}
	a.links.Add(b.id)
	b.links.Add(a.id)
}

// coResident reports whether a and b share a co-residency group.
func (s *System) coResident(a, b *Actor) bool {
	if a == nil || a.group == "" || a.group != b.group {
		return false
	}
	s.mutex.RLock()
	g := s.groups[a.group]
	s.mutex.RUnlock()
	return g != nil && g.Contains(a.id, b.id)
}

// Kill terminates a from outside. It waits for a to stop running.
func (s *System) Kill(a *Actor, reason term.Term) {
	a.locks.Lock(proclock.Main)
	defer a.locks.Unlock(proclock.Main)
	s.terminate(a, term.Imm(reason))
}

// terminate tears a down. The caller holds a's main lock.
func (s *System) terminate(a *Actor, reason term.Value) {
	a.locks.Lock(proclock.Status | proclock.Queue)
	if a.status == StatusFree {
		a.locks.Unlock(proclock.Status | proclock.Queue)
		return
	}
	a.beginExitLocked()
	a.pendingExit = false
	a.privq.takeAll(&a.inq)
	a.locks.Unlock(proclock.Status | proclock.Queue)

	s.signalLinks(a, reason)

	for m := a.privq.pop(); m != nil; m = a.privq.pop() {
		s.dropMessage(a, m)
	}
	released := a.offHeap.ReleaseAll()
	for f := a.mbufs; f != nil; {
		next := f.Next
		s.frags.Free(f)
		f = next
	}
	a.mbufs = nil
	a.backlog.Store(0)
	a.heap = Heap{}
	a.state = term.Nil
	a.trace.Clear()

	a.locks.Lock(proclock.Status)
	a.status = StatusFree
	a.locks.Unlock(proclock.Status)

	s.mutex.Lock()
	delete(s.actors, a.id)
	if a.name != "" && s.names[a.name] == a.id {
		delete(s.names, a.name)
	}
	if g := s.groups[a.group]; g != nil {
		g.Remove(a.id)
	}
	s.mutex.Unlock()

	s.stats.terminated.Inc()
	s.logger.Debugf("actor <%d> terminated, %d off-heap references released", a.id, released)
}

// signalLinks sends {'EXIT', Pid, Reason} to every linked actor.
func (s *System) signalLinks(a *Actor, reason term.Value) {
	ids := a.links.ToSlice()
	if len(ids) == 0 {
		return
	}
	token := term.Imm(term.Nil)
	if a.trace.Active {
		scratch := s.frags.Allocate(seqtrace.TokenSize)
		defer s.frags.Free(scratch)
		tk := a.trace.UpdateSend(a.Pid())
		token = term.Value{T: tk.Build(scratch.Cursor()), Mem: &scratch.Region}
	}
	for _, id := range ids {
		b, ok := s.Lookup(id)
		if !ok {
			continue
		}
		b.links.Remove(a.id)
		s.DeliverExit(term.Imm(a.Pid()), b, proclock.None, reason, token)
	}
	a.links.Clear()
}

// dropMessage frees whatever storage m owns and recycles it.
func (s *System) dropMessage(a *Actor, m *Message) {
	switch m.storage {
	case StorageFragment:
		a.backlog.Sub(int64(m.frag.Size()))
		s.frags.Free(m.frag)
	case StorageExternal:
		s.freeDistExternal(m.ext)
	}
	releaseMessage(m)
}

// Stop terminates every actor and frees the literal area.
func (s *System) Stop() {
	for _, a := range s.Actors() {
		s.Kill(a, term.AtomNormal)
	}
	s.literals.release(s.frags)
}

// notifyLocked tells the scheduler that a has something to do. The caller
// holds a's status lock.
func (s *System) notifyLocked(a *Actor) {
	switch a.status {
	case StatusGarbing:
		switch a.gcStatus {
		case StatusSuspended:
			a.rstatus = StatusRunnable
		case StatusWaiting:
			a.gcStatus = StatusRunnable
		}
	case StatusSuspended:
		a.rstatus = StatusRunnable
		s.sched.MarkRunnable(a)
	case StatusWaiting:
		a.status = StatusRunnable
		s.enqueueLocked(a)
	}
}

// enqueueLocked puts a runnable actor on the run queue once. The caller
// holds a's status lock.
func (s *System) enqueueLocked(a *Actor) {
	if a.queued {
		return
	}
	a.queued = true
	s.sched.EnqueueRunQueue(a)
}

// Stats is a snapshot of the system counters.
type Stats struct {
	Spawned        uint64
	Terminated     uint64
	Sent           uint64
	SelfSends      uint64
	ByReference    uint64
	OnHeap         uint64
	Fragmented     uint64
	Traced         uint64
	Dropped        uint64
	ExitsDelivered uint64
	DistQueued     uint64
	DistDecoded    uint64
	DecodeErrors   uint64
	Received       uint64
	Migrations     uint64
	Collections    uint64
	HeapGrowths    uint64
	Actors         int
}

// Stats returns the system counters.
func (s *System) Stats() Stats {
	s.mutex.RLock()
	n := len(s.actors)
	s.mutex.RUnlock()
	st := s.stats
	return Stats{
		Spawned:        st.spawned.Load(),
		Terminated:     st.terminated.Load(),
		Sent:           st.sent.Load(),
		SelfSends:      st.selfSends.Load(),
		ByReference:    st.byReference.Load(),
		OnHeap:         st.onHeap.Load(),
		Fragmented:     st.fragmented.Load(),
		Traced:         st.traced.Load(),
		Dropped:        st.dropped.Load(),
		ExitsDelivered: st.exitsDelivered.Load(),
		DistQueued:     st.distQueued.Load(),
		DistDecoded:    st.distDecoded.Load(),
		DecodeErrors:   st.decodeErrors.Load(),
		Received:       st.received.Load(),
		Migrations:     st.migrations.Load(),
		Collections:    st.collections.Load(),
		HeapGrowths:    st.heapGrowths.Load(),
		Actors:         n,
	}
}

// Metrics exposes Stats for the metrics endpoint.
func (s *System) Metrics() map[string]float64 {
	st := s.Stats()
	return map[string]float64{
		"actors":              float64(st.Actors),
		"spawned_total":       float64(st.Spawned),
		"terminated_total":    float64(st.Terminated),
		"sent_total":          float64(st.Sent),
		"self_sends_total":    float64(st.SelfSends),
		"by_reference_total":  float64(st.ByReference),
		"on_heap_total":       float64(st.OnHeap),
		"fragmented_total":    float64(st.Fragmented),
		"traced_total":        float64(st.Traced),
		"dropped_total":       float64(st.Dropped),
		"exits_total":         float64(st.ExitsDelivered),
		"dist_queued_total":   float64(st.DistQueued),
		"dist_decoded_total":  float64(st.DistDecoded),
		"decode_errors_total": float64(st.DecodeErrors),
		"received_total":      float64(st.Received),
		"migrations_total":    float64(st.Migrations),
		"collections_total":   float64(st.Collections),
		"heap_growths_total":  float64(st.HeapGrowths),
	}
}

func (s *System) String() string {
	st := s.Stats()
	return fmt.Sprintf("system %s: %d actors, %d sent, %d dropped", s.node, st.Actors, st.Sent, st.Dropped)
}
