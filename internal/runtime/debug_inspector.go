package runtime

import (
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

// DebugActorSnapshot provides a read-only view of an actor for diagnostics.
// Heap figures are only filled in when the actor was not running at the
// time of the snapshot.
type DebugActorSnapshot struct {
	ID        ActorID   `json:"id"`
	Name      string    `json:"name,omitempty"`
	Group     string    `json:"group,omitempty"`
	Status    string    `json:"status"`
	Mailbox   int       `json:"mailbox"`
	Backlog   int64     `json:"backlog"`
	ForceGC   bool      `json:"forceGC"`
	Exiting   bool      `json:"exiting"`
	Links     []ActorID `json:"links,omitempty"`
	Busy      bool      `json:"busy"`
	HeapCells int       `json:"heapCells,omitempty"`
	HeapTop   int       `json:"heapTop,omitempty"`
	Fragments int       `json:"fragments,omitempty"`
	Traced    bool      `json:"traced,omitempty"`
}

// DebugSystemSnapshot aggregates system-wide diagnostics.
type DebugSystemSnapshot struct {
	Time           time.Time            `json:"time"`
	Node           string               `json:"node"`
	Actors         []DebugActorSnapshot `json:"actors"`
	Groups         map[string][]ActorID `json:"groups,omitempty"`
	SchedulerQueue []int64              `json:"schedulerQueue,omitempty"`
	Statistics     Stats                `json:"statistics"`
	Tunables       Tunables             `json:"tunables"`
}

// GetActorSnapshot returns a diagnostic snapshot of a single actor.
func (s *System) GetActorSnapshot(id ActorID) (DebugActorSnapshot, bool) {
	a, ok := s.Lookup(id)
	if !ok {
		return DebugActorSnapshot{}, false
	}
	return a.snapshot(), true
}

func (a *Actor) snapshot() DebugActorSnapshot {
	snap := DebugActorSnapshot{
		ID:      a.id,
		Name:    a.name,
		Group:   a.group,
		Status:  a.Status().String(),
		Backlog: a.Backlog(),
		ForceGC: a.ForceGC(),
		Exiting: a.Exiting(),
		Links:   a.links.ToSlice(),
	}
	sort.Slice(snap.Links, func(i, j int) bool { return snap.Links[i] < snap.Links[j] })

	if err := a.locks.TryLock(proclock.Main); err != nil {
		snap.Busy = true
		snap.Mailbox = a.incomingLen()
		return snap
	}
	defer a.locks.Unlock(proclock.Main)
	snap.Mailbox = a.mailboxLenLocked()
	snap.HeapCells = len(a.heap.Cells)
	snap.HeapTop = a.heap.Top()
	for f := a.mbufs; f != nil; f = f.Next {
		snap.Fragments++
	}
	snap.Traced = a.trace.Active
	return snap
}

func (a *Actor) incomingLen() int {
	a.locks.Lock(proclock.Queue)
	defer a.locks.Unlock(proclock.Queue)
	return a.inq.len
}

// GetSystemSnapshot returns a snapshot of every live actor, ordered by id.
func (s *System) GetSystemSnapshot() DebugSystemSnapshot {
	actors := s.Actors()
	sort.Slice(actors, func(i, j int) bool { return actors[i].id < actors[j].id })

	out := DebugSystemSnapshot{
		Time:       time.Now(),
		Node:       s.node,
		Actors:     make([]DebugActorSnapshot, 0, len(actors)),
		Statistics: s.Stats(),
		Tunables:   s.Tunables(),
	}
	for _, a := range actors {
		out.Actors = append(out.Actors, a.snapshot())
	}

	s.mutex.RLock()
	if len(s.groups) > 0 {
		out.Groups = make(map[string][]ActorID, len(s.groups))
		for name, members := range s.groups {
			ids := members.ToSlice()
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			out.Groups[name] = ids
		}
	}
	s.mutex.RUnlock()

	if q, ok := s.sched.(*RunQueue); ok {
		out.SchedulerQueue = q.QueueLengths()
	}
	return out
}

// DebugMessage describes one mailbox entry.
type DebugMessage struct {
	Tier    string `json:"tier"`
	Storage string `json:"storage"`
	Term    string `json:"term"`
	Token   string `json:"token,omitempty"`
}

// PeekMailbox formats up to n queued messages of the actor, private tier
// first, without consuming them. It fails while the actor is running.
func (s *System) PeekMailbox(id ActorID, n int) ([]DebugMessage, error) {
	a, ok := s.Lookup(id)
	if !ok {
		return nil, errors.Wrapf(ErrNoSuchActor, "<%d>", id)
	}
	if err := a.locks.TryLock(proclock.Main); err != nil {
		return nil, errors.Errorf("runtime: actor <%d> is busy", id)
	}
	defer a.locks.Unlock(proclock.Main)
	a.locks.Lock(proclock.Queue)
	defer a.locks.Unlock(proclock.Queue)

	out := make([]DebugMessage, 0, min(n, a.privq.len+a.inq.len))
	add := func(tier string, m *Message) {
		if len(out) >= n {
			return
		}
		dm := DebugMessage{Tier: tier, Storage: m.storage.String()}
		mem := s.messageMemory(a, m)
		if m.storage == StorageExternal {
			dm.Term = fmt.Sprintf("#External<%d bytes>", len(m.ext.Data))
		} else {
			dm.Term = term.Format(mem, m.Term)
		}
		if !m.Token.IsNil() && !m.Token.IsNonValue() {
			dm.Token = term.Format(mem, m.Token)
		}
		out = append(out, dm)
	}
	a.privq.each(func(m *Message) { add("private", m) })
	a.inq.each(func(m *Message) { add("incoming", m) })
	return out, nil
}

// DebugActorGraph represents the actor relationship graph for diagnostics.
type DebugActorGraph struct {
	GeneratedAt time.Time             `json:"generatedAt"`
	Nodes       []DebugActorSnapshot  `json:"nodes"`
	Edges       []DebugActorGraphEdge `json:"edges"`
}

// DebugActorGraphEdgeKind classifies edge semantics.
type DebugActorGraphEdgeKind string

const (
	EdgeLink  DebugActorGraphEdgeKind = "link"
	EdgeGroup DebugActorGraphEdgeKind = "group-member"
)

// DebugActorGraphEdge encodes a relationship between actors. Links are
// symmetric and reported once, from the lower id.
type DebugActorGraphEdge struct {
	Kind DebugActorGraphEdgeKind `json:"kind"`
	From ActorID                 `json:"from"`
	To   ActorID                 `json:"to"`
}

// BuildActorGraph constructs a graph of actors, their links and their
// co-residency groups. Group membership is drawn as edges from the lowest
// member to every other member.
func (s *System) BuildActorGraph() DebugActorGraph {
	snap := s.GetSystemSnapshot()
	out := DebugActorGraph{GeneratedAt: snap.Time, Nodes: snap.Actors}
	for _, n := range snap.Actors {
		for _, l := range n.Links {
			if n.ID < l {
				out.Edges = append(out.Edges, DebugActorGraphEdge{Kind: EdgeLink, From: n.ID, To: l})
			}
		}
	}
	names := make([]string, 0, len(snap.Groups))
	for name := range snap.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ids := snap.Groups[name]
		if len(ids) < 2 {
			continue
		}
		for _, id := range ids[1:] {
			out.Edges = append(out.Edges, DebugActorGraphEdge{Kind: EdgeGroup, From: ids[0], To: id})
		}
	}
	return out
}
