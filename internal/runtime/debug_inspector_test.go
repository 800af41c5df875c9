package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

func TestDebugInspectorSnapshotAndGraph(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil, Named("a"), InGroup("g"))
	require.NoError(t, err)
	b, err := sys.Spawn(nil, InGroup("g"))
	require.NoError(t, err)
	c, err := sys.Spawn(nil)
	require.NoError(t, err)
	sys.Link(a, c)
	sendSmall(sys, a, 1)
	sendSmall(sys, a, 2)

	snap, ok := sys.GetActorSnapshot(a.ID())
	require.True(t, ok)
	assert.Equal(t, "a", snap.Name)
	assert.Equal(t, "g", snap.Group)
	assert.Equal(t, StatusRunnable.String(), snap.Status)
	assert.Equal(t, 2, snap.Mailbox)
	assert.Equal(t, []ActorID{c.ID()}, snap.Links)
	assert.False(t, snap.Busy)
	assert.Greater(t, snap.HeapCells, 0)

	_, ok = sys.GetActorSnapshot(999)
	assert.False(t, ok)

	withMain(b, func() {
		s, ok := sys.GetActorSnapshot(b.ID())
		require.True(t, ok)
		assert.True(t, s.Busy)
		assert.Zero(t, s.HeapCells)
	})

	all := sys.GetSystemSnapshot()
	require.Len(t, all.Actors, 3)
	assert.Equal(t, a.ID(), all.Actors[0].ID)
	assert.Equal(t, []ActorID{a.ID(), b.ID()}, all.Groups["g"])
	assert.Equal(t, 3, all.Statistics.Actors)

	g := sys.BuildActorGraph()
	assert.Len(t, g.Nodes, 3)
	assert.ElementsMatch(t, []DebugActorGraphEdge{
		{Kind: EdgeLink, From: a.ID(), To: c.ID()},
		{Kind: EdgeGroup, From: a.ID(), To: b.ID()},
	}, g.Edges)
	requireUnlocked(t, a)
	requireUnlocked(t, b)
}

func TestPeekMailbox(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil)
	require.NoError(t, err)
	s := newScratch(t, 16)
	sys.Send(nil, a, proclock.None, s.value(s.cursor.Tuple(term.AtomOK, term.Small(1))), 0)
	sendSmall(sys, a, 2)
	require.NoError(t, sys.DeliverRemote(a, encode(t, sys, term.Imm(term.Atom("far"))), nil))

	msgs, err := sys.PeekMailbox(a.ID(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, DebugMessage{Tier: "incoming", Storage: "fragment", Term: "{ok,1}"}, msgs[0])
	assert.Equal(t, "2", msgs[1].Term)
	assert.Equal(t, "external", msgs[2].Storage)
	assert.Contains(t, msgs[2].Term, "#External<")

	msgs, err = sys.PeekMailbox(a.ID(), 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, 3, a.MailboxLen())

	_, err = sys.PeekMailbox(999, 1)
	assert.ErrorIs(t, err, ErrNoSuchActor)
	withMain(a, func() {
		_, err := sys.PeekMailbox(a.ID(), 1)
		assert.Error(t, err)
	})
}

func TestDebugHTTP(t *testing.T) {
	sys := newTestSystem(t)
	a, err := sys.Spawn(nil, Named("svc"))
	require.NoError(t, err)
	sendSmall(sys, a, 5)

	addr, shutdown, err := StartDebugHTTP(sys, "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()
	base := "http://" + addr
	get := func(path string, v any) int {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	var snap DebugSystemSnapshot
	assert.Equal(t, http.StatusOK, get("/actors", &snap))
	require.Len(t, snap.Actors, 1)
	assert.Equal(t, "svc", snap.Actors[0].Name)

	id := strconv.FormatUint(uint64(a.ID()), 10)
	var one DebugActorSnapshot
	assert.Equal(t, http.StatusOK, get("/actors/one?id="+id, &one))
	assert.Equal(t, 1, one.Mailbox)
	assert.Equal(t, http.StatusNotFound, get("/actors/one?id=999", nil))
	assert.Equal(t, http.StatusBadRequest, get("/actors/one", nil))
	assert.Equal(t, http.StatusBadRequest, get("/actors/one?id=x", nil))

	var msgs []DebugMessage
	assert.Equal(t, http.StatusOK, get("/actors/messages?id="+id, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "5", msgs[0].Term)
	assert.Equal(t, http.StatusNotFound, get("/actors/messages?id=999", nil))

	var g DebugActorGraph
	assert.Equal(t, http.StatusOK, get("/actors/graph?limit=0", &g))
	assert.Empty(t, g.Nodes)

	var metrics map[string]map[string]float64
	assert.Equal(t, http.StatusOK, get("/actors/metrics", &metrics))
	assert.Equal(t, float64(1), metrics["msgcore_actors"]["actors"])
	assert.Equal(t, http.StatusOK, get("/metrics", nil))
}
