package offheap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/msgcore/internal/term"
)

func anchorBinary(r *Registry, at term.Addr, payload string) term.Handle {
	h := term.NewBinary([]byte(payload))
	r.Anchor(term.KindBinary, at, h)
	return h
}

func TestSpliceMovesListsToFront(t *testing.T) {
	var dst, src Registry
	anchorBinary(&dst, 1, "d1")
	fun := term.NewThing(&term.Thing{Kind: term.KindFun, Module: "m", Function: "f"})
	dst.Anchor(term.KindFun, 2, fun)
	anchorBinary(&src, 10, "s1")
	anchorBinary(&src, 11, "s2")

	dst.Splice(&src)

	assert.True(t, src.Empty())
	assert.Equal(t, uint64(0), src.Overhead)
	assert.Equal(t, 3, dst.Len(term.KindBinary))
	assert.Equal(t, term.Addr(11), dst.Head(term.KindBinary).Addr)
	assert.Equal(t, term.Addr(1), dst.Head(term.KindBinary).Next().Next().Addr)
	assert.Equal(t, fun, dst.Head(term.KindFun).Handle, "kinds absent from src keep their head")
	assert.Equal(t, uint64(6), dst.Overhead)

	assert.Equal(t, 4, dst.ReleaseAll())
	assert.True(t, dst.Empty())
}

func TestSpliceEmptySource(t *testing.T) {
	var dst, src Registry
	h := anchorBinary(&dst, 1, "x")
	dst.Splice(&src)
	assert.Equal(t, h, dst.Head(term.KindBinary).Handle)
	assert.Equal(t, 1, dst.Count())
	dst.ReleaseAll()
}

func TestReleaseAllDropsOneReference(t *testing.T) {
	var a, b Registry
	h := anchorBinary(&a, 1, "shared")
	term.Retain(h)
	b.Anchor(term.KindBinary, 5, h)

	assert.Equal(t, 0, a.ReleaseAll())
	assert.Equal(t, int64(1), term.Refs(h))
	assert.Equal(t, 1, b.ReleaseAll())
	assert.Nil(t, term.Lookup(h))
}

func TestDetachIndexesByAddress(t *testing.T) {
	var r Registry
	h1 := anchorBinary(&r, 100, "a")
	h2 := anchorBinary(&r, 200, "b")
	idx := r.Detach()
	assert.True(t, r.Empty())
	require.Len(t, idx, 2)
	assert.Equal(t, h1, idx[100].Handle)
	assert.Equal(t, h2, idx[200].Handle)
	assert.Nil(t, idx[100].Next())
	term.Release(h1)
	term.Release(h2)
}

func TestSingleAnchorageUnderRandomSplices(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	regs := make([]*Registry, 6)
	for i := range regs {
		regs[i] = &Registry{}
	}
	var all []*Entry
	for i := 0; i < 40; i++ {
		e := &Entry{Kind: term.Kind(i % term.NumKinds), Addr: term.Addr(i), Handle: term.NewBinary(nil)}
		regs[rng.Intn(len(regs))].Push(e)
		all = append(all, e)
	}
	released := map[*Entry]bool{}
	for step := 0; step < 200; step++ {
		i, j := rng.Intn(len(regs)), rng.Intn(len(regs))
		switch {
		case i == j:
			regs[i].Each(func(e *Entry) bool {
				released[e] = true
				return true
			})
			regs[i].ReleaseAll()
		default:
			regs[i].Splice(regs[j])
		}
		seen := map[*Entry]int{}
		for _, r := range regs {
			r.Each(func(e *Entry) bool {
				seen[e]++
				return true
			})
		}
		for _, e := range all {
			require.LessOrEqual(t, seen[e], 1)
			if !released[e] {
				require.Equal(t, 1, seen[e], "entry lost at step %d", step)
			}
		}
	}
	for _, r := range regs {
		r.ReleaseAll()
	}
}
