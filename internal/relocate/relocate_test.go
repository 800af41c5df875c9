package relocate

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/term"
)

func place(n int) (*term.Region, *term.Cursor) {
	r := term.DefaultSpace.Place(make([]term.Term, n))
	return &r, term.NewCursor(&r, 0, n)
}

// moved copies r's cells to a fresh base without rewriting anything.
func moved(r *term.Region) *term.Region {
	nr := term.DefaultSpace.Place(append([]term.Term(nil), r.Cells...))
	return &nr
}

func TestOffsetHeapRebasesInternalPointers(t *testing.T) {
	r, c := place(32)
	msg := c.Tuple(term.AtomOK, c.List(term.Small(1), term.Small(2), term.Small(3)), c.Float(1.5))
	nr := moved(r)
	delta := Delta(r.Base, nr.Base)

	OffsetHeap(nr.Cells, delta, r.Base, r.End())
	roots := []term.Term{msg, term.AtomOK}
	OffsetRoots(roots, delta, r.Base, r.End())

	assert.Equal(t, term.AtomOK, roots[1])
	require.NoError(t, term.Verify(nr, roots[0]))
	assert.True(t, term.Equal(r, msg, nr, roots[0]))
}

func TestOffsetHeapSkipsRawWords(t *testing.T) {
	r, c := place(16)
	target := c.List(term.Small(9))
	// raw payloads that happen to look like pointers into the region
	fake := term.MakeList(target.Ptr())
	f := c.Float(math.Float64frombits(uint64(fake)))
	var w [8]byte
	binary.LittleEndian.PutUint64(w[:], uint64(fake))
	b := c.HeapBinary(w[:])
	outer := c.Tuple(target, f, b)

	nr := moved(r)
	delta := Delta(r.Base, nr.Base)
	OffsetHeap(nr.Cells, delta, r.Base, r.End())
	root := outer.Rebase(delta)

	require.NoError(t, term.Verify(nr, root))
	assert.True(t, term.Equal(r, outer, nr, root))
	assert.Equal(t, math.Float64bits(term.FloatValue(r, f)), math.Float64bits(term.FloatValue(nr, f.Rebase(delta))))
}

func TestOffsetLeavesForeignPointers(t *testing.T) {
	r, c := place(8)
	other, oc := place(4)
	foreign := oc.List(term.Small(1))
	local := c.Tuple(foreign)

	nr := moved(r)
	delta := Delta(r.Base, nr.Base)
	OffsetHeap(nr.Cells, delta, r.Base, r.End())
	elems, ok := term.TupleElements(nr, local.Rebase(delta))
	require.True(t, ok)
	assert.Equal(t, foreign, elems[0])
	assert.True(t, other.Contains(elems[0].Ptr()))

	roots := []term.Term{foreign}
	OffsetRoots(roots, delta, r.Base, r.End())
	assert.Equal(t, foreign, roots[0])
}

func TestOffsetOffHeap(t *testing.T) {
	var reg offheap.Registry
	inside := term.NewBinary([]byte("in"))
	outside := term.NewBinary([]byte("out"))
	reg.Anchor(term.KindBinary, 100, inside)
	reg.Anchor(term.KindBinary, 500, outside)
	OffsetOffHeap(&reg, 1000, 100, 200)
	got := map[term.Handle]term.Addr{}
	reg.Each(func(e *offheap.Entry) bool {
		got[e.Handle] = e.Addr
		return true
	})
	assert.Equal(t, term.Addr(1100), got[inside])
	assert.Equal(t, term.Addr(500), got[outside])
	reg.ReleaseAll()
}

func TestMoveReanchorsOffHeapObjects(t *testing.T) {
	payload := make([]byte, term.HeapBinLimit*2)
	for i := range payload {
		payload[i] = byte(i)
	}
	fun := term.NewThing(&term.Thing{Kind: term.KindFun, Module: "m", Function: "go", Arity: 0})

	size := term.TupleSize(3) + term.ThingSize + term.FunSize(1) + term.ListSize(1)
	src, c := place(size)
	var srcOH offheap.Registry
	msg := c.Tuple(c.Binary(payload, &srcOH), c.Fun(fun, &srcOH, c.List(term.Small(5))), term.AtomTrue)
	require.Equal(t, 0, c.Free())

	heap := term.DefaultSpace.Place(make([]term.Term, 64))
	var heapOH offheap.Registry
	at := 10
	delta := Move(heap.Cells[at:at+size], heap.AddrOf(at), src, &srcOH, &heapOH)

	roots := []term.Term{msg}
	OffsetRoots(roots, delta, src.Base, src.End())
	assert.True(t, srcOH.Empty())
	assert.Equal(t, 1, heapOH.Len(term.KindBinary))
	assert.Equal(t, 1, heapOH.Len(term.KindFun))
	assert.Equal(t, uint64(len(payload)), heapOH.Overhead)
	heapOH.Each(func(e *offheap.Entry) bool {
		assert.True(t, heap.Contains(e.Addr))
		assert.True(t, heap.Load(e.Addr).IsHeader())
		return true
	})
	require.NoError(t, term.Verify(&heap, roots[0]))
	assert.True(t, term.Equal(src, msg, &heap, roots[0]))
	assert.Equal(t, 2, heapOH.ReleaseAll())
}
