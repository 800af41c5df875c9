package runtime

import (
	"sync"

	"github.com/orizon-lang/msgcore/internal/heapfrag"
	"github.com/orizon-lang/msgcore/internal/term"
)

// literalArea holds terms that never change once built. Actors read them in
// place, so co-resident senders can hand them over without copying.
type literalArea struct {
	mutex  sync.RWMutex
	chunks []*heapfrag.Fragment
}

func (l *literalArea) Load(addr term.Addr) term.Term {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	for _, f := range l.chunks {
		if f.Contains(addr) {
			return f.Cells[addr-f.Base]
		}
	}
	panic(&term.AddressError{Addr: addr})
}

// holds reports whether t is an immediate or points into the area.
func (l *literalArea) holds(t term.Term) bool {
	if !t.IsPointer() {
		return true
	}
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	for _, f := range l.chunks {
		if f.Contains(t.Ptr()) {
			return true
		}
	}
	return false
}

func (l *literalArea) add(f *heapfrag.Fragment) {
	l.mutex.Lock()
	l.chunks = append(l.chunks, f)
	l.mutex.Unlock()
}

func (l *literalArea) release(frags *heapfrag.Allocator) {
	l.mutex.Lock()
	chunks := l.chunks
	l.chunks = nil
	l.mutex.Unlock()
	for _, f := range chunks {
		frags.Free(f)
	}
}

// Literal builds an immutable term of n cells shared by every actor of the
// system. It stays valid until Stop.
func (s *System) Literal(n int, fn func(c *term.Cursor, oh term.Anchorer) term.Term) term.Value {
	f := s.frags.Allocate(n)
	t := fn(f.Cursor(), &f.OffHeap)
	s.literals.add(f)
	return term.Value{T: t, Mem: s.literals}
}
