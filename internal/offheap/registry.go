// Package offheap tracks which region owns a reference to each off-heap
// object. Each kind of object has its own intrusive singly linked list;
// moving ownership relinks entries and never copies them.
package offheap

import "github.com/orizon-lang/msgcore/internal/term"

// Entry anchors the off-heap object whose header lives at Addr.
type Entry struct {
	Kind   term.Kind
	Addr   term.Addr
	Handle term.Handle
	next   *Entry
}

// Next returns the following entry of the same kind.
func (e *Entry) Next() *Entry { return e.next }

// Registry maps each kind to the head of its entry list. The zero value is
// an empty registry.
type Registry struct {
	heads [term.NumKinds]*Entry

	// Overhead is the number of off-heap binary bytes referenced from the
	// owning region. Collectors use it as allocation pressure.
	Overhead uint64
}

// Anchor records a new reference written at addr. It implements
// term.Anchorer.
func (r *Registry) Anchor(kind term.Kind, at term.Addr, h term.Handle) {
	r.Push(&Entry{Kind: kind, Addr: at, Handle: h})
}

// Push links e at the front of its kind's list.
func (r *Registry) Push(e *Entry) {
	debugAssertDetached(e)
	e.next = r.heads[e.Kind]
	r.heads[e.Kind] = e
	if e.Kind == term.KindBinary {
		if th := term.Lookup(e.Handle); th != nil {
			r.Overhead += uint64(len(th.Bytes))
		}
	}
}

// Head returns the first entry of kind k.
func (r *Registry) Head(k term.Kind) *Entry { return r.heads[k] }

// Empty reports whether no entry of any kind is anchored.
func (r *Registry) Empty() bool {
	for _, h := range r.heads {
		if h != nil {
			return false
		}
	}
	return true
}

// Len returns the number of entries of kind k.
func (r *Registry) Len(k term.Kind) int {
	n := 0
	for e := r.heads[k]; e != nil; e = e.next {
		n++
	}
	return n
}

// Count returns the number of entries of every kind.
func (r *Registry) Count() int {
	n := 0
	for k := term.Kind(0); k < term.NumKinds; k++ {
		n += r.Len(k)
	}
	return n
}

// Each calls fn for every entry until fn returns false.
func (r *Registry) Each(fn func(*Entry) bool) {
	for _, e := range r.heads {
		for ; e != nil; e = e.next {
			if !fn(e) {
				return
			}
		}
	}
}

// Splice moves every entry of src to the front of r in constant time per
// kind and leaves src empty. Kinds without entries in src leave r's list
// untouched.
func (r *Registry) Splice(src *Registry) {
	debugAssertDistinct(r, src)
	for k, head := range src.heads {
		if head == nil {
			continue
		}
		tail := head
		for tail.next != nil {
			tail = tail.next
		}
		tail.next = r.heads[k]
		r.heads[k] = head
		src.heads[k] = nil
	}
	r.Overhead += src.Overhead
	src.Overhead = 0
}

// ReleaseAll drops the reference held by every entry and empties r. It
// returns the number of payloads freed as a result.
func (r *Registry) ReleaseAll() int {
	freed := 0
	for k, e := range r.heads {
		for e != nil {
			next := e.next
			if term.Release(e.Handle) {
				freed++
			}
			e.next = nil
			e = next
		}
		r.heads[k] = nil
	}
	r.Overhead = 0
	return freed
}

// Detach empties r without releasing anything and returns the entries
// indexed by address. Callers take over every entry.
func (r *Registry) Detach() map[term.Addr]*Entry {
	idx := make(map[term.Addr]*Entry)
	for k, e := range r.heads {
		for e != nil {
			next := e.next
			e.next = nil
			idx[e.Addr] = e
			e = next
		}
		r.heads[k] = nil
	}
	r.Overhead = 0
	return idx
}
