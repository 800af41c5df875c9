package term

import (
	"sync"

	"go.uber.org/atomic"
)

// Kind classifies off-heap things. Each kind has its own anchor list.
type Kind uint8

const (
	KindBinary Kind = iota
	KindFun
	KindExternal

	NumKinds = 3
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindFun:
		return "fun"
	case KindExternal:
		return "external"
	}
	return "unknown"
}

// Handle names a reference counted off-heap payload.
type Handle uint64

// Thing is the payload of an off-heap object. Payloads are immutable once
// published and shared by every cell that references them.
type Thing struct {
	Kind Kind

	// binary
	Bytes []byte

	// fun
	Module   string
	Function string
	Arity    int

	// external pid or reference
	Node     string
	ID       uint64
	Serial   uint32
	Creation uint32
	Ref      bool

	refc *atomic.Int64
}

// Anchorer records off-heap objects written into a region so their
// references can be released with the region.
type Anchorer interface {
	Anchor(kind Kind, at Addr, h Handle)
}

type thingTable struct {
	mu     sync.RWMutex
	things map[Handle]*Thing
	next   *atomic.Uint64
}

var things = &thingTable{
	things: make(map[Handle]*Thing),
	next:   atomic.NewUint64(0),
}

// NewThing publishes t with a single reference owned by the caller.
func NewThing(t *Thing) Handle {
	t.refc = atomic.NewInt64(1)
	h := Handle(things.next.Inc())
	things.mu.Lock()
	things.things[h] = t
	things.mu.Unlock()
	return h
}

// NewBinary publishes a binary payload.
func NewBinary(b []byte) Handle {
	return NewThing(&Thing{Kind: KindBinary, Bytes: append([]byte(nil), b...)})
}

// Lookup returns the payload of h, or nil once it has been released.
func Lookup(h Handle) *Thing {
	things.mu.RLock()
	t := things.things[h]
	things.mu.RUnlock()
	return t
}

// Retain adds a reference to h.
func Retain(h Handle) {
	if t := Lookup(h); t != nil {
		t.refc.Inc()
	}
}

// Release drops a reference to h and reports whether the payload was freed.
func Release(h Handle) bool {
	t := Lookup(h)
	if t == nil {
		return false
	}
	if t.refc.Dec() > 0 {
		return false
	}
	things.mu.Lock()
	delete(things.things, h)
	things.mu.Unlock()
	return true
}

// Refs returns the reference count of h, zero once freed.
func Refs(h Handle) int64 {
	if t := Lookup(h); t != nil {
		return t.refc.Load()
	}
	return 0
}

// LiveThings returns the number of payloads still referenced.
func LiveThings() int {
	things.mu.RLock()
	defer things.mu.RUnlock()
	return len(things.things)
}

// ThingHandle returns the handle stored in the off-heap object at a.
func ThingHandle(mem Memory, a Addr) Handle { return Handle(mem.Load(a + 1)) }
