package runtime

import (
	"sync"

	"github.com/orizon-lang/msgcore/internal/heapfrag"
	"github.com/orizon-lang/msgcore/internal/term"
)

// MessageState tracks a mailbox entry through its life.
type MessageState uint8

const (
	// StateIncoming entries sit in the incoming tier, guarded by the queue lock.
	StateIncoming MessageState = iota
	// StateMigrated entries have moved to the private tier owned by the
	// main-lock holder. Entries spliced over in bulk are marked when the
	// owner next walks the private tier.
	StateMigrated
	// StateConsumed entries were handed to the actor and left the mailbox.
	StateConsumed
)

func (s MessageState) String() string {
	switch s {
	case StateIncoming:
		return "incoming"
	case StateMigrated:
		return "migrated"
	case StateConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Storage says where the cells of a mailbox entry live.
type Storage uint8

const (
	// StorageNone entries are immediates or already live on the receiver's
	// heap or in the literal area.
	StorageNone Storage = iota
	// StorageFragment entries own a heap fragment.
	StorageFragment
	// StorageExternal entries still hold their wire encoding.
	StorageExternal
)

func (s Storage) String() string {
	switch s {
	case StorageNone:
		return "none"
	case StorageFragment:
		return "fragment"
	case StorageExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Message is a mailbox entry. Term is term.NonValue while the entry holds
// undecoded external data. Token is term.Nil when the message carries no
// trace token.
type Message struct {
	Term  term.Term
	Token term.Term

	storage Storage
	frag    *heapfrag.Fragment
	ext     *DistExternal
	state   MessageState
	next    *Message
}

var messagePool = &sync.Pool{
	New: func() any {
		return &Message{}
	},
}

func takeMessage(msg, token term.Term) *Message {
	m := messagePool.Get().(*Message)
	m.Term = msg
	m.Token = token
	return m
}

func releaseMessage(m *Message) {
	*m = Message{}
	messagePool.Put(m)
}

// Storage returns where the entry's cells live.
func (m *Message) Storage() Storage { return m.storage }

// State returns the entry's life-cycle state.
func (m *Message) State() MessageState { return m.state }

// Fragment returns the fragment backing the entry, or nil.
func (m *Message) Fragment() *heapfrag.Fragment { return m.frag }

// External returns the undecoded data of the entry, or nil.
func (m *Message) External() *DistExternal { return m.ext }

func (m *Message) attachFragment(f *heapfrag.Fragment) {
	if f != nil {
		m.storage = StorageFragment
		m.frag = f
	}
}

// roots returns the entry's term slots for rebasing.
func (m *Message) roots() [2]term.Term { return [2]term.Term{m.Term, m.Token} }

func (m *Message) setRoots(r [2]term.Term) { m.Term, m.Token = r[0], r[1] }

// messageQueue is a singly linked FIFO of entries.
type messageQueue struct {
	head *Message
	tail *Message
	len  int
}

func (q *messageQueue) push(m *Message) {
	m.next = nil
	if q.tail == nil {
		q.head = m
	} else {
		q.tail.next = m
	}
	q.tail = m
	q.len++
}

func (q *messageQueue) pop() *Message {
	m := q.head
	if m == nil {
		return nil
	}
	q.head = m.next
	if q.head == nil {
		q.tail = nil
	}
	m.next = nil
	q.len--
	return m
}

// takeAll appends every entry of src to q in O(1). src is left empty.
func (q *messageQueue) takeAll(src *messageQueue) {
	if src.head == nil {
		return
	}
	if q.tail == nil {
		q.head = src.head
	} else {
		q.tail.next = src.head
	}
	q.tail = src.tail
	q.len += src.len
	*src = messageQueue{}
}

func (q *messageQueue) empty() bool { return q.head == nil }

func (q *messageQueue) each(fn func(*Message)) {
	for m := q.head; m != nil; m = m.next {
		fn(m)
	}
}
