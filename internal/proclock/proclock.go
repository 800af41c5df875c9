// Package proclock implements the named per-actor lock set.
//
// Locks are always taken in canonical order Main, Status, Queue. Acquire
// first tries every missing lock without blocking, then retries with the
// queue lock alone before completing the set, and only then falls back to
// blocking in canonical order, releasing any held lock that ranks after one
// it still needs.
package proclock

import (
	"strings"
	"sync"

	"code.hybscloud.com/iox"
	"go.uber.org/atomic"
)

// Set is a bit set of locks. Bit order is the canonical acquisition order.
type Set uint8

const (
	// Main is held while the actor executes and owns its private heap and
	// private mailbox tier.
	Main Set = 1 << iota
	// Status guards the run, suspend and exit state.
	Status
	// Queue guards the incoming mailbox tier.
	Queue

	// None is the empty set.
	None Set = 0
	// All is every lock.
	All = Main | Status | Queue
)

const numLocks = 3

var names = [numLocks]string{"main", "status", "queue"}

// Has reports whether every lock of l is in s.
func (s Set) Has(l Set) bool { return s&l == l }

func (s Set) String() string {
	if s == None {
		return "none"
	}
	var parts []string
	for i := 0; i < numLocks; i++ {
		if s&(1<<i) != 0 {
			parts = append(parts, names[i])
		}
	}
	return strings.Join(parts, "|")
}

// Locks is the lock set of one actor. The zero value is unlocked.
type Locks struct {
	mu [numLocks]sync.Mutex

	tries       atomic.Uint64
	narrowed    atomic.Uint64
	escalations atomic.Uint64
}

// Lock blocks until every lock of s is held, taking them in canonical
// order.
func (l *Locks) Lock(s Set) {
	for i := 0; i < numLocks; i++ {
		if s&(1<<i) != 0 {
			l.mu[i].Lock()
		}
	}
}

// Unlock releases every lock of s.
func (l *Locks) Unlock(s Set) {
	for i := numLocks - 1; i >= 0; i-- {
		if s&(1<<i) != 0 {
			l.mu[i].Unlock()
		}
	}
}

// TryLock takes every lock of s or none of them. It returns
// iox.ErrWouldBlock when any lock is busy.
func (l *Locks) TryLock(s Set) error {
	var got Set
	for i := 0; i < numLocks; i++ {
		bit := Set(1 << i)
		if s&bit == 0 {
			continue
		}
		if !l.mu[i].TryLock() {
			l.Unlock(got)
			return iox.ErrWouldBlock
		}
		got |= bit
	}
	return nil
}

// Acquire extends held to cover want. It never blocks while holding a lock
// that ranks after one it waits for, so it cannot deadlock against other
// users of Acquire or Lock. On return held includes want.
func (l *Locks) Acquire(held *Set, want Set) {
	need := want &^ *held
	if need == None {
		return
	}
	l.tries.Inc()
	if l.TryLock(need) == nil {
		*held |= need
		return
	}
	if need != Queue && need.Has(Queue) {
		l.narrowed.Inc()
		if l.TryLock(Queue) == nil {
			if l.TryLock(need&^Queue) == nil {
				*held |= need
				return
			}
			l.Unlock(Queue)
		}
	}
	l.escalations.Inc()
	lowest := need & -need
	var retake Set
	for i := 0; i < numLocks; i++ {
		bit := Set(1 << i)
		if *held&bit != 0 && bit > lowest {
			retake |= bit
		}
	}
	if retake != None {
		l.Unlock(retake)
		*held &^= retake
	}
	l.Lock(need | retake)
	*held |= need | retake
}

// Stats returns how many Acquire calls needed locks and how many of them
// had to block.
func (l *Locks) Stats() (tries, escalations uint64) {
	return l.tries.Load(), l.escalations.Load()
}

// Narrowed returns how many Acquire calls retried with the queue lock alone
// after their first attempt failed.
func (l *Locks) Narrowed() uint64 { return l.narrowed.Load() }
