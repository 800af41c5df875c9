// Package concurrency holds lock-free building blocks shared by the
// runtime's node services.
package concurrency

import (
	"runtime"

	"code.hybscloud.com/iox"
	"go.uber.org/atomic"
)

// MPMCQueue is a bounded multi-producer multi-consumer ring based on Dmitry
// Vyukov's algorithm with per-slot sequence numbers. Operations never block:
// a full or empty ring reports iox.ErrWouldBlock.
type MPMCQueue[T any] struct {
	_       [64]byte
	mask    uint64
	_       [56]byte
	enqueue atomic.Uint64
	_       [56]byte
	dequeue atomic.Uint64
	_       [56]byte
	cells   []cell[T]
}

type cell[T any] struct {
	seq atomic.Uint64
	_   [56]byte
	val T
}

// NewMPMCQueue returns a queue holding at least capacity items. Capacity is
// rounded up to a power of two.
func NewMPMCQueue[T any](capacity uint64) *MPMCQueue[T] {
	size := uint64(2)
	for size < capacity {
		size <<= 1
	}
	q := &MPMCQueue[T]{mask: size - 1, cells: make([]cell[T], size)}
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
	return q
}

// Enqueue appends v, or returns iox.ErrWouldBlock when the queue is full.
func (q *MPMCQueue[T]) Enqueue(v T) error {
	for {
		pos := q.enqueue.Load()
		c := &q.cells[pos&q.mask]
		switch dif := int64(c.seq.Load()) - int64(pos); {
		case dif == 0:
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return nil
			}
		case dif < 0:
			return iox.ErrWouldBlock
		default:
			runtime.Gosched()
		}
	}
}

// Dequeue removes the oldest item, or returns iox.ErrWouldBlock when the
// queue is empty.
func (q *MPMCQueue[T]) Dequeue() (T, error) {
	var zero T
	for {
		pos := q.dequeue.Load()
		c := &q.cells[pos&q.mask]
		switch dif := int64(c.seq.Load()) - int64(pos+1); {
		case dif == 0:
			if q.dequeue.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.val = zero
				c.seq.Store(pos + q.mask + 1)
				return v, nil
			}
		case dif < 0:
			return zero, iox.ErrWouldBlock
		default:
			runtime.Gosched()
		}
	}
}

// Len returns an estimate of the items queued.
func (q *MPMCQueue[T]) Len() int {
	n := int64(q.enqueue.Load()) - int64(q.dequeue.Load())
	if n < 0 {
		return 0
	}
	return int(n)
}

// Cap returns the queue capacity.
func (q *MPMCQueue[T]) Cap() int { return len(q.cells) }
