package concurrency

import (
	"sync"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestMPMCQueueBasic(t *testing.T) {
	q := NewMPMCQueue[int](3)
	assert.Equal(t, 4, q.Cap())

	for i := 1; i <= 4; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	assert.True(t, iox.IsWouldBlock(q.Enqueue(5)))
	assert.Equal(t, 4, q.Len())

	for i := 1; i <= 4; i++ {
		v, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	_, err := q.Dequeue()
	assert.True(t, iox.IsWouldBlock(err))
	assert.Equal(t, 0, q.Len())
}

func TestMPMCQueueConcurrent(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perProd   = 5000
	)
	q := NewMPMCQueue[int](1024)
	var consumed, sum atomic.Int64
	var wg sync.WaitGroup

	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				for q.Enqueue(base+i) != nil {
				}
			}
		}(p * perProd)
	}

	var cg sync.WaitGroup
	cg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer cg.Done()
			var bo iox.Backoff
			for consumed.Load() < producers*perProd {
				v, err := q.Dequeue()
				if err != nil {
					bo.Wait()
					continue
				}
				bo.Reset()
				sum.Add(int64(v))
				consumed.Inc()
			}
		}()
	}

	wg.Wait()
	cg.Wait()
	n := int64(producers * perProd)
	assert.Equal(t, n, consumed.Load())
	assert.Equal(t, n*(n-1)/2, sum.Load())
}
