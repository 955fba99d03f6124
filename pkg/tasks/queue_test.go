package tasks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOPerProducer(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueWaitPopBlocksUntilPush(t *testing.T) {
	q := NewQueue[string]()
	done := make(chan string, 1)

	go func() {
		done <- q.WaitPop()
	}()

	// Give WaitPop a chance to actually block before pushing; this is a
	// best-effort scheduling nudge, not a correctness dependency — WaitPop
	// is correct regardless of when Push races in.
	time.Sleep(10 * time.Millisecond)
	q.Push("hello")

	select {
	case v := <-done:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("WaitPop never returned")
	}
}

func TestQueueWaitPopUntilTimesOut(t *testing.T) {
	q := NewQueue[int]()
	_, ok := q.WaitPopUntil(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueueWaitPopUntilReturnsPushedItem(t *testing.T) {
	q := NewQueue[int]()
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.Push(42)
	}()
	v, ok := q.WaitPopUntil(time.Second)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestQueueAcquireReleaseUnsafeTryPop(t *testing.T) {
	q := NewQueue[int]()
	q.Push(7)

	q.Acquire()
	v, ok := q.UnsafeTryPop()
	q.Release()

	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(base + i)
			}
		}(p * perProducer)
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Len())
	seen := make(map[int]bool, producers*perProducer)
	for i := 0; i < producers*perProducer; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
