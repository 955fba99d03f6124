package tasks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSchedulesAndCompletes(t *testing.T) {
	w := NewWorker(0)
	completed := make(chan Handle, 1)
	w.Start(func(h Handle, err error) {
		assert.NoError(t, err)
		completed <- h
	})
	defer func() {
		w.SignalStop()
		w.Join()
	}()

	ran := make(chan struct{})
	w.Schedule(func(ctx Context) { close(ran) }, Context{Task: Handle{id: 1}})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task body never ran")
	}

	select {
	case h := <-completed:
		assert.Equal(t, Handle{id: 1}, h)
	case <-time.After(time.Second):
		t.Fatal("onComplete never called")
	}
}

func TestWorkerRunBodyRecoversPanicAndStillCompletes(t *testing.T) {
	w := NewWorker(0)
	completed := make(chan Handle, 1)
	var gotErr error
	w.Start(func(h Handle, err error) {
		gotErr = err
		completed <- h
	})
	defer func() {
		w.SignalStop()
		w.Join()
	}()

	w.Schedule(func(ctx Context) { panic("boom") }, Context{Task: Handle{id: 2}})

	select {
	case h := <-completed:
		assert.Equal(t, Handle{id: 2}, h)
	case <-time.After(time.Second):
		t.Fatal("onComplete never called after panic")
	}

	require.Error(t, gotErr)
	var panicErr *PanicError
	require.ErrorAs(t, gotErr, &panicErr)
	assert.Equal(t, Handle{id: 2}, panicErr.Task)
	assert.Equal(t, "boom", panicErr.Recovered)
	assert.NotEmpty(t, panicErr.Stack)
}

func TestWorkerWaitUntilKeepsMainLoopAlive(t *testing.T) {
	w := NewWorker(0)
	var completedCount int32
	var mu sync.Mutex
	w.Start(func(h Handle, err error) {
		mu.Lock()
		completedCount++
		mu.Unlock()
	})
	defer func() {
		w.SignalStop()
		w.Join()
	}()

	blockEntered := make(chan struct{})
	blockRelease := make(chan struct{})
	waitUntilReturned := make(chan struct{})

	w.Schedule(func(ctx Context) {
		ctx.YieldUntil(func() {
			close(blockEntered)
			<-blockRelease
		})
		close(waitUntilReturned)
	}, Context{Task: Handle{id: 3}, Scheduler: &Scheduler{}})

	select {
	case <-blockEntered:
	case <-time.After(time.Second):
		t.Fatal("blocking function never entered")
	}

	// While the aux function blocks, the main loop must still be able to
	// dispatch other scheduled jobs on this worker.
	otherRan := make(chan struct{})
	w.Schedule(func(ctx Context) { close(otherRan) }, Context{Task: Handle{id: 4}})
	select {
	case <-otherRan:
	case <-time.After(time.Second):
		t.Fatal("main loop was blocked by the pending yield_until call")
	}

	close(blockRelease)
	select {
	case <-waitUntilReturned:
	case <-time.After(time.Second):
		t.Fatal("YieldUntil never returned once the blocking function finished")
	}
}

func TestWorkerSteal(t *testing.T) {
	w := NewWorker(0)
	// Not started: Schedule just enqueues onto mainQueue directly.
	w.Schedule(func(ctx Context) {}, Context{Task: Handle{id: 5}})

	fn, ctx, ok := w.Steal()
	require.True(t, ok)
	assert.Equal(t, Handle{id: 5}, ctx.Task)
	assert.NotNil(t, fn)

	_, _, ok = w.Steal()
	assert.False(t, ok)
}

func TestWorkerSignalStopIdempotent(t *testing.T) {
	w := NewWorker(0)
	w.Start(func(Handle, error) {})
	w.SignalStop()
	w.SignalStop()
	w.Join()
}
