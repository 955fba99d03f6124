package tasks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, poolSize int) *Scheduler {
	t.Helper()
	s := NewScheduler(Config{ThreadPoolSize: poolSize})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		s.SignalStop()
		s.Join()
	})
	return s
}

func TestSchedulerSingleTaskRuns(t *testing.T) {
	s := newTestScheduler(t, 2)

	ran := make(chan struct{})
	h := s.CreateTask(Descriptor{Name: "single", Body: func(ctx Context) { close(ran) }}, nil)
	s.Execute(h)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task body never ran")
	}
	require.NoError(t, s.Wait(h))
}

func TestSchedulerAutoStartTask(t *testing.T) {
	s := newTestScheduler(t, 2)

	ran := make(chan struct{})
	h := s.CreateTask(Descriptor{
		Name:  "auto",
		Flags: AutoStart,
		Body:  func(ctx Context) { close(ran) },
	}, nil)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("auto-started task body never ran")
	}
	require.NoError(t, s.Wait(h))
}

// TestSchedulerDiamondDependency builds A -> {B, C} -> D (D depends on B and
// C, both of which depend on A) and asserts D only runs once both of its
// prerequisites have finished, and every node runs exactly once.
func TestSchedulerDiamondDependency(t *testing.T) {
	s := newTestScheduler(t, 4)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	var aCount, bCount, cCount, dCount int32

	a := s.CreateTask(Descriptor{Name: "A", Body: func(ctx Context) {
		atomic.AddInt32(&aCount, 1)
		record("A")
	}}, nil)
	b := s.CreateTask(Descriptor{Name: "B", Body: func(ctx Context) {
		atomic.AddInt32(&bCount, 1)
		record("B")
	}}, nil)
	c := s.CreateTask(Descriptor{Name: "C", Body: func(ctx Context) {
		atomic.AddInt32(&cCount, 1)
		record("C")
	}}, nil)
	d := s.CreateTask(Descriptor{Name: "D", Body: func(ctx Context) {
		atomic.AddInt32(&dCount, 1)
		record("D")
	}}, nil)

	require.NoError(t, s.Depends(b, a))
	require.NoError(t, s.Depends(c, a))
	require.NoError(t, s.Depends(d, b, c))

	s.Execute(d)
	s.Execute(a)

	require.NoError(t, s.Wait(d))

	assert.EqualValues(t, 1, atomic.LoadInt32(&aCount))
	assert.EqualValues(t, 1, atomic.LoadInt32(&bCount))
	assert.EqualValues(t, 1, atomic.LoadInt32(&cCount))
	assert.EqualValues(t, 1, atomic.LoadInt32(&dCount))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "A", order[0])
	assert.Equal(t, "D", order[3])
}

func TestSchedulerUnknownTaskErrors(t *testing.T) {
	s := newTestScheduler(t, 2)

	bogus := Handle{id: 9999}
	assert.Error(t, s.Wait(bogus))

	real := s.CreateTask(Descriptor{Name: "real", Body: func(ctx Context) {}}, nil)
	assert.Error(t, s.Depends(real, bogus))
	assert.Error(t, s.Depends(bogus, real))
}

// TestSchedulerYieldUntilDoesNotStallOtherWork exercises the cooperative
// blocking primitive: many tasks call YieldUntil on a pool much smaller
// than the task count, and every task must still complete.
func TestSchedulerYieldUntilDoesNotStallOtherWork(t *testing.T) {
	s := newTestScheduler(t, 8)

	const numTasks = 16
	var finished int32
	handles := make([]Handle, numTasks)
	for i := 0; i < numTasks; i++ {
		handles[i] = s.CreateTask(Descriptor{Name: "yielder", Body: func(ctx Context) {
			release := make(chan struct{})
			go func() {
				time.Sleep(5 * time.Millisecond)
				close(release)
			}()
			ctx.YieldUntil(func() { <-release })
			atomic.AddInt32(&finished, 1)
		}}, nil)
	}
	s.ExecuteMany(handles)

	for _, h := range handles {
		require.NoError(t, s.Wait(h))
	}
	assert.EqualValues(t, numTasks, atomic.LoadInt32(&finished))
}

// TestSchedulerStealingUnblocksWaiters: forcing pending jobs onto one
// worker's queue so that a steal is observed is impractical to do
// deterministically, so instead this asserts the weaker, directly
// observable property: when a task on one worker calls Wait on a task
// assigned to a different worker, Wait's in-worker path (which spins
// through yieldOnce, stealing a peer's pending job when there is one)
// returns once that task finishes rather than deadlocking. The test does
// not itself observe a steal.
func TestSchedulerStealingUnblocksWaiters(t *testing.T) {
	s := newTestScheduler(t, 2)

	inner := s.CreateTask(Descriptor{Name: "inner", Body: func(ctx Context) {
		time.Sleep(10 * time.Millisecond)
	}}, nil)

	outerDone := make(chan struct{})
	outer := s.CreateTask(Descriptor{Name: "outer", Body: func(ctx Context) {
		require.NoError(t, ctx.Wait(inner))
		close(outerDone)
	}}, nil)

	s.Execute(inner)
	s.Execute(outer)

	select {
	case <-outerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("outer task never observed inner's completion")
	}
	require.NoError(t, s.Wait(outer))
}

// TestSchedulerLongChainNoStackGrowth chains 1000 tasks, each depending on
// the previous, and asserts the whole chain completes — exercising the
// scheduler's iterative (not recursive) dependency repost path.
func TestSchedulerLongChainNoStackGrowth(t *testing.T) {
	s := newTestScheduler(t, 4)

	const chainLen = 1000
	handles := make([]Handle, chainLen)
	var execCount int32
	for i := 0; i < chainLen; i++ {
		handles[i] = s.CreateTask(Descriptor{Name: "link", Body: func(ctx Context) {
			atomic.AddInt32(&execCount, 1)
		}}, nil)
		if i > 0 {
			require.NoError(t, s.Depends(handles[i], handles[i-1]))
		}
	}

	s.Execute(handles[chainLen-1])
	s.Execute(handles[0])

	require.NoError(t, s.Wait(handles[chainLen-1]))
	assert.EqualValues(t, chainLen, atomic.LoadInt32(&execCount))
}

func TestSchedulerCleanTaskTreeRemovesSubtree(t *testing.T) {
	s := newTestScheduler(t, 2)

	a := s.CreateTask(Descriptor{Name: "A", Body: func(ctx Context) {}}, nil)
	b := s.CreateTask(Descriptor{Name: "B", Body: func(ctx Context) {}}, nil)
	require.NoError(t, s.Depends(b, a))

	s.Execute(b)
	s.Execute(a)
	require.NoError(t, s.Wait(b))

	before := s.Stats().NumElements
	require.NoError(t, s.CleanTaskTree(b))
	assert.Less(t, s.Stats().NumElements, before)
}

func TestSchedulerCleanFinishedTasks(t *testing.T) {
	s := newTestScheduler(t, 2)

	h := s.CreateTask(Descriptor{Name: "solo", Body: func(ctx Context) {}}, nil)
	s.Execute(h)
	require.NoError(t, s.Wait(h))

	require.NoError(t, s.CleanFinishedTasks())
	assert.False(t, s.table.Contains(h))
}

func TestSchedulerDetectCyclesFindsCycle(t *testing.T) {
	s := newTestScheduler(t, 2)

	a := s.CreateTask(Descriptor{Name: "A", Body: func(ctx Context) {}}, nil)
	b := s.CreateTask(Descriptor{Name: "B", Body: func(ctx Context) {}}, nil)
	require.NoError(t, s.Depends(a, b))
	require.NoError(t, s.Depends(b, a))

	assert.Error(t, s.DetectCycles())
}

func TestSchedulerDetectCyclesCleanGraph(t *testing.T) {
	s := newTestScheduler(t, 2)

	a := s.CreateTask(Descriptor{Name: "A", Body: func(ctx Context) {}}, nil)
	b := s.CreateTask(Descriptor{Name: "B", Body: func(ctx Context) {}}, nil)
	require.NoError(t, s.Depends(b, a))

	assert.NoError(t, s.DetectCycles())
}

func TestSchedulerCleanupRejectedFromWorker(t *testing.T) {
	s := newTestScheduler(t, 2)

	h := s.CreateTask(Descriptor{Name: "solo", Body: func(ctx Context) {}}, nil)
	s.Execute(h)
	require.NoError(t, s.Wait(h))

	errCh := make(chan error, 1)
	blocker := s.CreateTask(Descriptor{Name: "blocker", Body: func(ctx Context) {
		errCh <- s.CleanFinishedTasks()
	}}, nil)
	s.Execute(blocker)
	require.NoError(t, s.Wait(blocker))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCleanupFromWorker)
	case <-time.After(time.Second):
		t.Fatal("blocker task never ran")
	}
}

func TestSchedulerStartTwiceErrors(t *testing.T) {
	s := newTestScheduler(t, 2)
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}
