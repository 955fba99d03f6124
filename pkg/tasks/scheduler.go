// Package tasks implements the work-stealing task scheduler at the core of
// this module: a thread pool with a cooperative yield-until primitive that
// lets a running task block on an external asynchronous event without
// parking its worker goroutine. See SPEC_FULL.md for the full design.
package tasks

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/kecho/coalpy-sub001/internal/obs"
)

// DefaultThreadPoolSize is used when Config.ThreadPoolSize is zero.
const DefaultThreadPoolSize = 8

// Config configures a Scheduler, grounded on TaskSystemDesc.
type Config struct {
	// ThreadPoolSize is the number of Worker objects (each owning two
	// goroutines) the Scheduler creates on Start.
	ThreadPoolSize int
}

func (c Config) withDefaults() Config {
	if c.ThreadPoolSize <= 0 {
		c.ThreadPoolSize = DefaultThreadPoolSize
	}
	return c
}

type cmdKind int

const (
	cmdRunJobs cmdKind = iota
	cmdExit
)

type command struct {
	kind  cmdKind
	tasks []Handle
}

// Stats reports coarse scheduler-wide counters (spec.md §6's `stats()`).
type Stats struct {
	NumElements int
}

// Scheduler owns the worker pool, the task table, the dependency graph,
// and a single scheduling goroutine that drains a central command queue.
// It is the Go counterpart of the richer of the original's two
// TaskSystem.cpp implementations (see DESIGN.md).
type Scheduler struct {
	cfg Config
	log *obs.Logger

	// stateMu guards the task table, the dependency edges stored in each
	// record, and nextWorker. finishedMu guards the finished set. The two
	// are always acquired in this order — state then finished — matching
	// spec.md §4.3.3/§5, never the reverse.
	stateMu    sync.RWMutex
	table      *HandleTable[record]
	nextWorker int

	finishedMu sync.Mutex
	finished   map[Handle]struct{}

	workers []*Worker

	cmdQueue *Queue[command]

	lifecycleMu  sync.Mutex
	started      bool
	schedulerErr chan struct{} // closed once the scheduling goroutine returns

	// index is nil unless EnableIndex was called; a diagnostic supplement,
	// never consulted on the scheduling-critical path.
	index *Index
}

// NewScheduler constructs a Scheduler. Call Start before creating or
// executing tasks.
func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		log:      obs.Default().WithComponent("scheduler"),
		table:    NewHandleTable[record](),
		finished: make(map[Handle]struct{}),
		cmdQueue: NewQueue[command](),
	}
}

// Start creates the worker pool and the scheduling goroutine. Calling
// Start twice is a programming error (spec.md §7); returns ErrAlreadyStarted
// and leaves the existing scheduler untouched.
func (s *Scheduler) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		s.log.Errorf("start called twice")
		return ErrAlreadyStarted
	}
	s.started = true

	s.workers = make([]*Worker, s.cfg.ThreadPoolSize)
	for i := range s.workers {
		w := NewWorker(i)
		w.Start(s.onTaskComplete)
		s.workers[i] = w
	}

	s.schedulerErr = make(chan struct{})
	go func() {
		defer close(s.schedulerErr)
		s.messageLoop()
	}()

	s.log.Infof("started with %d workers", len(s.workers))
	return nil
}

// CreateTask allocates a task record and, if desc.Flags includes
// AutoStart, immediately posts it for execution (spec.md §4.3.1).
func (s *Scheduler) CreateTask(desc Descriptor, userData any) Handle {
	s.stateMu.Lock()
	h, rec := s.table.Allocate()
	*rec = *newRecord(desc, userData)
	idx := s.index
	s.stateMu.Unlock()

	if idx != nil {
		idx.Index(h, desc.Name)
	}

	if desc.Flags&AutoStart != 0 {
		if err := s.Execute(h); err != nil {
			s.log.Errorf("auto-start task %s: %v", h, err)
		}
	}
	return h
}

// Execute posts task for scheduling. Calling it twice on the same task is
// idempotent: onScheduleTask only dispatches a task whose state is still
// Unscheduled. Returns ErrNotStarted if the Scheduler has never been
// started — nothing would ever drain the command queue otherwise.
func (s *Scheduler) Execute(task Handle) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	s.cmdQueue.Push(command{kind: cmdRunJobs, tasks: []Handle{task}})
	return nil
}

// ExecuteMany posts several tasks for scheduling in one batch. Returns
// ErrNotStarted if the Scheduler has never been started.
func (s *Scheduler) ExecuteMany(tasks []Handle) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	if len(tasks) == 0 {
		return nil
	}
	s.cmdQueue.Push(command{kind: cmdRunJobs, tasks: tasks})
	return nil
}

func (s *Scheduler) isStarted() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.started
}

// Depends declares that src has dsts as prerequisites. It must be called
// before src is executed — initial_dependencies is immutable once the
// scheduler starts dispatching src. Unlike the original, which silently
// skips unknown handles under an assert, this package returns
// ErrUnknownTask for any unknown handle and applies no edges at all — see
// DESIGN.md's Open Question decision #1.
func (s *Scheduler) Depends(src Handle, dsts ...Handle) error {
	if !s.isStarted() {
		return ErrNotStarted
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.table.Contains(src) {
		return newErr(ErrCodeUnknownTask, src, "depends: unknown src task")
	}
	for _, d := range dsts {
		if !s.table.Contains(d) {
			return newErr(ErrCodeUnknownTask, d, "depends: unknown dst task")
		}
	}

	srcRec := s.table.Get(src)
	for _, d := range dsts {
		srcRec.initialDependencies[d] = struct{}{}
		srcRec.dependencies[d] = struct{}{}
		s.table.Get(d).parents[src] = struct{}{}
	}
	return nil
}

func (s *Scheduler) messageLoop() {
	for {
		cmd := s.cmdQueue.WaitPop()
		switch cmd.kind {
		case cmdRunJobs:
			s.onScheduleTask(cmd.tasks)
		case cmdExit:
			for _, w := range s.workers {
				w.SignalStop()
			}
			return
		}
	}
}

// onScheduleTask implements spec.md §4.3.2's scheduling policy: a task
// with no remaining dependencies is dispatched round-robin to a worker; a
// task that still has unmet dependencies reposts those of its
// prerequisites that are themselves still Unscheduled, lazily activating
// the subgraph on demand.
func (s *Scheduler) onScheduleTask(handles []Handle) {
	for _, t := range handles {
		s.stateMu.Lock()
		if !s.table.Contains(t) {
			s.stateMu.Unlock()
			continue
		}
		rec := s.table.Get(t)

		rec.sync.mu.Lock()
		state := rec.sync.state
		rec.sync.mu.Unlock()
		if state != Unscheduled {
			s.stateMu.Unlock()
			continue
		}

		if len(rec.dependencies) == 0 {
			widx := s.nextWorker
			s.nextWorker = (s.nextWorker + 1) % len(s.workers)

			rec.sync.mu.Lock()
			rec.sync.state = InWorker
			rec.sync.workerID = widx
			rec.sync.mu.Unlock()

			ctx := Context{Task: t, UserData: rec.userData, Scheduler: s}
			body := rec.desc.Body
			s.stateMu.Unlock()

			s.workers[widx].Schedule(body, ctx)
			continue
		}

		var childTasks []Handle
		for dep := range rec.dependencies {
			if s.table.Contains(dep) {
				depRec := s.table.Get(dep)
				depRec.sync.mu.Lock()
				depUnscheduled := depRec.sync.state == Unscheduled
				depRec.sync.mu.Unlock()
				if depUnscheduled {
					childTasks = append(childTasks, dep)
				}
			}
		}
		s.stateMu.Unlock()

		if len(childTasks) > 0 {
			s.cmdQueue.Push(command{kind: cmdRunJobs, tasks: childTasks})
		}
	}
}

// onTaskComplete is the Worker completion callback (spec.md §4.3.3): mark
// Finished, decrement dependents, enqueue the newly-ready ones, record the
// task in the finished set, and wake external waiters. perr is the
// *PanicError the Worker recovered from the task body, or nil on an
// ordinary return; it is stashed on the record for TaskError to retrieve.
func (s *Scheduler) onTaskComplete(t Handle, perr error) {
	var ready []Handle

	s.stateMu.Lock()
	if !s.table.Contains(t) {
		s.stateMu.Unlock()
		s.log.Errorf("on_task_complete called for unknown task %s", t)
		return
	}
	rec := s.table.Get(t)
	if rec.sync == nil {
		s.stateMu.Unlock()
		s.log.Errorf("%s", missingSyncErr(t))
		return
	}

	rec.taskErr = perr

	rec.sync.mu.Lock()
	rec.sync.state = Finished
	rec.sync.mu.Unlock()

	for p := range rec.parents {
		if !s.table.Contains(p) {
			continue
		}
		parentRec := s.table.Get(p)
		delete(parentRec.dependencies, t)

		parentRec.sync.mu.Lock()
		parentUnscheduled := len(parentRec.dependencies) == 0 && parentRec.sync.state == Unscheduled
		parentRec.sync.mu.Unlock()
		if parentUnscheduled {
			ready = append(ready, p)
		}
	}
	s.stateMu.Unlock()

	s.finishedMu.Lock()
	s.finished[t] = struct{}{}
	s.finishedMu.Unlock()

	rec.sync.mu.Lock()
	rec.sync.cond.Broadcast()
	rec.sync.mu.Unlock()

	if len(ready) > 0 {
		s.cmdQueue.Push(command{kind: cmdRunJobs, tasks: ready})
	}
}

// Wait blocks until task is Finished. If the caller is inside a worker
// body it spins cooperatively, stealing and running other pending work
// while it waits (spec.md §4.3.4); otherwise it blocks on the task's
// condition variable.
func (s *Scheduler) Wait(task Handle) error {
	if !s.isStarted() {
		return ErrNotStarted
	}
	if w := localWorker(); w != nil {
		for {
			finished, err := s.taskFinished(task)
			if err != nil {
				return err
			}
			if finished {
				return nil
			}
			s.yieldOnce(w)
		}
	}
	return s.internalWait(task)
}

func (s *Scheduler) taskFinished(task Handle) (bool, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if !s.table.Contains(task) {
		return false, newErr(ErrCodeUnknownTask, task, "wait: unknown task")
	}
	sb := s.table.Get(task).sync
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.state == Finished, nil
}

func (s *Scheduler) internalWait(task Handle) error {
	s.stateMu.RLock()
	if !s.table.Contains(task) {
		s.stateMu.RUnlock()
		return newErr(ErrCodeUnknownTask, task, "wait: unknown task")
	}
	sb := s.table.Get(task).sync
	s.stateMu.RUnlock()

	sb.mu.Lock()
	for sb.state != Finished {
		sb.cond.Wait()
	}
	sb.mu.Unlock()
	return nil
}

// TaskError returns the *PanicError recovered from task's body, or nil if
// it returned normally (or hasn't finished yet). Returns an error matching
// ErrUnknownTask (errors.Is) if the handle is not live.
func (s *Scheduler) TaskError(task Handle) (error, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if !s.table.Contains(task) {
		return nil, newErr(ErrCodeUnknownTask, task, "task_error: unknown task")
	}
	return s.table.Get(task).taskErr, nil
}

// Yield lets a worker-bound caller run one pending job stolen from a peer
// worker, bounding the latency of cooperative waits (spec.md §4.3.4). A
// no-op outside a worker context.
func (s *Scheduler) Yield() {
	w := localWorker()
	if w == nil {
		return
	}
	s.yieldOnce(w)
}

// YieldUntil runs fn off the calling task's worker thread via that
// worker's auxiliary loop, returning once fn has completed exactly once
// (spec.md §4.2's yield_until). It is a programming error to call this
// outside a worker body; in that case fn is run synchronously instead of
// panicking, and the misuse is logged.
func (s *Scheduler) YieldUntil(fn func()) {
	w := localWorker()
	if w == nil {
		s.log.Errorf("yield_until called outside a worker context")
		if fn != nil {
			fn()
		}
		return
	}
	w.WaitUntil(fn)
}

func (s *Scheduler) yieldOnce(self *Worker) {
	for _, w := range s.workers {
		if fn, ctx, ok := w.Steal(); ok {
			self.RunInThread(fn, ctx)
			return
		}
	}
	runtime.Gosched()
}

// CleanTaskTree performs a reverse-topological sweep of root's
// initial_dependencies, deleting each reachable record exactly once. Safe
// only once the entire subtree has finished (typically called right after
// Wait(root)); the caller is responsible for that precondition. Must not
// be called from a worker thread.
func (s *Scheduler) CleanTaskTree(root Handle) error {
	if localWorker() != nil {
		return ErrCleanupFromWorker
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.finishedMu.Lock()
	defer s.finishedMu.Unlock()

	visited := make(map[Handle]struct{})
	stack := []Handle{root}
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[t]; seen {
			continue
		}
		visited[t] = struct{}{}
		if !s.table.Contains(t) {
			continue
		}
		rec := s.table.Get(t)
		for d := range rec.initialDependencies {
			stack = append(stack, d)
		}
		s.removeTask(t)
		delete(s.finished, t)
	}
	return nil
}

// CleanFinishedTasks deletes every task currently in the finished set.
// Must not be called from a worker thread.
func (s *Scheduler) CleanFinishedTasks() error {
	if localWorker() != nil {
		return ErrCleanupFromWorker
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.finishedMu.Lock()
	defer s.finishedMu.Unlock()

	for t := range s.finished {
		s.removeTask(t)
	}
	s.finished = make(map[Handle]struct{})
	return nil
}

// removeTask deletes t's record and its back-references from any
// surviving parents. Caller must hold stateMu (and finishedMu if the
// finished set also needs updating).
func (s *Scheduler) removeTask(t Handle) {
	rec := s.table.Get(t)
	for p := range rec.parents {
		if !s.table.Contains(p) {
			continue
		}
		pRec := s.table.Get(p)
		delete(pRec.initialDependencies, t)
		delete(pRec.dependencies, t)
	}
	s.table.Free(t)
	if s.index != nil {
		s.index.Delete(t)
	}
}

// Stats reports coarse scheduler-wide counters.
func (s *Scheduler) Stats() Stats {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return Stats{NumElements: s.table.Len()}
}

// DetectCycles is an opt-in diagnostic (not run on any hot path) that
// walks every task's initial_dependencies looking for a cycle. The
// scheduler itself never detects cycles implicitly — spec.md §9 documents
// a cycle as leaving all involved tasks permanently Unscheduled rather
// than a detected error — so callers that want the safety net run this
// explicitly before Execute on a freshly built graph.
func (s *Scheduler) DetectCycles() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	const (
		white = iota
		gray
		black
	)
	color := make(map[Handle]int)
	var cycle []Handle

	var visit func(h Handle) bool
	visit = func(h Handle) bool {
		switch color[h] {
		case gray:
			cycle = append(cycle, h)
			return true
		case black:
			return false
		}
		color[h] = gray
		if s.table.Contains(h) {
			for d := range s.table.Get(h).initialDependencies {
				if visit(d) {
					cycle = append(cycle, h)
					return true
				}
			}
		}
		color[h] = black
		return false
	}

	found := false
	s.table.ForEach(func(h Handle, _ *record) {
		if found {
			return
		}
		if color[h] == white && visit(h) {
			found = true
		}
	})
	if found {
		return fmt.Errorf("tasks: dependency cycle detected: %v", cycle)
	}
	return nil
}

// SignalStop posts Exit to the central command queue; the scheduling
// goroutine then signals every worker to stop. Idempotent, and a no-op if
// the scheduler was never started.
func (s *Scheduler) SignalStop() {
	s.lifecycleMu.Lock()
	started := s.started
	s.lifecycleMu.Unlock()
	if !started {
		return
	}
	s.cmdQueue.Push(command{kind: cmdExit})
}

// Join blocks until the scheduling goroutine and every worker's two
// goroutines have exited. It then logs a warning (not an error — a leak
// detector, not a fatal condition) if any task record is still live,
// mirroring the original destructor's leak assertion.
func (s *Scheduler) Join() {
	s.lifecycleMu.Lock()
	started := s.started
	errCh := s.schedulerErr
	s.lifecycleMu.Unlock()
	if !started {
		return
	}

	<-errCh
	for _, w := range s.workers {
		w.Join()
	}

	s.stateMu.Lock()
	idx := s.index
	s.index = nil
	var leaked []Handle
	s.table.ForEach(func(h Handle, _ *record) { leaked = append(leaked, h) })
	s.stateMu.Unlock()

	if idx != nil {
		if err := idx.Close(); err != nil {
			s.log.Warnf("closing diagnostic index: %v", err)
		}
	}

	for _, h := range leaked {
		s.log.Warnf("%s", taskStillAliveErr(h))
	}
}
