package tasks

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/kecho/coalpy-sub001/internal/obs"
)

type msgKind int

const (
	msgRunJob msgKind = iota
	msgRunAux
	msgExit
)

type message struct {
	kind  msgKind
	fn    Fn
	ctx   Context
	block func()
}

// OnCompleteFn is invoked by a Worker once a task body returns (successfully
// or via a recovered panic). err is non-nil exactly when the body panicked,
// in which case it is always a *PanicError.
type OnCompleteFn func(Handle, error)

// Worker owns a main loop and an auxiliary loop goroutine, a main queue and
// an auxiliary queue, grounded on original_source/Source/tasks/
// ThreadWorker.cpp + ThreadWorker.h.
//
// The main loop executes RunJob messages and invokes the completion
// callback. The auxiliary loop exists solely to run a caller's blocking
// function off the main loop's goroutine so the main loop can keep
// dispatching other task bodies while that blocking call is in flight —
// this is the mechanism behind WaitUntil, the yield-until primitive.
type Worker struct {
	id int

	mainQueue *Queue[message]
	auxQueue  *Queue[message]

	onComplete OnCompleteFn

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	log *obs.Logger
}

// NewWorker constructs a Worker with the given numeric id (used only for
// diagnostics and round-robin bookkeeping by the Scheduler).
func NewWorker(id int) *Worker {
	return &Worker{
		id:        id,
		mainQueue: NewQueue[message](),
		auxQueue:  NewQueue[message](),
		log:       obs.Default().WithComponent("worker"),
	}
}

// ID returns the worker's index within its pool.
func (w *Worker) ID() int { return w.id }

// Start spawns the main and auxiliary goroutines. Calling Start more than
// once is a programming error and is a no-op past the first call (also
// after SignalStop+Join; a Worker is never restarted), mirroring
// ThreadWorker::start's guard.
func (w *Worker) Start(onComplete OnCompleteFn) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.onComplete = onComplete
	w.mu.Unlock()

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		enterLocal(w)
		defer exitLocal(w)
		w.run()
	}()
	go func() {
		defer w.wg.Done()
		enterLocal(w)
		defer exitLocal(w)
		w.auxLoop()
	}()
}

// run is the main loop: dequeue, dispatch RunJob to its body, notify
// completion, repeat until Exit. It is reentrant — WaitUntil calls it
// recursively on the same goroutine — so it must hold no per-invocation
// state beyond its local loop variables.
func (w *Worker) run() {
	for {
		msg := w.mainQueue.WaitPop()
		switch msg.kind {
		case msgRunJob:
			w.runBody(msg.fn, msg.ctx)
		case msgExit:
			return
		}
	}
}

func (w *Worker) runBody(fn Fn, ctx Context) {
	var perr error
	defer func() {
		if r := recover(); r != nil {
			perr = &PanicError{Task: ctx.Task, Recovered: r, Stack: string(debug.Stack())}
			w.log.Errorf("task %s panicked: %v", ctx.Task, r)
		}
		if w.onComplete != nil {
			w.onComplete(ctx.Task, perr)
		}
	}()
	if fn != nil {
		fn(ctx)
	}
}

// auxLoop runs caller-supplied blocking functions posted via WaitUntil,
// one at a time, each off the main loop's goroutine. After running one it
// pushes the Exit sentinel onto the main queue, which is what wakes the
// nested run() invocation WaitUntil started.
func (w *Worker) auxLoop() {
	for {
		msg := w.auxQueue.WaitPop()
		switch msg.kind {
		case msgRunAux:
			if msg.block != nil {
				msg.block()
			}
			w.mainQueue.Push(message{kind: msgExit})
		case msgExit:
			return
		}
	}
}

// WaitUntil is the cornerstone cooperative-blocking primitive (yield_until
// in spec.md §4.2). It posts fn to the auxiliary queue, then recursively
// re-enters run() on the calling (main) goroutine so the worker keeps
// dispatching further RunJob messages while fn runs off-thread; it returns
// once fn has completed exactly once, signalled by the aux loop's Exit
// sentinel arriving on the main queue.
//
// Must be called from the worker's own main-loop goroutine (i.e. from
// within a running task body on this worker) — the same constraint the
// original places on TaskUtil::yieldUntil.
func (w *Worker) WaitUntil(fn func()) {
	w.auxQueue.Push(message{kind: msgRunAux, block: fn})
	w.run()
}

// Schedule enqueues a task body for asynchronous execution on this
// worker's main loop.
func (w *Worker) Schedule(fn Fn, ctx Context) {
	w.mainQueue.Push(message{kind: msgRunJob, fn: fn, ctx: ctx})
}

// Steal non-blockingly removes one pending job from this worker's main
// queue for execution on a different goroutine, per spec.md §4.2's
// `steal`.
func (w *Worker) Steal() (Fn, Context, bool) {
	w.mainQueue.Acquire()
	defer w.mainQueue.Release()
	if len(w.mainQueue.items) == 0 || w.mainQueue.items[0].kind != msgRunJob {
		return nil, Context{}, false
	}
	msg, _ := w.mainQueue.UnsafeTryPop()
	return msg.fn, msg.ctx, true
}

// RunInThread executes fn synchronously on the calling goroutine — used
// when a job was stolen from a peer and must still be counted as
// completed on the stealer's own worker.
func (w *Worker) RunInThread(fn Fn, ctx Context) {
	w.runBody(fn, ctx)
}

// SignalStop is idempotent; it posts Exit to both loops.
func (w *Worker) SignalStop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.mainQueue.Push(message{kind: msgExit})
	w.auxQueue.Push(message{kind: msgExit})
}

// Join blocks until both loops have exited.
func (w *Worker) Join() {
	w.wg.Wait()
}

// QueueSize reports the number of pending main-queue messages, for
// diagnostics; Scheduler.Stats does not include it.
func (w *Worker) QueueSize() int {
	return w.mainQueue.Len()
}

// localWorker returns the Worker that owns the calling goroutine, or nil
// if the caller is not inside a worker body. See goroutineid.go for why
// this exists instead of an idiomatic context value: the Scheduler needs
// to answer this question in API entry points (Wait, CleanTaskTree) that
// predate having a Context in hand, exactly where the original relies on
// ThreadWorker::getLocalThreadWorker().
func localWorker() *Worker {
	gid := goroutineID()
	v, ok := localWorkers.Load(gid)
	if !ok {
		return nil
	}
	return v.(*Worker)
}

var (
	localWorkers sync.Map // goroutine id (int64) -> *Worker
	localDepths  sync.Map // goroutine id (int64) -> *int32
)

func enterLocal(w *Worker) {
	gid := goroutineID()
	v, _ := localDepths.LoadOrStore(gid, new(int32))
	depth := v.(*int32)
	atomic.AddInt32(depth, 1)
	localWorkers.Store(gid, w)
}

func exitLocal(w *Worker) {
	gid := goroutineID()
	v, ok := localDepths.Load(gid)
	if !ok {
		return
	}
	depth := v.(*int32)
	if atomic.AddInt32(depth, -1) <= 0 {
		localWorkers.Delete(gid)
		localDepths.Delete(gid)
	}
}
