package tasks

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns a best-effort identifier for the calling goroutine.
//
// The original design relies on a C++ thread_local pointer (ThreadWorker's
// t_localWorker) to answer "is the calling thread currently running inside
// a worker?" — used both to route Wait/Yield correctly and to reject
// cleanup calls made from inside a worker (spec.md §9's design note: "keep
// the concept... model as a per-thread stack of worker ids"). Go has no
// goroutine-local storage, so this package reproduces the one genuinely
// goroutine-bound piece of state — which Worker (if any) owns the calling
// goroutine — with a small registry keyed by this parsed id, exactly the
// way thread_local would be keyed by OS thread id. localWorker uses it both
// for the safety checks in §7 (rejecting cleanup from a worker) and for
// routing: Wait picks its cooperative or blocking strategy from it, and
// Yield/YieldUntil find the calling worker through it.
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	// "goroutine 123 [running]:"
	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return -1
	}
	buf = buf[len(prefix):]
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
