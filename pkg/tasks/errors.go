package tasks

import "fmt"

// ErrCode classifies a programming-error condition raised by the scheduler,
// grounded on pkg/storage/errors.go's StorageError.Code enum shape —
// adapted here to a closed set of invariant violations rather than
// classified third-party I/O failures, since every case below originates
// from this package's own precondition checks (spec.md §7).
type ErrCode int

const (
	ErrCodeUnknownTask ErrCode = iota
	ErrCodeAlreadyStarted
	ErrCodeNotStarted
	ErrCodeCleanupFromWorker
	ErrCodeTaskStillAlive
	ErrCodeMissingSync
	ErrCodeIndexDisabled
)

// SchedulerError is returned for programming-error conditions that spec.md
// §7 classifies as "asserted, debug-fatal" in the original C++. Go favors
// returning an error over crashing the process, so callers see these as
// ordinary errors. Start additionally logs a second call at Error level
// (internal/obs); the other conditions are only returned, not logged.
type SchedulerError struct {
	Code    ErrCode
	Message string
	Task    Handle
}

// Is reports whether target is a *SchedulerError with the same Code, so
// errors.Is(err, ErrUnknownTask) matches every unknown-handle error
// whatever task handle it carries.
func (e *SchedulerError) Is(target error) bool {
	t, ok := target.(*SchedulerError)
	return ok && t.Code == e.Code
}

func (e *SchedulerError) Error() string {
	if e.Task.Valid() {
		return fmt.Sprintf("tasks: %s (task=%s)", e.Message, e.Task)
	}
	return fmt.Sprintf("tasks: %s", e.Message)
}

func newErr(code ErrCode, task Handle, format string, args ...any) *SchedulerError {
	return &SchedulerError{Code: code, Message: fmt.Sprintf(format, args...), Task: task}
}

// ErrUnknownTask matches (via errors.Is) the error Depends/Wait/TaskError
// return when a handle does not refer to a live task; Execute does not
// check handles, and the scheduling loop skips unknown ones. See
// DESIGN.md's Open Question decision #1: this
// package treats an unknown handle as a hard error, not a silent no-op.
var ErrUnknownTask = &SchedulerError{Code: ErrCodeUnknownTask, Message: "unknown task handle"}

// ErrAlreadyStarted is returned by Start when called on an already-started
// Scheduler.
var ErrAlreadyStarted = &SchedulerError{Code: ErrCodeAlreadyStarted, Message: "scheduler already started"}

// ErrNotStarted is returned by Execute/ExecuteMany/Depends/Wait when the
// Scheduler has never been started.
var ErrNotStarted = &SchedulerError{Code: ErrCodeNotStarted, Message: "scheduler not started"}

// ErrCleanupFromWorker is returned by CleanTaskTree/CleanFinishedTasks when
// called from inside a worker's task body.
var ErrCleanupFromWorker = &SchedulerError{Code: ErrCodeCleanupFromWorker, Message: "cleanup must not be called from a worker thread"}

// ErrIndexDisabled is returned by Find when EnableIndex was never called.
var ErrIndexDisabled = &SchedulerError{Code: ErrCodeIndexDisabled, Message: "diagnostic index not enabled; call EnableIndex first"}

// PanicError wraps a panic recovered from a task body. The scheduler never
// re-panics; on_task_complete runs unconditionally regardless of the body's
// internal outcome (spec.md §7). The error is attached to the task's
// record for the body's own error-reporting callback to observe — the
// scheduler itself does not intermediate caller-recoverable I/O failures,
// only programming errors surfaced as panics.
type PanicError struct {
	Task      Handle
	Recovered any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tasks: task %s panicked: %v", e.Task, e.Recovered)
}

// taskStillAliveErr builds the per-handle error Join logs for each task
// record still present at shutdown, mirroring the original destructor's
// leak assertion (spec.md §7) as a typed, loggable value instead of a
// plain string.
func taskStillAliveErr(h Handle) *SchedulerError {
	return newErr(ErrCodeTaskStillAlive, h, "task still alive at scheduler shutdown")
}

// missingSyncErr is raised internally when on_task_complete finds a task
// record with no sync block — a programming error, since every record
// gets one at creation (newRecord), not a condition callers can trigger.
func missingSyncErr(h Handle) *SchedulerError {
	return newErr(ErrCodeMissingSync, h, "sync data not found when task completed")
}
