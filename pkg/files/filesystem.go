// Package files provides the async file system client adapter used by
// pkg/shaderdb to read shader source and include files without blocking a
// worker goroutine, grounded on original_source/Source/files/FileSystem.cpp
// and noisefs's pkg/storage read/write path.
package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kecho/coalpy-sub001/internal/obs"
	"github.com/kecho/coalpy-sub001/pkg/tasks"
)

// Status is the per-chunk progress a read or write request reports through
// its StatusFn callback, mirroring the original FileSystem.cpp's Opening /
// Reading / Eof state machine and spec.md §6's named status set. Fail and
// Success are the original's generic terminal codes; this port always
// emits one of the more specific terminal statuses below instead (OpenFail,
// ReadingFail, ReadingSuccessEof, WriteFail, WriteSuccess), so they are
// kept here for parity with the named set but never emitted themselves.
type Status int

const (
	Idle Status = iota
	Opening
	OpenFail
	Reading
	ReadingFail
	ReadingSuccessEof
	Writing
	WriteFail
	WriteSuccess
	Fail
	Success
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Opening:
		return "Opening"
	case OpenFail:
		return "OpenFail"
	case Reading:
		return "Reading"
	case ReadingFail:
		return "ReadingFail"
	case ReadingSuccessEof:
		return "ReadingSuccessEof"
	case Writing:
		return "Writing"
	case WriteFail:
		return "WriteFail"
	case WriteSuccess:
		return "WriteSuccess"
	case Fail:
		return "Fail"
	case Success:
		return "Success"
	default:
		return "Unknown"
	}
}

// StatusFn receives every status transition a request goes through. May be
// nil.
type StatusFn func(Status)

// readChunkSize bounds how much is read per yield_until call, so a large
// file's read is broken into several cooperative-blocking steps instead of
// one long synchronous call inside a single yield_until.
const readChunkSize = 64 * 1024

// ReadResult is the terminal outcome of a Read request.
type ReadResult struct {
	Path string
	Ok   bool
	Data []byte
	Err  error
}

// WriteResult is the terminal outcome of a Write request.
type WriteResult struct {
	Path string
	Ok   bool
	Err  error
}

// Attributes describes a file or directory entry, grounded on the
// directory/attribute utilities original_source's FileSystem.cpp exposes
// that the distilled spec otherwise drops.
type Attributes struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Request is a handle to an in-flight or finished async file operation,
// grounded on spec.md §4.4's "close_handle performs wait then
// clean_task_tree, then releases the native handle and frees the request
// record".
type Request struct {
	ID        string
	Task      tasks.Handle
	fs        *FileSystem
	result    any // *ReadResult or *WriteResult, set once the task body returns
}

// FileSystem schedules file I/O as tasks on a Scheduler, so a shader
// compile pipeline can depend on a read finishing without ever blocking a
// worker's OS thread directly. A Read task body performs its native I/O
// in bounded chunks, wrapping every chunk in ctx.YieldUntil so the
// worker's main loop keeps dispatching other jobs while the chunk read is
// in flight on the worker's auxiliary goroutine; a Write task body hands
// the whole write to a single ctx.YieldUntil call.
type FileSystem struct {
	scheduler *tasks.Scheduler
	root      string
	log       *obs.Logger
}

// New constructs a FileSystem rooted at root (used to resolve relative
// paths passed to Read/Write/ListDir).
func New(scheduler *tasks.Scheduler, root string) *FileSystem {
	return &FileSystem{
		scheduler: scheduler,
		root:      root,
		log:       obs.Default().WithComponent("files"),
	}
}

func (fs *FileSystem) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(fs.root, path)
}

// Read schedules an asynchronous read of path, invoking onStatus (if
// non-nil) on every status transition. The returned Request's task
// completes once the whole file has been read or the read has failed.
func (fs *FileSystem) Read(path string, onStatus StatusFn) *Request {
	full := fs.resolve(path)
	result := &ReadResult{Path: path}
	req := &Request{ID: uuid.NewString(), fs: fs, result: result}

	emit := func(s Status) {
		if onStatus != nil {
			onStatus(s)
		}
	}

	req.Task = fs.scheduler.CreateTask(tasks.Descriptor{
		Name: "files.Read:" + path,
		Body: func(ctx tasks.Context) {
			emit(Opening)

			f, err := os.Open(full)
			if err != nil {
				emit(OpenFail)
				result.Err = err
				return
			}
			defer f.Close()

			var buf []byte
			chunk := make([]byte, readChunkSize)
			for {
				var n int
				var readErr error
				// yield_until hands the blocking native read to the
				// worker's auxiliary goroutine, so a large file doesn't
				// monopolize the main loop for its entire duration.
				ctx.YieldUntil(func() { n, readErr = f.Read(chunk) })

				if n > 0 {
					buf = append(buf, chunk[:n]...)
					emit(Reading)
				}
				if readErr == io.EOF {
					emit(ReadingSuccessEof)
					result.Ok = true
					result.Data = buf
					return
				}
				if readErr != nil {
					emit(ReadingFail)
					result.Err = readErr
					return
				}
			}
		},
	}, result)

	if err := fs.scheduler.Execute(req.Task); err != nil {
		fs.log.Errorf("scheduling read of %s: %v", path, err)
	}
	return req
}

// Write schedules an asynchronous write of data to path, creating parent
// directories as needed.
func (fs *FileSystem) Write(path string, data []byte, onStatus StatusFn) *Request {
	full := fs.resolve(path)
	result := &WriteResult{Path: path}
	req := &Request{ID: uuid.NewString(), fs: fs, result: result}

	emit := func(s Status) {
		if onStatus != nil {
			onStatus(s)
		}
	}

	req.Task = fs.scheduler.CreateTask(tasks.Descriptor{
		Name: "files.Write:" + path,
		Body: func(ctx tasks.Context) {
			emit(Opening)
			if dir := filepath.Dir(full); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					emit(OpenFail)
					result.Err = err
					return
				}
			}

			emit(Writing)
			var writeErr error
			ctx.YieldUntil(func() { writeErr = os.WriteFile(full, data, 0o644) })
			if writeErr != nil {
				emit(WriteFail)
				result.Err = writeErr
				return
			}
			emit(WriteSuccess)
			result.Ok = true
		},
	}, result)

	if err := fs.scheduler.Execute(req.Task); err != nil {
		fs.log.Errorf("scheduling write of %s: %v", path, err)
	}
	return req
}

// Wait delegates to scheduler.Wait(request.task), per spec.md §4.4.
func (r *Request) Wait() error {
	return r.fs.scheduler.Wait(r.Task)
}

// ReadResult returns the request's result, which must be a read result.
func (r *Request) ReadResult() (*ReadResult, error) {
	res, ok := r.result.(*ReadResult)
	if !ok {
		return nil, fmt.Errorf("files: request %s is not a read request", r.ID)
	}
	return res, nil
}

// WriteResult returns the request's result, which must be a write result.
func (r *Request) WriteResult() (*WriteResult, error) {
	res, ok := r.result.(*WriteResult)
	if !ok {
		return nil, fmt.Errorf("files: request %s is not a write request", r.ID)
	}
	return res, nil
}

// Close performs Wait then CleanTaskTree on the request's task, then
// drops the request's own bookkeeping — the Go analogue of spec.md
// §4.4's "close_handle performs wait then clean_task_tree, then releases
// the native handle and frees the request record" (there is no native
// handle to release in this port; the os.File is already closed by the
// task body's own defer).
func (r *Request) Close() error {
	if err := r.Wait(); err != nil {
		return err
	}
	return r.fs.scheduler.CleanTaskTree(r.Task)
}

// Stat synchronously returns attributes for path; cheap enough that it
// isn't worth scheduling as a task of its own (callers already inside a
// worker body can call it directly).
func (fs *FileSystem) Stat(path string) (Attributes, error) {
	full := fs.resolve(path)
	info, err := os.Stat(full)
	if err != nil {
		return Attributes{}, err
	}
	return Attributes{
		Name:    info.Name(),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// ListDir synchronously lists the immediate children of dir, sorted by
// name. Mirrors the original's directory utilities (FileSystem.cpp's
// readDirectory/enumerateFiles), supplemented back in per SPEC_FULL.md
// since the distilled spec marks them out of scope for the core but not
// for a complete client adapter.
func (fs *FileSystem) ListDir(dir string) ([]Attributes, error) {
	full := fs.resolve(dir)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]Attributes, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			fs.log.Warnf("skipping %s/%s: %v", dir, e.Name(), err)
			continue
		}
		out = append(out, Attributes{
			Name:    e.Name(),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteFile removes path, mirroring the original's deleteFile utility.
func (fs *FileSystem) DeleteFile(path string) error {
	return os.Remove(fs.resolve(path))
}

// DeleteDirectory removes dir and everything beneath it, mirroring the
// original's deleteDirectory utility.
func (fs *FileSystem) DeleteDirectory(dir string) error {
	return os.RemoveAll(fs.resolve(dir))
}

// CarveDirectoryPath ensures dir (and its parents) exist, mirroring the
// original's carveDirectoryPath utility.
func (fs *FileSystem) CarveDirectoryPath(dir string) error {
	return os.MkdirAll(fs.resolve(dir), 0o755)
}

// Root returns the directory Read/Write/ListDir paths resolve against.
func (fs *FileSystem) Root() string { return fs.root }
