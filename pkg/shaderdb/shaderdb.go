// Package shaderdb is the shader database client adapter: it composes a
// read task (via pkg/files) and a compile task per request, wiring
// depends(compile, read) then execute(compile), grounded on spec.md §4.4
// and the interface shape of original_source's IShaderDb.h /
// ShaderDefs.h (ShaderDesc, ShaderCompilationResult, ShaderType).
package shaderdb

import (
	"fmt"
	"path/filepath"

	"github.com/kecho/coalpy-sub001/internal/obs"
	"github.com/kecho/coalpy-sub001/pkg/files"
	"github.com/kecho/coalpy-sub001/pkg/tasks"
)

// Type mirrors ShaderDefs.h's ShaderType.
type Type int

const (
	Vertex Type = iota
	Pixel
	Compute
)

// Desc names a shader to compile, mirroring ShaderDefs.h's ShaderDesc.
type Desc struct {
	Type   Type
	Name   string
	MainFn string
	Path   string
}

// Compiler is the pluggable compile-driver hook this package delegates
// to — the language-preprocessor/compiler-driver invocation spec.md's
// PURPOSE & SCOPE section marks out of scope. resolveInclude is called
// synchronously from inside the compile task's worker for every #include
// directive the shader source references.
type Compiler func(source []byte, resolveInclude func(path string) ([]byte, error)) (CompilationResult, error)

// CompilationResult mirrors ShaderDefs.h's ShaderCompilationResult.
type CompilationResult struct {
	Success bool
	Bytecode []byte
}

// Handle identifies a shader within a Db, mirroring ShaderDefs.h's
// ShaderHandle (itself a GenericHandle<unsigned> — the same pattern
// pkg/tasks.Handle follows).
type Handle struct {
	id uint32
}

// OnErrorFn mirrors ShaderDefs.h's OnShaderErrorFn.
type OnErrorFn func(h Handle, shaderName, errStr string)

// Config configures a Db.
type Config struct {
	Compiler Compiler
	OnError  OnErrorFn
	Cache    *Cache // optional; nil disables caching

	// RemoteCache, if set, is consulted on a local Cache miss and
	// published to after a fresh compile succeeds. Requires Cache to also
	// be set: the content-hash key Lookup/Store key on doubles as the
	// local record of which remote content identifier a source maps to.
	RemoteCache *RemoteCache
}

// Db is the shader database: compose a read task and a compile task per
// compile request.
type Db struct {
	fs          *files.FileSystem
	scheduler   *tasks.Scheduler
	compiler    Compiler
	onError     OnErrorFn
	cache       *Cache
	remoteCache *RemoteCache
	log         *obs.Logger

	nextID uint32
}

// New constructs a Db backed by fs for source/include resolution and
// scheduler for task composition.
func New(scheduler *tasks.Scheduler, fs *files.FileSystem, cfg Config) *Db {
	return &Db{
		fs:          fs,
		scheduler:   scheduler,
		compiler:    cfg.Compiler,
		onError:     cfg.OnError,
		cache:       cfg.Cache,
		remoteCache: cfg.RemoteCache,
		log:         obs.Default().WithComponent("shaderdb"),
	}
}

// Request is the in-flight state of one CompileShader call: the read
// task, the compile task that depends on it, and the result slot the
// compile task's body populates.
type Request struct {
	db         *Db
	Handle     Handle
	ReadTask   tasks.Handle
	CompileTask tasks.Handle
	result     *CompilationResult
}

// CompileShader composes read(desc.Path) -> depends(compile, read) ->
// execute(compile), per spec.md §4.4, and returns immediately with a
// Request the caller waits on.
func (db *Db) CompileShader(desc Desc) *Request {
	h := Handle{id: db.nextID}
	db.nextID++

	// The cache hashes the file's contents, so it needs the path resolved
	// against the file system root the read task uses.
	cachePath := desc.Path
	if !filepath.IsAbs(cachePath) {
		cachePath = filepath.Join(db.fs.Root(), cachePath)
	}

	if db.cache != nil {
		if cached, ok := db.cache.Lookup(cachePath); ok {
			return db.cacheHitRequest(h, desc.Name, cached)
		}
		if db.remoteCache != nil {
			if cached, ok := db.fetchRemote(cachePath); ok {
				return db.cacheHitRequest(h, desc.Name, cached)
			}
		}
	}

	readReq := db.fs.Read(desc.Path, nil)
	result := &CompilationResult{}

	compileTask := db.scheduler.CreateTask(tasks.Descriptor{
		Name: "shaderdb.Compile:" + desc.Name,
		Body: func(ctx tasks.Context) {
			rres, err := readReq.ReadResult()
			if err != nil || !rres.Ok {
				db.reportError(h, desc.Name, fmt.Sprintf("read failed: %v", readErrOf(err, rres)))
				return
			}

			resolveInclude := func(path string) ([]byte, error) {
				// Nested synchronous read: fs.read -> fs.wait -> fs.close,
				// exactly spec.md §4.4's include-resolution contract.
				// ctx.Wait (like Request.Wait, which goes through the same
				// Scheduler.Wait) detects that this call is coming from
				// inside a worker and spins cooperatively instead of
				// blocking on a condition variable, so the outer compile
				// task's worker never deadlocks on itself.
				includeReq := db.fs.Read(path, nil)
				if err := ctx.Wait(includeReq.Task); err != nil {
					return nil, err
				}
				ires, err := includeReq.ReadResult()
				if err != nil {
					return nil, err
				}
				if !ires.Ok {
					return nil, ires.Err
				}
				// Close always returns ErrCleanupFromWorker here since
				// resolveInclude runs inside the compile task's own worker
				// body — CleanTaskTree refuses to run on a worker thread
				// (spec.md §4.3's cleanup precondition). The include task's
				// record is therefore leaked until something outside a
				// worker later calls CleanFinishedTasks on the scheduler;
				// there is no cooperative-safe way to reclaim it from here.
				if closeErr := includeReq.Close(); closeErr != nil {
					db.log.Warnf("closing include %s: %v", path, closeErr)
				}
				return ires.Data, nil
			}

			if db.compiler == nil {
				db.reportError(h, desc.Name, "no compiler configured")
				return
			}

			cr, err := db.compiler(rres.Data, resolveInclude)
			if err != nil {
				db.reportError(h, desc.Name, err.Error())
				*result = CompilationResult{Success: false}
				return
			}
			*result = cr

			if cr.Success && db.cache != nil {
				db.cache.Store(cachePath, cr.Bytecode)
				if db.remoteCache != nil {
					if cid, err := db.remoteCache.Publish(cr.Bytecode); err != nil {
						db.log.Warnf("publishing %s to remote cache: %v", desc.Path, err)
					} else {
						db.cache.RecordRemoteCID(db.cache.RemoteKey(cachePath), cid)
					}
				}
			}
		},
	}, result)

	if err := db.scheduler.Depends(compileTask, readReq.Task); err != nil {
		db.log.Errorf("shaderdb: depends(compile, read) failed: %v", err)
	}
	if err := db.scheduler.Execute(compileTask); err != nil {
		db.log.Errorf("shaderdb: execute(compile) failed: %v", err)
	}

	return &Request{db: db, Handle: h, ReadTask: readReq.Task, CompileTask: compileTask, result: result}
}

// cacheHitRequest composes a zero-dependency task that completes
// immediately with bytecode already in hand — "a cache hit still composes
// the same shape of task graph" (SPEC_FULL's supplemented caching
// feature) — rather than returning out-of-band.
func (db *Db) cacheHitRequest(h Handle, name string, bytecode []byte) *Request {
	result := &CompilationResult{Success: true, Bytecode: bytecode}
	compileTask := db.scheduler.CreateTask(tasks.Descriptor{
		Name: "shaderdb.CacheHit:" + name,
		Body: func(ctx tasks.Context) {},
	}, result)
	if err := db.scheduler.Execute(compileTask); err != nil {
		db.log.Errorf("shaderdb: execute(cache hit) failed: %v", err)
	}
	return &Request{db: db, Handle: h, CompileTask: compileTask, result: result}
}

// fetchRemote looks up whether a prior Publish recorded a remote content
// identifier for path, and if so fetches and locally persists it so the
// next miss on this machine is served from disk instead of round-tripping
// the remote cache again.
func (db *Db) fetchRemote(path string) ([]byte, bool) {
	key := db.cache.RemoteKey(path)
	cid, ok := db.cache.LookupRemoteCID(key)
	if !ok {
		return nil, false
	}
	data, err := db.remoteCache.Fetch(cid)
	if err != nil || len(data) == 0 {
		db.log.Warnf("remote cache fetch for %s (cid %s): %v", path, cid, err)
		return nil, false
	}
	db.cache.Store(path, data)
	return data, true
}

func (db *Db) reportError(h Handle, name, msg string) {
	if db.onError != nil {
		db.onError(h, name, msg)
	}
	db.log.Errorf("shader %s failed to compile: %s", name, msg)
}

func readErrOf(err error, res *files.ReadResult) error {
	if err != nil {
		return err
	}
	if res != nil {
		return res.Err
	}
	return fmt.Errorf("unknown read failure")
}

// Wait blocks until the compile task has finished.
func (r *Request) Wait() error {
	return r.db.scheduler.Wait(r.CompileTask)
}

// Result returns the compile outcome. The caller must have already
// waited.
func (r *Request) Result() CompilationResult {
	return *r.result
}
