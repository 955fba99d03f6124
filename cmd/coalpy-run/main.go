// Command coalpy-run is a console driver for the task scheduler: it loads
// configuration, starts a Scheduler and a pkg/files.FileSystem, and
// compiles every shader matching a glob once (it starts no directory
// watcher), printing
// a terminal-width-aware progress line as results come in.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/kecho/coalpy-sub001/internal/cfgutil"
	"github.com/kecho/coalpy-sub001/internal/obs"
	"github.com/kecho/coalpy-sub001/pkg/files"
	"github.com/kecho/coalpy-sub001/pkg/shaderdb"
	"github.com/kecho/coalpy-sub001/pkg/tasks"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		preset     = flag.String("preset", "", "Named preset (default, dev, batch) used when -config is not given")
		root       = flag.String("root", ".", "Root directory for shader sources (overrides config)")
		glob       = flag.String("glob", "*.hlsl", "Shader source glob, relative to -root")
		workers    = flag.Int("workers", 0, "Thread pool size (overrides config)")
		quiet      = flag.Bool("quiet", false, "Suppress the live progress line")
	)
	flag.Parse()

	cfg, err := loadConfig(*configFile, *preset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coalpy-run: %v\n", err)
		os.Exit(1)
	}
	if *root != "." {
		cfg.Files.RootDir = *root
	}
	if *workers > 0 {
		cfg.Scheduler.ThreadPoolSize = *workers
	}

	obs.SetDefault(obs.New(obs.Config{Level: cfg.Logging.ObsLevel(), Format: cfg.Logging.ObsFormat()}))
	log := obs.Default().WithComponent("coalpy-run")

	scheduler := tasks.NewScheduler(tasks.Config{ThreadPoolSize: cfg.Scheduler.ThreadPoolSize})
	if err := scheduler.Start(); err != nil {
		log.Errorf("starting scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		scheduler.SignalStop()
		scheduler.Join()
	}()

	fs := files.New(scheduler, cfg.Files.RootDir)

	var cache *shaderdb.Cache
	if cfg.ShaderDB.CacheDir != "" {
		cache, err = shaderdb.NewCache(cfg.ShaderDB.CacheDir, cfg.ShaderDB.BloomFilterEntries, cfg.ShaderDB.BloomFalsePositive)
		if err != nil {
			log.Warnf("shader cache disabled: %v", err)
			cache = nil
		}
	}

	var remoteCache *shaderdb.RemoteCache
	if cfg.ShaderDB.EnableRemoteCache && cache != nil {
		remoteCache, err = shaderdb.NewRemoteCache(cfg.ShaderDB.RemoteCacheAddr, cfg.ShaderDB.RemoteAPIEndpoint)
		if err != nil {
			log.Warnf("remote shader cache disabled: %v", err)
			remoteCache = nil
		}
	} else if cfg.ShaderDB.EnableRemoteCache {
		log.Warnf("remote shader cache requires a local cache dir; leaving it disabled")
	}

	db := shaderdb.New(scheduler, fs, shaderdb.Config{
		Compiler:    stubCompiler,
		Cache:       cache,
		RemoteCache: remoteCache,
		OnError: func(h shaderdb.Handle, name, errStr string) {
			log.Errorf("%s: %s", name, errStr)
		},
	})

	matches, err := filepath.Glob(filepath.Join(cfg.Files.RootDir, *glob))
	if err != nil {
		log.Errorf("globbing %s: %v", *glob, err)
		os.Exit(1)
	}
	if len(matches) == 0 {
		log.Warnf("no shader sources matched %s under %s", *glob, cfg.Files.RootDir)
		return
	}

	requests := make([]*shaderdb.Request, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(cfg.Files.RootDir, m)
		if err != nil {
			rel = m
		}
		requests = append(requests, db.CompileShader(shaderdb.Desc{
			Name: rel,
			Path: rel,
		}))
	}

	var succeeded, failed int
	for i, req := range requests {
		if err := req.Wait(); err != nil {
			log.Errorf("waiting on %s: %v", matches[i], err)
			failed++
			continue
		}
		if req.Result().Success {
			succeeded++
		} else {
			failed++
		}
		if !*quiet {
			printProgress(i+1, len(requests), succeeded, failed)
		}
	}
	if !*quiet {
		fmt.Println()
	}
	fmt.Printf("compiled %d shaders: %d succeeded, %d failed\n", len(requests), succeeded, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func loadConfig(configFile, preset string) (*cfgutil.Config, error) {
	if configFile != "" {
		return cfgutil.LoadConfig(configFile)
	}
	return cfgutil.GetPresetConfig(preset)
}

// stubCompiler is the default Compiler until a real language driver is
// wired in — per SPEC_FULL.md, the shader preprocessor/compiler invocation
// itself is an external collaborator, out of this module's scope.
func stubCompiler(source []byte, resolveInclude func(string) ([]byte, error)) (shaderdb.CompilationResult, error) {
	return shaderdb.CompilationResult{Success: true, Bytecode: source}, nil
}

// printProgress renders a single-line, terminal-width-aware progress bar,
// falling back to a plain count when stdout isn't a terminal.
func printProgress(done, total, ok, failed int) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	label := fmt.Sprintf(" %d/%d (ok=%d fail=%d)", done, total, ok, failed)
	barWidth := width - len(label) - 2
	if barWidth < 10 {
		fmt.Printf("\r%s", label)
		return
	}

	filled := barWidth * done / total
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
	fmt.Printf("\r[%s]%s", bar, label)
}
