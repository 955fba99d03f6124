// Package cfgutil provides configuration loading for the coalpy toolkit:
// presets, JSON file loading, environment variable overrides, and
// validation, grounded on noisefs's pkg/common/config.
package cfgutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kecho/coalpy-sub001/internal/obs"
)

// Config is the complete runtime configuration for a coalpy process: the
// task scheduler's pool size, the file watcher's debounce behavior, the
// shader cache's storage backend, and the dashboard server.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Files     FilesConfig     `json:"files"`
	ShaderDB  ShaderDBConfig  `json:"shader_db"`
	Logging   LoggingConfig   `json:"logging"`
	Dashboard DashboardConfig `json:"dashboard"`
}

// SchedulerConfig configures the tasks.Scheduler.
type SchedulerConfig struct {
	ThreadPoolSize int `json:"thread_pool_size"`
}

// FilesConfig configures pkg/files's async file system and directory
// watcher.
type FilesConfig struct {
	RootDir          string `json:"root_dir"`
	WatchDebounceMS  int    `json:"watch_debounce_ms"`
	MaxOpenHandles   int    `json:"max_open_handles"`
	EnableDirWatcher bool   `json:"enable_dir_watcher"`
}

// ShaderDBConfig configures pkg/shaderdb's content-addressed compile cache.
type ShaderDBConfig struct {
	CacheDir           string  `json:"cache_dir"`
	BloomFilterEntries uint    `json:"bloom_filter_entries"`
	BloomFalsePositive float64 `json:"bloom_false_positive_rate"`
	EnableRemoteCache  bool    `json:"enable_remote_cache"`
	RemoteAPIEndpoint  string  `json:"remote_api_endpoint"`
	// RemoteCacheAddr is the optional /p2p/<peerID> multiaddr identifying
	// the remote cache peer bytecode is attributed to; empty disables peer
	// attribution without disabling the remote cache itself.
	RemoteCacheAddr string `json:"remote_cache_addr"`
}

// LoggingConfig configures internal/obs.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DashboardConfig configures cmd/coalpy-dashboard's introspection server.
type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// DefaultConfig returns the balanced, general-purpose configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{ThreadPoolSize: 8},
		Files: FilesConfig{
			RootDir:          ".",
			WatchDebounceMS:  50,
			MaxOpenHandles:   256,
			EnableDirWatcher: true,
		},
		ShaderDB: ShaderDBConfig{
			CacheDir:           filepath.Join(defaultCacheRoot(), "coalpy", "shadercache"),
			BloomFilterEntries: 100_000,
			BloomFalsePositive: 0.01,
			EnableRemoteCache:  false,
			RemoteAPIEndpoint:  "127.0.0.1:5001",
			RemoteCacheAddr:    "",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Dashboard: DashboardConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8089,
		},
	}
}

// DevConfig returns a preset tuned for local iteration: a small pool, a
// shorter watch debounce for snappier rebuilds, and the dashboard on by
// default.
func DevConfig() *Config {
	c := DefaultConfig()
	c.Scheduler.ThreadPoolSize = 2
	c.Files.WatchDebounceMS = 10
	c.Logging.Level = "debug"
	c.Dashboard.Enabled = true
	return c
}

// BatchConfig returns a preset tuned for unattended batch compilation
// runs: a large pool, no file watcher, and the dashboard off.
func BatchConfig() *Config {
	c := DefaultConfig()
	c.Scheduler.ThreadPoolSize = 16
	c.Files.EnableDirWatcher = false
	c.Logging.Level = "warn"
	c.Dashboard.Enabled = false
	return c
}

// GetPresetConfig resolves a preset by name.
func GetPresetConfig(preset string) (*Config, error) {
	switch preset {
	case "default", "":
		return DefaultConfig(), nil
	case "dev":
		return DevConfig(), nil
	case "batch":
		return BatchConfig(), nil
	default:
		return nil, fmt.Errorf("cfgutil: unknown preset %q (available: default, dev, batch)", preset)
	}
}

// LoadConfig loads a configuration starting from DefaultConfig, optionally
// merging a JSON file (missing files are ignored), then applying
// COALPY_*-prefixed environment variable overrides, then validating the
// result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.mergeFromFile(path); err != nil {
			return nil, fmt.Errorf("cfgutil: loading %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cfgutil: invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvOverrides mirrors noisefs's NOISEFS_-prefixed scheme with a
// COALPY_ prefix. Invalid integer values are logged and ignored rather
// than aborting startup. Boolean variables are true only for a
// case-insensitive "true"; any other non-empty value sets them false.
func (c *Config) applyEnvOverrides() {
	log := obs.Default().WithComponent("cfgutil")

	if v := os.Getenv("COALPY_THREAD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.ThreadPoolSize = n
		} else {
			log.Warnf("ignoring invalid COALPY_THREAD_POOL_SIZE=%q: %v", v, err)
		}
	}
	if v := os.Getenv("COALPY_ROOT_DIR"); v != "" {
		c.Files.RootDir = v
	}
	if v := os.Getenv("COALPY_WATCH_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Files.WatchDebounceMS = n
		} else {
			log.Warnf("ignoring invalid COALPY_WATCH_DEBOUNCE_MS=%q: %v", v, err)
		}
	}
	if v := os.Getenv("COALPY_ENABLE_DIR_WATCHER"); v != "" {
		c.Files.EnableDirWatcher = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("COALPY_SHADER_CACHE_DIR"); v != "" {
		c.ShaderDB.CacheDir = v
	}
	if v := os.Getenv("COALPY_ENABLE_REMOTE_CACHE"); v != "" {
		c.ShaderDB.EnableRemoteCache = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("COALPY_REMOTE_API_ENDPOINT"); v != "" {
		c.ShaderDB.RemoteAPIEndpoint = v
	}
	if v := os.Getenv("COALPY_REMOTE_CACHE_ADDR"); v != "" {
		c.ShaderDB.RemoteCacheAddr = v
	}
	if v := os.Getenv("COALPY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("COALPY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("COALPY_DASHBOARD_ENABLED"); v != "" {
		c.Dashboard.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("COALPY_DASHBOARD_HOST"); v != "" {
		c.Dashboard.Host = v
	}
	if v := os.Getenv("COALPY_DASHBOARD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dashboard.Port = n
		} else {
			log.Warnf("ignoring invalid COALPY_DASHBOARD_PORT=%q: %v", v, err)
		}
	}
}

// Validate checks invariants the rest of the module assumes hold,
// returning an error with a corrective suggestion rather than merely
// stating what is wrong.
func (c *Config) Validate() error {
	if c.Scheduler.ThreadPoolSize <= 0 {
		return fmt.Errorf("scheduler.thread_pool_size must be positive (got %d); try 8 for a workstation or the number of CPU cores", c.Scheduler.ThreadPoolSize)
	}
	if c.Scheduler.ThreadPoolSize > 256 {
		return fmt.Errorf("scheduler.thread_pool_size is implausibly large (got %d); most workloads top out well under 256", c.Scheduler.ThreadPoolSize)
	}
	if c.Files.WatchDebounceMS < 0 {
		return fmt.Errorf("files.watch_debounce_ms must not be negative (got %d)", c.Files.WatchDebounceMS)
	}
	if c.Files.MaxOpenHandles <= 0 {
		return fmt.Errorf("files.max_open_handles must be positive (got %d); try 256", c.Files.MaxOpenHandles)
	}
	if c.ShaderDB.BloomFalsePositive <= 0 || c.ShaderDB.BloomFalsePositive >= 1 {
		return fmt.Errorf("shader_db.bloom_false_positive_rate must be in (0, 1) (got %v); try 0.01", c.ShaderDB.BloomFalsePositive)
	}
	if c.ShaderDB.BloomFilterEntries == 0 {
		return fmt.Errorf("shader_db.bloom_filter_entries must be positive; try 100000")
	}
	if c.ShaderDB.EnableRemoteCache && c.ShaderDB.RemoteAPIEndpoint == "" {
		return fmt.Errorf("shader_db.remote_api_endpoint must be set when shader_db.enable_remote_cache is true")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	if c.Dashboard.Enabled {
		if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
			return fmt.Errorf("dashboard.port must be between 1 and 65535 (got %d)", c.Dashboard.Port)
		}
		if c.Dashboard.Host == "" {
			return fmt.Errorf("dashboard.host must not be empty when dashboard.enabled is true")
		}
	}
	return nil
}

// SaveToFile writes c as indented JSON, creating parent directories as
// needed.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cfgutil: creating %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("cfgutil: marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ObsLevel and ObsFormat translate the JSON-facing strings in
// LoggingConfig into obs package types.
func (l LoggingConfig) ObsLevel() obs.Level {
	switch l.Level {
	case "debug":
		return obs.Debug
	case "warn":
		return obs.Warn
	case "error":
		return obs.Error
	default:
		return obs.Info
	}
}

func (l LoggingConfig) ObsFormat() obs.Format {
	if l.Format == "json" {
		return obs.JSONFormat
	}
	return obs.TextFormat
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}
