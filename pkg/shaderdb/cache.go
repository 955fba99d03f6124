package shaderdb

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/kecho/coalpy-sub001/internal/obs"
)

// Cache is a content-addressed compile-result cache: a bloom.BloomFilter
// prefilters misses cheaply before the (slower) on-disk lookup, keyed on
// a blake2b hash of the source path plus its contents. This is the
// supplemented "shader compile result caching" feature SPEC_FULL.md
// adds back from the distillation — the original's ShaderDb keeps
// compiled results in memory across recompiles of unaffected shaders,
// which this cache generalizes to a persistent on-disk store.
type Cache struct {
	dir    string
	filter *bloom.BloomFilter
	log    *obs.Logger

	mu sync.RWMutex
}

// NewCache constructs a Cache persisting entries under dir, sized for
// roughly entries distinct keys at the given false-positive rate.
func NewCache(dir string, entries uint, falsePositive float64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shaderdb: creating cache dir: %w", err)
	}
	return &Cache{
		dir:    dir,
		filter: bloom.NewWithEstimates(entries, falsePositive),
		log:    obs.Default().WithComponent("shaderdb.cache"),
	}, nil
}

func keyFor(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		// Hash the path alone. Lookup and Store both derive this same
		// path-only key for an unreadable path, so such an entry is keyed
		// by path and does not track content changes.
		sum := blake2b.Sum256([]byte(path))
		return hex.EncodeToString(sum[:])
	}
	h, _ := blake2b.New256(nil)
	h.Write([]byte(path))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached bytecode for path's current contents, if
// present. The bloom filter is checked first so a near-certain miss
// never touches disk.
func (c *Cache) Lookup(path string) ([]byte, bool) {
	key := keyFor(path)

	c.mu.RLock()
	maybe := c.filter.TestString(key)
	c.mu.RUnlock()
	if !maybe {
		return nil, false
	}

	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Store persists bytecode for path's current contents, keyed on a
// blake2b digest of the path and its source bytes so an edited source
// file naturally misses the cache on its next compile.
func (c *Cache) Store(path string, bytecode []byte) {
	key := keyFor(path)

	c.mu.Lock()
	c.filter.AddString(key)
	c.mu.Unlock()

	if err := os.WriteFile(c.entryPath(key), bytecode, 0o644); err != nil {
		c.log.Warnf("shaderdb: failed to persist cache entry for %s: %v", path, err)
	}
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".bin")
}

// RemoteKey returns the content-address key Lookup/Store use for path,
// exposed so a RemoteCache miss can be correlated back to a local entry.
func (c *Cache) RemoteKey(path string) string { return keyFor(path) }

// LookupRemoteCID returns the remote content identifier most recently
// recorded for key via RecordRemoteCID, if any.
func (c *Cache) LookupRemoteCID(key string) (string, bool) {
	data, err := os.ReadFile(c.cidEntryPath(key))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// RecordRemoteCID persists the content identifier a successful
// RemoteCache.Publish returned for key, so a later Lookup miss on this
// machine can Fetch the same bytecode back instead of recompiling.
func (c *Cache) RecordRemoteCID(key, cid string) {
	if err := os.WriteFile(c.cidEntryPath(key), []byte(cid), 0o644); err != nil {
		c.log.Warnf("shaderdb: failed to record remote cache cid for key %s: %v", key, err)
	}
}

func (c *Cache) cidEntryPath(key string) string {
	return filepath.Join(c.dir, key+".cid")
}
