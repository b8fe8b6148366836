package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

const collectionCacheFile = "collection"

// CollectionCache memoizes each file's expanded item ids keyed by a stamp
// of the file's size and mtime, together with its shared-file chain. It
// lets listing skip the interpreter for unchanged files.
type CollectionCache struct {
	dir string

	mu      sync.Mutex
	loaded  bool
	dirty   bool
	entries map[string]collectionEntry
}

type collectionEntry struct {
	Stamp string   `json:"stamp"`
	IDs   []string `json:"ids"`
}

type collectionCachePayload struct {
	Version int                        `json:"version"`
	Files   map[string]collectionEntry `json:"files"`
}

const collectionCacheVersion = 1

func NewCollectionCache(dir string) *CollectionCache {
	return &CollectionCache{dir: dir}
}

// FileStamp fingerprints a test file and the shared files that influence
// its collection. Any change to size or mtime invalidates the entry.
func FileStamp(path string, chain []string) string {
	stamp := statStamp(path)
	for _, cf := range chain {
		stamp += ";" + statStamp(cf)
	}
	return stamp
}

func statStamp(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}

// Lookup returns the cached ids for a file when its stamp still matches.
func (c *CollectionCache) Lookup(rel, stamp string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	e, ok := c.entries[rel]
	if !ok || e.Stamp != stamp {
		return nil, false
	}
	return e.IDs, true
}

// Update replaces a file's cached ids.
func (c *CollectionCache) Update(rel, stamp string, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	c.entries[rel] = collectionEntry{Stamp: stamp, IDs: ids}
	c.dirty = true
}

// Flush writes pending updates back to disk. A corrupt or missing cache
// file is simply rewritten.
func (c *CollectionCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.dir, collectionCacheFile)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(collectionCachePayload{
		Version: collectionCacheVersion,
		Files:   c.entries,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	c.dirty = false
	return nil
}

// load reads the cache file once. Version or shape mismatches degrade to
// an empty cache.
func (c *CollectionCache) load() {
	if c.loaded {
		return
	}
	c.loaded = true
	c.entries = make(map[string]collectionEntry)
	data, err := os.ReadFile(filepath.Join(c.dir, collectionCacheFile))
	if err != nil {
		return
	}
	var payload collectionCachePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if payload.Version != collectionCacheVersion || payload.Files == nil {
		return
	}
	c.entries = payload.Files
}
