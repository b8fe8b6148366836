package runner

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	// DefaultCacheDirName is the cache directory created under the root.
	DefaultCacheDirName = ".startest_cache"

	lastFailedFile = "lastfailed"
)

// cachedirTag marks the directory as expendable for backup tools.
const cachedirTag = "Signature: 8a477f597d28d172789f06886806bc55\n"

// LastFailedCache persists the ids of failed and errored items between
// runs, backing the last-failed and failed-first selection modes.
type LastFailedCache struct {
	dir string
	log *zap.Logger
}

func NewLastFailedCache(dir string, log *zap.Logger) *LastFailedCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &LastFailedCache{dir: dir, log: log}
}

// Load returns the previous run's failed ids mapped to their outcomes.
// A missing or corrupt cache returns nil, which the planner treats as
// "no record: run everything". A readable cache with no failures returns
// an empty non-nil map, so a last-failed run after a green run selects
// nothing. Load never fails the run.
func (c *LastFailedCache) Load() map[string]string {
	data, err := os.ReadFile(filepath.Join(c.dir, lastFailedFile))
	if err != nil {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		c.log.Debug("ignoring unreadable last-failed cache", zap.Error(err))
		return nil
	}
	if out == nil {
		out = map[string]string{}
	}
	return out
}

// Save merges this run's outcomes into the cache: new failures are added,
// items that ran and came back clean are dropped, and items outside this
// run keep their entries so a filtered run does not forget older failures.
func (c *LastFailedCache) Save(previous map[string]string, report *RunReport) error {
	merged := make(map[string]string, len(previous))
	for id, outcome := range previous {
		merged[id] = outcome
	}
	for _, res := range report.Results {
		if res.Outcome.Bad() {
			merged[res.ID] = string(res.Outcome)
		} else {
			delete(merged, res.ID)
		}
	}

	if err := c.ensureDir(); err != nil {
		return err
	}
	path := filepath.Join(c.dir, lastFailedFile)

	// Concurrent runs sharing a cache directory serialize on the lock and
	// land their writes atomically via rename.
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *LastFailedCache) ensureDir() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	tag := filepath.Join(c.dir, "CACHEDIR.TAG")
	if !fileExists(tag) {
		_ = os.WriteFile(tag, []byte(cachedirTag), 0o644)
	}
	gitignore := filepath.Join(c.dir, ".gitignore")
	if !fileExists(gitignore) {
		_ = os.WriteFile(gitignore, []byte("*\n"), 0o644)
	}
	return nil
}
