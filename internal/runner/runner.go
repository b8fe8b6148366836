// Package runner implements a fixture-based test runner for Starlark
// files: discovery, collection through the interpreter, fixture
// resolution, scheduling with async batches, and execution with a
// structured event stream.
package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// Options configure a run.
type Options struct {
	// Patterns are the file globs treated as test files.
	Patterns []string

	// Pattern filters item ids: case-insensitive substring, "not " prefix
	// inverts. Markers filters marker names the same way.
	Pattern string
	Markers string

	// Selection restricts named files to specific tests, parsed from
	// path::test command line arguments.
	Selection map[string][]string

	// LoadPath lists extra directories load() searches after the loading
	// file's own directory.
	LoadPath []string

	FailFast    bool
	LastFailed  bool
	FailedFirst bool

	// Capture buffers test prints into end events. When off, prints pass
	// through to Stdout immediately.
	Capture bool

	// Ascii keeps renderer output to ASCII glyphs.
	Ascii bool

	// CacheDir overrides the cache location, by default .startest_cache
	// under the root directory.
	CacheDir string

	// Workers bounds concurrent file collection.
	Workers int

	// UpdateSnapshots rewrites mismatched snapshots instead of failing.
	UpdateSnapshots bool

	// Stdout receives passthrough prints when capture is off; Stderr
	// receives passthrough log output the same way.
	Stdout io.Writer
	Stderr io.Writer

	Logger *zap.Logger
	Sink   events.Sink
}

// DefaultOptions returns the options the command line starts from.
func DefaultOptions() Options {
	return Options{
		Patterns: DefaultTestPatterns,
		Capture:  true,
		Workers:  1,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

// Runner ties discovery, collection, planning, and execution together.
type Runner struct {
	opts Options
	log  *zap.Logger
	sink events.Sink

	mu        sync.Mutex
	lastFiles []string
	lastCol   *Collection
}

func New(opts Options) *Runner {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Null{}
	}
	return &Runner{opts: opts, log: log, sink: sink}
}

// Run executes the tests under paths and returns the report. The
// last-failed cache is consulted for selection and rewritten afterwards.
func (r *Runner) Run(paths []string) (*RunReport, error) {
	root, files, err := r.discover(paths)
	if err != nil {
		return nil, err
	}
	r.log.Debug("discovery finished",
		zap.String("root", root),
		zap.Int("files", len(files)))

	col, err := NewCollector(root, r.opts, r.sink).Collect(files)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.lastFiles = files
	r.lastCol = col
	r.mu.Unlock()

	resolutions := NewResolver(col.Registry).ResolveAll(col.Items)

	cache := NewLastFailedCache(r.cacheDir(root), r.log)
	previous := cache.Load()
	plan := BuildPlan(col.Items, resolutions, PlanOptions{
		Pattern:     r.opts.Pattern,
		Markers:     r.opts.Markers,
		Selection:   normalizeSelection(root, r.opts.Selection),
		LastFailed:  r.opts.LastFailed,
		FailedFirst: r.opts.FailedFirst,
		FailFast:    r.opts.FailFast,
	}, previous)
	r.log.Debug("plan built",
		zap.Int("items", plan.Total()),
		zap.Int("steps", len(plan.Steps)))

	report := NewExecutor(root, r.opts, resolutions, r.sink, r.log).Execute(plan)

	if err := cache.Save(previous, report); err != nil {
		r.log.Warn("last-failed cache not saved", zap.Error(err))
	}
	return report, nil
}

// List returns the ids that would run, without executing anything. For
// plain listings, unchanged files come from the collection cache; marker
// and selection filters need marker data, so they force a full collection.
func (r *Runner) List(paths []string) ([]string, error) {
	root, files, err := r.discover(paths)
	if err != nil {
		return nil, err
	}
	if r.opts.Markers != "" || len(r.opts.Selection) > 0 {
		return r.listCollected(root, files)
	}

	cache := NewCollectionCache(r.cacheDir(root))
	stamps := make(map[string]string, len(files))
	cached := make(map[string][]string)
	var stale []string
	for _, f := range files {
		rel := relOrSelf(root, f)
		stamps[rel] = FileStamp(f, ConftestChain(root, filepath.Dir(f)))
		if ids, ok := cache.Lookup(rel, stamps[rel]); ok {
			cached[rel] = ids
		} else {
			stale = append(stale, f)
		}
	}

	if len(stale) > 0 {
		col, err := NewCollector(root, r.opts, events.Null{}).Collect(stale)
		if err != nil {
			return nil, err
		}
		byFile := make(map[string][]string)
		for _, it := range col.Items {
			if it.CollectErr != nil {
				return nil, fmt.Errorf("collecting %s: %w", it.Path, it.CollectErr)
			}
			byFile[it.Path] = append(byFile[it.Path], it.ID)
		}
		for _, f := range stale {
			rel := relOrSelf(root, f)
			ids := byFile[rel]
			if ids == nil {
				ids = []string{}
			}
			cache.Update(rel, stamps[rel], ids)
			cached[rel] = ids
		}
		if err := cache.Flush(); err != nil {
			r.log.Warn("collection cache not saved", zap.Error(err))
		}
	}

	var rels []string
	for rel := range cached {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	var out []string
	for _, rel := range rels {
		for _, id := range cached[rel] {
			if matchesPattern(id, r.opts.Pattern) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (r *Runner) listCollected(root string, files []string) ([]string, error) {
	col, err := NewCollector(root, r.opts, events.Null{}).Collect(files)
	if err != nil {
		return nil, err
	}
	for _, it := range col.Items {
		if it.CollectErr != nil {
			return nil, fmt.Errorf("collecting %s: %w", it.Path, it.CollectErr)
		}
	}
	plan := BuildPlan(col.Items, nil, PlanOptions{
		Pattern:   r.opts.Pattern,
		Markers:   r.opts.Markers,
		Selection: normalizeSelection(root, r.opts.Selection),
	}, nil)
	var out []string
	for _, it := range plan.Items() {
		out = append(out, it.ID)
	}
	return out, nil
}

func (r *Runner) discover(paths []string) (string, []string, error) {
	root, err := ResolveRoot(paths)
	if err != nil {
		return "", nil, err
	}
	search := paths
	if len(search) == 0 {
		search = []string{root}
	}
	files, err := DiscoverFiles(root, search, r.opts.Patterns)
	if err != nil {
		return "", nil, err
	}
	return root, files, nil
}

func (r *Runner) cacheDir(root string) string {
	if r.opts.CacheDir != "" {
		return r.opts.CacheDir
	}
	return filepath.Join(root, DefaultCacheDirName)
}

// LastCollection returns the files and collection of the most recent Run,
// for feeding the watcher's dependency graph.
func (r *Runner) LastCollection() ([]string, *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFiles, r.lastCol
}

// normalizeSelection rewrites selection keys from command line paths to
// root-relative slash paths, the form item paths use.
func normalizeSelection(root string, sel map[string][]string) map[string][]string {
	if len(sel) == 0 {
		return nil
	}
	out := make(map[string][]string, len(sel))
	for p, names := range sel {
		key := p
		if abs, err := filepath.Abs(p); err == nil {
			key = relOrSelf(root, abs)
		}
		out[key] = append(out[key], names...)
	}
	return out
}
