package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches test files and everything they load, mapping filesystem
// changes back to the test files that need a re-run.
type Watcher struct {
	mu sync.RWMutex

	fs   *fsnotify.Watcher
	root string
	log  *zap.Logger

	// patterns decide whether a newly created file counts as a test file.
	patterns []string

	// tests is the set of watched test files, absolute paths.
	tests map[string]bool

	// reverse maps a file to the files that load it. If helper.star is
	// loaded by test_foo.star, reverse["helper.star"] holds "test_foo.star".
	reverse map[string]map[string]bool

	// conftests maps each watched conftest to its directory; a change
	// there affects every test file under that directory.
	conftests map[string]string

	// dirs is the set of directories with active fsnotify watches.
	// Directories rather than files, so editors that replace a file on
	// save keep triggering events.
	dirs map[string]bool

	// Events receives change notifications with the affected test files.
	Events chan WatchEvent

	// Errors receives watcher errors.
	Errors chan error

	done chan struct{}
}

// WatchEvent is a file change mapped to the test files it affects.
type WatchEvent struct {
	// File is the file that changed.
	File string

	// Op is the filesystem operation.
	Op fsnotify.Op

	// Affected lists the test files needing a re-run. A newly created
	// test file lists itself.
	Affected []string
}

// NewWatcher creates a watcher rooted at root. No watches are installed
// until Track is called with a collection.
func NewWatcher(root string, patterns []string, log *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{
		fs:        fs,
		root:      root,
		log:       log,
		patterns:  patterns,
		tests:     make(map[string]bool),
		reverse:   make(map[string]map[string]bool),
		conftests: make(map[string]string),
		dirs:      make(map[string]bool),
		Events:    make(chan WatchEvent, 100),
		Errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Track replaces the watched graph with the one from a fresh collection:
// the test files, every file reachable through load(), and the conftest
// chain above each directory. Call it again after every re-collection so
// the graph follows edits.
func (w *Watcher) Track(files []string, col *Collection) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tests = make(map[string]bool)
	w.reverse = make(map[string]map[string]bool)
	w.conftests = make(map[string]string)

	want := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", f, err)
		}
		w.tests[abs] = true
		want[filepath.Dir(abs)] = true
		for _, cf := range ConftestChain(w.root, filepath.Dir(abs)) {
			w.conftests[cf] = filepath.Dir(cf)
			want[filepath.Dir(cf)] = true
		}
	}
	if col != nil {
		for from, tos := range col.Deps {
			for _, to := range tos {
				if w.reverse[to] == nil {
					w.reverse[to] = make(map[string]bool)
				}
				w.reverse[to][from] = true
				want[filepath.Dir(to)] = true
			}
		}
	}

	for dir := range w.dirs {
		if !want[dir] {
			_ = w.fs.Remove(dir)
			delete(w.dirs, dir)
		}
	}
	for dir := range want {
		if w.dirs[dir] {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			w.log.Debug("watch add failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.dirs[dir] = true
	}
	return nil
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

// run processes filesystem events.
func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.Errors <- err
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	affected := w.AffectedTests(abs)
	if len(affected) == 0 && event.Op&fsnotify.Create != 0 && w.isNewTestFile(abs) {
		affected = []string{abs}
	}
	if len(affected) == 0 {
		return
	}
	select {
	case w.Events <- WatchEvent{File: abs, Op: event.Op, Affected: affected}:
	case <-w.done:
	}
}

// AffectedTests returns the test files invalidated by a change to file:
// the file itself when it is a test file, every test file reachable
// backwards through the load graph, and for a conftest every test file
// under its directory.
func (w *Watcher) AffectedTests(file string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	if w.tests[file] {
		add(file)
	}

	queue := []string{file}
	visited := map[string]bool{file: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for loader := range w.reverse[cur] {
			if visited[loader] {
				continue
			}
			visited[loader] = true
			if w.tests[loader] {
				add(loader)
			}
			queue = append(queue, loader)
		}
	}

	if dir, ok := w.conftests[file]; ok {
		for t := range w.tests {
			if underDir(dir, t) {
				add(t)
			}
		}
	}

	sort.Strings(out)
	return out
}

func (w *Watcher) isNewTestFile(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.tests[path] {
		return false
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		return false
	}
	base := filepath.Base(path)
	return matchesAny(base, w.patterns) || base == ConftestName
}

// WatchedFiles returns the tracked test files, sorted.
func (w *Watcher) WatchedFiles() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	files := make([]string, 0, len(w.tests))
	for f := range w.tests {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// underDir reports whether path sits at or below dir, absolute paths.
func underDir(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}
