package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"go.starlark.net/starlark"
)

// snapshotLocalKey carries the per-test snapshot scope on test threads.
const snapshotLocalKey = "startest.snapshots"

// SnapshotManager stores and compares serialized values. Snapshots live in
// a __snapshots__/<filebase>/ directory next to the test file, one file
// per named snapshot. A missing snapshot is written on first use; in
// update mode mismatches overwrite instead of failing.
type SnapshotManager struct {
	update bool

	mu         sync.Mutex
	updated    []string
	mismatches []SnapshotMismatch
}

// SnapshotMismatch records one failed comparison.
type SnapshotMismatch struct {
	Test string
	Name string
}

func NewSnapshotManager(update bool) *SnapshotManager {
	return &SnapshotManager{update: update}
}

// Updated returns how many snapshots were written this run.
func (m *SnapshotManager) Updated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updated)
}

// Mismatches returns the comparisons that failed this run.
func (m *SnapshotManager) Mismatches() []SnapshotMismatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SnapshotMismatch, len(m.mismatches))
	copy(out, m.mismatches)
	return out
}

// snapshotScope binds the manager to one test's identity. It rides on the
// test thread so batch members each compare against their own files.
type snapshotScope struct {
	mgr  *SnapshotManager
	file string // absolute test file path
	test string // display name within the file
}

func snapshotManagerFrom(thread *starlark.Thread) *snapshotScope {
	s, _ := thread.Local(snapshotLocalKey).(*snapshotScope)
	return s
}

// Match compares value against the named snapshot for this test.
func (s *snapshotScope) Match(name string, value starlark.Value) error {
	return s.mgr.match(s.file, s.test, name, value)
}

func (m *SnapshotManager) match(file, test, name string, value starlark.Value) error {
	serialized := SerializeValue(value)
	path := snapshotPath(file, test, name)

	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := writeSnapshot(path, serialized); err != nil {
			return fmt.Errorf("creating snapshot %q: %w", name, err)
		}
		m.noteUpdate(test, name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading snapshot %q: %w", name, err)
	}
	if string(existing) == serialized {
		return nil
	}
	if m.update {
		if err := writeSnapshot(path, serialized); err != nil {
			return fmt.Errorf("updating snapshot %q: %w", name, err)
		}
		m.noteUpdate(test, name)
		return nil
	}

	m.mu.Lock()
	m.mismatches = append(m.mismatches, SnapshotMismatch{Test: test, Name: name})
	m.mu.Unlock()
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(existing)),
		B:        difflib.SplitLines(serialized),
		FromFile: "snapshot",
		ToFile:   "actual",
		Context:  3,
	})
	return fmt.Errorf("snapshot %q does not match:\n%s", name, strings.TrimRight(diff, "\n"))
}

func (m *SnapshotManager) noteUpdate(test, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, test+"/"+name)
}

// snapshotPath places snapshots in __snapshots__/<filebase>/ beside the
// test file, one file per test and name.
func snapshotPath(file, test, name string) string {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return filepath.Join(filepath.Dir(file), "__snapshots__", base, sanitizeSnapName(test)+"__"+sanitizeSnapName(name)+".snap")
}

func sanitizeSnapName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func writeSnapshot(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// SerializeValue renders a value deterministically for snapshot storage:
// indented containers, sorted dict keys and set elements.
func SerializeValue(v starlark.Value) string {
	var b strings.Builder
	writeValue(&b, v, 0)
	return b.String()
}

func writeValue(b *strings.Builder, v starlark.Value, indent int) {
	ind := strings.Repeat("  ", indent)
	switch v := v.(type) {
	case starlark.NoneType, starlark.Bool, starlark.Int:
		b.WriteString(v.String())
	case starlark.Float:
		fmt.Fprintf(b, "%v", float64(v))
	case starlark.String:
		fmt.Fprintf(b, "%q", string(v))
	case starlark.Bytes:
		fmt.Fprintf(b, "b%q", string(v))
	case *starlark.List:
		if v.Len() == 0 {
			b.WriteString("[]")
			return
		}
		b.WriteString("[\n")
		for i := 0; i < v.Len(); i++ {
			b.WriteString(ind + "  ")
			writeValue(b, v.Index(i), indent+1)
			b.WriteString(",\n")
		}
		b.WriteString(ind + "]")
	case starlark.Tuple:
		if v.Len() == 0 {
			b.WriteString("()")
			return
		}
		if v.Len() == 1 {
			b.WriteString("(")
			writeValue(b, v.Index(0), indent)
			b.WriteString(",)")
			return
		}
		b.WriteString("(\n")
		for i := 0; i < v.Len(); i++ {
			b.WriteString(ind + "  ")
			writeValue(b, v.Index(i), indent+1)
			b.WriteString(",\n")
		}
		b.WriteString(ind + ")")
	case *starlark.Dict:
		if v.Len() == 0 {
			b.WriteString("{}")
			return
		}
		keys := v.Keys()
		sortValues(keys)
		b.WriteString("{\n")
		for _, k := range keys {
			val, _, _ := v.Get(k)
			b.WriteString(ind + "  ")
			writeValue(b, k, indent+1)
			b.WriteString(": ")
			writeValue(b, val, indent+1)
			b.WriteString(",\n")
		}
		b.WriteString(ind + "}")
	case *starlark.Set:
		if v.Len() == 0 {
			b.WriteString("set()")
			return
		}
		var items []starlark.Value
		iter := v.Iterate()
		var item starlark.Value
		for iter.Next(&item) {
			items = append(items, item)
		}
		iter.Done()
		sortValues(items)
		b.WriteString("set([\n")
		for _, it := range items {
			b.WriteString(ind + "  ")
			writeValue(b, it, indent+1)
			b.WriteString(",\n")
		}
		b.WriteString(ind + "])")
	default:
		if attrs, ok := v.(starlark.HasAttrs); ok {
			names := attrs.AttrNames()
			sort.Strings(names)
			fmt.Fprintf(b, "%s(\n", v.Type())
			for _, name := range names {
				av, err := attrs.Attr(name)
				if err != nil || av == nil {
					continue
				}
				b.WriteString(ind + "  " + name + " = ")
				writeValue(b, av, indent+1)
				b.WriteString(",\n")
			}
			b.WriteString(ind + ")")
			return
		}
		fmt.Fprintf(b, "<%s: %s>", v.Type(), v.String())
	}
}

func sortValues(values []starlark.Value) {
	sort.Slice(values, func(i, j int) bool {
		return values[i].String() < values[j].String()
	})
}
