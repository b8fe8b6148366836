package runner

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
)

// Fixture is a registered fixture definition. A fixture is a callable whose
// result is injected into tests (and other fixtures) by argument name.
type Fixture struct {
	// Name is the name tests request. It follows the global binding in the
	// defining file unless the registration overrode it.
	Name string

	// Fn computes the value. Its own parameters are resolved as fixtures,
	// except for the reserved name "request".
	Fn starlark.Callable

	Scope   Scope
	Autouse bool

	// Finalize marks a fixture whose callable returns a (value, finalizer)
	// pair. The finalizer runs when the owning scope instance ends.
	Finalize bool

	// Cooperative marks a fixture that must run on an event loop.
	Cooperative bool

	// Params multiplies every dependent item, one case per value. Nil for
	// plain fixtures.
	Params []starlark.Value

	// IDs overrides the display id of each parameter case. IDFunc, when
	// set, derives an id per value instead.
	IDs    []string
	IDFunc starlark.Callable

	// Deps are the callable's parameter names in declaration order.
	Deps []string

	// File is the defining file (relative to the root) and Dir its
	// directory. They decide visibility: a fixture is visible to items in
	// its own file, or anywhere under Dir when it came from a shared file.
	File string
	Dir  string

	// Shared marks a conftest.star origin.
	Shared bool

	// Builtin marks host-provided fixtures such as tmpdir and mock.
	Builtin bool

	Line int
}

// identity distinguishes same-named fixtures from different files in the
// value cache. paramID is empty for non-parametric fixtures.
func (f *Fixture) identity(paramID string) string {
	id := f.File + "::" + f.Name
	if paramID != "" {
		id += "[" + paramID + "]"
	}
	return id
}

// ParamID returns the display id of parameter case i.
func (f *Fixture) ParamID(thread *starlark.Thread, i int) (string, error) {
	if i < len(f.IDs) && f.IDs[i] != "" {
		return f.IDs[i], nil
	}
	if f.IDFunc != nil {
		v, err := starlark.Call(thread, f.IDFunc, starlark.Tuple{f.Params[i]}, nil)
		if err != nil {
			return "", fmt.Errorf("ids callback for fixture %q: %w", f.Name, err)
		}
		if s, ok := starlark.AsString(v); ok {
			return s, nil
		}
		return v.String(), nil
	}
	return defaultParamID(f.Params[i], i), nil
}

// FixtureRegistry indexes every fixture visible during a run. Lookup
// resolves by name from an item's location: the test file's own definitions
// shadow shared definitions, and nearer shared files shadow farther ones.
// Host builtins sit at the bottom.
type FixtureRegistry struct {
	byName map[string][]*Fixture
	names  []string
}

// NewFixtureRegistry returns a registry seeded with the host builtins.
func NewFixtureRegistry() *FixtureRegistry {
	r := &FixtureRegistry{byName: make(map[string][]*Fixture)}
	for _, f := range builtinFixtures() {
		r.Register(f)
	}
	return r
}

// Register adds a fixture definition. Later registrations of the same name
// do not replace earlier ones; visibility is decided at lookup time.
func (r *FixtureRegistry) Register(f *Fixture) {
	if _, ok := r.byName[f.Name]; !ok {
		r.names = append(r.names, f.Name)
	}
	r.byName[f.Name] = append(r.byName[f.Name], f)
}

// Lookup returns the innermost fixture named name visible from a test file.
// file and dir locate the requesting item relative to the root.
func (r *FixtureRegistry) Lookup(name, file, dir string) (*Fixture, bool) {
	var best *Fixture
	bestDepth := -1
	for _, f := range r.byName[name] {
		switch {
		case f.File == file && !f.Builtin:
			// Definitions in the requesting file always win.
			return f, true
		case f.Builtin:
			if best == nil {
				best = f
			}
		case f.Shared && dirCovers(f.Dir, dir):
			if d := dirDepth(f.Dir); d > bestDepth {
				best, bestDepth = f, d
			}
		}
	}
	return best, best != nil
}

// AutouseFor returns the autouse fixtures that apply to an item at the given
// location, outermost shared file first, then the item's own file, each
// group in definition order.
func (r *FixtureRegistry) AutouseFor(file, dir string) []*Fixture {
	var out []*Fixture
	for _, name := range r.names {
		for _, f := range r.byName[name] {
			if !f.Autouse {
				continue
			}
			if f.File == file || (f.Shared && dirCovers(f.Dir, dir)) {
				out = append(out, f)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Shared != b.Shared {
			return a.Shared
		}
		if da, db := dirDepth(a.Dir), dirDepth(b.Dir); da != db {
			return da < db
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
	return out
}

// Names returns every registered fixture name, sorted.
func (r *FixtureRegistry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	sort.Strings(out)
	return out
}

// dirCovers reports whether an item in dir can see a shared fixture defined
// in owner. Both are root-relative; "" is the root itself.
func dirCovers(owner, dir string) bool {
	if owner == "" {
		return true
	}
	return dir == owner || strings.HasPrefix(dir, owner+"/")
}

func dirDepth(dir string) int {
	if dir == "" {
		return 0
	}
	return strings.Count(dir, "/") + 1
}
