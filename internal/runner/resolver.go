package runner

import (
	"fmt"
	"sort"
	"strings"
)

// resolvedFixture is one step of an item's fixture build order.
type resolvedFixture struct {
	fixture  *Fixture
	param    ParamValue
	hasParam bool
}

// Resolution is the computed build order for one item: every fixture it
// needs, dependencies before dependents. A Resolution with Err set makes
// the item error without executing.
type Resolution struct {
	Order []resolvedFixture
	Err   error
}

// HasAsyncWide reports whether the order contains a cooperative fixture at
// session or package scope, which pins the item to the session loop.
func (r *Resolution) HasAsyncWide() bool {
	for _, rf := range r.Order {
		if rf.fixture.Cooperative && (rf.fixture.Scope == ScopeSession || rf.fixture.Scope == ScopePackage) {
			return true
		}
	}
	return false
}

// ResolveError reports why an item's fixtures could not be resolved.
type ResolveError struct {
	Item string

	// Missing names an unresolvable fixture; Candidates are close matches.
	Missing    string
	Candidates []string

	// Cycle lists the names along a dependency cycle, first repeated last.
	Cycle []string

	// Wide and Narrow describe a scope violation: Wide depends on Narrow.
	Wide        string
	WideScope   Scope
	Narrow      string
	NarrowScope Scope
}

func (e *ResolveError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return fmt.Sprintf("fixture dependency cycle: %s", strings.Join(e.Cycle, " -> "))
	case e.Missing != "":
		msg := fmt.Sprintf("unknown fixture %q", e.Missing)
		if len(e.Candidates) > 0 {
			quoted := make([]string, len(e.Candidates))
			for i, c := range e.Candidates {
				quoted[i] = fmt.Sprintf("%q", c)
			}
			msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(quoted, ", "))
		}
		return msg
	default:
		return fmt.Sprintf("%s-scoped fixture %q depends on %s-scoped fixture %q",
			e.WideScope, e.Wide, e.NarrowScope, e.Narrow)
	}
}

// Resolver computes fixture build orders against a registry.
type Resolver struct {
	registry *FixtureRegistry
}

func NewResolver(registry *FixtureRegistry) *Resolver {
	return &Resolver{registry: registry}
}

// ResolveAll resolves every item, keyed by id.
func (r *Resolver) ResolveAll(items []*TestItem) map[string]*Resolution {
	out := make(map[string]*Resolution, len(items))
	for _, item := range items {
		out[item.ID] = r.Resolve(item)
	}
	return out
}

// Resolve computes the build order for one item: autouse fixtures first,
// then usefixtures names, then declared arguments not bound by direct
// parameters, each preceded depth-first by its own dependencies.
func (r *Resolver) Resolve(item *TestItem) *Resolution {
	res := &Resolution{}
	if item.CollectErr != nil {
		return res
	}
	st := &resolveState{
		item:   item,
		done:   make(map[string]bool),
		onPath: make(map[string]bool),
	}

	var roots []string
	for _, f := range r.registry.AutouseFor(item.Path, item.Dir()) {
		roots = append(roots, f.Name)
	}
	roots = append(roots, item.Use...)
	for _, arg := range item.ArgNames {
		if _, bound := item.Params[arg]; !bound {
			roots = append(roots, arg)
		}
	}

	for _, root := range roots {
		if err := r.visit(st, res, root, nil); err != nil {
			res.Err = err
			return res
		}
	}
	return res
}

type resolveState struct {
	item   *TestItem
	done   map[string]bool
	onPath map[string]bool
	path   []string
}

func (r *Resolver) visit(st *resolveState, res *Resolution, name string, parent *Fixture) error {
	if name == "request" {
		// Resolved at acquisition time from the requesting context.
		return nil
	}
	if st.onPath[name] {
		cycle := append(cycleTail(st.path, name), name)
		return &ResolveError{Item: st.item.ID, Cycle: cycle}
	}
	if st.done[name] {
		return nil
	}
	f, ok := r.registry.Lookup(name, st.item.Path, st.item.Dir())
	if !ok {
		return &ResolveError{
			Item:       st.item.ID,
			Missing:    name,
			Candidates: closeNames(name, r.registry.Names()),
		}
	}
	if parent != nil && !f.Scope.Wider(parent.Scope) {
		return &ResolveError{
			Item:        st.item.ID,
			Wide:        parent.Name,
			WideScope:   parent.Scope,
			Narrow:      f.Name,
			NarrowScope: f.Scope,
		}
	}

	st.onPath[name] = true
	st.path = append(st.path, name)
	for _, dep := range f.Deps {
		if err := r.visit(st, res, dep, f); err != nil {
			return err
		}
	}
	st.path = st.path[:len(st.path)-1]
	st.onPath[name] = false
	st.done[name] = true

	rf := resolvedFixture{fixture: f}
	if pv, ok := st.item.FixtureParams[name]; ok {
		rf.param, rf.hasParam = pv, true
	}
	res.Order = append(res.Order, rf)
	return nil
}

// cycleTail trims the visit path to start at the first occurrence of name.
func cycleTail(path []string, name string) []string {
	for i, n := range path {
		if n == name {
			out := make([]string, len(path)-i)
			copy(out, path[i:])
			return out
		}
	}
	return append([]string(nil), path...)
}

// closeNames suggests up to three registered names within edit distance 3.
func closeNames(name string, names []string) []string {
	type cand struct {
		name string
		dist int
	}
	var cands []cand
	for _, n := range names {
		if n == name {
			continue
		}
		if d := editDistance(name, n); d <= 3 {
			cands = append(cands, cand{n, d})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].name < cands[j].name
	})
	if len(cands) > 3 {
		cands = cands[:3]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}

// editDistance is the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
