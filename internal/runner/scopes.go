package runner

import (
	"go.starlark.net/starlark"
)

// scopeInstance identifies one live extent of a scope: the class while its
// tests run, the module while its file's tests run, and so on. An instance
// is created on first use and ends when the plan moves past its last item.
type scopeInstance struct {
	scope Scope
	key   string
}

// finalizerEntry is one registered teardown. Finalizers run LIFO when the
// owning instance ends; their errors become warnings, never outcomes.
type finalizerEntry struct {
	name        string
	fn          starlark.Callable
	cooperative bool
}

// FixtureCache holds materialized fixture values and pending finalizers,
// grouped by scope instance. Within an instance, values are keyed by
// fixture identity so same-named fixtures from different files coexist.
type FixtureCache struct {
	values     map[scopeInstance]map[string]starlark.Value
	finalizers map[scopeInstance][]finalizerEntry
}

func NewFixtureCache() *FixtureCache {
	return &FixtureCache{
		values:     make(map[scopeInstance]map[string]starlark.Value),
		finalizers: make(map[scopeInstance][]finalizerEntry),
	}
}

func (c *FixtureCache) Get(inst scopeInstance, identity string) (starlark.Value, bool) {
	v, ok := c.values[inst][identity]
	return v, ok
}

func (c *FixtureCache) Put(inst scopeInstance, identity string, v starlark.Value) {
	m := c.values[inst]
	if m == nil {
		m = make(map[string]starlark.Value)
		c.values[inst] = m
	}
	m[identity] = v
}

func (c *FixtureCache) AddFinalizer(inst scopeInstance, fe finalizerEntry) {
	c.finalizers[inst] = append(c.finalizers[inst], fe)
}

// TakeFinalizers ends an instance: it drops the cached values and returns
// the finalizers in reverse registration order.
func (c *FixtureCache) TakeFinalizers(inst scopeInstance) []finalizerEntry {
	delete(c.values, inst)
	fins := c.finalizers[inst]
	delete(c.finalizers, inst)
	for i, j := 0, len(fins)-1; i < j; i, j = i+1, j-1 {
		fins[i], fins[j] = fins[j], fins[i]
	}
	return fins
}

// endingInstances computes which scope instances end after cur given that
// next follows it in the plan, narrowest scope first. openPackages is the
// stack of package directories with live instances, outermost first; the
// returned remaining slice is the stack after the boundary.
//
// Package instances are hierarchical: moving into a subdirectory does not
// end the enclosing package, only leaving its subtree does. A nil next
// ends everything including the session.
func endingInstances(cur, next *TestItem, openPackages []string) (ending []scopeInstance, remaining []string) {
	ending = append(ending, scopeInstance{ScopeFunction, cur.ScopeKey(ScopeFunction)})

	// Classless items still have a class scope key ("path::"), so a
	// class-scoped fixture requested outside any suite ends with the file.
	if next == nil || next.ScopeKey(ScopeClass) != cur.ScopeKey(ScopeClass) {
		ending = append(ending, scopeInstance{ScopeClass, cur.ScopeKey(ScopeClass)})
	}
	if next == nil || next.ScopeKey(ScopeModule) != cur.ScopeKey(ScopeModule) {
		ending = append(ending, scopeInstance{ScopeModule, cur.ScopeKey(ScopeModule)})
	}

	remaining = openPackages
	var nextDir string
	if next != nil {
		nextDir = next.Dir()
	}
	for len(remaining) > 0 {
		top := remaining[len(remaining)-1]
		if next != nil && dirCovers(top, nextDir) {
			break
		}
		ending = append(ending, scopeInstance{ScopePackage, top})
		remaining = remaining[:len(remaining)-1]
	}

	if next == nil {
		ending = append(ending, scopeInstance{ScopeSession, sessionKey})
	}
	return ending, remaining
}

// pushPackage records a live package instance for dir, keeping the stack
// nested. Already-open directories are left alone.
func pushPackage(openPackages []string, dir string) []string {
	for _, p := range openPackages {
		if p == dir {
			return openPackages
		}
	}
	return append(openPackages, dir)
}
