package runner

import (
	"strings"
)

// Step is one scheduling unit: exactly one of Item or Batch is set.
type Step struct {
	Item  *TestItem
	Batch *AsyncBatch
}

// Members returns the step's items in plan order.
func (s Step) Members() []*TestItem {
	if s.Batch != nil {
		return s.Batch.Members
	}
	return []*TestItem{s.Item}
}

// AsyncBatch is a maximal run of adjacent cooperative items that share one
// event loop and execute overlapped.
type AsyncBatch struct {
	Members   []*TestItem
	LoopScope Scope
	LoopKey   string
}

// TestPlan is the ordered execution schedule for a run.
type TestPlan struct {
	Steps []Step
}

// Total counts the items across all steps.
func (p *TestPlan) Total() int {
	n := 0
	for _, s := range p.Steps {
		n += len(s.Members())
	}
	return n
}

// Items flattens the plan back to item order.
func (p *TestPlan) Items() []*TestItem {
	out := make([]*TestItem, 0, p.Total())
	for _, s := range p.Steps {
		out = append(out, s.Members()...)
	}
	return out
}

// PlanOptions control filtering, ordering, and batch formation.
type PlanOptions struct {
	// Pattern is a case-insensitive substring filter on item ids. A
	// "not " prefix inverts it.
	Pattern string

	// Markers filters on marker names, with the same "not " prefix.
	Markers string

	// Selection restricts the run to named tests per file, from
	// path::test command line arguments. An empty name list keeps every
	// test in the file.
	Selection map[string][]string

	// LastFailed keeps only items that failed in the previous run.
	// FailedFirst reorders them to the front instead. Both fall back to
	// the unfiltered plan when no usable cache record exists.
	LastFailed  bool
	FailedFirst bool

	// FailFast stops the run at the first failure and suppresses
	// batching, so the stop point is exact.
	FailFast bool
}

// BuildPlan filters and orders items, then groups adjacent cooperative
// items into async batches. previous holds the prior run's failed item
// ids, as loaded from the cache.
func BuildPlan(items []*TestItem, resolutions map[string]*Resolution, opts PlanOptions, previous map[string]string) *TestPlan {
	kept := make([]*TestItem, 0, len(items))
	for _, it := range items {
		if !selected(it, opts.Selection) {
			continue
		}
		// Broken files always surface, whatever the filters say.
		if it.CollectErr == nil {
			if !matchesPattern(it.ID, opts.Pattern) {
				continue
			}
			if !matchesMarker(it, opts.Markers) {
				continue
			}
		}
		kept = append(kept, it)
	}

	if opts.LastFailed || opts.FailedFirst {
		kept = reorderFailed(kept, previous, opts.LastFailed)
	}

	plan := &TestPlan{}
	var run []*TestItem
	var runKey scopeInstance
	flush := func() {
		if len(run) == 0 {
			return
		}
		if len(run) == 1 {
			plan.Steps = append(plan.Steps, Step{Item: run[0]})
		} else {
			plan.Steps = append(plan.Steps, Step{Batch: &AsyncBatch{
				Members:   run,
				LoopScope: run[0].LoopScope,
				LoopKey:   runKey.key,
			}})
		}
		run = nil
	}
	for _, it := range kept {
		if opts.FailFast || !batchEligible(it, resolutions[it.ID]) {
			flush()
			plan.Steps = append(plan.Steps, Step{Item: it})
			continue
		}
		key := batchKey(it)
		if len(run) > 0 && key != runKey {
			flush()
		}
		runKey = key
		run = append(run, it)
	}
	flush()
	return plan
}

// batchEligible reports whether an item may join an async batch. Items
// depending on a session or package scoped cooperative fixture run alone
// on the session loop, so batching them would entangle unrelated scopes.
func batchEligible(it *TestItem, r *Resolution) bool {
	if !it.Cooperative || it.CollectErr != nil {
		return false
	}
	if r == nil || r.Err != nil {
		return false
	}
	return !r.HasAsyncWide()
}

// batchKey groups adjacent cooperative items that can share a batch.
// Function loop scope batches within one file and suite on a fresh
// batch-local loop; wider scopes batch per shared loop instance.
func batchKey(it *TestItem) scopeInstance {
	if it.LoopScope == ScopeFunction {
		return scopeInstance{ScopeFunction, it.Path + "::" + it.Class}
	}
	return loopInstance(it)
}

// reorderFailed applies the last-failed policies. A nil previous means no
// usable record exists, so the plan stays as it was. With a record and
// only set, everything without a failure entry is dropped, even when that
// leaves nothing: a last-failed run right after a green run does no work.
func reorderFailed(items []*TestItem, previous map[string]string, only bool) []*TestItem {
	if previous == nil {
		return items
	}
	var failed, rest []*TestItem
	for _, it := range items {
		if _, ok := previous[it.ID]; ok {
			failed = append(failed, it)
		} else {
			rest = append(rest, it)
		}
	}
	if only {
		return failed
	}
	return append(failed, rest...)
}

// matchesPattern is a case-insensitive substring match with an optional
// "not " prefix inverting it. An empty pattern matches everything.
func matchesPattern(id, pattern string) bool {
	if pattern == "" {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "not "); ok {
		return !strings.Contains(strings.ToLower(id), strings.ToLower(strings.TrimSpace(rest)))
	}
	return strings.Contains(strings.ToLower(id), strings.ToLower(pattern))
}

func matchesMarker(it *TestItem, expr string) bool {
	if expr == "" {
		return true
	}
	if rest, ok := strings.CutPrefix(expr, "not "); ok {
		return !it.HasMarker(strings.TrimSpace(rest))
	}
	return it.HasMarker(expr)
}

// selected applies path::test selections from the command line. Files
// never named with :: run in full; discovery already restricted the run
// to the requested paths.
func selected(it *TestItem, selection map[string][]string) bool {
	if len(selection) == 0 {
		return true
	}
	names, ok := selection[it.Path]
	if !ok {
		return true
	}
	if len(names) == 0 || it.CollectErr != nil {
		return true
	}
	display := it.DisplayName()
	for _, n := range names {
		if n == it.Name || n == display {
			return true
		}
		if it.Class != "" && (n == it.Class || n == it.Class+"::"+it.Name) {
			return true
		}
	}
	return false
}
