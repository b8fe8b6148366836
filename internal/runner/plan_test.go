package runner

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// planTree collects the tree, resolves every item, and builds a plan.
func planTree(t *testing.T, files map[string]string, opts PlanOptions, previous map[string]string) *TestPlan {
	t.Helper()
	col, _ := collectTree(t, files)
	resolutions := NewResolver(col.Registry).ResolveAll(col.Items)
	return BuildPlan(col.Items, resolutions, opts, previous)
}

// stepShape renders a plan as one string per step: a bare id for a
// sequential item, or "batch(id id ...)" for an async batch.
func stepShape(p *TestPlan) []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		if s.Batch == nil {
			out[i] = s.Item.ID
			continue
		}
		shape := "batch("
		for j, m := range s.Batch.Members {
			if j > 0 {
				shape += " "
			}
			shape += m.ID
		}
		out[i] = shape + ")"
	}
	return out
}

func planIDs(p *TestPlan) []string {
	items := p.Items()
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func TestPlanBatchesAdjacentCooperative(t *testing.T) {
	plan := planTree(t, map[string]string{
		"test_s.star": `
def _t():
    sleep(0)

test_a = cooperative(_t)
test_b = cooperative(_t)

def test_c():
    assert.true(True)

test_d = cooperative(_t)
test_e = cooperative(_t)
`,
	}, PlanOptions{}, nil)
	want := []string{
		"batch(test_s.star::test_a test_s.star::test_b)",
		"test_s.star::test_c",
		"batch(test_s.star::test_d test_s.star::test_e)",
	}
	if diff := cmp.Diff(want, stepShape(plan)); diff != "" {
		t.Errorf("plan shape (-want +got):\n%s", diff)
	}
}

func TestPlanSingletonBatchRunsSequentially(t *testing.T) {
	plan := planTree(t, map[string]string{
		"test_one.star": `
def _t():
    sleep(0)

test_a = cooperative(_t)

def test_b():
    assert.true(True)
`,
	}, PlanOptions{}, nil)
	want := []string{"test_one.star::test_a", "test_one.star::test_b"}
	if diff := cmp.Diff(want, stepShape(plan)); diff != "" {
		t.Errorf("plan shape (-want +got):\n%s", diff)
	}
}

func TestPlanFunctionLoopScopeSplitsAcrossFiles(t *testing.T) {
	plan := planTree(t, map[string]string{
		"test_a.star": `
def _t():
    sleep(0)

test_1 = cooperative(_t)
test_2 = cooperative(_t)
`,
		"test_b.star": `
def _t():
    sleep(0)

test_3 = cooperative(_t)
test_4 = cooperative(_t)
`,
	}, PlanOptions{}, nil)
	want := []string{
		"batch(test_a.star::test_1 test_a.star::test_2)",
		"batch(test_b.star::test_3 test_b.star::test_4)",
	}
	if diff := cmp.Diff(want, stepShape(plan)); diff != "" {
		t.Errorf("plan shape (-want +got):\n%s", diff)
	}
}

func TestPlanSessionLoopScopeSpansFiles(t *testing.T) {
	plan := planTree(t, map[string]string{
		"test_a.star": `
def _t():
    sleep(0)

test_1 = cooperative(loop_scope="session")(_t)
`,
		"test_b.star": `
def _t():
    sleep(0)

test_2 = cooperative(loop_scope="session")(_t)
`,
	}, PlanOptions{}, nil)
	want := []string{"batch(test_a.star::test_1 test_b.star::test_2)"}
	if diff := cmp.Diff(want, stepShape(plan)); diff != "" {
		t.Errorf("plan shape (-want +got):\n%s", diff)
	}
}

func TestPlanFailFastSuppressesBatching(t *testing.T) {
	plan := planTree(t, map[string]string{
		"test_s.star": `
def _t():
    sleep(0)

test_a = cooperative(_t)
test_b = cooperative(_t)
`,
	}, PlanOptions{FailFast: true}, nil)
	want := []string{"test_s.star::test_a", "test_s.star::test_b"}
	if diff := cmp.Diff(want, stepShape(plan)); diff != "" {
		t.Errorf("plan shape (-want +got):\n%s", diff)
	}
}

func TestPlanWideAsyncFixtureDisqualifies(t *testing.T) {
	plan := planTree(t, map[string]string{
		"test_s.star": `
def _server():
    sleep(0)
    return "srv"

server = fixture(_server, scope="session", cooperative=True)

def _q(server):
    sleep(0)

test_a = cooperative(_q)
test_b = cooperative(_q)
`,
	}, PlanOptions{}, nil)
	// Both items depend on a session-scoped cooperative fixture, so they
	// stay sequential on the session loop.
	want := []string{"test_s.star::test_a", "test_s.star::test_b"}
	if diff := cmp.Diff(want, stepShape(plan)); diff != "" {
		t.Errorf("plan shape (-want +got):\n%s", diff)
	}
}

func TestPlanLastFailedKeepsOnlyFailures(t *testing.T) {
	files := map[string]string{
		"test_a.star": "def test_1():\n    pass\n\ndef test_2():\n    pass\n",
	}
	plan := planTree(t, files, PlanOptions{LastFailed: true},
		map[string]string{"test_a.star::test_2": "failed"})
	if diff := cmp.Diff([]string{"test_a.star::test_2"}, planIDs(plan)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}
}

func TestPlanLastFailedAfterGreenRunIsEmpty(t *testing.T) {
	files := map[string]string{
		"test_a.star": "def test_1():\n    pass\n",
	}
	// A readable cache with no failures selects nothing.
	plan := planTree(t, files, PlanOptions{LastFailed: true}, map[string]string{})
	if got := plan.Total(); got != 0 {
		t.Errorf("plan total = %d, want 0", got)
	}
}

func TestPlanLastFailedWithoutRecordRunsAll(t *testing.T) {
	files := map[string]string{
		"test_a.star": "def test_1():\n    pass\n\ndef test_2():\n    pass\n",
	}
	// nil previous means the cache was missing or unreadable.
	plan := planTree(t, files, PlanOptions{LastFailed: true}, nil)
	want := []string{"test_a.star::test_1", "test_a.star::test_2"}
	if diff := cmp.Diff(want, planIDs(plan)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}
}

func TestPlanFailedFirstReorders(t *testing.T) {
	files := map[string]string{
		"test_a.star": "def test_1():\n    pass\n\ndef test_2():\n    pass\n\ndef test_3():\n    pass\n",
	}
	plan := planTree(t, files, PlanOptions{FailedFirst: true},
		map[string]string{"test_a.star::test_3": "errored"})
	want := []string{
		"test_a.star::test_3",
		"test_a.star::test_1",
		"test_a.star::test_2",
	}
	if diff := cmp.Diff(want, planIDs(plan)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}
}

func TestPlanPatternFilter(t *testing.T) {
	files := map[string]string{
		"test_a.star": "def test_add():\n    pass\n\ndef test_mul():\n    pass\n",
	}
	plan := planTree(t, files, PlanOptions{Pattern: "add"}, nil)
	if diff := cmp.Diff([]string{"test_a.star::test_add"}, planIDs(plan)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}

	plan = planTree(t, files, PlanOptions{Pattern: "not add"}, nil)
	if diff := cmp.Diff([]string{"test_a.star::test_mul"}, planIDs(plan)); diff != "" {
		t.Errorf("inverted plan (-want +got):\n%s", diff)
	}
}

func TestPlanMarkerFilter(t *testing.T) {
	files := map[string]string{
		"test_a.star": `
def test_fast():
    pass

def _slow():
    pass

test_slow = mark("slow")(_slow)
`,
	}
	plan := planTree(t, files, PlanOptions{Markers: "slow"}, nil)
	if diff := cmp.Diff([]string{"test_a.star::test_slow"}, planIDs(plan)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}

	plan = planTree(t, files, PlanOptions{Markers: "not slow"}, nil)
	if diff := cmp.Diff([]string{"test_a.star::test_fast"}, planIDs(plan)); diff != "" {
		t.Errorf("inverted plan (-want +got):\n%s", diff)
	}
}

func TestPlanSelectionByName(t *testing.T) {
	files := map[string]string{
		"test_a.star": "def test_1():\n    pass\n\ndef test_2():\n    pass\n",
		"test_b.star": "def test_3():\n    pass\n",
	}
	plan := planTree(t, files, PlanOptions{
		Selection: map[string][]string{"test_a.star": {"test_2"}},
	}, nil)
	// Files never named in the selection still run in full.
	want := []string{"test_a.star::test_2", "test_b.star::test_3"}
	if diff := cmp.Diff(want, planIDs(plan)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}
}

func TestPlanBrokenFileSurvivesFilters(t *testing.T) {
	files := map[string]string{
		"test_a.star":   "def test_add():\n    pass\n",
		"test_bad.star": "def broken(\n",
	}
	plan := planTree(t, files, PlanOptions{Pattern: "add"}, nil)
	want := []string{"test_a.star::test_add", "test_bad.star"}
	if diff := cmp.Diff(want, planIDs(plan)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}
}
