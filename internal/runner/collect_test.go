package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// writeTree writes files under a fresh temp directory. Keys are
// slash-relative paths.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, src := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// collectTree writes the tree, discovers its test files, and collects them.
func collectTree(t *testing.T, files map[string]string) (*Collection, string) {
	t.Helper()
	root := writeTree(t, files)
	found, err := DiscoverFiles(root, []string{root}, nil)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	col, err := NewCollector(root, DefaultOptions(), events.Null{}).Collect(found)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return col, root
}

func itemIDs(col *Collection) []string {
	ids := make([]string, len(col.Items))
	for i, it := range col.Items {
		ids[i] = it.ID
	}
	return ids
}

func TestCollectDefinitionOrder(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_math.star": `
def test_beta():
    assert.eq(1 + 1, 2)

def test_alpha():
    assert.eq(2 + 2, 4)
`,
	})
	// Items follow definition order, not name order.
	want := []string{
		"test_math.star::test_beta",
		"test_math.star::test_alpha",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
}

func TestCollectParametrize(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_sq.star": `
def _sq(x, want):
    assert.eq(x * x, want)

test_square = parametrize("x,want", [(2, 4), (3, 9)])(_sq)
`,
	})
	want := []string{
		"test_sq.star::test_square[2-4]",
		"test_sq.star::test_square[3-9]",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
	it := col.Items[0]
	if got := it.Params["x"].Value.String(); got != "2" {
		t.Errorf("Params[x] = %s, want 2", got)
	}
	if got := it.Params["want"].Value.String(); got != "4" {
		t.Errorf("Params[want] = %s, want 4", got)
	}
	if diff := cmp.Diff([]string{"x", "want"}, it.ArgNames); diff != "" {
		t.Errorf("ArgNames (-want +got):\n%s", diff)
	}
}

func TestCollectStackedParametrize(t *testing.T) {
	// The first-applied marker varies slowest and contributes the left id
	// segment, so stacking reads like pytest's stacked decorators.
	col, _ := collectTree(t, map[string]string{
		"test_combo.star": `
def _combo(a, b):
    assert.true(a < b)

test_combo = parametrize("b", [10, 20])(parametrize("a", [1, 2])(_combo))
`,
	})
	want := []string{
		"test_combo.star::test_combo[1-10]",
		"test_combo.star::test_combo[1-20]",
		"test_combo.star::test_combo[2-10]",
		"test_combo.star::test_combo[2-20]",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
}

func TestCollectParametrizeExplicitIDs(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_ids.star": `
def _fmt(v):
    assert.true(len(v) >= 0)

test_fmt = parametrize("v", ["a b", "c d"], ids=["first", "second"])(_fmt)
`,
	})
	want := []string{
		"test_ids.star::test_fmt[first]",
		"test_ids.star::test_fmt[second]",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
}

func TestCollectParametrizeRowMismatch(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_bad.star": `
def _add(a, b, want):
    assert.eq(a + b, want)

test_add = parametrize("a,b,want", [(1, 2)])(_add)
`,
	})
	if len(col.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(col.Items))
	}
	it := col.Items[0]
	if it.CollectErr == nil {
		t.Fatal("CollectErr = nil, want row arity error")
	}
	if !strings.Contains(it.CollectErr.Error(), "row 0 has 2 values, want 3") {
		t.Errorf("CollectErr = %q, want row arity message", it.CollectErr)
	}
}

func TestCollectSuite(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_suite.star": `
def _two():
    assert.eq(1 + 1, 2)

def _four():
    assert.eq(2 + 2, 4)

TestArith = struct(test_two = _two, test_four = _four)
`,
	})
	// Members keep definition order even though attribute names sort
	// differently.
	want := []string{
		"test_suite.star::TestArith::test_two",
		"test_suite.star::TestArith::test_four",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
	for _, it := range col.Items {
		if it.Class != "TestArith" {
			t.Errorf("item %s: Class = %q, want TestArith", it.ID, it.Class)
		}
	}
}

func TestCollectSuiteMarks(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_marked.star": `
def _one():
    assert.true(True)

TestTagged = mark("slow")(struct(test_one = mark("db")(_one)))
`,
	})
	if len(col.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(col.Items))
	}
	// Suite marks come before the member's own.
	if diff := cmp.Diff([]string{"slow", "db"}, col.Items[0].Markers); diff != "" {
		t.Errorf("markers (-want +got):\n%s", diff)
	}
}

func TestCollectSkipAndXFailMarks(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_marks.star": `
def _a():
    assert.true(True)

def _b():
    fail("boom")

test_skipped = skip("not ready")(_a)
test_expected = xfail("known bug", match="boom")(_b)
`,
	})
	byName := make(map[string]*TestItem)
	for _, it := range col.Items {
		byName[it.Name] = it
	}
	sk := byName["test_skipped"]
	if sk == nil || !sk.Skip || sk.SkipReason != "not ready" {
		t.Errorf("test_skipped = %+v, want Skip with reason", sk)
	}
	xf := byName["test_expected"]
	if xf == nil || !xf.XFail || xf.XFailReason != "known bug" || xf.XFailMatch != "boom" {
		t.Errorf("test_expected = %+v, want XFail with reason and match", xf)
	}
}

func TestCollectFixtureRegistration(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_db.star": `
def _make_db():
    return "db"

db = fixture(_make_db)
named = fixture(_make_db, name="database", scope="module")

def test_uses(db):
    assert.eq(db, "db")
`,
	})
	reg := col.Registry
	f, ok := reg.Lookup("db", "test_db.star", "")
	if !ok {
		t.Fatal("fixture db not registered under its binding name")
	}
	if f.Scope != ScopeFunction {
		t.Errorf("db scope = %s, want function", f.Scope)
	}
	f, ok = reg.Lookup("database", "test_db.star", "")
	if !ok {
		t.Fatal("fixture with name= not registered under that name")
	}
	if f.Scope != ScopeModule {
		t.Errorf("database scope = %s, want module", f.Scope)
	}
	if _, ok := reg.Lookup("named", "test_db.star", ""); ok {
		t.Error("binding name should not register when name= overrides it")
	}
}

func TestCollectConftestFixtureVisible(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"conftest.star": `
def _shared():
    return 42

answer = fixture(_shared)
`,
		"sub/test_a.star": `
def test_answer(answer):
    assert.eq(answer, 42)
`,
	})
	f, ok := col.Registry.Lookup("answer", "sub/test_a.star", "sub")
	if !ok {
		t.Fatal("shared fixture not visible from subdirectory")
	}
	if !f.Shared {
		t.Error("conftest fixture not marked shared")
	}
	if diff := cmp.Diff([]string{"sub/test_a.star::test_answer"}, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
}

func TestCollectNearestConftestWins(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"conftest.star": `
def _outer():
    return "outer"

who = fixture(_outer)
`,
		"sub/conftest.star": `
def _inner():
    return "inner"

who = fixture(_inner)
`,
		"sub/test_b.star": `
def test_who(who):
    assert.eq(who, "inner")
`,
	})
	f, ok := col.Registry.Lookup("who", "sub/test_b.star", "sub")
	if !ok {
		t.Fatal("fixture who not found")
	}
	if f.File != "sub/conftest.star" {
		t.Errorf("Lookup picked %s, want sub/conftest.star", f.File)
	}
	// From the root directory only the outer one applies.
	f, ok = col.Registry.Lookup("who", "test_other.star", "")
	if !ok {
		t.Fatal("fixture who not found from root")
	}
	if f.File != "conftest.star" {
		t.Errorf("Lookup from root picked %s, want conftest.star", f.File)
	}
}

func TestCollectParametricFixture(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_codec.star": `
def _codec(request):
    return request.param

codec = fixture(_codec, params=["json", "text"])

def test_roundtrip(codec):
    assert.contains(["json", "text"], codec)
`,
	})
	want := []string{
		"test_codec.star::test_roundtrip[json]",
		"test_codec.star::test_roundtrip[text]",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
	it := col.Items[0]
	pv, ok := it.FixtureParams["codec"]
	if !ok {
		t.Fatal("FixtureParams missing codec")
	}
	if pv.ID != "json" {
		t.Errorf("FixtureParams[codec].ID = %q, want json", pv.ID)
	}
}

func TestCollectBrokenFile(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_broken.star": `
def test_ok(:
`,
		"test_fine.star": `
def test_ok():
    assert.true(True)
`,
	})
	if len(col.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(col.Items))
	}
	broken := col.Items[0]
	if broken.ID != "test_broken.star" {
		t.Errorf("synthetic item id = %q, want the file path", broken.ID)
	}
	if broken.CollectErr == nil {
		t.Error("synthetic item has no CollectErr")
	}
	if col.Items[1].CollectErr != nil {
		t.Errorf("healthy file carried CollectErr: %v", col.Items[1].CollectErr)
	}
}

func TestCollectBrokenConftestFailsFile(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"conftest.star": `
def _bad(:
`,
		"test_c.star": `
def test_ok():
    assert.true(True)
`,
	})
	if len(col.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(col.Items))
	}
	it := col.Items[0]
	if it.CollectErr == nil {
		t.Fatal("file under a broken shared file should carry CollectErr")
	}
	if !strings.Contains(it.CollectErr.Error(), "shared file conftest.star") {
		t.Errorf("CollectErr = %q, want shared file context", it.CollectErr)
	}
}

func TestCollectLoadDeps(t *testing.T) {
	files := map[string]string{
		"helpers.star": `
def double(x):
    return 2 * x
`,
		"test_load.star": `
load("helpers.star", "double")

def test_double():
    assert.eq(double(3), 6)
`,
	}
	col, root := collectTree(t, files)
	if diff := cmp.Diff([]string{"test_load.star::test_double"}, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
	from := filepath.Join(root, "test_load.star")
	deps := col.Deps[from]
	if len(deps) != 1 || deps[0] != filepath.Join(root, "helpers.star") {
		t.Errorf("Deps[%s] = %v, want the loaded helper", from, deps)
	}
}

func TestCollectLoadRootRelative(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"lib/util.star": `
def triple(x):
    return 3 * x
`,
		"sub/test_util.star": `
load("//lib/util.star", "triple")

def test_triple():
    assert.eq(triple(2), 6)
`,
	})
	if diff := cmp.Diff([]string{"sub/test_util.star::test_triple"}, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
}

func TestCollectLoadPathFallback(t *testing.T) {
	root := writeTree(t, map[string]string{
		"test_ext.star": `
load("vendored.star", "answer")

def test_answer():
    assert.eq(answer(), 7)
`,
	})
	extra := writeTree(t, map[string]string{
		"vendored.star": `
def answer():
    return 7
`,
	})
	found, err := DiscoverFiles(root, []string{root}, nil)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	opts := DefaultOptions()
	opts.LoadPath = []string{extra}
	col, err := NewCollector(root, opts, events.Null{}).Collect(found)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(col.Items) != 1 || col.Items[0].CollectErr != nil {
		t.Fatalf("load path fallback failed: %+v", col.Items)
	}
}

func TestCollectCooperativeMark(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_async.star": `
def _poll():
    sleep(0.001)

test_poll = cooperative(_poll)
test_shared = cooperative(loop_scope="module")(_poll)
`,
	})
	byName := make(map[string]*TestItem)
	for _, it := range col.Items {
		byName[it.Name] = it
	}
	p := byName["test_poll"]
	if p == nil || !p.Cooperative || p.LoopScope != ScopeFunction {
		t.Errorf("test_poll = %+v, want cooperative with function loop scope", p)
	}
	s := byName["test_shared"]
	if s == nil || !s.Cooperative || s.LoopScope != ScopeModule {
		t.Errorf("test_shared = %+v, want cooperative with module loop scope", s)
	}
}

func TestCollectUseFixtures(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_use.star": `
def _prep():
    return "ready"

prep = fixture(_prep)

def _t():
    assert.true(True)

test_prepared = usefixtures("prep")(_t)
`,
	})
	byName := make(map[string]*TestItem)
	for _, it := range col.Items {
		byName[it.Name] = it
	}
	it := byName["test_prepared"]
	if it == nil {
		t.Fatal("test_prepared not collected")
	}
	if diff := cmp.Diff([]string{"prep"}, it.Use); diff != "" {
		t.Errorf("Use (-want +got):\n%s", diff)
	}
}

func TestCollectRebindSameName(t *testing.T) {
	// Wrapping a test and rebinding its own name is the documented marker
	// idiom, so top-level reassignment must be legal in test files.
	col, _ := collectTree(t, map[string]string{
		"test_rebind.star": `
def test_double(x, want):
    assert.eq(x * 2, want)

test_double = parametrize("x,want", [(1, 2), (2, 4)])(test_double)
`,
	})
	want := []string{
		"test_rebind.star::test_double[1-2]",
		"test_rebind.star::test_double[2-4]",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
	for _, it := range col.Items {
		if it.CollectErr != nil {
			t.Errorf("%s: CollectErr = %v", it.ID, it.CollectErr)
		}
	}
}

func TestCollectOrderByBindingLine(t *testing.T) {
	// Aliases of one callable order by where each name is bound, not by
	// where the shared function is defined.
	col, _ := collectTree(t, map[string]string{
		"test_alias.star": `
def _shared():
    assert.true(True)

test_b = _shared

def test_a():
    assert.true(True)

test_c = _shared
`,
	})
	want := []string{
		"test_alias.star::test_b",
		"test_alias.star::test_a",
		"test_alias.star::test_c",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
}

func TestCollectSuiteOrderByBindingLine(t *testing.T) {
	// Suites group at their own binding line, so a suite bound first runs
	// first even when its members are defined later in the file.
	col, _ := collectTree(t, map[string]string{
		"test_suites.star": `
def _early():
    assert.true(True)

def _late():
    assert.true(True)

TestSecond = struct(test_run = _late)
TestFirst = struct(test_run = _early)
`,
	})
	want := []string{
		"test_suites.star::TestSecond::test_run",
		"test_suites.star::TestFirst::test_run",
	}
	if diff := cmp.Diff(want, itemIDs(col)); diff != "" {
		t.Errorf("item ids (-want +got):\n%s", diff)
	}
}

func TestCollectSharedLoadConcurrent(t *testing.T) {
	src := `
load("helpers.star", "answer")

def test_it():
    assert.eq(answer(), 42)
`
	root := writeTree(t, map[string]string{
		"helpers.star": `
def answer():
    return 42
`,
		"test_a.star": src,
		"test_b.star": src,
	})
	found, err := DiscoverFiles(root, []string{root}, nil)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	opts := DefaultOptions()
	opts.Workers = 2
	col, err := NewCollector(root, opts, events.Null{}).Collect(found)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(col.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(col.Items))
	}
	// Two workers loading the same helper is sharing, not a cycle.
	for _, it := range col.Items {
		if it.CollectErr != nil {
			t.Errorf("%s: CollectErr = %v", it.ID, it.CollectErr)
		}
	}
}

func TestCollectLoadCycle(t *testing.T) {
	col, _ := collectTree(t, map[string]string{
		"test_loop.star": `
load("a.star", "x")

def test_x():
    assert.eq(x, 1)
`,
		"a.star": `
load("b.star", "y")
x = y
`,
		"b.star": `
load("a.star", "x")
y = x
`,
	})
	if len(col.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(col.Items))
	}
	it := col.Items[0]
	if it.CollectErr == nil {
		t.Fatal("mutually loading modules should carry CollectErr")
	}
	if !strings.Contains(it.CollectErr.Error(), "cycle in load graph") {
		t.Errorf("CollectErr = %q, want a load cycle", it.CollectErr)
	}
}
