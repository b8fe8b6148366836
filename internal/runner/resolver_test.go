package runner

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// resolveTree collects the tree and resolves every item, returning the
// resolution for the single id.
func resolveTree(t *testing.T, files map[string]string, id string) *Resolution {
	t.Helper()
	col, _ := collectTree(t, files)
	resolutions := NewResolver(col.Registry).ResolveAll(col.Items)
	res, ok := resolutions[id]
	if !ok {
		t.Fatalf("no resolution for %s", id)
	}
	return res
}

func orderNames(res *Resolution) []string {
	out := make([]string, len(res.Order))
	for i, rf := range res.Order {
		out[i] = rf.fixture.Name
	}
	return out
}

func TestResolveDependenciesBeforeDependents(t *testing.T) {
	res := resolveTree(t, map[string]string{
		"test_diamond.star": `
def _base():
    return 1

def _left(base):
    return 2

def _right(base):
    return 3

def _top(left, right):
    return 4

base = fixture(_base)
left = fixture(_left)
right = fixture(_right)
top = fixture(_top)

def test_d(top):
    assert.true(True)
`,
	}, "test_diamond.star::test_d")
	if res.Err != nil {
		t.Fatalf("resolve: %v", res.Err)
	}
	want := []string{"base", "left", "right", "top"}
	if diff := cmp.Diff(want, orderNames(res)); diff != "" {
		t.Errorf("build order (-want +got):\n%s", diff)
	}
}

func TestResolveAutouseFirst(t *testing.T) {
	res := resolveTree(t, map[string]string{
		"test_auto.star": `
def _env():
    return "env"

def _db():
    return "db"

env = fixture(_env, autouse=True)
db = fixture(_db)

def test_q(db):
    assert.true(True)
`,
	}, "test_auto.star::test_q")
	if res.Err != nil {
		t.Fatalf("resolve: %v", res.Err)
	}
	want := []string{"env", "db"}
	if diff := cmp.Diff(want, orderNames(res)); diff != "" {
		t.Errorf("build order (-want +got):\n%s", diff)
	}
}

func TestResolveMissingSuggestsNames(t *testing.T) {
	res := resolveTree(t, map[string]string{
		"test_typo.star": `
def _d():
    return 1

database = fixture(_d)
datalake = fixture(_d)

def test_q(databse):
    assert.true(True)
`,
	}, "test_typo.star::test_q")
	if res.Err == nil {
		t.Fatal("resolve succeeded, want unknown fixture error")
	}
	want := `unknown fixture "databse" (did you mean "database", "datalake"?)`
	if got := res.Err.Error(); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestResolveCycle(t *testing.T) {
	res := resolveTree(t, map[string]string{
		"test_cycle.star": `
def _a(b):
    return 1

def _b(a):
    return 2

a = fixture(_a)
b = fixture(_b)

def test_c(a):
    assert.true(True)
`,
	}, "test_cycle.star::test_c")
	if res.Err == nil {
		t.Fatal("resolve succeeded, want cycle error")
	}
	want := "fixture dependency cycle: a -> b -> a"
	if got := res.Err.Error(); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestResolveScopeViolation(t *testing.T) {
	res := resolveTree(t, map[string]string{
		"test_scope.star": `
def _narrow():
    return 1

def _wide(narrow):
    return 2

narrow = fixture(_narrow)
wide = fixture(_wide, scope="module")

def test_w(wide):
    assert.true(True)
`,
	}, "test_scope.star::test_w")
	if res.Err == nil {
		t.Fatal("resolve succeeded, want scope violation")
	}
	want := `module-scoped fixture "wide" depends on function-scoped fixture "narrow"`
	if got := res.Err.Error(); got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestResolveRequestIsReserved(t *testing.T) {
	res := resolveTree(t, map[string]string{
		"test_req.star": `
def _codec(request):
    return request.param

codec = fixture(_codec, params=["a"])

def test_c(codec):
    assert.eq(codec, "a")
`,
	}, "test_req.star::test_c[a]")
	if res.Err != nil {
		t.Fatalf("resolve: %v", res.Err)
	}
	// request never appears in the build order; it is synthesized at
	// acquisition time.
	if diff := cmp.Diff([]string{"codec"}, orderNames(res)); diff != "" {
		t.Errorf("build order (-want +got):\n%s", diff)
	}
	rf := res.Order[0]
	if !rf.hasParam || rf.param.ID != "a" {
		t.Errorf("resolved param = %+v, want the item's fixture case", rf.param)
	}
}

func TestResolveSameScopeDependency(t *testing.T) {
	res := resolveTree(t, map[string]string{
		"test_peer.star": `
def _cfg():
    return {}

def _db(cfg):
    return "db"

cfg = fixture(_cfg, scope="module")
db = fixture(_db, scope="module")

def test_q(db):
    assert.true(True)
`,
	}, "test_peer.star::test_q")
	// Equal scopes are fine; only narrower dependencies are rejected.
	if res.Err != nil {
		t.Fatalf("resolve: %v", res.Err)
	}
	want := []string{"cfg", "db"}
	if diff := cmp.Diff(want, orderNames(res)); diff != "" {
		t.Errorf("build order (-want +got):\n%s", diff)
	}
}
