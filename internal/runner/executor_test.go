package runner

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// runTreeWith collects and executes every test file under the tree,
// returning the report and the captured event stream.
func runTreeWith(t *testing.T, files map[string]string, tweak func(*Options)) (*RunReport, *events.Buffer) {
	t.Helper()
	root := writeTree(t, files)
	opts := DefaultOptions()
	opts.Stdout = io.Discard
	if tweak != nil {
		tweak(&opts)
	}
	buf := &events.Buffer{}
	found, err := DiscoverFiles(root, []string{root}, opts.Patterns)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}
	col, err := NewCollector(root, opts, buf).Collect(found)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	resolutions := NewResolver(col.Registry).ResolveAll(col.Items)
	plan := BuildPlan(col.Items, resolutions, PlanOptions{
		Pattern:  opts.Pattern,
		Markers:  opts.Markers,
		FailFast: opts.FailFast,
	}, nil)
	report := NewExecutor(root, opts, resolutions, buf, zap.NewNop()).Execute(plan)
	return report, buf
}

func runTree(t *testing.T, files map[string]string) (*RunReport, *events.Buffer) {
	t.Helper()
	return runTreeWith(t, files, nil)
}

func resultFor(t *testing.T, report *RunReport, id string) Result {
	t.Helper()
	for _, res := range report.Results {
		if res.ID == id {
			return res
		}
	}
	t.Fatalf("no result for %s; have %d results", id, len(report.Results))
	return Result{}
}

func TestExecuteOutcomes(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_mix.star": `
def test_pass():
    assert.eq(1, 1)

def test_fail():
    assert.eq(1, 2)

def _ok():
    assert.true(True)

def _boom():
    fail("boom")

test_skipped = skip("later")(_ok)
test_xfail = xfail("bug 7")(_boom)
test_xpass = xfail("bug 8")(_ok)
`,
	})
	s := report.Summary
	if s.Total != 5 || s.Passed != 1 || s.Failed != 1 || s.Skipped != 1 || s.XFailed != 1 || s.XPassed != 1 {
		t.Fatalf("summary = %+v, want one of each outcome over 5 items", s)
	}
	if report.OK() {
		t.Error("report.OK() with a failure, want false")
	}

	if res := resultFor(t, report, "test_mix.star::test_skipped"); res.Reason != "later" {
		t.Errorf("skip reason = %q, want later", res.Reason)
	}
	if res := resultFor(t, report, "test_mix.star::test_xfail"); res.Reason != "bug 7" {
		t.Errorf("xfail reason = %q, want bug 7", res.Reason)
	}
	res := resultFor(t, report, "test_mix.star::test_fail")
	if res.Diagnostic == nil {
		t.Fatal("failed result has no diagnostic")
	}
	if res.Diagnostic.Type != "AssertionError" {
		t.Errorf("diagnostic type = %q, want AssertionError", res.Diagnostic.Type)
	}
}

func TestExecuteSkipWhen(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_cond.star": `
def _t():
    assert.true(True)

test_gated = skip("off season", when=lambda: True)(_t)
test_open = skip("off season", when=lambda: False)(_t)
`,
	})
	if res := resultFor(t, report, "test_cond.star::test_gated"); res.Outcome != OutcomeSkipped {
		t.Errorf("true condition: outcome = %s, want skipped", res.Outcome)
	}
	if res := resultFor(t, report, "test_cond.star::test_open"); res.Outcome != OutcomePassed {
		t.Errorf("false condition: outcome = %s, want passed", res.Outcome)
	}
}

func TestExecuteXFailMatch(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_match.star": `
def _boom():
    fail("code 42 tripped")

test_matched = xfail("known", match="code 42")(_boom)
test_unmatched = xfail("known", match="something else")(_boom)
`,
	})
	if res := resultFor(t, report, "test_match.star::test_matched"); res.Outcome != OutcomeXFailed {
		t.Errorf("matching failure: outcome = %s, want xfailed", res.Outcome)
	}
	// A failure that does not match is a real failure.
	if res := resultFor(t, report, "test_match.star::test_unmatched"); res.Outcome != OutcomeFailed {
		t.Errorf("non-matching failure: outcome = %s, want failed", res.Outcome)
	}
}

func TestExecuteInlineDirectives(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_inline.star": `
def test_bail():
    skip_test("flaky dependency")
    fail("unreachable")

def test_expected():
    xfail_test("tracked upstream")
    fail("unreachable")
`,
	})
	res := resultFor(t, report, "test_inline.star::test_bail")
	if res.Outcome != OutcomeSkipped || res.Reason != "flaky dependency" {
		t.Errorf("skip_test: got %s %q, want skipped with reason", res.Outcome, res.Reason)
	}
	res = resultFor(t, report, "test_inline.star::test_expected")
	if res.Outcome != OutcomeXFailed || res.Reason != "tracked upstream" {
		t.Errorf("xfail_test: got %s %q, want xfailed with reason", res.Outcome, res.Reason)
	}
}

func TestExecuteFixtureInjection(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_inject.star": `
def _db():
    return {"users": 3}

db = fixture(_db)

def _count(db, want):
    assert.eq(db["users"], want)

test_count = parametrize("want", [3])(_count)
`,
	})
	res := resultFor(t, report, "test_inject.star::test_count[3]")
	if res.Outcome != OutcomePassed {
		t.Fatalf("outcome = %s, want passed; diag %+v", res.Outcome, res.Diagnostic)
	}
}

func TestExecuteModuleScopeSetupOnce(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_scope.star": `
def _conn():
    print("opened")
    return "conn"

conn = fixture(_conn, scope="module")

def test_first(conn):
    assert.eq(conn, "conn")

def test_second(conn):
    assert.eq(conn, "conn")
`,
	})
	if report.Summary.Passed != 2 {
		t.Fatalf("passed = %d, want 2", report.Summary.Passed)
	}
	first := resultFor(t, report, "test_scope.star::test_first")
	if first.Stdout != "opened\n" {
		t.Errorf("first test stdout = %q, want the setup print", first.Stdout)
	}
	second := resultFor(t, report, "test_scope.star::test_second")
	if second.Stdout != "" {
		t.Errorf("second test stdout = %q, want empty (cached value)", second.Stdout)
	}
}

func TestExecuteFinalizersLIFO(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_teardown.star": `
def _a():
    def _close():
        print("close a")
    return ("A", _close)

def _b():
    def _close():
        print("close b")
    return ("B", _close)

a = fixture(_a, finalize=True)
b = fixture(_b, finalize=True)

def test_pair(a, b):
    assert.eq(a + b, "AB")
`,
	})
	res := resultFor(t, report, "test_teardown.star::test_pair")
	if res.Outcome != OutcomePassed {
		t.Fatalf("outcome = %s, want passed; diag %+v", res.Outcome, res.Diagnostic)
	}
	// Teardown is reverse setup order, and its prints belong to the test
	// that owned the fixtures.
	if res.Stdout != "close b\nclose a\n" {
		t.Errorf("stdout = %q, want LIFO finalizer prints", res.Stdout)
	}
}

func TestExecuteModuleFinalizerAtBoundary(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_late.star": `
def _res():
    def _close():
        print("module closed")
    return ("R", _close)

res = fixture(_res, scope="module", finalize=True)

def test_one(res):
    assert.eq(res, "R")

def test_two(res):
    assert.eq(res, "R")
`,
	})
	one := resultFor(t, report, "test_late.star::test_one")
	if strings.Contains(one.Stdout, "module closed") {
		t.Errorf("first test stdout = %q, teardown ran too early", one.Stdout)
	}
	two := resultFor(t, report, "test_late.star::test_two")
	if two.Stdout != "module closed\n" {
		t.Errorf("last test stdout = %q, want the module teardown print", two.Stdout)
	}
}

func TestExecutePackageScopeAcrossDirs(t *testing.T) {
	src := `
def test_it(pkg):
    assert.eq(pkg, "P")
`
	report, _ := runTree(t, map[string]string{
		"conftest.star": `
def _pkg():
    print("pkg open")
    def _close():
        print("pkg close")
    return ("P", _close)

pkg = fixture(_pkg, scope="package", finalize=True)
`,
		"alpha/test_a.star": src,
		"beta/test_b.star":  src,
	})
	if report.Summary.Passed != 2 {
		t.Fatalf("passed = %d, want 2; results %+v", report.Summary.Passed, report.Results)
	}
	// One instance per directory: each opens and closes within its own
	// package's single test.
	for _, id := range []string{"alpha/test_a.star::test_it", "beta/test_b.star::test_it"} {
		res := resultFor(t, report, id)
		if res.Stdout != "pkg open\npkg close\n" {
			t.Errorf("%s stdout = %q, want its own open and close", id, res.Stdout)
		}
	}
}

func TestExecuteSessionScopeSpansFiles(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"conftest.star": `
def _sess():
    print("sess open")
    def _close():
        print("sess close")
    return ("S", _close)

sess = fixture(_sess, scope="session", finalize=True)
`,
		"test_one.star": `
def test_a(sess):
    assert.eq(sess, "S")
`,
		"test_two.star": `
def test_b(sess):
    assert.eq(sess, "S")
`,
	})
	first := resultFor(t, report, "test_one.star::test_a")
	if first.Stdout != "sess open\n" {
		t.Errorf("first test stdout = %q, want only the open", first.Stdout)
	}
	last := resultFor(t, report, "test_two.star::test_b")
	if last.Stdout != "sess close\n" {
		t.Errorf("last test stdout = %q, want only the close", last.Stdout)
	}
}

func TestExecuteClassScopePerSuite(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_cls.star": `
def _c():
    print("class open")
    return "c"

cls = fixture(_c, scope="class")

def _one(cls):
    assert.eq(cls, "c")

def _two(cls):
    assert.eq(cls, "c")

TestFirst = struct(test_one = _one, test_two = _two)
TestSecond = struct(test_again = _one)
`,
	})
	if report.Summary.Passed != 3 {
		t.Fatalf("passed = %d, want 3", report.Summary.Passed)
	}
	opens := 0
	for _, res := range report.Results {
		opens += strings.Count(res.Stdout, "class open")
	}
	if opens != 2 {
		t.Errorf("class fixture opened %d times, want once per suite", opens)
	}
}

func TestExecuteAutouse(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_auto.star": `
def _setup():
    print("auto ran")

always = fixture(_setup, autouse=True)

def test_plain():
    assert.true(True)
`,
	})
	res := resultFor(t, report, "test_auto.star::test_plain")
	if res.Outcome != OutcomePassed {
		t.Fatalf("outcome = %s, want passed", res.Outcome)
	}
	if res.Stdout != "auto ran\n" {
		t.Errorf("stdout = %q, want the autouse print", res.Stdout)
	}
}

func TestExecuteTmpdirFixture(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_tmp.star": `
def test_tmp(tmpdir):
    print(tmpdir)
`,
	})
	res := resultFor(t, report, "test_tmp.star::test_tmp")
	if res.Outcome != OutcomePassed {
		t.Fatalf("outcome = %s, want passed; diag %+v", res.Outcome, res.Diagnostic)
	}
	dir := strings.TrimSpace(res.Stdout)
	if dir == "" {
		t.Fatal("tmpdir fixture printed nothing")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("tmpdir %s still exists after teardown", dir)
	}
}

func TestExecuteMockFixture(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_mock.star": `
def _fetch(x):
    return x + 1

def test_stubbing(mock):
    m = mock.wrap(_fetch)
    mock.when(m).called_with(1).then_return(99)
    assert.eq(m(1), 99)
    assert.eq(m(2), 3)
    assert.true(mock.was_called(m))
    assert.eq(mock.call_count(m), 2)
`,
	})
	res := resultFor(t, report, "test_mock.star::test_stubbing")
	if res.Outcome != OutcomePassed {
		t.Fatalf("outcome = %s, want passed; diag %+v", res.Outcome, res.Diagnostic)
	}
}

func TestExecuteFixtureFailureErrors(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_setup.star": `
def _db():
    fail("no database")

db = fixture(_db)

def test_query(db):
    assert.true(True)
`,
	})
	res := resultFor(t, report, "test_setup.star::test_query")
	if res.Outcome != OutcomeErrored {
		t.Errorf("outcome = %s, want errored for a setup failure", res.Outcome)
	}
	if res.Diagnostic == nil || !strings.Contains(res.Diagnostic.Message, "no database") {
		t.Errorf("diagnostic = %+v, want the fixture error", res.Diagnostic)
	}
	if report.Summary.Errored != 1 {
		t.Errorf("errored = %d, want 1", report.Summary.Errored)
	}
}

func TestExecuteSkipInsideFixture(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_dep.star": `
def _svc():
    skip_test("service unavailable")

svc = fixture(_svc)

def test_ping(svc):
    assert.true(True)
`,
	})
	res := resultFor(t, report, "test_dep.star::test_ping")
	if res.Outcome != OutcomeSkipped || res.Reason != "service unavailable" {
		t.Errorf("got %s %q, want skipped with the fixture's reason", res.Outcome, res.Reason)
	}
}

func TestExecuteCaptureOff(t *testing.T) {
	var out bytes.Buffer
	report, _ := runTreeWith(t, map[string]string{
		"test_plain.star": `
def test_talks():
    print("hello there")
`,
	}, func(o *Options) {
		o.Capture = false
		o.Stdout = &out
	})
	res := resultFor(t, report, "test_plain.star::test_talks")
	if res.Stdout != "" {
		t.Errorf("captured stdout = %q, want empty with capture off", res.Stdout)
	}
	if out.String() != "hello there\n" {
		t.Errorf("passthrough output = %q, want the print", out.String())
	}
}

func TestExecuteFailFast(t *testing.T) {
	report, _ := runTreeWith(t, map[string]string{
		"test_ff.star": `
def test_first():
    assert.eq(1, 2)

def test_second():
    assert.true(True)
`,
	}, func(o *Options) {
		o.FailFast = true
	})
	if report.Summary.Total != 1 {
		t.Fatalf("total = %d, want 1 after stopping at the first failure", report.Summary.Total)
	}
	if report.Summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", report.Summary.Failed)
	}
}

func TestExecuteCooperativeOverlap(t *testing.T) {
	src := `
def _w1():
    sleep(0.1)

def _w2():
    sleep(0.1)

def _w3():
    sleep(0.1)

test_w1 = cooperative(_w1)
test_w2 = cooperative(_w2)
test_w3 = cooperative(_w3)
`
	start := time.Now()
	report, buf := runTree(t, map[string]string{"test_overlap.star": src})
	elapsed := time.Since(start)

	if report.Summary.Passed != 3 {
		t.Fatalf("passed = %d, want 3; results %+v", report.Summary.Passed, report.Results)
	}
	// Overlapped sleeps take about one sleep of wall time, not three.
	if elapsed < 100*time.Millisecond {
		t.Errorf("run took %v, faster than a single sleep", elapsed)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("run took %v, cooperative sleeps did not overlap", elapsed)
	}

	// The whole batch starts before any member finishes.
	evs := buf.Events()
	lastStart, firstEnd := -1, len(evs)
	for i, ev := range evs {
		switch ev.Kind() {
		case events.KindTestStarted:
			lastStart = i
		case events.KindTestEnded:
			if i < firstEnd {
				firstEnd = i
			}
		}
	}
	if lastStart == -1 || lastStart > firstEnd {
		t.Errorf("event order: last start at %d, first end at %d; want all starts first", lastStart, firstEnd)
	}
}

func TestExecuteFinalizerFailureWarns(t *testing.T) {
	report, buf := runTree(t, map[string]string{
		"test_warn.star": `
def _res():
    def _close():
        fail("close failed")
    return ("r", _close)

res = fixture(_res, finalize=True)

def test_uses(res):
    assert.eq(res, "r")
`,
	})
	res := resultFor(t, report, "test_warn.star::test_uses")
	if res.Outcome != OutcomePassed {
		t.Errorf("outcome = %s, finalizer failures must not change outcomes", res.Outcome)
	}
	warnings := buf.OfKind(events.KindWarning)
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	w := warnings[0].(events.Warning)
	if w.Context != "finalizer res" || !strings.Contains(w.Message, "close failed") {
		t.Errorf("warning = %+v, want finalizer context and message", w)
	}
}

func TestExecuteBrokenFileErrors(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_syntax.star": `
def test_ok(:
`,
	})
	if report.Summary.Errored != 1 || report.Summary.Total != 1 {
		t.Fatalf("summary = %+v, want a single errored item", report.Summary)
	}
	if report.OK() {
		t.Error("report.OK() with a collection error, want false")
	}
}

func TestExecuteUnknownFixtureErrors(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_missing.star": `
def test_needs(database):
    assert.true(True)
`,
	})
	res := resultFor(t, report, "test_missing.star::test_needs")
	if res.Outcome != OutcomeErrored {
		t.Fatalf("outcome = %s, want errored for unresolved fixture", res.Outcome)
	}
	if res.Diagnostic == nil || !strings.Contains(res.Diagnostic.Message, `unknown fixture "database"`) {
		t.Errorf("diagnostic = %+v, want unknown fixture message", res.Diagnostic)
	}
	if res.Diagnostic != nil && res.Diagnostic.Type != "FixtureError" {
		t.Errorf("diagnostic type = %q, want FixtureError", res.Diagnostic.Type)
	}
}

func TestExecuteBatchAcrossFilesClosesModules(t *testing.T) {
	mk := func(tag string) string {
		return `
def _res():
    def _close():
        print("closed ` + tag + `")
    return ("r", _close)

res = fixture(_res, scope="module", finalize=True)

def _t(res):
    assert.eq(res, "r")

test_` + tag + ` = cooperative(loop_scope="session")(_t)
`
	}
	report, _ := runTree(t, map[string]string{
		"test_a.star": mk("a"),
		"test_b.star": mk("b"),
	})
	if report.Summary.Passed != 2 {
		t.Fatalf("passed = %d, want 2; results %+v", report.Summary.Passed, report.Results)
	}
	// The two files share one session-loop batch, so the module boundary
	// between them still has to close the first file's fixtures.
	a := resultFor(t, report, "test_a.star::test_a")
	if !strings.Contains(a.Stdout, "closed a") {
		t.Errorf("first file stdout = %q, want its module teardown", a.Stdout)
	}
	b := resultFor(t, report, "test_b.star::test_b")
	if !strings.Contains(b.Stdout, "closed b") {
		t.Errorf("second file stdout = %q, want its module teardown", b.Stdout)
	}
}

func TestExecuteClassScopeOutsideSuite(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_free.star": `
def _res():
    def _close():
        print("class closed")
    return ("c", _close)

res = fixture(_res, scope="class", finalize=True)

def test_only(res):
    assert.eq(res, "c")
`,
	})
	res := resultFor(t, report, "test_free.star::test_only")
	if res.Outcome != OutcomePassed {
		t.Fatalf("outcome = %s, want passed", res.Outcome)
	}
	// A class-scoped fixture used outside any suite ends with the file.
	if res.Stdout != "class closed\n" {
		t.Errorf("stdout = %q, want the class teardown print", res.Stdout)
	}
}

func TestExecuteLogGoesToStderr(t *testing.T) {
	report, _ := runTree(t, map[string]string{
		"test_chan.star": `
def test_talks():
    print("regular output")
    log("diagnostic detail")
`,
	})
	res := resultFor(t, report, "test_chan.star::test_talks")
	if res.Stdout != "regular output\n" {
		t.Errorf("stdout = %q, want only the print", res.Stdout)
	}
	if res.Stderr != "diagnostic detail\n" {
		t.Errorf("stderr = %q, want only the log line", res.Stderr)
	}
}

func TestExecuteLogPassthroughCaptureOff(t *testing.T) {
	var errOut bytes.Buffer
	report, _ := runTreeWith(t, map[string]string{
		"test_console.star": `
def test_talks():
    log("to the console")
`,
	}, func(o *Options) {
		o.Capture = false
		o.Stderr = &errOut
	})
	res := resultFor(t, report, "test_console.star::test_talks")
	if res.Stderr != "" {
		t.Errorf("captured stderr = %q, want empty with capture off", res.Stderr)
	}
	if errOut.String() != "to the console\n" {
		t.Errorf("passthrough output = %q, want the log line", errOut.String())
	}
}
