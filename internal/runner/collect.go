package runner

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// testPrefix and suitePrefix select which globals become tests.
const (
	testPrefix  = "test_"
	suitePrefix = "Test"
)

// testFileOptions is the dialect test files, shared files, and loaded
// modules execute under. Top-level rebinding must be legal for the
// wrap-and-rebind marker idiom (test_k = parametrize(...)(test_k)).
var testFileOptions = &syntax.FileOptions{
	Set:            true,
	While:          true,
	Recursion:      true,
	GlobalReassign: true,
}

// Collection is the result of loading every test file: the ordered item
// list, the fixture registry, and the load graph for watch mode.
type Collection struct {
	Items    []*TestItem
	Registry *FixtureRegistry
	Files    []string

	// Deps maps each executed file to the files it loaded, absolute paths.
	Deps map[string][]string
}

// Collector loads test files through the interpreter and harvests tests
// and fixtures from their globals.
type Collector struct {
	root     string
	opts     Options
	sink     events.Sink
	registry *FixtureRegistry

	mu      sync.Mutex
	modules map[string]*loadEntry
	deps    map[string][]string
}

type loadEntry struct {
	globals starlark.StringDict
	err     error

	// done closes once the module finished executing; late loaders wait
	// on it instead of re-executing.
	done chan struct{}
}

// NewCollector returns a collector rooted at root.
func NewCollector(root string, opts Options, sink events.Sink) *Collector {
	if sink == nil {
		sink = events.Null{}
	}
	return &Collector{
		root:     root,
		opts:     opts,
		sink:     sink,
		registry: NewFixtureRegistry(),
		modules:  make(map[string]*loadEntry),
		deps:     make(map[string][]string),
	}
}

// Collect loads files and produces the run's collection. Files that fail to
// load still contribute one synthetic errored item each, so load failures
// surface through the normal reporting path.
func (c *Collector) Collect(files []string) (*Collection, error) {
	start := time.Now()
	c.sink.Emit(events.CollectionStarted{Time: start, Paths: relPaths(c.root, files)})

	// Shared definition files load first, sequentially and exactly once,
	// so their fixtures are registered before any test file is expanded.
	conftestErr := c.loadConftests(files)

	results := c.execFiles(files, conftestErr)

	col := &Collection{Registry: c.registry, Deps: c.deps}
	for _, res := range results {
		col.Files = append(col.Files, res.path)
		if res.err != nil {
			c.sink.Emit(events.CollectionError{
				Time:       time.Now(),
				Path:       res.rel,
				Diagnostic: Diagnose(res.err, c.root),
			})
			col.Items = append(col.Items, &TestItem{
				ID:         res.rel,
				Path:       res.rel,
				AbsPath:    res.path,
				CollectErr: res.err,
			})
			continue
		}
		for _, f := range res.fixtures {
			c.registry.Register(f)
		}
		items := c.expandFile(res)
		col.Items = append(col.Items, items...)
		c.sink.Emit(events.FileCollected{
			Time:     time.Now(),
			Path:     res.rel,
			Tests:    len(items),
			Fixtures: len(res.fixtures),
		})
	}

	sortItems(col.Items)
	c.sink.Emit(events.CollectionFinished{
		Time:     time.Now(),
		Items:    len(col.Items),
		Duration: time.Since(start),
	})
	return col, nil
}

// fileResult is the raw harvest of one executed test file.
type fileResult struct {
	path     string // absolute
	rel      string
	dir      string // relative directory, "" for the root
	err      error
	entries  []harvestEntry
	fixtures []*Fixture

	// lines maps top-level bindings to their assignment lines.
	lines map[string]int
}

// harvestEntry is one test definition before parameter expansion.
type harvestEntry struct {
	class     string
	classLine int
	name      string
	fn        starlark.Callable
	marks     []markRecord
	line      int
}

// execFiles runs every file through the interpreter, up to opts.Workers at
// a time. Results come back in input order regardless of completion order.
func (c *Collector) execFiles(files []string, conftestErr map[string]error) []*fileResult {
	results := make([]*fileResult, len(files))
	workers := c.opts.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, path := range files {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = c.execFile(path, conftestErr)
		}(i, path)
	}
	wg.Wait()
	return results
}

func (c *Collector) execFile(path string, conftestErr map[string]error) *fileResult {
	res := &fileResult{
		path: path,
		rel:  relOrSelf(c.root, path),
	}
	res.dir = relDir(res.rel)
	for _, cf := range ConftestChain(c.root, filepath.Dir(path)) {
		if err := conftestErr[cf]; err != nil {
			res.err = fmt.Errorf("shared file %s: %w", relOrSelf(c.root, cf), err)
			return res
		}
	}

	thread := &starlark.Thread{Name: path, Load: c.load}
	globals, err := starlark.ExecFileOptions(testFileOptions, thread, path, nil, c.predeclared())
	if err != nil {
		res.err = err
		return res
	}
	res.lines = bindingLines(path)
	c.harvest(res, globals, false)
	return res
}

// loadConftests executes every shared file on the chains of the given test
// files and registers their fixtures. The returned map carries any load
// error per shared file path.
func (c *Collector) loadConftests(files []string) map[string]error {
	var chain []string
	seen := make(map[string]bool)
	for _, f := range files {
		for _, cf := range ConftestChain(c.root, filepath.Dir(f)) {
			if !seen[cf] {
				seen[cf] = true
				chain = append(chain, cf)
			}
		}
	}
	sort.Slice(chain, func(i, j int) bool {
		return dirDepth(relDir(relOrSelf(c.root, chain[i]))) < dirDepth(relDir(relOrSelf(c.root, chain[j])))
	})

	errs := make(map[string]error)
	for _, cf := range chain {
		rel := relOrSelf(c.root, cf)
		thread := &starlark.Thread{Name: cf, Load: c.load}
		globals, err := starlark.ExecFileOptions(testFileOptions, thread, cf, nil, c.predeclared())
		if err != nil {
			errs[cf] = err
			c.sink.Emit(events.CollectionError{
				Time:       time.Now(),
				Path:       rel,
				Diagnostic: Diagnose(err, c.root),
			})
			continue
		}
		res := &fileResult{path: cf, rel: rel, dir: relDir(rel)}
		c.harvest(res, globals, true)
		for _, f := range res.fixtures {
			c.registry.Register(f)
		}
	}
	return errs
}

// harvest walks a file's globals, in name order, picking out test functions,
// suites, and fixture registrations. Shared files contribute fixtures only.
func (c *Collector) harvest(res *fileResult, globals starlark.StringDict, sharedOnly bool) {
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, marks := unwrapMarks(globals[name])
		if fv, ok := val.(*fixtureValue); ok {
			res.fixtures = append(res.fixtures, c.makeFixture(name, fv, res))
			continue
		}
		if sharedOnly {
			continue
		}
		switch {
		case strings.HasPrefix(name, testPrefix):
			fn, ok := val.(starlark.Callable)
			if !ok {
				continue
			}
			res.entries = append(res.entries, harvestEntry{
				name:  name,
				fn:    fn,
				marks: marks,
				line:  res.bindingLine(name, fn),
			})
		case strings.HasPrefix(name, suitePrefix):
			c.harvestSuite(res, name, val, marks)
		}
	}
}

// harvestSuite collects test_* attributes of a Test* struct. Suite-level
// marks apply before each member's own.
func (c *Collector) harvestSuite(res *fileResult, suite string, val starlark.Value, suiteMarks []markRecord) {
	st, ok := val.(*starlarkstruct.Struct)
	if !ok {
		return
	}
	var members []harvestEntry
	classLine := 0
	for _, attr := range st.AttrNames() {
		if !strings.HasPrefix(attr, testPrefix) {
			continue
		}
		av, err := st.Attr(attr)
		if err != nil {
			continue
		}
		inner, attrMarks := unwrapMarks(av)
		fn, ok := inner.(starlark.Callable)
		if !ok {
			continue
		}
		marks := make([]markRecord, 0, len(suiteMarks)+len(attrMarks))
		marks = append(marks, suiteMarks...)
		marks = append(marks, attrMarks...)
		line := defLine(fn)
		if classLine == 0 || (line > 0 && line < classLine) {
			classLine = line
		}
		members = append(members, harvestEntry{
			class: suite,
			name:  attr,
			fn:    fn,
			marks: marks,
			line:  line,
		})
	}
	// The suite's own binding line groups its members, so two suites
	// sharing member callables still order by where each suite is bound.
	if l, ok := res.lines[suite]; ok && l > 0 {
		classLine = l
	}
	for i := range members {
		members[i].classLine = classLine
	}
	res.entries = append(res.entries, members...)
}

func (c *Collector) makeFixture(binding string, fv *fixtureValue, res *fileResult) *Fixture {
	name := binding
	if fv.name != "" {
		name = fv.name
	}
	return &Fixture{
		Name:        name,
		Fn:          fv.fn,
		Scope:       fv.scope,
		Autouse:     fv.autouse,
		Finalize:    fv.finalize,
		Cooperative: fv.cooperative,
		Params:      fv.params,
		IDs:         fv.ids,
		IDFunc:      fv.idFunc,
		Deps:        paramNames(fv.fn),
		File:        res.rel,
		Dir:         res.dir,
		Shared:      filepath.Base(res.rel) == ConftestName,
		Line:        defLine(fv.fn),
	}
}

// expandFile turns each harvested entry into one item per entry of its
// parameter product.
func (c *Collector) expandFile(res *fileResult) []*TestItem {
	var items []*TestItem
	for _, entry := range res.entries {
		expanded, err := c.expandEntry(res, entry)
		if err != nil {
			items = append(items, &TestItem{
				ID:         composeID(res.rel, entry.class, entry.name, ""),
				Path:       res.rel,
				AbsPath:    res.path,
				Class:      entry.class,
				Name:       entry.name,
				Line:       entry.line,
				GroupLine:  entryGroupLine(entry),
				CollectErr: err,
			})
			continue
		}
		items = append(items, expanded...)
	}
	return items
}

// paramCase is one slot of the expansion product.
type paramCase struct {
	direct  map[string]ParamValue
	fixture map[string]ParamValue
	id      string
}

func (c *Collector) expandEntry(res *fileResult, entry harvestEntry) ([]*TestItem, error) {
	var (
		paraMarks   []markRecord
		use         []string
		tags        []string
		skipMark    *markRecord
		xfailMark   *markRecord
		cooperative bool
		loopScope   = ScopeFunction
	)
	for i := range entry.marks {
		m := &entry.marks[i]
		switch m.kind {
		case markParametrize:
			paraMarks = append(paraMarks, *m)
		case markSkip:
			if skipMark == nil {
				skipMark = m
			}
		case markXFail:
			if xfailMark == nil {
				xfailMark = m
			}
		case markCooperative:
			cooperative = true
			loopScope = m.loopScope
		case markTags:
			tags = append(tags, m.tags...)
		case markUseFixtures:
			use = append(use, m.tags...)
		}
	}

	cases := []paramCase{{}}
	for _, m := range paraMarks {
		next, err := expandParametrize(m, entry.name)
		if err != nil {
			return nil, err
		}
		cases = productCases(cases, next)
	}

	direct := make(map[string]bool)
	for _, m := range paraMarks {
		for _, n := range m.names {
			direct[n] = true
		}
	}
	fixtureCases, err := c.fixtureCases(res, entry, direct, use)
	if err != nil {
		return nil, err
	}
	for _, fc := range fixtureCases {
		cases = productCases(cases, fc)
	}

	args := paramNames(entry.fn)
	items := make([]*TestItem, 0, len(cases))
	for i, pc := range cases {
		item := &TestItem{
			ID:            composeID(res.rel, entry.class, entry.name, pc.id),
			Path:          res.rel,
			AbsPath:       res.path,
			Class:         entry.class,
			Name:          entry.name,
			Fn:            entry.fn,
			ArgNames:      args,
			Params:        pc.direct,
			FixtureParams: pc.fixture,
			Use:           use,
			Markers:       tags,
			Cooperative:   cooperative,
			LoopScope:     loopScope,
			Line:          entry.line,
			GroupLine:     entryGroupLine(entry),
			ParamIndex:    i,
		}
		if skipMark != nil {
			item.Skip = true
			item.SkipReason = skipMark.reason
			item.SkipWhen = skipMark.when
		}
		if xfailMark != nil {
			item.XFail = true
			item.XFailReason = xfailMark.reason
			item.XFailMatch = xfailMark.match
		}
		items = append(items, item)
	}
	return items, nil
}

// expandParametrize turns one marker into its cases.
func expandParametrize(m markRecord, testName string) ([]paramCase, error) {
	cases := make([]paramCase, 0, len(m.rows))
	for i, row := range m.rows {
		bindings := make(map[string]ParamValue, len(m.names))
		var values []starlark.Value
		if len(m.names) == 1 {
			values = []starlark.Value{row}
		} else {
			tup, ok := rowValues(row)
			if !ok || len(tup) != len(m.names) {
				return nil, fmt.Errorf("parametrize on %s: row %d has %d values, want %d", testName, i, rowLen(row), len(m.names))
			}
			values = tup
		}
		id, err := parametrizeCaseID(m, i, values)
		if err != nil {
			return nil, err
		}
		for j, name := range m.names {
			bindings[name] = ParamValue{Value: values[j], ID: id}
		}
		cases = append(cases, paramCase{direct: bindings, id: id})
	}
	return cases, nil
}

func parametrizeCaseID(m markRecord, i int, values []starlark.Value) (string, error) {
	if i < len(m.ids) && m.ids[i] != "" {
		return m.ids[i], nil
	}
	if m.idFunc != nil {
		arg := m.rows[i]
		thread := &starlark.Thread{Name: "parametrize ids"}
		v, err := starlark.Call(thread, m.idFunc, starlark.Tuple{arg}, nil)
		if err != nil {
			return "", fmt.Errorf("parametrize ids callback: %w", err)
		}
		if s, ok := starlark.AsString(v); ok {
			return s, nil
		}
		return v.String(), nil
	}
	parts := make([]string, len(values))
	for j, v := range values {
		if s := scalarID(v); s != "" {
			parts[j] = s
		} else {
			parts[j] = fmt.Sprintf("%s%d", m.names[j], i)
		}
	}
	return strings.Join(parts, "-"), nil
}

// fixtureCases finds the parametric fixtures in the entry's dependency
// closure and returns one case list per fixture, in resolution order.
// Missing fixtures and cycles are tolerated here; resolution reports them.
func (c *Collector) fixtureCases(res *fileResult, entry harvestEntry, direct map[string]bool, use []string) ([][]paramCase, error) {
	var roots []string
	for _, f := range c.registry.AutouseFor(res.rel, res.dir) {
		roots = append(roots, f.Name)
	}
	roots = append(roots, use...)
	for _, arg := range paramNames(entry.fn) {
		if !direct[arg] {
			roots = append(roots, arg)
		}
	}

	seen := make(map[string]bool)
	var parametric []*Fixture
	var visit func(name string)
	visit = func(name string) {
		if name == "request" || seen[name] {
			return
		}
		seen[name] = true
		f, ok := c.registry.Lookup(name, res.rel, res.dir)
		if !ok {
			return
		}
		for _, dep := range f.Deps {
			visit(dep)
		}
		if len(f.Params) > 0 {
			parametric = append(parametric, f)
		}
	}
	for _, root := range roots {
		visit(root)
	}

	out := make([][]paramCase, 0, len(parametric))
	thread := &starlark.Thread{Name: "fixture ids"}
	for _, f := range parametric {
		cases := make([]paramCase, 0, len(f.Params))
		for i, v := range f.Params {
			id, err := f.ParamID(thread, i)
			if err != nil {
				return nil, err
			}
			cases = append(cases, paramCase{
				fixture: map[string]ParamValue{f.Name: {Value: v, ID: id}},
				id:      id,
			})
		}
		out = append(out, cases)
	}
	return out, nil
}

// productCases crosses two case lists; the left list varies slowest.
func productCases(left, right []paramCase) []paramCase {
	if len(right) == 0 {
		return left
	}
	out := make([]paramCase, 0, len(left)*len(right))
	for _, l := range left {
		for _, r := range right {
			merged := paramCase{
				direct:  mergeParams(l.direct, r.direct),
				fixture: mergeParams(l.fixture, r.fixture),
				id:      joinIDs(l.id, r.id),
			}
			out = append(out, merged)
		}
	}
	return out
}

func mergeParams(a, b map[string]ParamValue) map[string]ParamValue {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]ParamValue, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func joinIDs(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "-" + b
	}
}

// loadChainKey carries a thread's active load chain for cycle checks.
const loadChainKey = "startest.loadchain"

// load implements the interpreter's load(). Cycle detection follows the
// current thread's own load chain, so concurrent collection workers
// loading the same module wait for the first loader instead of reporting
// a false cycle. Modules resolve relative to the loading file, then
// against the configured load path; a "//" prefix is relative to the root
// directory.
func (c *Collector) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	from := thread.Name
	path, err := c.resolveModule(module, filepath.Dir(from))
	if err != nil {
		return nil, err
	}

	chain, _ := thread.Local(loadChainKey).([]string)
	for _, p := range chain {
		if p == path {
			return nil, fmt.Errorf("cycle in load graph at %s", module)
		}
	}

	c.mu.Lock()
	c.deps[from] = append(c.deps[from], path)
	e := c.modules[path]
	if e != nil {
		c.mu.Unlock()
		<-e.done
		return e.globals, e.err
	}
	e = &loadEntry{done: make(chan struct{})}
	c.modules[path] = e
	c.mu.Unlock()

	sub := &starlark.Thread{Name: path, Load: c.load}
	next := make([]string, len(chain)+1)
	copy(next, chain)
	next[len(chain)] = path
	sub.SetLocal(loadChainKey, next)

	e.globals, e.err = starlark.ExecFileOptions(testFileOptions, sub, path, nil, c.predeclared())
	close(e.done)
	return e.globals, e.err
}

func (c *Collector) resolveModule(module, fromDir string) (string, error) {
	var candidates []string
	if strings.HasPrefix(module, "//") {
		candidates = []string{filepath.Join(c.root, filepath.FromSlash(strings.TrimPrefix(module, "//")))}
	} else {
		candidates = append(candidates, filepath.Join(fromDir, filepath.FromSlash(module)))
		for _, dir := range c.opts.LoadPath {
			candidates = append(candidates, filepath.Join(dir, filepath.FromSlash(module)))
		}
	}
	for _, cand := range candidates {
		if fileExists(cand) {
			return filepath.Abs(cand)
		}
	}
	return "", fmt.Errorf("cannot find module %q", module)
}

func (c *Collector) predeclared() starlark.StringDict {
	return baseBuiltins()
}

func sortItems(items []*TestItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.GroupLine != b.GroupLine {
			return a.GroupLine < b.GroupLine
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.ParamIndex < b.ParamIndex
	})
}

func entryGroupLine(entry harvestEntry) int {
	if entry.class != "" {
		return entry.classLine
	}
	return entry.line
}

func defLine(c starlark.Callable) int {
	if f, ok := c.(*starlark.Function); ok {
		return int(f.Position().Line)
	}
	return 0
}

// bindingLine orders an entry by where its name was last bound at the top
// level, falling back to the callable's def site. The distinction matters
// for the wrap-and-rebind idiom: several bindings can share one underlying
// function, and each must keep its own source position.
func (res *fileResult) bindingLine(name string, fn starlark.Callable) int {
	if l, ok := res.lines[name]; ok && l > 0 {
		return l
	}
	return defLine(fn)
}

// bindingLines parses the file and maps each top-level name to the line
// of its final def or assignment.
func bindingLines(path string) map[string]int {
	f, err := testFileOptions.Parse(path, nil, 0)
	if err != nil {
		return nil
	}
	lines := make(map[string]int)
	for _, stmt := range f.Stmts {
		switch s := stmt.(type) {
		case *syntax.DefStmt:
			lines[s.Name.Name] = int(s.Name.NamePos.Line)
		case *syntax.AssignStmt:
			if s.Op != syntax.EQ {
				continue
			}
			if id, ok := s.LHS.(*syntax.Ident); ok {
				lines[id.Name] = int(id.NamePos.Line)
			}
		}
	}
	return lines
}

func paramNames(c starlark.Callable) []string {
	f, ok := c.(*starlark.Function)
	if !ok {
		return nil
	}
	names := make([]string, 0, f.NumParams())
	for i := 0; i < f.NumParams(); i++ {
		name, _ := f.Param(i)
		names = append(names, name)
	}
	return names
}

func rowValues(row starlark.Value) ([]starlark.Value, bool) {
	switch row := row.(type) {
	case starlark.Tuple:
		return row, true
	case *starlark.List:
		out := make([]starlark.Value, row.Len())
		for i := 0; i < row.Len(); i++ {
			out[i] = row.Index(i)
		}
		return out, true
	}
	return nil, false
}

func rowLen(row starlark.Value) int {
	if vs, ok := rowValues(row); ok {
		return len(vs)
	}
	return 1
}

func relDir(rel string) string {
	d := filepath.ToSlash(filepath.Dir(rel))
	if d == "." {
		return ""
	}
	return d
}

func relPaths(root string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = relOrSelf(root, p)
	}
	return out
}
