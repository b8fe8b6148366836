package runner

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// markKind enumerates the wrapping markers a test can carry.
type markKind int

const (
	markParametrize markKind = iota
	markSkip
	markXFail
	markCooperative
	markTags
	markUseFixtures
)

// markRecord is one applied marker. Only the fields for its kind are set.
type markRecord struct {
	kind markKind

	// parametrize
	names  []string
	rows   []starlark.Value
	ids    []string
	idFunc starlark.Callable

	// skip and xfail
	reason string
	when   starlark.Callable
	match  string

	// cooperative
	loopScope Scope

	// mark and usefixtures
	tags []string
}

// markedValue wraps a test callable or suite with collection markers.
// Wrappers stay transparent at call time and are unwrapped during
// harvesting, so marking a function does not change how it behaves when
// called directly.
type markedValue struct {
	wrapped starlark.Value
	marks   []markRecord
}

var (
	_ starlark.Value    = (*markedValue)(nil)
	_ starlark.Callable = (*markedValue)(nil)
	_ starlark.HasAttrs = (*markedValue)(nil)
)

func (m *markedValue) String() string        { return m.wrapped.String() }
func (m *markedValue) Type() string          { return "marked" }
func (m *markedValue) Freeze()               { m.wrapped.Freeze() }
func (m *markedValue) Truth() starlark.Bool  { return starlark.True }
func (m *markedValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: marked") }

func (m *markedValue) Name() string {
	if n, ok := m.wrapped.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "marked"
}

func (m *markedValue) CallInternal(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	c, ok := m.wrapped.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("marked value of type %s is not callable", m.wrapped.Type())
	}
	return starlark.Call(thread, c, args, kwargs)
}

func (m *markedValue) Attr(name string) (starlark.Value, error) {
	if h, ok := m.wrapped.(starlark.HasAttrs); ok {
		return h.Attr(name)
	}
	return nil, nil
}

func (m *markedValue) AttrNames() []string {
	if h, ok := m.wrapped.(starlark.HasAttrs); ok {
		return h.AttrNames()
	}
	return nil
}

// withMark attaches rec to v, flattening nested wrappers so marks accumulate
// in application order.
func withMark(v starlark.Value, rec markRecord) starlark.Value {
	if m, ok := v.(*markedValue); ok {
		marks := make([]markRecord, 0, len(m.marks)+1)
		marks = append(marks, m.marks...)
		marks = append(marks, rec)
		return &markedValue{wrapped: m.wrapped, marks: marks}
	}
	return &markedValue{wrapped: v, marks: []markRecord{rec}}
}

// unwrapMarks splits a possibly wrapped value into the underlying value and
// its marks.
func unwrapMarks(v starlark.Value) (starlark.Value, []markRecord) {
	if m, ok := v.(*markedValue); ok {
		return m.wrapped, m.marks
	}
	return v, nil
}

// applier returns the one-argument builtin that a marker builtin hands back
// for the caller to apply to a test or suite.
func applier(name string, rec markRecord) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var target starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &target); err != nil {
			return nil, err
		}
		return withMark(target, rec), nil
	})
}

// fixtureValue is the registration record returned by the fixture builtin.
// Assigning one to a global registers the fixture under that binding's name.
type fixtureValue struct {
	fn          starlark.Callable
	scope       Scope
	autouse     bool
	finalize    bool
	cooperative bool
	params      []starlark.Value
	ids         []string
	idFunc      starlark.Callable
	name        string
}

var _ starlark.Value = (*fixtureValue)(nil)

func (f *fixtureValue) String() string        { return fmt.Sprintf("<fixture %s>", f.fn.Name()) }
func (f *fixtureValue) Type() string          { return "fixture" }
func (f *fixtureValue) Freeze()               { f.fn.Freeze() }
func (f *fixtureValue) Truth() starlark.Bool  { return starlark.True }
func (f *fixtureValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: fixture") }

// skipDirective aborts a test body with a skipped outcome.
type skipDirective struct{ reason string }

func (e *skipDirective) Error() string {
	if e.reason == "" {
		return "test skipped"
	}
	return "test skipped: " + e.reason
}

// xfailDirective aborts a test body with an expected-failure outcome.
type xfailDirective struct{ reason string }

func (e *xfailDirective) Error() string {
	if e.reason == "" {
		return "expected failure"
	}
	return "expected failure: " + e.reason
}

// baseBuiltins returns the predeclared environment shared by every test
// file, shared file, and loaded module.
func baseBuiltins() starlark.StringDict {
	return starlark.StringDict{
		"struct":      starlark.NewBuiltin("struct", starlarkstruct.Make),
		"module":      starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		"fixture":     fixtureBuiltin(),
		"parametrize": parametrizeBuiltin(),
		"skip":        skipBuiltin(),
		"xfail":       xfailBuiltin(),
		"cooperative": cooperativeBuiltin(),
		"mark":        markBuiltin(),
		"usefixtures": useFixturesBuiltin(),
		"skip_test":   skipTestBuiltin(),
		"xfail_test":  xfailTestBuiltin(),
		"sleep":       sleepBuiltin(),
		"log":         logBuiltin(),
		"assert":      NewAssertModule(),
	}
}

// fixtureBuiltin registers a fixture. Called with a function it returns the
// registration directly; called with only keyword options it returns an
// applier, so both forms work:
//
//	db = fixture(make_db, scope="module")
//	db = fixture(scope="module")(make_db)
func fixtureBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("fixture", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var (
			fn          starlark.Value
			scope       = string(ScopeFunction)
			autouse     bool
			finalize    bool
			cooperative bool
			params      starlark.Value
			ids         starlark.Value
			name        string
		)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"fn?", &fn, "scope?", &scope, "autouse?", &autouse,
			"params?", &params, "ids?", &ids, "name?", &name,
			"finalize?", &finalize, "cooperative?", &cooperative); err != nil {
			return nil, err
		}
		if !ValidScope(Scope(scope)) {
			return nil, fmt.Errorf("fixture: invalid scope %q (want function, class, module, package, or session)", scope)
		}
		paramVals, err := unpackValueList(params, "params")
		if err != nil {
			return nil, fmt.Errorf("fixture: %w", err)
		}
		idList, idFunc, err := unpackIDs(ids)
		if err != nil {
			return nil, fmt.Errorf("fixture: %w", err)
		}
		if idList != nil && len(idList) != len(paramVals) {
			return nil, fmt.Errorf("fixture: got %d ids for %d params", len(idList), len(paramVals))
		}
		build := func(v starlark.Value) (starlark.Value, error) {
			c, ok := v.(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("fixture: got %s, want callable", v.Type())
			}
			return &fixtureValue{
				fn:          c,
				scope:       Scope(scope),
				autouse:     autouse,
				finalize:    finalize,
				cooperative: cooperative,
				params:      paramVals,
				ids:         idList,
				idFunc:      idFunc,
				name:        name,
			}, nil
		}
		if fn == nil || fn == starlark.None {
			return starlark.NewBuiltin("fixture", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var target starlark.Value
				if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &target); err != nil {
					return nil, err
				}
				return build(target)
			}), nil
		}
		return build(fn)
	})
}

// parametrizeBuiltin multiplies a test over argument values:
//
//	test_add = parametrize("a,b,want", [(1, 2, 3), (2, 2, 4)])(test_add)
func parametrizeBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("parametrize", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var names, values, ids starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "names", &names, "values", &values, "ids?", &ids); err != nil {
			return nil, err
		}
		nameList, err := unpackParamNames(names)
		if err != nil {
			return nil, fmt.Errorf("parametrize: %w", err)
		}
		rows, err := unpackValueList(values, "values")
		if err != nil {
			return nil, fmt.Errorf("parametrize: %w", err)
		}
		idList, idFunc, err := unpackIDs(ids)
		if err != nil {
			return nil, fmt.Errorf("parametrize: %w", err)
		}
		if idList != nil && len(idList) != len(rows) {
			return nil, fmt.Errorf("parametrize: got %d ids for %d value rows", len(idList), len(rows))
		}
		return applier("parametrize", markRecord{
			kind:   markParametrize,
			names:  nameList,
			rows:   rows,
			ids:    idList,
			idFunc: idFunc,
		}), nil
	})
}

// skipBuiltin marks a test as skipped, unconditionally or behind a callable
// condition evaluated just before the test would run:
//
//	test_posix = skip("windows only", when=lambda: host_os != "windows")(test_posix)
func skipBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("skip", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var reason string
		var when starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason, "when?", &when); err != nil {
			return nil, err
		}
		rec := markRecord{kind: markSkip, reason: reason}
		if when != nil && when != starlark.None {
			c, ok := when.(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("skip: when must be callable, got %s", when.Type())
			}
			rec.when = c
		}
		return applier("skip", rec), nil
	})
}

// xfailBuiltin marks a test as expected to fail. With match, only failures
// whose message contains the substring count as expected.
func xfailBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("xfail", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var reason, match string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason, "match?", &match); err != nil {
			return nil, err
		}
		return applier("xfail", markRecord{kind: markXFail, reason: reason, match: match}), nil
	})
}

// cooperativeBuiltin marks a test as schedulable on an event loop. Like
// fixture it accepts the target directly or returns an applier:
//
//	test_poll = cooperative(test_poll)
//	test_poll = cooperative(loop_scope="module")(test_poll)
func cooperativeBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("cooperative", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var fn starlark.Value
		loopScope := string(ScopeFunction)
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn?", &fn, "loop_scope?", &loopScope); err != nil {
			return nil, err
		}
		switch Scope(loopScope) {
		case ScopeFunction, ScopeClass, ScopeModule, ScopeSession:
		default:
			return nil, fmt.Errorf("cooperative: invalid loop_scope %q (want function, class, module, or session)", loopScope)
		}
		rec := markRecord{kind: markCooperative, loopScope: Scope(loopScope)}
		if fn == nil || fn == starlark.None {
			return applier("cooperative", rec), nil
		}
		return withMark(fn, rec), nil
	})
}

// markBuiltin attaches plain marker names for -m selection.
func markBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("mark", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		tags, err := unpackStrings(args, kwargs, b.Name())
		if err != nil {
			return nil, err
		}
		return applier("mark", markRecord{kind: markTags, tags: tags}), nil
	})
}

// useFixturesBuiltin requests fixtures by name without declaring arguments.
func useFixturesBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("usefixtures", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		names, err := unpackStrings(args, kwargs, b.Name())
		if err != nil {
			return nil, err
		}
		return applier("usefixtures", markRecord{kind: markUseFixtures, tags: names}), nil
	})
}

// skipTestBuiltin aborts the running test with a skipped outcome.
func skipTestBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("skip_test", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var reason string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
			return nil, err
		}
		return nil, &skipDirective{reason: reason}
	})
}

// xfailTestBuiltin aborts the running test with an expected-failure outcome.
func xfailTestBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("xfail_test", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var reason string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
			return nil, err
		}
		return nil, &xfailDirective{reason: reason}
	})
}

// sleepBuiltin pauses the caller. On an event loop it suspends only the
// current task, letting peers run; elsewhere it blocks the whole run.
func sleepBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("sleep", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var seconds starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seconds", &seconds); err != nil {
			return nil, err
		}
		f, ok := starlark.AsFloat(seconds)
		if !ok {
			return nil, fmt.Errorf("sleep: got %s, want int or float seconds", seconds.Type())
		}
		if f < 0 {
			return nil, fmt.Errorf("sleep: negative duration %v", f)
		}
		d := time.Duration(f * float64(time.Second))
		if task := currentTask(thread); task != nil {
			if err := task.sleep(d); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}
		time.Sleep(d)
		return starlark.None, nil
	})
}

// logBuiltin writes a line to the test's stderr channel, kept apart from
// print output in end events. Outside a test (module top level) it is a
// no-op.
func logBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("log", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
			return nil, err
		}
		s, ok := starlark.AsString(msg)
		if !ok {
			s = msg.String()
		}
		if c, ok := thread.Local(captureLocalKey).(*capture); ok && c != nil {
			c.printErr(s)
		}
		return starlark.None, nil
	})
}

// unpackParamNames accepts "a" / "a,b,c" / ["a", "b", "c"].
func unpackParamNames(v starlark.Value) ([]string, error) {
	if s, ok := starlark.AsString(v); ok {
		var names []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				names = append(names, part)
			}
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("empty parameter name list %q", s)
		}
		return names, nil
	}
	it, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("names must be a string or list of strings, got %s", v.Type())
	}
	var names []string
	iter := it.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		s, ok := starlark.AsString(elem)
		if !ok {
			return nil, fmt.Errorf("names must contain strings, got %s", elem.Type())
		}
		names = append(names, s)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("empty parameter name list")
	}
	return names, nil
}

// unpackValueList materializes an iterable into a slice, tolerating None.
func unpackValueList(v starlark.Value, what string) ([]starlark.Value, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	it, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be iterable, got %s", what, v.Type())
	}
	var out []starlark.Value
	iter := it.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		out = append(out, elem)
	}
	return out, nil
}

// unpackIDs accepts a list of strings or a callable deriving ids per value.
func unpackIDs(v starlark.Value) ([]string, starlark.Callable, error) {
	if v == nil || v == starlark.None {
		return nil, nil, nil
	}
	if c, ok := v.(starlark.Callable); ok {
		return nil, c, nil
	}
	it, ok := v.(starlark.Iterable)
	if !ok {
		return nil, nil, fmt.Errorf("ids must be a list of strings or a callable, got %s", v.Type())
	}
	ids := []string{}
	iter := it.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		s, ok := starlark.AsString(elem)
		if !ok {
			return nil, nil, fmt.Errorf("ids must contain strings, got %s", elem.Type())
		}
		ids = append(ids, s)
	}
	return ids, nil, nil
}

// unpackStrings collects variadic string arguments.
func unpackStrings(args starlark.Tuple, kwargs []starlark.Tuple, name string) ([]string, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", name)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: want at least one name", name)
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want string", name, a.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// scalarID renders a parameter value as an id fragment, or "" when the
// value has no short readable form.
func scalarID(v starlark.Value) string {
	switch v := v.(type) {
	case starlark.String:
		if isIDSafe(string(v)) {
			return string(v)
		}
	case starlark.Int:
		return v.String()
	case starlark.Float:
		return v.String()
	case starlark.Bool:
		return v.String()
	case starlark.NoneType:
		return "None"
	}
	return ""
}

func isIDSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/':
		default:
			return false
		}
	}
	return true
}

// defaultParamID derives an id for a single fixture parameter value.
func defaultParamID(v starlark.Value, i int) string {
	if s := scalarID(v); s != "" {
		return s
	}
	return strconv.Itoa(i)
}
