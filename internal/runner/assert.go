package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// ComparisonError is an assertion failure carrying both operands of a
// binary comparison, so reporting can show expected and received values
// separately instead of parsing them back out of the message.
type ComparisonError struct {
	Op       string
	Expected string
	Received string
	Msg      string
	Diff     string
}

func (e *ComparisonError) Error() string {
	var b strings.Builder
	b.WriteString("assertion failed: ")
	if e.Msg != "" {
		b.WriteString(e.Msg)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "expected %s %s %s", e.Received, e.Op, e.Expected)
	if e.Diff != "" {
		b.WriteString("\n")
		b.WriteString(e.Diff)
	}
	return b.String()
}

// assertionError formats a non-comparison assertion failure.
func assertionError(customMsg, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if customMsg != "" {
		msg = customMsg + ": " + msg
	}
	return fmt.Errorf("assertion failed: %s", msg)
}

// NewAssertModule creates the assert module exposed to every test file.
func NewAssertModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "assert",
		Members: starlark.StringDict{
			"eq":        starlark.NewBuiltin("assert.eq", assertEq),
			"ne":        starlark.NewBuiltin("assert.ne", assertNe),
			"lt":        starlark.NewBuiltin("assert.lt", assertCompare(syntax.LT, "<")),
			"le":        starlark.NewBuiltin("assert.le", assertCompare(syntax.LE, "<=")),
			"gt":        starlark.NewBuiltin("assert.gt", assertCompare(syntax.GT, ">")),
			"ge":        starlark.NewBuiltin("assert.ge", assertCompare(syntax.GE, ">=")),
			"true":      starlark.NewBuiltin("assert.true", assertTrue),
			"false":     starlark.NewBuiltin("assert.false", assertFalse),
			"contains":  starlark.NewBuiltin("assert.contains", assertContains),
			"len":       starlark.NewBuiltin("assert.len", assertLen),
			"empty":     starlark.NewBuiltin("assert.empty", assertEmpty),
			"not_empty": starlark.NewBuiltin("assert.not_empty", assertNotEmpty),
			"fails":     starlark.NewBuiltin("assert.fails", assertFails),
			"snapshot":  starlark.NewBuiltin("assert.snapshot", assertSnapshot),
		},
	}
}

func assertEq(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, expected starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &a, "b", &expected, "msg?", &msg); err != nil {
		return nil, err
	}
	equal, err := starlark.Equal(a, expected)
	if err != nil {
		return nil, err
	}
	if equal {
		return starlark.None, nil
	}
	cmp := &ComparisonError{
		Op:       "==",
		Expected: expected.String(),
		Received: a.String(),
		Msg:      msg,
	}
	if diff := multilineDiff(a, expected); diff != "" {
		cmp.Diff = diff
	}
	return nil, cmp
}

func assertNe(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var a, expected starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &a, "b", &expected, "msg?", &msg); err != nil {
		return nil, err
	}
	equal, err := starlark.Equal(a, expected)
	if err != nil {
		return nil, err
	}
	if !equal {
		return starlark.None, nil
	}
	return nil, &ComparisonError{Op: "!=", Expected: expected.String(), Received: a.String(), Msg: msg}
}

// assertCompare builds the ordered comparison asserts.
func assertCompare(op syntax.Token, symbol string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var a, expected starlark.Value
		var msg string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &a, "b", &expected, "msg?", &msg); err != nil {
			return nil, err
		}
		ok, err := starlark.Compare(op, a, expected)
		if err != nil {
			return nil, err
		}
		if ok {
			return starlark.None, nil
		}
		return nil, &ComparisonError{Op: symbol, Expected: expected.String(), Received: a.String(), Msg: msg}
	}
}

func assertTrue(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if cond.Truth() {
		return starlark.None, nil
	}
	return nil, assertionError(msg, "expected %s to be true", cond.String())
}

func assertFalse(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cond starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &cond, "msg?", &msg); err != nil {
		return nil, err
	}
	if !cond.Truth() {
		return starlark.None, nil
	}
	return nil, assertionError(msg, "expected %s to be false", cond.String())
}

func assertContains(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container, elem starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "elem", &elem, "msg?", &msg); err != nil {
		return nil, err
	}
	// Strings contain substrings; everything else goes through the
	// membership protocol.
	if s, ok := starlark.AsString(container); ok {
		sub, ok := starlark.AsString(elem)
		if !ok {
			return nil, fmt.Errorf("assert.contains: got %s, want string element for string container", elem.Type())
		}
		if strings.Contains(s, sub) {
			return starlark.None, nil
		}
		return nil, assertionError(msg, "expected %s to contain %s", container.String(), elem.String())
	}
	it, ok := container.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("assert.contains: got %s, want iterable or string", container.Type())
	}
	iter := it.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		eq, err := starlark.Equal(x, elem)
		if err != nil {
			return nil, err
		}
		if eq {
			return starlark.None, nil
		}
	}
	return nil, assertionError(msg, "expected %s to contain %s", container.String(), elem.String())
}

func assertLen(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container starlark.Value
	var want int
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "n", &want, "msg?", &msg); err != nil {
		return nil, err
	}
	n := starlark.Len(container)
	if n < 0 {
		return nil, fmt.Errorf("assert.len: %s has no length", container.Type())
	}
	if n == want {
		return starlark.None, nil
	}
	return nil, &ComparisonError{Op: "==", Expected: fmt.Sprintf("%d", want), Received: fmt.Sprintf("%d", n), Msg: msg}
}

func assertEmpty(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "msg?", &msg); err != nil {
		return nil, err
	}
	n := starlark.Len(container)
	if n < 0 {
		return nil, fmt.Errorf("assert.empty: %s has no length", container.Type())
	}
	if n == 0 {
		return starlark.None, nil
	}
	return nil, assertionError(msg, "expected %s to be empty", container.String())
}

func assertNotEmpty(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container starlark.Value
	var msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "msg?", &msg); err != nil {
		return nil, err
	}
	n := starlark.Len(container)
	if n < 0 {
		return nil, fmt.Errorf("assert.not_empty: %s has no length", container.Type())
	}
	if n > 0 {
		return starlark.None, nil
	}
	return nil, assertionError(msg, "expected %s to be non-empty", container.String())
}

// assertFails calls fn expecting it to fail, optionally requiring the error
// message to contain pattern. Skip and xfail directives pass through.
func assertFails(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var pattern, msg string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn, "pattern?", &pattern, "msg?", &msg); err != nil {
		return nil, err
	}
	_, err := starlark.Call(thread, fn, nil, nil)
	if err == nil {
		return nil, assertionError(msg, "expected %s to fail", fn.Name())
	}
	var skip *skipDirective
	var xf *xfailDirective
	if errors.As(err, &skip) || errors.As(err, &xf) {
		return nil, err
	}
	if pattern != "" && !strings.Contains(errorMessage(err), pattern) {
		return nil, assertionError(msg, "error %q does not contain %q", errorMessage(err), pattern)
	}
	return starlark.None, nil
}

func assertSnapshot(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	name := "default"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "name?", &name); err != nil {
		return nil, err
	}
	mgr := snapshotManagerFrom(thread)
	if mgr == nil {
		return nil, fmt.Errorf("assert.snapshot: snapshots are not available in this context")
	}
	if err := mgr.Match(name, value); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// multilineDiff renders a unified diff when both values are strings and at
// least one spans multiple lines.
func multilineDiff(got, want starlark.Value) string {
	g, ok1 := starlark.AsString(got)
	w, ok2 := starlark.AsString(want)
	if !ok1 || !ok2 {
		return ""
	}
	if !strings.Contains(g, "\n") && !strings.Contains(w, "\n") {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(w),
		B:        difflib.SplitLines(g),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return strings.TrimRight(diff, "\n")
}

// errorMessage strips the interpreter's backtrace wrapper from an error.
func errorMessage(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Msg
	}
	return err.Error()
}
