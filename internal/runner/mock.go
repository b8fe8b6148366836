package runner

import (
	"fmt"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// NewMockModule builds the value injected by the mock fixture: helpers for
// wrapping callables, stubbing return values, and inspecting calls. Each
// test gets its own module, so mocks never leak between tests.
//
//	m = mock.wrap(fetch)
//	mock.when(m).called_with("users").then_return([])
//	assert.eq(mock.call_count(m), 1)
func NewMockModule() *starlarkstruct.Module {
	mgr := &mockManager{wrapped: make(map[starlark.Value]*mockWrapper)}
	return &starlarkstruct.Module{
		Name: "mock",
		Members: starlark.StringDict{
			"wrap":       starlark.NewBuiltin("mock.wrap", mgr.wrap),
			"when":       starlark.NewBuiltin("mock.when", mgr.when),
			"was_called": starlark.NewBuiltin("mock.was_called", mgr.wasCalled),
			"call_count": starlark.NewBuiltin("mock.call_count", mgr.callCount),
			"calls":      starlark.NewBuiltin("mock.calls", mgr.calls),
			"reset":      starlark.NewBuiltin("mock.reset", mgr.reset),
		},
	}
}

type mockManager struct {
	mu      sync.Mutex
	nextID  int
	wrapped map[starlark.Value]*mockWrapper
}

// mockWrapper wraps a callable, recording calls and serving stubbed
// returns. Unstubbed calls fall through to the wrapped callable.
type mockWrapper struct {
	id      int
	wrapped starlark.Value

	mu          sync.Mutex
	returnValue starlark.Value
	returnFor   map[string]starlark.Value
	calls       []mockCall
}

type mockCall struct {
	args   starlark.Tuple
	kwargs []starlark.Tuple
}

var (
	_ starlark.Value    = (*mockWrapper)(nil)
	_ starlark.Callable = (*mockWrapper)(nil)
)

func (m *mockWrapper) String() string {
	return fmt.Sprintf("<mock #%d wrapping %s>", m.id, m.wrapped.String())
}
func (m *mockWrapper) Type() string          { return "mock" }
func (m *mockWrapper) Freeze()               {}
func (m *mockWrapper) Truth() starlark.Bool  { return starlark.True }
func (m *mockWrapper) Hash() (uint32, error) { return uint32(m.id), nil }

func (m *mockWrapper) Name() string {
	if c, ok := m.wrapped.(starlark.Callable); ok {
		return c.Name()
	}
	return "mock"
}

func (m *mockWrapper) CallInternal(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockCall{args: args, kwargs: kwargs})
	ret := m.returnFor[argsKey(args)]
	if ret == nil {
		ret = m.returnValue
	}
	m.mu.Unlock()

	if ret != nil {
		return ret, nil
	}
	c, ok := m.wrapped.(starlark.Callable)
	if !ok {
		return starlark.None, nil
	}
	return starlark.Call(thread, c, args, kwargs)
}

func (m *mockWrapper) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnValue = nil
	m.returnFor = make(map[string]starlark.Value)
	m.calls = nil
}

func argsKey(args starlark.Tuple) string {
	if len(args) == 0 {
		return "()"
	}
	return args.String()
}

func (g *mockManager) wrap(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn); err != nil {
		return nil, err
	}
	if _, ok := fn.(starlark.Callable); !ok {
		return nil, fmt.Errorf("mock.wrap: got %s, want callable", fn.Type())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.wrapped[fn]; ok {
		return w, nil
	}
	g.nextID++
	w := &mockWrapper{id: g.nextID, wrapped: fn, returnFor: make(map[string]starlark.Value)}
	g.wrapped[fn] = w
	return w, nil
}

func (g *mockManager) when(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	w, err := unpackWrapper(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return &mockWhen{wrapper: w}, nil
}

func (g *mockManager) wasCalled(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	w, err := unpackWrapper(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return starlark.Bool(len(w.calls) > 0), nil
}

func (g *mockManager) callCount(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	w, err := unpackWrapper(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return starlark.MakeInt(len(w.calls)), nil
}

func (g *mockManager) calls(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	w, err := unpackWrapper(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	recorded := make([]mockCall, len(w.calls))
	copy(recorded, w.calls)
	w.mu.Unlock()

	out := make([]starlark.Value, len(recorded))
	for i, call := range recorded {
		d := starlark.NewDict(2)
		_ = d.SetKey(starlark.String("args"), call.args)
		kw := starlark.NewDict(len(call.kwargs))
		for _, pair := range call.kwargs {
			if len(pair) == 2 {
				_ = kw.SetKey(pair[0], pair[1])
			}
		}
		_ = d.SetKey(starlark.String("kwargs"), kw)
		out[i] = d
	}
	return starlark.NewList(out), nil
}

func (g *mockManager) reset(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.wrapped {
		w.clear()
	}
	return starlark.None, nil
}

func unpackWrapper(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*mockWrapper, error) {
	var fn starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn); err != nil {
		return nil, err
	}
	w, ok := fn.(*mockWrapper)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want a mock (use mock.wrap first)", b.Name(), fn.Type())
	}
	return w, nil
}

// mockWhen is the stubbing builder returned by mock.when.
type mockWhen struct {
	wrapper *mockWrapper
	args    starlark.Tuple
}

var (
	_ starlark.Value    = (*mockWhen)(nil)
	_ starlark.HasAttrs = (*mockWhen)(nil)
)

func (w *mockWhen) String() string        { return fmt.Sprintf("<mock.when(%s)>", w.wrapper.String()) }
func (w *mockWhen) Type() string          { return "mock_when" }
func (w *mockWhen) Freeze()               {}
func (w *mockWhen) Truth() starlark.Bool  { return starlark.True }
func (w *mockWhen) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: mock_when") }

func (w *mockWhen) Attr(name string) (starlark.Value, error) {
	switch name {
	case "then_return":
		return starlark.NewBuiltin("then_return", w.thenReturn), nil
	case "called_with":
		return starlark.NewBuiltin("called_with", w.calledWith), nil
	}
	return nil, nil
}

func (w *mockWhen) AttrNames() []string { return []string{"called_with", "then_return"} }

func (w *mockWhen) thenReturn(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value); err != nil {
		return nil, err
	}
	w.wrapper.mu.Lock()
	defer w.wrapper.mu.Unlock()
	if w.args != nil {
		w.wrapper.returnFor[argsKey(w.args)] = value
	} else {
		w.wrapper.returnValue = value
	}
	return w.wrapper, nil
}

func (w *mockWhen) calledWith(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return &mockWhen{wrapper: w.wrapper, args: args}, nil
}
