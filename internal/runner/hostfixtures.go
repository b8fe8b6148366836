package runner

import (
	"fmt"
	"os"

	"go.starlark.net/starlark"
)

// builtinFile is the origin recorded for host-provided fixtures.
const builtinFile = "<builtin>"

// builtinFixtures are available to every test without registration. User
// definitions of the same name shadow them.
func builtinFixtures() []*Fixture {
	return []*Fixture{tmpdirFixture(), mockFixture()}
}

// tmpdirFixture hands each test a fresh directory, removed at teardown.
func tmpdirFixture() *Fixture {
	fn := starlark.NewBuiltin("tmpdir", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		dir, err := os.MkdirTemp("", "startest-")
		if err != nil {
			return nil, fmt.Errorf("tmpdir: %w", err)
		}
		cleanup := starlark.NewBuiltin("tmpdir.cleanup", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := os.RemoveAll(dir); err != nil {
				return nil, fmt.Errorf("tmpdir cleanup: %w", err)
			}
			return starlark.None, nil
		})
		return starlark.Tuple{starlark.String(dir), cleanup}, nil
	})
	return &Fixture{
		Name:     "tmpdir",
		Fn:       fn,
		Scope:    ScopeFunction,
		Finalize: true,
		Builtin:  true,
		File:     builtinFile,
	}
}

// mockFixture gives each test an isolated mock manager.
func mockFixture() *Fixture {
	fn := starlark.NewBuiltin("mock", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return NewMockModule(), nil
	})
	return &Fixture{
		Name:    "mock",
		Fn:      fn,
		Scope:   ScopeFunction,
		Builtin: true,
		File:    builtinFile,
	}
}

// requestValue exposes the requesting context to a fixture through the
// reserved "request" parameter, mainly so parametric fixtures can read
// their current parameter.
type requestValue struct {
	fixtureName string
	scope       Scope
	param       starlark.Value
	paramID     string
	testID      string
}

var (
	_ starlark.Value    = (*requestValue)(nil)
	_ starlark.HasAttrs = (*requestValue)(nil)
)

func (r *requestValue) String() string        { return fmt.Sprintf("<request %s>", r.fixtureName) }
func (r *requestValue) Type() string          { return "request" }
func (r *requestValue) Freeze()               {}
func (r *requestValue) Truth() starlark.Bool  { return starlark.True }
func (r *requestValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: request") }

func (r *requestValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "param":
		return r.param, nil
	case "param_id":
		return starlark.String(r.paramID), nil
	case "fixture_name":
		return starlark.String(r.fixtureName), nil
	case "scope":
		return starlark.String(string(r.scope)), nil
	case "test_id":
		return starlark.String(r.testID), nil
	}
	return nil, nil
}

func (r *requestValue) AttrNames() []string {
	return []string{"fixture_name", "param", "param_id", "scope", "test_id"}
}

func newRequestValue(item *TestItem, rf resolvedFixture) *requestValue {
	req := &requestValue{
		fixtureName: rf.fixture.Name,
		scope:       rf.fixture.Scope,
		param:       starlark.None,
		testID:      item.ID,
	}
	if rf.hasParam {
		req.param = rf.param.Value
		req.paramID = rf.param.ID
	}
	return req
}
