package runner

import (
	"fmt"
	"path"
	"strings"

	"go.starlark.net/starlark"
)

// Outcome classifies how a single test item concluded.
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeXFailed Outcome = "xfailed"
	OutcomeXPassed Outcome = "xpassed"
	OutcomeErrored Outcome = "errored"
)

// Bad reports whether the outcome makes the run exit non-zero.
func (o Outcome) Bad() bool {
	return o == OutcomeFailed || o == OutcomeErrored
}

// Scope controls how widely a fixture value or event loop is shared.
type Scope string

const (
	ScopeFunction Scope = "function"
	ScopeClass    Scope = "class"
	ScopeModule   Scope = "module"
	ScopePackage  Scope = "package"
	ScopeSession  Scope = "session"
)

// scopeRank orders scopes from narrowest to widest.
var scopeRank = map[Scope]int{
	ScopeFunction: 0,
	ScopeClass:    1,
	ScopeModule:   2,
	ScopePackage:  3,
	ScopeSession:  4,
}

// ValidScope reports whether s names one of the five fixture scopes.
func ValidScope(s Scope) bool {
	_, ok := scopeRank[s]
	return ok
}

// Wider reports whether s covers at least as many items as other.
func (s Scope) Wider(other Scope) bool {
	return scopeRank[s] >= scopeRank[other]
}

// ParamValue is one bound parameter: the value plus the id fragment it
// contributes to the item id.
type ParamValue struct {
	Value starlark.Value
	ID    string
}

// TestItem is one runnable test: a function definition combined with one
// entry of its parameter product. Items are immutable once collection ends.
type TestItem struct {
	// ID uniquely identifies the item within the run, in the form
	// path::Class::name[param-id]. Class and the parameter suffix are
	// omitted when absent.
	ID string

	// Path is the test file path relative to the root directory, with
	// forward slashes.
	Path string

	// AbsPath is the absolute path of the test file.
	AbsPath string

	// Class is the enclosing suite name, or "" for a top-level test.
	Class string

	// Name is the test function's name.
	Name string

	// Fn is the callable to invoke.
	Fn starlark.Callable

	// ArgNames lists the function's declared parameters in order. Each is
	// satisfied either by a direct parameter binding or by a fixture.
	ArgNames []string

	// Params binds parameter names filled directly by parametrization.
	Params map[string]ParamValue

	// FixtureParams selects, for each parametric fixture in the item's
	// dependency closure, the parameter case this item uses.
	FixtureParams map[string]ParamValue

	// Use lists fixtures requested by name without a matching argument.
	Use []string

	// Markers holds plain marker names attached to the item.
	Markers []string

	// Cooperative marks the item as runnable on an event loop.
	Cooperative bool

	// LoopScope selects which event loop a cooperative item shares.
	LoopScope Scope

	Skip       bool
	SkipReason string
	SkipWhen   starlark.Callable

	XFail       bool
	XFailReason string
	XFailMatch  string

	// Line is the definition line of the test function.
	Line int

	// GroupLine keeps the members of one suite adjacent in plan order. It
	// is the suite's first definition line for class items and Line for
	// top-level items.
	GroupLine int

	// ParamIndex orders the parameter product of a single definition.
	ParamIndex int

	// CollectErr marks a synthetic item standing in for a file that failed
	// to load or harvest. Such items error without executing anything.
	CollectErr error
}

// sessionKey is the shared scope-instance key for session scope.
const sessionKey = ""

// ScopeKey returns the scope-instance key of the item at the given scope.
// Two items share a fixture value exactly when their keys match.
func (it *TestItem) ScopeKey(s Scope) string {
	switch s {
	case ScopeFunction:
		return it.ID
	case ScopeClass:
		return it.Path + "::" + it.Class
	case ScopeModule:
		return it.Path
	case ScopePackage:
		return it.Dir()
	default:
		return sessionKey
	}
}

// Dir returns the item's package directory relative to the root.
func (it *TestItem) Dir() string {
	d := path.Dir(it.Path)
	if d == "." {
		return ""
	}
	return d
}

// DisplayName is the id without the file path prefix.
func (it *TestItem) DisplayName() string {
	if i := strings.Index(it.ID, "::"); i >= 0 {
		return it.ID[i+2:]
	}
	return it.ID
}

// HasMarker reports whether name was attached via a marker.
func (it *TestItem) HasMarker(name string) bool {
	for _, m := range it.Markers {
		if m == name {
			return true
		}
	}
	return false
}

// composeID builds the canonical item id.
func composeID(relPath, class, name, paramID string) string {
	var b strings.Builder
	b.WriteString(relPath)
	b.WriteString("::")
	if class != "" {
		b.WriteString(class)
		b.WriteString("::")
	}
	b.WriteString(name)
	if paramID != "" {
		fmt.Fprintf(&b, "[%s]", paramID)
	}
	return b.String()
}
