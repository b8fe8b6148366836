package runner

import (
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// Diagnose converts an execution or collection error into the structured
// payload attached to end events. Paths in frames are made relative to
// root so diagnostics read the same from any working directory.
func Diagnose(err error, root string) *events.Diagnostic {
	if err == nil {
		return nil
	}
	d := &events.Diagnostic{
		Type:    classifyError(err),
		Message: firstLine(errorMessage(err)),
	}

	var cmp *ComparisonError
	if errors.As(err, &cmp) {
		d.Expected = cmp.Expected
		d.Received = cmp.Received
		d.Diff = cmp.Diff
	} else if got, want, ok := parseComparison(d.Message); ok {
		d.Received = got
		d.Expected = want
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		var deepest string
		d.Frames, deepest = userFrames(evalErr, root)
		if n := len(d.Frames); n > 0 {
			d.Context = sources.around(deepest, d.Frames[n-1].Line, 1)
		}
		return d
	}

	var synErr syntax.Error
	if errors.As(err, &synErr) {
		d.Frames = []events.Frame{{
			File: relOrSelf(root, synErr.Pos.Filename()),
			Line: int(synErr.Pos.Line),
		}}
		d.Context = sources.around(synErr.Pos.Filename(), int(synErr.Pos.Line), 1)
		return d
	}
	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) && len(resolveErrs) > 0 {
		first := resolveErrs[0]
		d.Message = first.Msg
		d.Frames = []events.Frame{{
			File: relOrSelf(root, first.Pos.Filename()),
			Line: int(first.Pos.Line),
		}}
		d.Context = sources.around(first.Pos.Filename(), int(first.Pos.Line), 1)
	}
	return d
}

func classifyError(err error) string {
	var cmp *ComparisonError
	var rerr *ResolveError
	var evalErr *starlark.EvalError
	var synErr syntax.Error
	var resolveErrs resolve.ErrorList
	switch {
	case errors.As(err, &cmp):
		return "AssertionError"
	case errors.As(err, &rerr):
		return "FixtureError"
	case errors.As(err, &synErr), errors.As(err, &resolveErrs):
		return "SyntaxError"
	case errors.As(err, &evalErr):
		if strings.HasPrefix(evalErr.Msg, "assertion failed:") {
			return "AssertionError"
		}
		return "EvalError"
	case strings.HasPrefix(err.Error(), "assertion failed:"):
		return "AssertionError"
	default:
		return "Error"
	}
}

// userFrames extracts the user-code portion of an eval backtrace,
// outermost first, dropping interpreter-internal frames. It also returns
// the deepest frame's on-disk path for context extraction.
func userFrames(evalErr *starlark.EvalError, root string) ([]events.Frame, string) {
	var out []events.Frame
	var deepest string
	for _, fr := range evalErr.CallStack {
		file := fr.Pos.Filename()
		if !strings.HasSuffix(file, ".star") {
			continue
		}
		deepest = file
		out = append(out, events.Frame{
			File:     relOrSelf(root, file),
			Line:     int(fr.Pos.Line),
			Function: fr.Name,
			Source:   sources.line(file, int(fr.Pos.Line)),
		})
	}
	return out, deepest
}

// comparisonRe recovers operands from hand-written failure messages of the
// form "expected X <op> Y", e.g. raised via fail(). Structured comparison
// errors from the assert module bypass this.
var comparisonRe = regexp.MustCompile(`expected (.+?) (==|!=|<=|>=|<|>|not in|in) (.+)$`)

func parseComparison(msg string) (got, want string, ok bool) {
	m := comparisonRe.FindStringSubmatch(msg)
	if m == nil {
		return "", "", false
	}
	return m[1], m[3], true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// sourceCache memoizes file contents for building frame context. Files are
// small test scripts; keeping them for the run's lifetime is fine.
type sourceCache struct {
	mu    sync.Mutex
	files map[string][]string
}

var sources = &sourceCache{files: make(map[string][]string)}

func (c *sourceCache) lines(file string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lines, ok := c.files[file]; ok {
		return lines
	}
	var lines []string
	if data, err := os.ReadFile(file); err == nil {
		lines = strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	}
	c.files[file] = lines
	return lines
}

// line returns the 1-based source line, or "" when unavailable.
func (c *sourceCache) line(file string, n int) string {
	lines := c.lines(file)
	if n < 1 || n > len(lines) {
		return ""
	}
	return lines[n-1]
}

// around returns the lines within radius of n, marking the failing one.
func (c *sourceCache) around(file string, n, radius int) []events.ContextLine {
	lines := c.lines(file)
	if len(lines) == 0 || n < 1 || n > len(lines) {
		return nil
	}
	lo, hi := n-radius, n+radius
	if lo < 1 {
		lo = 1
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	out := make([]events.ContextLine, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, events.ContextLine{Line: i, Source: lines[i-1], Failing: i == n})
	}
	return out
}
