package runner

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// progressWidth is where the glyph row wraps.
const progressWidth = 80

// TextOptions configure the human-readable renderer.
type TextOptions struct {
	// Verbose prints one line per test instead of progress glyphs.
	Verbose bool

	// Color enables ANSI colors. The caller decides, usually from TTY
	// detection plus the --no-color flag.
	Color bool

	// Ascii restricts glyphs to plain ASCII.
	Ascii bool
}

// TextRenderer renders the event stream for humans: a glyph per test (or
// a line per test in verbose mode), failure blocks with source context,
// warnings, and a one-line summary.
type TextRenderer struct {
	mu   sync.Mutex
	w    io.Writer
	opts TextOptions

	col      int
	failures []events.TestEnded
	warnings []events.Warning

	pass, fail, skip, mixed, bad, dim, bold *color.Color
}

// NewTextRenderer creates a renderer writing to w.
func NewTextRenderer(w io.Writer, opts TextOptions) *TextRenderer {
	r := &TextRenderer{
		w:     w,
		opts:  opts,
		pass:  color.New(color.FgGreen),
		fail:  color.New(color.FgRed, color.Bold),
		skip:  color.New(color.FgYellow),
		mixed: color.New(color.FgYellow, color.Bold),
		bad:   color.New(color.FgRed, color.Bold),
		dim:   color.New(color.Faint),
		bold:  color.New(color.Bold),
	}
	// The caller already decided, from the terminal and the flags. Forcing
	// the decision here keeps the package-global TTY detection out of it.
	for _, c := range []*color.Color{r.pass, r.fail, r.skip, r.mixed, r.bad, r.dim, r.bold} {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Emit implements events.Sink.
func (r *TextRenderer) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case events.CollectionFinished:
		noun := "items"
		if e.Items == 1 {
			noun = "item"
		}
		_, _ = fmt.Fprintf(r.w, "collected %d %s\n\n", e.Items, noun)
	case events.TestEnded:
		r.testEnded(e)
	case events.Warning:
		r.warnings = append(r.warnings, e)
	case events.RunEnded:
		r.runEnded(e)
	}
}

func (r *TextRenderer) testEnded(e events.TestEnded) {
	out := Outcome(e.Outcome)
	if out.Bad() {
		r.failures = append(r.failures, e)
	}

	if !r.opts.Verbose {
		_, _ = r.outcomeColor(out).Fprint(r.w, r.glyph(out))
		r.col++
		if r.col >= progressWidth {
			_, _ = fmt.Fprintln(r.w)
			r.col = 0
		}
		return
	}

	_, _ = r.outcomeColor(out).Fprintf(r.w, "%-5s", outcomeWord(out))
	_, _ = fmt.Fprintf(r.w, "  %s", e.ID)
	if e.Reason != "" {
		_, _ = fmt.Fprintf(r.w, ": %s", e.Reason)
	}
	_, _ = r.dim.Fprintf(r.w, "  (%s)", e.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintln(r.w)
}

func (r *TextRenderer) runEnded(e events.RunEnded) {
	if !r.opts.Verbose && r.col > 0 {
		_, _ = fmt.Fprintln(r.w)
		r.col = 0
	}

	if len(r.failures) > 0 {
		_, _ = fmt.Fprintln(r.w)
		for _, f := range r.failures {
			r.failureBlock(f)
		}
	}
	for _, w := range r.warnings {
		_, _ = r.skip.Fprintf(r.w, "warning: %s: %s\n", w.Context, w.Message)
	}

	_, _ = fmt.Fprintln(r.w)
	c := r.pass
	if !e.Summary.OK() {
		c = r.fail
	}
	_, _ = c.Fprintf(r.w, "%s in %.2fs\n", summaryLine(e.Summary), e.Summary.Duration.Seconds())
}

func (r *TextRenderer) failureBlock(e events.TestEnded) {
	head := "FAILED"
	if Outcome(e.Outcome) == OutcomeErrored {
		head = "ERROR"
	}
	_, _ = r.bad.Fprintf(r.w, "%s %s\n", head, e.ID)

	if d := e.Diagnostic; d != nil {
		_, _ = fmt.Fprintf(r.w, "  %s: %s\n", d.Type, d.Message)
		for _, fr := range d.Frames {
			loc := fmt.Sprintf("%s:%d", fr.File, fr.Line)
			if fr.Function != "" {
				loc += ", in " + fr.Function
			}
			_, _ = r.dim.Fprintf(r.w, "  at %s\n", loc)
		}
		for _, cl := range d.Context {
			marker := " "
			if cl.Failing {
				marker = ">"
			}
			_, _ = fmt.Fprintf(r.w, "  %s %4d | %s\n", marker, cl.Line, cl.Source)
		}
		if d.Expected != "" || d.Received != "" {
			_, _ = fmt.Fprintf(r.w, "  expected: %s\n", d.Expected)
			_, _ = fmt.Fprintf(r.w, "  received: %s\n", d.Received)
		}
		if d.Diff != "" {
			r.indented(d.Diff)
		}
	} else if e.Reason != "" {
		_, _ = fmt.Fprintf(r.w, "  %s\n", e.Reason)
	}

	if e.Stdout != "" {
		_, _ = r.dim.Fprintln(r.w, "  captured stdout:")
		r.indented(e.Stdout)
	}
	if e.Stderr != "" {
		_, _ = r.dim.Fprintln(r.w, "  captured stderr:")
		r.indented(e.Stderr)
	}
	_, _ = fmt.Fprintln(r.w)
}

func (r *TextRenderer) indented(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		_, _ = fmt.Fprintf(r.w, "    %s\n", line)
	}
}

func (r *TextRenderer) glyph(o Outcome) string {
	if r.opts.Ascii {
		switch o {
		case OutcomePassed:
			return "."
		case OutcomeFailed:
			return "F"
		case OutcomeSkipped:
			return "s"
		case OutcomeXFailed:
			return "x"
		case OutcomeXPassed:
			return "X"
		default:
			return "E"
		}
	}
	switch o {
	case OutcomePassed:
		return "✓"
	case OutcomeFailed:
		return "✗"
	case OutcomeSkipped:
		return "⊘"
	case OutcomeXFailed:
		return "x"
	case OutcomeXPassed:
		return "X"
	default:
		return "E"
	}
}

func (r *TextRenderer) outcomeColor(o Outcome) *color.Color {
	switch o {
	case OutcomePassed:
		return r.pass
	case OutcomeFailed, OutcomeErrored:
		return r.fail
	case OutcomeSkipped:
		return r.skip
	default:
		return r.mixed
	}
}

func outcomeWord(o Outcome) string {
	switch o {
	case OutcomePassed:
		return "PASS"
	case OutcomeFailed:
		return "FAIL"
	case OutcomeSkipped:
		return "SKIP"
	case OutcomeXFailed:
		return "XFAIL"
	case OutcomeXPassed:
		return "XPASS"
	default:
		return "ERROR"
	}
}

// summaryLine renders the non-zero counters in a fixed order, or a
// placeholder when nothing ran.
func summaryLine(s events.Summary) string {
	var parts []string
	add := func(n int, word string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, word))
		}
	}
	add(s.Passed, "passed")
	add(s.Failed, "failed")
	add(s.Skipped, "skipped")
	add(s.XFailed, "xfailed")
	add(s.XPassed, "xpassed")
	add(s.Errored, "errored")
	if len(parts) == 0 {
		return "no tests ran"
	}
	return strings.Join(parts, ", ")
}
