package runner

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// JSONRenderer writes one JSON object per event, newline-delimited, for
// machine consumers. The wire shape is stable independently of the events
// package's Go field names.
type JSONRenderer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONRenderer creates a renderer writing to w.
func NewJSONRenderer(w io.Writer) *JSONRenderer {
	return &JSONRenderer{enc: json.NewEncoder(w)}
}

// Emit implements events.Sink.
func (r *JSONRenderer) Emit(ev events.Event) {
	rec := wireRecord(ev)
	if rec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Encode(rec)
}

type wireBase struct {
	Event string `json:"event"`
	Time  string `json:"time"`
}

type wireDiagnostic struct {
	Type     string            `json:"type"`
	Message  string            `json:"message"`
	Frames   []wireFrame       `json:"frames,omitempty"`
	Expected string            `json:"expected,omitempty"`
	Received string            `json:"received,omitempty"`
	Diff     string            `json:"diff,omitempty"`
	Context  []wireContextLine `json:"context,omitempty"`
}

type wireFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
}

type wireContextLine struct {
	Line    int    `json:"line"`
	Source  string `json:"source"`
	Failing bool   `json:"failing,omitempty"`
}

type wireSummary struct {
	Total      int     `json:"total"`
	Passed     int     `json:"passed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	XFailed    int     `json:"xfailed"`
	XPassed    int     `json:"xpassed"`
	Errored    int     `json:"errored"`
	DurationMS float64 `json:"duration_ms"`
}

func wireRecord(ev events.Event) interface{} {
	base := wireBase{Event: string(ev.Kind()), Time: ev.When().Format(time.RFC3339Nano)}

	switch e := ev.(type) {
	case events.CollectionStarted:
		return struct {
			wireBase
			Paths []string `json:"paths"`
		}{base, e.Paths}

	case events.FileCollected:
		return struct {
			wireBase
			Path     string `json:"path"`
			Tests    int    `json:"tests"`
			Fixtures int    `json:"fixtures"`
		}{base, e.Path, e.Tests, e.Fixtures}

	case events.CollectionError:
		return struct {
			wireBase
			Path       string          `json:"path"`
			Diagnostic *wireDiagnostic `json:"diagnostic,omitempty"`
		}{base, e.Path, toWireDiagnostic(e.Diagnostic)}

	case events.CollectionFinished:
		return struct {
			wireBase
			Items      int     `json:"items"`
			DurationMS float64 `json:"duration_ms"`
		}{base, e.Items, durationMS(e.Duration)}

	case events.RunStarted:
		return struct {
			wireBase
			Total int  `json:"total"`
			Ascii bool `json:"ascii,omitempty"`
		}{base, e.TotalItems, e.Ascii}

	case events.TestStarted:
		return struct {
			wireBase
			ID   string `json:"id"`
			Path string `json:"path"`
		}{base, e.ID, e.Path}

	case events.TestEnded:
		return struct {
			wireBase
			ID         string          `json:"id"`
			Outcome    string          `json:"outcome"`
			DurationMS float64         `json:"duration_ms"`
			Stdout     string          `json:"stdout,omitempty"`
			Stderr     string          `json:"stderr,omitempty"`
			Reason     string          `json:"reason,omitempty"`
			Diagnostic *wireDiagnostic `json:"diagnostic,omitempty"`
		}{base, e.ID, e.Outcome, durationMS(e.Duration), e.Stdout, e.Stderr, e.Reason, toWireDiagnostic(e.Diagnostic)}

	case events.Warning:
		return struct {
			wireBase
			Context string `json:"context"`
			Message string `json:"message"`
		}{base, e.Context, e.Message}

	case events.RunEnded:
		return struct {
			wireBase
			Summary wireSummary `json:"summary"`
		}{base, toWireSummary(e.Summary)}
	}
	return nil
}

func toWireDiagnostic(d *events.Diagnostic) *wireDiagnostic {
	if d == nil {
		return nil
	}
	out := &wireDiagnostic{
		Type:     d.Type,
		Message:  d.Message,
		Expected: d.Expected,
		Received: d.Received,
		Diff:     d.Diff,
	}
	for _, f := range d.Frames {
		out.Frames = append(out.Frames, wireFrame{File: f.File, Line: f.Line, Function: f.Function})
	}
	for _, c := range d.Context {
		out.Context = append(out.Context, wireContextLine{Line: c.Line, Source: c.Source, Failing: c.Failing})
	}
	return out
}

func toWireSummary(s events.Summary) wireSummary {
	return wireSummary{
		Total:      s.Total,
		Passed:     s.Passed,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		XFailed:    s.XFailed,
		XPassed:    s.XPassed,
		Errored:    s.Errored,
		DurationMS: durationMS(s.Duration),
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
