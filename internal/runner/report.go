package runner

import (
	"time"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// Result is the recorded outcome of one item, in plan order.
type Result struct {
	ID         string
	Path       string
	Outcome    Outcome
	Duration   time.Duration
	Reason     string
	Stdout     string
	Stderr     string
	Diagnostic *events.Diagnostic
}

// RunReport accumulates results and outcome counters for one run.
type RunReport struct {
	Results []Result
	Summary events.Summary
}

func NewRunReport() *RunReport {
	return &RunReport{}
}

func (r *RunReport) Record(res Result) {
	r.Results = append(r.Results, res)
	r.Summary.Total++
	switch res.Outcome {
	case OutcomePassed:
		r.Summary.Passed++
	case OutcomeFailed:
		r.Summary.Failed++
	case OutcomeSkipped:
		r.Summary.Skipped++
	case OutcomeXFailed:
		r.Summary.XFailed++
	case OutcomeXPassed:
		r.Summary.XPassed++
	case OutcomeErrored:
		r.Summary.Errored++
	}
}

// OK reports whether the run should exit zero: no failures, no errors.
// Skips, expected failures, and unexpected passes do not fail a run.
func (r *RunReport) OK() bool {
	return r.Summary.OK()
}

// BadIDs maps each failed or errored item id to its outcome, the shape the
// last-failed cache stores.
func (r *RunReport) BadIDs() map[string]string {
	out := make(map[string]string)
	for _, res := range r.Results {
		if res.Outcome.Bad() {
			out[res.ID] = string(res.Outcome)
		}
	}
	return out
}
