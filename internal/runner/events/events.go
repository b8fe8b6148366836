// Package events defines the structured record stream emitted by a test run.
//
// The core emits events in plan order; renderers consume them through the
// Sink interface. Events are pure data: no formatting, no terminal concerns.
package events

import "time"

// Kind identifies the type of an event record.
type Kind string

const (
	KindCollectionStarted  Kind = "collection_started"
	KindFileCollected      Kind = "file_collected"
	KindCollectionError    Kind = "collection_error"
	KindCollectionFinished Kind = "collection_finished"
	KindRunStarted         Kind = "run_started"
	KindTestStarted        Kind = "test_started"
	KindTestEnded          Kind = "test_ended"
	KindWarning            Kind = "warning"
	KindRunEnded           Kind = "run_ended"
)

// Event is a single record in the run's event stream.
type Event interface {
	Kind() Kind
	When() time.Time
}

// CollectionStarted is emitted once before any file is loaded.
type CollectionStarted struct {
	Time  time.Time
	Paths []string
}

func (e CollectionStarted) Kind() Kind      { return KindCollectionStarted }
func (e CollectionStarted) When() time.Time { return e.Time }

// FileCollected reports a successfully loaded test file.
type FileCollected struct {
	Time     time.Time
	Path     string
	Tests    int
	Fixtures int
}

func (e FileCollected) Kind() Kind      { return KindFileCollected }
func (e FileCollected) When() time.Time { return e.Time }

// CollectionError reports a file that failed to load. The file still
// contributes a synthetic errored item to the plan.
type CollectionError struct {
	Time       time.Time
	Path       string
	Diagnostic *Diagnostic
}

func (e CollectionError) Kind() Kind      { return KindCollectionError }
func (e CollectionError) When() time.Time { return e.Time }

// CollectionFinished is emitted when discovery and harvesting are done.
type CollectionFinished struct {
	Time     time.Time
	Items    int
	Duration time.Duration
}

func (e CollectionFinished) Kind() Kind      { return KindCollectionFinished }
func (e CollectionFinished) When() time.Time { return e.Time }

// RunStarted is emitted once before the first plan step.
type RunStarted struct {
	Time       time.Time
	TotalItems int

	// Ascii asks renderers to avoid non-ASCII glyphs. It rides on the event
	// stream so renderers need no side channel to the configuration.
	Ascii bool
}

func (e RunStarted) Kind() Kind      { return KindRunStarted }
func (e RunStarted) When() time.Time { return e.Time }

// TestStarted is emitted when an item begins executing. For async batches,
// all member start events fire in plan order before any member end event.
type TestStarted struct {
	Time time.Time
	ID   string
	Path string
}

func (e TestStarted) Kind() Kind      { return KindTestStarted }
func (e TestStarted) When() time.Time { return e.Time }

// TestEnded carries the final outcome of one item.
type TestEnded struct {
	Time     time.Time
	ID       string
	Outcome  string
	Duration time.Duration
	Stdout   string
	Stderr   string
	Reason   string

	// Diagnostic is set for failed and errored outcomes.
	Diagnostic *Diagnostic
}

func (e TestEnded) Kind() Kind      { return KindTestEnded }
func (e TestEnded) When() time.Time { return e.Time }

// Warning reports a non-fatal problem, such as a finalizer failure or an
// event loop that could not be closed. Warnings never change an outcome.
type Warning struct {
	Time    time.Time
	Context string
	Message string
}

func (e Warning) Kind() Kind      { return KindWarning }
func (e Warning) When() time.Time { return e.Time }

// RunEnded closes the stream.
type RunEnded struct {
	Time    time.Time
	Summary Summary
}

func (e RunEnded) Kind() Kind      { return KindRunEnded }
func (e RunEnded) When() time.Time { return e.Time }

// Summary aggregates outcome counters for a run.
type Summary struct {
	Total    int
	Passed   int
	Failed   int
	Skipped  int
	XFailed  int
	XPassed  int
	Errored  int
	Duration time.Duration
}

// OK reports whether the run should exit zero.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Errored == 0
}
