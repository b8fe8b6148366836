package events

// Diagnostic is the structured failure payload attached to a TestEnded
// event with a failed or errored outcome.
type Diagnostic struct {
	// Type names the failure class, such as "AssertionError" or "EvalError".
	Type string

	// Message is the single-line failure message.
	Message string

	// Frames is the call stack, outermost first, restricted to user code.
	Frames []Frame

	// Expected and Received hold the rendered operands of a failed binary
	// comparison. Both are empty when the failure was not a comparison.
	Expected string
	Received string

	// Diff is a unified diff of multiline string operands, when available.
	Diff string

	// Context holds source lines around the failing location.
	Context []ContextLine
}

// Frame is one user-code stack frame.
type Frame struct {
	File     string
	Line     int
	Function string
	Source   string
}

// ContextLine is one line of source context around a failure site.
type ContextLine struct {
	Line    int
	Source  string
	Failing bool
}
