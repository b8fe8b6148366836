// Package cli provides shared plumbing for the startest command.
package cli

import (
	"fmt"
	"io"
)

// Standard exit codes.
//
// These follow test runner conventions:
//   - 0: all tests passed (or nothing to do)
//   - 1: tests failed or errored
//   - 2: usage or environment error (bad flags, unreadable config, etc.)
const (
	// ExitOK indicates a run with no failed or errored tests.
	ExitOK = 0

	// ExitFailed indicates at least one failed or errored test.
	ExitFailed = 1

	// ExitUsage indicates the run never happened: bad flags, a broken
	// config file, or an unusable environment.
	ExitUsage = 2
)

// Writef writes formatted output to the writer, ignoring write errors.
// There is no reasonable recovery from a broken stdout/stderr pipe, and
// the exit code still reflects the actual operation status.
func Writef(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// Writeln writes a line to the writer, ignoring write errors.
func Writeln(w io.Writer, args ...any) {
	_, _ = fmt.Fprintln(w, args...)
}
