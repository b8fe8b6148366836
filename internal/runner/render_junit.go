package runner

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// JUnit XML structures
type junitTestSuites struct {
	XMLName  xml.Name         `xml:"testsuites"`
	Tests    int              `xml:"tests,attr"`
	Failures int              `xml:"failures,attr"`
	Errors   int              `xml:"errors,attr"`
	Skipped  int              `xml:"skipped,attr"`
	Time     float64          `xml:"time,attr"`
	Suites   []junitTestSuite `xml:"testsuite"`
}

type junitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      float64         `xml:"time,attr"`
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Error     *junitError   `xml:"error,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
	SystemErr string        `xml:"system-err,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

type junitError struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
}

// WriteJUnit renders the report as JUnit XML, one testsuite per file.
// Expected failures appear as skipped cases the way most CI readers want
// them; unexpected passes count as plain passes.
func WriteJUnit(w io.Writer, report *RunReport) error {
	suites := junitTestSuites{
		Time: report.Summary.Duration.Seconds(),
	}

	var order []string
	byPath := make(map[string][]Result)
	for _, res := range report.Results {
		if _, ok := byPath[res.Path]; !ok {
			order = append(order, res.Path)
		}
		byPath[res.Path] = append(byPath[res.Path], res)
	}

	for _, path := range order {
		suite := junitTestSuite{Name: path}
		for _, res := range byPath[path] {
			tc := junitTestCase{
				Name:      displayName(res.ID),
				ClassName: path,
				Time:      res.Duration.Seconds(),
				SystemOut: res.Stdout,
				SystemErr: res.Stderr,
			}

			switch res.Outcome {
			case OutcomeFailed:
				suite.Failures++
				tc.Failure = &junitFailure{
					Message: diagnosticMessage(res),
					Type:    diagnosticType(res, "AssertionError"),
					Content: diagnosticContent(res),
				}
			case OutcomeErrored:
				suite.Errors++
				tc.Error = &junitError{
					Message: diagnosticMessage(res),
					Type:    diagnosticType(res, "Error"),
					Content: diagnosticContent(res),
				}
			case OutcomeSkipped:
				suite.Skipped++
				tc.Skipped = &junitSkipped{Message: res.Reason}
			case OutcomeXFailed:
				suite.Skipped++
				tc.Skipped = &junitSkipped{Message: res.Reason, Type: "expected failure"}
			}

			suite.Tests++
			suite.Time += res.Duration.Seconds()
			suite.TestCases = append(suite.TestCases, tc)
		}

		suites.Suites = append(suites.Suites, suite)
		suites.Tests += suite.Tests
		suites.Failures += suite.Failures
		suites.Errors += suite.Errors
		suites.Skipped += suite.Skipped
	}

	if _, err := fmt.Fprint(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(suites); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func displayName(id string) string {
	if i := strings.Index(id, "::"); i >= 0 {
		return id[i+2:]
	}
	return id
}

func diagnosticMessage(res Result) string {
	if res.Diagnostic != nil {
		return res.Diagnostic.Message
	}
	return res.Reason
}

func diagnosticType(res Result, fallback string) string {
	if res.Diagnostic != nil && res.Diagnostic.Type != "" {
		return res.Diagnostic.Type
	}
	return fallback
}

// diagnosticContent renders the failure body: message, frames, and source
// context, plain text for CI viewers.
func diagnosticContent(res Result) string {
	d := res.Diagnostic
	if d == nil {
		return res.Reason
	}
	var b strings.Builder
	b.WriteString(d.Message)
	for _, fr := range d.Frames {
		fmt.Fprintf(&b, "\n  at %s:%d", fr.File, fr.Line)
		if fr.Function != "" {
			fmt.Fprintf(&b, ", in %s", fr.Function)
		}
	}
	for _, cl := range d.Context {
		marker := " "
		if cl.Failing {
			marker = ">"
		}
		fmt.Fprintf(&b, "\n%s %4d | %s", marker, cl.Line, cl.Source)
	}
	if d.Diff != "" {
		b.WriteString("\n")
		b.WriteString(d.Diff)
	}
	return b.String()
}
