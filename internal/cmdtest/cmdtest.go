// Package cmdtest provides a testscript-based harness for the startest CLI.
//
// It uses txtar format test files to specify input test files and expected
// outputs, making it easy to write end-to-end CLI tests.
//
// Example test file (testdata/run/pass_and_fail.txtar):
//
//	! exec startest .
//	stdout '1 passed'
//	stdout '1 failed'
//
//	-- test_math.star --
//	def test_add():
//	    assert.eq(1 + 1, 2)
package cmdtest

import (
	"os"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"github.com/albertocavalcante/startest/internal/cmd/startest"
)

// Run executes the testscript tests in the given directory.
func Run(t *testing.T, dir string) {
	testscript.Run(t, testscript.Params{
		Dir: dir,
		Setup: func(env *testscript.Env) error {
			// Keep runs hermetic: never pick up a config file or cache
			// from outside the script's sandbox.
			env.Setenv("STARTEST_CONFIG", "")
			return nil
		},
	})
}

// Main is the TestMain function that should be called from test files.
// It registers the startest binary as a testscript command.
func Main(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"startest": func() int { return startest.Run(os.Args[1:]) },
	}))
}
