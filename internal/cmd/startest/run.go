// Package startest implements the startest command line interface.
package startest

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/albertocavalcante/startest/internal/cli"
	"github.com/albertocavalcante/startest/internal/config"
	"github.com/albertocavalcante/startest/internal/runner"
	"github.com/albertocavalcante/startest/internal/runner/events"
	"github.com/albertocavalcante/startest/internal/version"
)

// stringSliceFlag allows a flag to be specified multiple times.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Run executes startest with the given arguments.
// Returns exit code.
func Run(args []string) int {
	return RunWithIO(context.Background(), args, os.Stdin, os.Stdout, os.Stderr)
}

// RunWithIO allows custom IO for embedding/testing.
func RunWithIO(_ context.Context, args []string, _ io.Reader, stdout, stderr io.Writer) int {
	var (
		versionFlag         bool
		verboseFlag         bool
		patternFlag         string
		markerFlag          string
		failFastFlag        bool
		lastFailedFlag      bool
		failedFirstFlag     bool
		noCaptureFlag       bool
		asciiFlag           bool
		noColorFlag         bool
		listFlag            bool
		watchFlag           bool
		affectedOnlyFlag    bool
		workersFlag         string
		configFlag          string
		configTimeoutFlag   time.Duration
		cacheDirFlag        string
		loadPathFlags       stringSliceFlag
		jsonFlag            bool
		junitFlag           string
		updateSnapshotsFlag bool
		debugFlag           bool
	)

	fs := flag.NewFlagSet("startest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&versionFlag, "version", false, "print version and exit")
	fs.BoolVar(&verboseFlag, "v", false, "verbose output: one line per test")
	fs.StringVar(&patternFlag, "k", "", "filter tests by id substring (supports 'not' prefix)")
	fs.StringVar(&markerFlag, "m", "", "filter tests by marker (supports 'not' prefix, e.g. '-m slow', '-m \"not slow\"')")
	fs.BoolVar(&failFastFlag, "x", false, "stop on first failure")
	fs.BoolVar(&failFastFlag, "fail-fast", false, "stop on first failure (long for -x)")
	fs.BoolVar(&lastFailedFlag, "lf", false, "run only tests that failed last time")
	fs.BoolVar(&lastFailedFlag, "last-failed", false, "run only tests that failed last time (long for --lf)")
	fs.BoolVar(&failedFirstFlag, "ff", false, "run last-failed tests first, then the rest")
	fs.BoolVar(&failedFirstFlag, "failed-first", false, "run last-failed tests first (long for --ff)")
	fs.BoolVar(&noCaptureFlag, "no-capture", false, "print test output immediately instead of capturing it")
	fs.BoolVar(&asciiFlag, "ascii", false, "ASCII-only progress glyphs")
	fs.BoolVar(&noColorFlag, "no-color", false, "disable colored output")
	fs.BoolVar(&listFlag, "list", false, "list test ids without running them")
	fs.BoolVar(&watchFlag, "watch", false, "watch for file changes and re-run tests")
	fs.BoolVar(&watchFlag, "w", false, "watch mode (short for --watch)")
	fs.BoolVar(&affectedOnlyFlag, "affected-only", false, "in watch mode, only re-run tests affected by changes")
	fs.StringVar(&workersFlag, "workers", "", "parallel collection workers (auto, 1-N)")
	fs.StringVar(&configFlag, "config", "", "config file path (config.star or startest.toml)")
	fs.DurationVar(&configTimeoutFlag, "config-timeout", config.DefaultStarlarkTimeout, "timeout for Starlark config execution")
	fs.StringVar(&cacheDirFlag, "cache-dir", "", "cache directory (default .startest_cache under the root)")
	fs.Var(&loadPathFlags, "load-path", "extra directory for load() resolution (can be repeated)")
	fs.BoolVar(&jsonFlag, "json", false, "output line-delimited JSON events")
	fs.StringVar(&junitFlag, "junit", "", "write JUnit XML to the given file")
	fs.BoolVar(&updateSnapshotsFlag, "update-snapshots", false, "update snapshots instead of comparing")
	fs.BoolVar(&updateSnapshotsFlag, "u", false, "update snapshots (short for --update-snapshots)")
	fs.BoolVar(&debugFlag, "debug", false, "enable debug logging to stderr")

	fs.Usage = func() { usage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cli.ExitOK
		}
		return cli.ExitUsage
	}

	if versionFlag {
		cli.Writef(stdout, "startest %s\n", version.String())
		return cli.ExitOK
	}

	if lastFailedFlag && failedFirstFlag {
		cli.Writeln(stderr, "startest: --lf and --ff are mutually exclusive")
		return cli.ExitUsage
	}

	// Load configuration (config file provides defaults, CLI overrides)
	var cfg *config.Config
	if configFlag != "" {
		var err error
		if filepath.Ext(configFlag) == ".star" {
			cfg, err = config.LoadStarlarkConfig(configFlag, configTimeoutFlag)
		} else {
			cfg, err = config.LoadConfig(configFlag)
		}
		if err != nil {
			cli.Writef(stderr, "startest: loading config %s: %v\n", configFlag, err)
			return cli.ExitUsage
		}
	} else {
		var configPath string
		var err error
		cfg, configPath, err = config.DiscoverConfig("")
		if err != nil {
			cli.Writef(stderr, "startest: %v\n", err)
			return cli.ExitUsage
		}
		if configPath != "" && verboseFlag {
			cli.Writef(stderr, "startest: using config %s\n", configPath)
		}
	}

	// Apply config defaults, then CLI overrides
	pattern := cfg.Test.Pattern
	if patternFlag != "" {
		pattern = patternFlag
	}

	markers := cfg.Test.Markers
	if markerFlag != "" {
		markers = markerFlag
	}

	failFast := cfg.Test.FailFast || failFastFlag
	verbose := cfg.Test.Verbose || verboseFlag
	ascii := cfg.Test.Ascii || asciiFlag

	capture := true
	if cfg.Test.Capture != nil {
		capture = *cfg.Test.Capture
	}
	if noCaptureFlag {
		capture = false
	}

	colorOn := isTerminal(stdout)
	if cfg.Test.Color != nil {
		colorOn = *cfg.Test.Color
	}
	if noColorFlag {
		colorOn = false
	}

	cacheDir := cfg.Test.CacheDir
	if cacheDirFlag != "" {
		cacheDir = cacheDirFlag
	}

	// Load path: config + CLI (additive)
	loadPath := append([]string{}, cfg.Test.LoadPath...)
	loadPath = append(loadPath, loadPathFlags...)

	workers := parseWorkers(workersFlag, cfg.Test.Workers)

	// Parse paths for :: syntax (file::test_name)
	selection := make(map[string][]string)
	var paths []string
	for _, p := range fs.Args() {
		if idx := strings.Index(p, "::"); idx != -1 {
			file := p[:idx]
			selection[file] = append(selection[file], p[idx+2:])
			paths = append(paths, file)
		} else {
			paths = append(paths, p)
		}
	}

	log := zap.NewNop()
	if debugFlag {
		dev, err := zap.NewDevelopment()
		if err == nil {
			log = dev
			defer func() { _ = log.Sync() }()
		}
	}

	opts := runner.DefaultOptions()
	opts.Pattern = pattern
	opts.Markers = markers
	opts.Selection = selection
	opts.LoadPath = loadPath
	opts.FailFast = failFast
	opts.LastFailed = lastFailedFlag
	opts.FailedFirst = failedFirstFlag
	opts.Capture = capture
	opts.Ascii = ascii
	opts.CacheDir = cacheDir
	opts.Workers = workers
	opts.UpdateSnapshots = updateSnapshotsFlag
	opts.Stdout = stdout
	opts.Stderr = stderr
	opts.Logger = log

	var sinks events.Sinks
	if jsonFlag {
		sinks = append(sinks, runner.NewJSONRenderer(stdout))
	} else {
		sinks = append(sinks, runner.NewTextRenderer(stdout, runner.TextOptions{
			Verbose: verbose,
			Color:   colorOn,
			Ascii:   ascii,
		}))
	}
	opts.Sink = sinks

	r := runner.New(opts)

	if listFlag {
		ids, err := r.List(paths)
		if err != nil {
			cli.Writef(stderr, "startest: %v\n", err)
			return cli.ExitUsage
		}
		for _, id := range ids {
			cli.Writeln(stdout, id)
		}
		return cli.ExitOK
	}

	if watchFlag {
		return runWatchMode(r, opts, cfg, paths, affectedOnlyFlag, stdout, stderr)
	}

	report, err := r.Run(paths)
	if err != nil {
		cli.Writef(stderr, "startest: %v\n", err)
		return cli.ExitUsage
	}

	if junitFlag != "" {
		if err := writeJUnitFile(junitFlag, report); err != nil {
			// The tests already ran; report the missing artifact but keep
			// the run's exit code.
			cli.Writef(stderr, "startest: junit: %v\n", err)
		}
	}

	if report.OK() {
		return cli.ExitOK
	}
	return cli.ExitFailed
}

func writeJUnitFile(path string, report *runner.RunReport) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := runner.WriteJUnit(f, report); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// runWatchMode runs tests continuously, re-running on file changes.
func runWatchMode(
	r *runner.Runner,
	opts runner.Options,
	cfg *config.Config,
	paths []string,
	affectedOnly bool,
	stdout, stderr io.Writer,
) int {
	root, err := runner.ResolveRoot(paths)
	if err != nil {
		cli.Writef(stderr, "startest: %v\n", err)
		return cli.ExitUsage
	}

	watcher, err := runner.NewWatcher(root, opts.Patterns, opts.Logger)
	if err != nil {
		cli.Writef(stderr, "startest: creating watcher: %v\n", err)
		return cli.ExitUsage
	}
	defer func() { _ = watcher.Close() }()

	runOnce := func(runPaths []string) {
		if _, err := r.Run(runPaths); err != nil {
			cli.Writef(stderr, "startest: %v\n", err)
			return
		}
		files, col := r.LastCollection()
		if err := watcher.Track(files, col); err != nil {
			cli.Writef(stderr, "startest: watching: %v\n", err)
		}
	}

	runOnce(paths)
	cli.Writef(stdout, "\nwatching %d file(s) for changes, press ctrl-c to stop\n", len(watcher.WatchedFiles()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			cli.Writeln(stdout, "\nstopping watch mode")
			return cli.ExitOK

		case event := <-watcher.Events:
			affected := make(map[string]bool)
			for _, f := range event.Affected {
				affected[f] = true
			}
			// Editors fire bursts of events on save; coalesce them.
			if debounce := cfg.Watch.Debounce.Duration; debounce > 0 {
				timer := time.NewTimer(debounce)
			drain:
				for {
					select {
					case more := <-watcher.Events:
						for _, f := range more.Affected {
							affected[f] = true
						}
					case <-timer.C:
						break drain
					}
				}
			}

			cli.Writef(stdout, "\033[2J\033[H") // clear screen, cursor home
			cli.Writef(stdout, "file changed: %s\n\n", filepath.Base(event.File))

			runPaths := paths
			if affectedOnly {
				runPaths = sortedKeys(affected)
				if len(runPaths) == 0 {
					cli.Writeln(stdout, "no affected tests to run")
					continue
				}
			}
			runOnce(runPaths)
			cli.Writef(stdout, "\nwatching for changes, press ctrl-c to stop\n")

		case err := <-watcher.Errors:
			cli.Writef(stderr, "startest: watcher error: %v\n", err)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// parseWorkers resolves the collection worker count from the flag and the
// config value, first non-empty wins. Returns 1 for sequential collection
// (empty, "1", invalid values) and runtime.NumCPU() for "auto".
func parseWorkers(flagVal, cfgVal string) int {
	v := flagVal
	if v == "" {
		v = cfgVal
	}
	if v == "" || v == "1" {
		return 1
	}
	if strings.EqualFold(v, "auto") {
		return runtime.NumCPU()
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func usage(fs *flag.FlagSet, stderr io.Writer) {
	cli.Writeln(stderr, "Usage: startest [flags] <paths...>")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "Fixture-based test runner for Starlark files.")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "Discovers test files matching test_*.star / *_test.star, collects test")
	cli.Writeln(stderr, "functions (test_* prefix) and Test* suites, and runs them with fixture")
	cli.Writeln(stderr, "injection, parametrization, and cooperative async scheduling.")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "Features:")
	cli.Writeln(stderr, "  - Fixtures with five scopes, autouse, params, and finalizers (conftest.star)")
	cli.Writeln(stderr, "  - Parametrized tests: parametrize(\"a,b\", [(1, 2), (3, 4)])")
	cli.Writeln(stderr, "  - skip / xfail markers with conditions and match patterns")
	cli.Writeln(stderr, "  - Cooperative async tests sharing an event loop (cooperative, sleep)")
	cli.Writeln(stderr, "  - Built-in assert module, snapshot testing, mock and tmpdir fixtures")
	cli.Writeln(stderr, "  - Test filtering (-k, -m, file.star::test_name)")
	cli.Writeln(stderr, "  - Re-run failures (--lf, --ff), fail fast (-x)")
	cli.Writeln(stderr, "  - Multiple output formats (text, JSON events, JUnit XML)")
	cli.Writeln(stderr, "  - Watch mode with load() dependency tracking (--watch)")
	cli.Writeln(stderr, "  - Configuration via startest.toml or config.star")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "Flags:")
	fs.PrintDefaults()
	cli.Writeln(stderr)
	cli.Writeln(stderr, "Examples:")
	cli.Writeln(stderr, "  startest .                        # Run tests under the current directory")
	cli.Writeln(stderr, "  startest tests/test_math.star     # Run one file")
	cli.Writeln(stderr, "  startest tests/a.star::test_add   # Run one test")
	cli.Writeln(stderr, "  startest -k parse                 # Run tests whose id contains 'parse'")
	cli.Writeln(stderr, "  startest -k 'not slow'            # Exclude ids containing 'slow'")
	cli.Writeln(stderr, "  startest -m integration           # Run tests marked 'integration'")
	cli.Writeln(stderr, "  startest --lf                     # Re-run last failures only")
	cli.Writeln(stderr, "  startest -x tests/                # Stop at the first failure")
	cli.Writeln(stderr, "  startest --json tests/            # Line-delimited JSON events")
	cli.Writeln(stderr, "  startest --junit report.xml .     # JUnit XML for CI")
	cli.Writeln(stderr, "  startest -w .                     # Watch mode, re-run on changes")
	cli.Writeln(stderr, "  startest --list .                 # List test ids without running")
	cli.Writeln(stderr, "  startest --workers auto .         # Parallel collection")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "Configuration:")
	cli.Writeln(stderr, "  Config resolution order:")
	cli.Writeln(stderr, "    1. --config flag (if specified)")
	cli.Writeln(stderr, "    2. STARTEST_CONFIG environment variable (if set)")
	cli.Writeln(stderr, "    3. Walk up directories looking for: config.star, startest.toml")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "  Only one config file may exist per directory. CLI flags override config.")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "  startest.toml example:")
	cli.Writeln(stderr, "    [test]")
	cli.Writeln(stderr, "    markers = \"not slow\"")
	cli.Writeln(stderr, "    workers = \"auto\"")
	cli.Writeln(stderr, "    load_path = [\"shared\"]")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "  config.star example (dynamic):")
	cli.Writeln(stderr, "    def configure():")
	cli.Writeln(stderr, "        ci = getenv(\"CI\", \"\") != \"\"")
	cli.Writeln(stderr, "        return {")
	cli.Writeln(stderr, "            \"test\": {")
	cli.Writeln(stderr, "                \"workers\": \"1\" if ci else \"auto\",")
	cli.Writeln(stderr, "                \"fail_fast\": ci,")
	cli.Writeln(stderr, "            },")
	cli.Writeln(stderr, "        }")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "Test file quick reference:")
	cli.Writeln(stderr, "  def test_add():")
	cli.Writeln(stderr, "      assert.eq(1 + 1, 2)")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "  def db(): return make_db()")
	cli.Writeln(stderr, "  db = fixture(db, scope=\"module\")")
	cli.Writeln(stderr)
	cli.Writeln(stderr, "  def test_query(db):")
	cli.Writeln(stderr, "      assert.contains(db.tables(), \"users\")")
	cli.Writeln(stderr, "  test_query = parametrize(\"n\", [1, 2, 3])(test_query)")
}
