package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// Executor walks a plan step by step, materializing fixtures, invoking
// tests, and emitting the event stream. It owns the fixture cache, the
// event loops, and the scope boundary bookkeeping.
type Executor struct {
	root        string
	opts        Options
	resolutions map[string]*Resolution
	cache       *FixtureCache
	loops       *LoopManager
	sink        events.Sink
	log         *zap.Logger
	snapshots   *SnapshotManager

	report       *RunReport
	openPackages []string
	stopped      bool
}

// NewExecutor prepares an executor for one run.
func NewExecutor(root string, opts Options, resolutions map[string]*Resolution, sink events.Sink, log *zap.Logger) *Executor {
	if sink == nil {
		sink = events.Null{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		root:        root,
		opts:        opts,
		resolutions: resolutions,
		cache:       NewFixtureCache(),
		loops:       NewLoopManager(),
		sink:        sink,
		log:         log,
		snapshots:   NewSnapshotManager(opts.UpdateSnapshots),
		report:      NewRunReport(),
	}
}

// Execute runs the plan to completion, or to the first bad outcome under
// fail-fast, and returns the report.
func (e *Executor) Execute(plan *TestPlan) *RunReport {
	start := time.Now()
	e.sink.Emit(events.RunStarted{Time: start, TotalItems: plan.Total(), Ascii: e.opts.Ascii})

	for i, step := range plan.Steps {
		if e.stopped {
			break
		}
		next := nextItem(plan, i)
		if step.Batch != nil {
			e.runBatch(step.Batch, next)
		} else {
			e.runItem(step.Item, next)
		}
	}

	e.report.Summary.Duration = time.Since(start)
	e.sink.Emit(events.RunEnded{Time: time.Now(), Summary: e.report.Summary})
	if n := e.snapshots.Updated(); n > 0 {
		e.log.Debug("snapshots updated", zap.Int("count", n))
	}
	return e.report
}

// nextItem is the first item of the step after i, or nil at the end.
func nextItem(plan *TestPlan, i int) *TestItem {
	if i+1 >= len(plan.Steps) {
		return nil
	}
	return plan.Steps[i+1].Members()[0]
}

// runItem executes one synchronous plan step through the full protocol:
// start event, skip gate, fixture setup, invocation, classification,
// boundary finalization, end event.
func (e *Executor) runItem(item *TestItem, next *TestItem) {
	e.openPackages = pushPackage(e.openPackages, item.Dir())
	start := time.Now()
	e.sink.Emit(events.TestStarted{Time: start, ID: item.ID, Path: item.Path})
	cap := e.newCapture()

	var (
		outcome Outcome
		reason  string
		diag    *events.Diagnostic
	)
	res := e.resolutions[item.ID]
	switch {
	case item.CollectErr != nil:
		outcome, diag = OutcomeErrored, Diagnose(item.CollectErr, e.root)
	case res != nil && res.Err != nil:
		outcome, diag = OutcomeErrored, Diagnose(res.Err, e.root)
	default:
		outcome, reason, diag = e.execute(item, res, cap)
	}
	duration := time.Since(start)

	if e.opts.FailFast && outcome.Bad() {
		e.stopped = true
		next = nil
	}
	e.finalizeBoundaries(item, next, cap)

	e.sink.Emit(events.TestEnded{
		Time:       time.Now(),
		ID:         item.ID,
		Outcome:    string(outcome),
		Duration:   duration,
		Stdout:     cap.Stdout(),
		Stderr:     cap.Stderr(),
		Reason:     reason,
		Diagnostic: diag,
	})
	e.record(item, outcome, duration, reason, cap, diag)
	e.log.Debug("test finished",
		zap.String("id", item.ID),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", duration))
}

// execute runs the skip gate, fixture setup, and the test body for one
// item, classifying the result.
func (e *Executor) execute(item *TestItem, res *Resolution, cap *capture) (Outcome, string, *events.Diagnostic) {
	if item.Skip {
		skipped, outcome, reason, diag := e.evalSkip(item, cap)
		if skipped || outcome == OutcomeErrored {
			return outcome, reason, diag
		}
	}

	values, err := e.setUp(item, res, cap, nil)
	if err != nil {
		// Already-acquired fixtures for this item are released before the
		// item is reported; wider scopes stay alive for their other users.
		e.runFinalizers(scopeInstance{ScopeFunction, item.ID}, cap)
		return e.classifySetup(err)
	}

	invokeErr := e.invoke(item, values, cap, nil)
	return e.classify(item, invokeErr)
}

// evalSkip applies a skip marker. Conditions run just before the test
// would; a condition error counts as a setup error.
func (e *Executor) evalSkip(item *TestItem, cap *capture) (bool, Outcome, string, *events.Diagnostic) {
	if item.SkipWhen == nil {
		return true, OutcomeSkipped, item.SkipReason, nil
	}
	thread := e.newThread(item, cap)
	v, err := starlark.Call(thread, item.SkipWhen, nil, nil)
	if err != nil {
		return false, OutcomeErrored, "", Diagnose(err, e.root)
	}
	if v.Truth() {
		return true, OutcomeSkipped, item.SkipReason, nil
	}
	return false, "", "", nil
}

// setUp materializes the item's fixtures in resolution order, reusing
// cached values for live scope instances. loop is the batch loop when
// running under a batch, nil otherwise.
func (e *Executor) setUp(item *TestItem, res *Resolution, cap *capture, loop *EventLoop) (map[string]starlark.Value, error) {
	values := make(map[string]starlark.Value)
	if res == nil {
		return values, nil
	}
	for _, rf := range res.Order {
		f := rf.fixture
		inst := scopeInstance{f.Scope, item.ScopeKey(f.Scope)}
		identity := f.identity(rf.param.ID)
		if v, ok := e.cache.Get(inst, identity); ok {
			values[f.Name] = v
			continue
		}

		args := make(starlark.Tuple, 0, len(f.Deps))
		for _, dep := range f.Deps {
			if dep == "request" {
				args = append(args, newRequestValue(item, rf))
				continue
			}
			v, ok := values[dep]
			if !ok {
				return nil, fmt.Errorf("fixture %q: no value for dependency %q", f.Name, dep)
			}
			args = append(args, v)
		}

		v, err := e.callFixture(item, f, args, cap, loop)
		if err != nil {
			return nil, err
		}
		if f.Finalize {
			value, fin, err := splitFinalize(f, v)
			if err != nil {
				return nil, err
			}
			v = value
			e.cache.AddFinalizer(inst, finalizerEntry{
				name:        f.Name,
				fn:          fin,
				cooperative: f.Cooperative,
			})
		}
		e.cache.Put(inst, identity, v)
		values[f.Name] = v
	}
	return values, nil
}

// callFixture invokes a fixture callable on the right execution surface.
func (e *Executor) callFixture(item *TestItem, f *Fixture, args starlark.Tuple, cap *capture, loop *EventLoop) (starlark.Value, error) {
	if !f.Cooperative {
		thread := e.newThread(item, cap)
		return starlark.Call(thread, f.Fn, args, nil)
	}
	l, ephemeral := e.fixtureLoop(f, item, loop)
	if ephemeral {
		defer l.Close()
	}
	return l.RunUntilComplete(Task{
		Name:   item.ID + "/" + f.Name,
		Fn:     f.Fn,
		Args:   args,
		Print:  cap.print,
		Locals: e.threadLocals(item, cap),
	})
}

// fixtureLoop picks the loop a cooperative fixture runs on. Session and
// package scoped fixtures share the session loop; class and module scoped
// ones get loops that live exactly as long as their fixture scope.
// Function scoped fixtures ride the current batch loop, or a one-shot loop
// when there is none.
func (e *Executor) fixtureLoop(f *Fixture, item *TestItem, current *EventLoop) (*EventLoop, bool) {
	switch f.Scope {
	case ScopeClass:
		return e.loops.Get(scopeInstance{ScopeClass, item.ScopeKey(ScopeClass)}), false
	case ScopeModule:
		return e.loops.Get(scopeInstance{ScopeModule, item.ScopeKey(ScopeModule)}), false
	case ScopePackage, ScopeSession:
		return e.loops.Get(scopeInstance{ScopeSession, sessionKey}), false
	default:
		if current != nil {
			return current, false
		}
		return NewEventLoop(), true
	}
}

// splitFinalize unpacks the (value, finalizer) pair a finalize fixture
// must return.
func splitFinalize(f *Fixture, v starlark.Value) (starlark.Value, starlark.Callable, error) {
	tup, ok := v.(starlark.Tuple)
	if !ok || len(tup) != 2 {
		return nil, nil, fmt.Errorf("finalize fixture %q must return a (value, finalizer) pair, got %s", f.Name, v.Type())
	}
	fin, ok := tup[1].(starlark.Callable)
	if !ok {
		return nil, nil, fmt.Errorf("finalize fixture %q: second element must be callable, got %s", f.Name, tup[1].Type())
	}
	return tup[0], fin, nil
}

// invoke calls the test body with its arguments bound.
func (e *Executor) invoke(item *TestItem, values map[string]starlark.Value, cap *capture, loop *EventLoop) error {
	args, err := bindArgs(item, values)
	if err != nil {
		return err
	}

	if item.Cooperative {
		owned := false
		if loop == nil {
			loop = NewEventLoop()
			owned = true
		}
		_, err := loop.RunUntilComplete(Task{
			Name:   item.ID,
			Fn:     item.Fn,
			Args:   args,
			Print:  cap.print,
			Locals: e.threadLocals(item, cap),
		})
		if owned {
			loop.Close()
		}
		return err
	}
	thread := e.newThread(item, cap)
	_, err = starlark.Call(thread, item.Fn, args, nil)
	return err
}

// classify maps the test body's error to an outcome.
func (e *Executor) classify(item *TestItem, err error) (Outcome, string, *events.Diagnostic) {
	if err == nil {
		if item.XFail {
			return OutcomeXPassed, item.XFailReason, nil
		}
		return OutcomePassed, "", nil
	}
	var skip *skipDirective
	if errors.As(err, &skip) {
		return OutcomeSkipped, skip.reason, nil
	}
	var xf *xfailDirective
	if errors.As(err, &xf) {
		return OutcomeXFailed, xf.reason, nil
	}
	if item.XFail {
		if item.XFailMatch == "" || strings.Contains(errorMessage(err), item.XFailMatch) {
			return OutcomeXFailed, item.XFailReason, nil
		}
	}
	return OutcomeFailed, "", Diagnose(err, e.root)
}

// classifySetup maps a fixture setup error to an outcome. Skip and xfail
// directives raised inside fixtures carry through to the test; everything
// else is an error, not a failure.
func (e *Executor) classifySetup(err error) (Outcome, string, *events.Diagnostic) {
	var skip *skipDirective
	if errors.As(err, &skip) {
		return OutcomeSkipped, skip.reason, nil
	}
	var xf *xfailDirective
	if errors.As(err, &xf) {
		return OutcomeXFailed, xf.reason, nil
	}
	return OutcomeErrored, "", Diagnose(err, e.root)
}

// finalizeBoundaries runs every finalizer whose scope instance ends after
// item, narrowest scope first, and closes the matching event loops. A nil
// next ends everything, including the session.
func (e *Executor) finalizeBoundaries(item, next *TestItem, cap *capture) {
	ending, remaining := endingInstances(item, next, e.openPackages)
	e.openPackages = remaining
	for _, inst := range ending {
		e.runFinalizers(inst, cap)
		switch inst.scope {
		case ScopeClass, ScopeModule, ScopeSession:
			e.loops.CloseScope(inst)
		}
	}
	if next == nil {
		e.loops.CloseAll()
	}
}

// runFinalizers drains an instance's finalizer stack LIFO. Failures become
// warnings; every finalizer still runs.
func (e *Executor) runFinalizers(inst scopeInstance, cap *capture) {
	for _, fin := range e.cache.TakeFinalizers(inst) {
		if err := e.callFinalizer(fin, cap); err != nil {
			e.warn("finalizer "+fin.name, errorMessage(err))
		}
	}
}

// callFinalizer invokes one finalizer. Cooperative finalizers get a
// one-shot loop so sleep works during teardown without depending on the
// lifetime of the loop their fixture ran on.
func (e *Executor) callFinalizer(fin finalizerEntry, cap *capture) error {
	if fin.cooperative {
		loop := NewEventLoop()
		defer loop.Close()
		_, err := loop.RunUntilComplete(Task{
			Name:   "finalize " + fin.name,
			Fn:     fin.fn,
			Print:  cap.print,
			Locals: map[string]interface{}{captureLocalKey: cap},
		})
		return err
	}
	thread := &starlark.Thread{Name: "finalize " + fin.name, Print: cap.print}
	thread.SetLocal(captureLocalKey, cap)
	_, err := starlark.Call(thread, fin.fn, nil, nil)
	return err
}

func (e *Executor) warn(context, msg string) {
	e.sink.Emit(events.Warning{Time: time.Now(), Context: context, Message: msg})
	e.log.Warn("run warning", zap.String("context", context), zap.String("message", msg))
}

func (e *Executor) record(item *TestItem, outcome Outcome, d time.Duration, reason string, cap *capture, diag *events.Diagnostic) {
	e.report.Record(Result{
		ID:         item.ID,
		Path:       item.Path,
		Outcome:    outcome,
		Duration:   d,
		Reason:     reason,
		Stdout:     cap.Stdout(),
		Stderr:     cap.Stderr(),
		Diagnostic: diag,
	})
}

func (e *Executor) newThread(item *TestItem, cap *capture) *starlark.Thread {
	thread := &starlark.Thread{Name: item.ID, Print: cap.print}
	for k, v := range e.threadLocals(item, cap) {
		thread.SetLocal(k, v)
	}
	return thread
}

// threadLocals seeds a test thread with the host facilities that ride on
// it.
func (e *Executor) threadLocals(item *TestItem, cap *capture) map[string]interface{} {
	return map[string]interface{}{
		captureLocalKey: cap,
		snapshotLocalKey: &snapshotScope{
			mgr:  e.snapshots,
			file: item.AbsPath,
			test: item.DisplayName(),
		},
	}
}

func (e *Executor) newCapture() *capture {
	return newCapture(e.opts.Capture, e.opts.Stdout, e.opts.Stderr)
}

// captureLocalKey carries the per-test capture on test threads, so the
// log builtin can reach the stderr channel.
const captureLocalKey = "startest.capture"

// capture buffers a test's output so it can be attached to the end event:
// print goes to the stdout side, log to the stderr side. With capturing
// off, both pass straight through.
type capture struct {
	enabled bool
	stdout  io.Writer
	stderr  io.Writer
	mu      sync.Mutex
	out     bytes.Buffer
	errOut  bytes.Buffer
}

func newCapture(enabled bool, stdout, stderr io.Writer) *capture {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &capture{enabled: enabled, stdout: stdout, stderr: stderr}
}

// print is installed as the thread's Print hook. Batch member tasks share
// nothing: each member gets its own capture, and the loop baton keeps user
// code single-threaded anyway.
func (c *capture) print(thread *starlark.Thread, msg string) {
	if !c.enabled {
		fmt.Fprintln(c.stdout, msg)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.WriteString(msg)
	c.out.WriteByte('\n')
}

// printErr is the log builtin's channel.
func (c *capture) printErr(msg string) {
	if !c.enabled {
		fmt.Fprintln(c.stderr, msg)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errOut.WriteString(msg)
	c.errOut.WriteByte('\n')
}

func (c *capture) Stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *capture) Stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errOut.String()
}
