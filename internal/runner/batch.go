package runner

import (
	"time"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/albertocavalcante/startest/internal/runner/events"
)

// runBatch executes an async batch: fixtures are set up sequentially, the
// test bodies run overlapped on one loop, and events flush in plan order
// once every member has finished. Per-item durations are the batch's
// elapsed wall time split evenly, since overlapped tasks have no useful
// individual wall time.
func (e *Executor) runBatch(b *AsyncBatch, next *TestItem) {
	start := time.Now()
	for _, it := range b.Members {
		e.openPackages = pushPackage(e.openPackages, it.Dir())
	}

	loop, owned := e.batchLoop(b)

	for _, it := range b.Members {
		e.sink.Emit(events.TestStarted{Time: time.Now(), ID: it.ID, Path: it.Path})
	}

	type member struct {
		item    *TestItem
		cap     *capture
		outcome Outcome
		reason  string
		diag    *events.Diagnostic
		taskIdx int
		ran     bool
	}
	members := make([]*member, len(b.Members))
	var tasks []Task

	for i, it := range b.Members {
		m := &member{item: it, cap: e.newCapture(), taskIdx: -1}
		members[i] = m

		if it.Skip {
			skipped, outcome, reason, diag := e.evalSkip(it, m.cap)
			if skipped || outcome == OutcomeErrored {
				m.outcome, m.reason, m.diag = outcome, reason, diag
				continue
			}
		}
		values, err := e.setUp(it, e.resolutions[it.ID], m.cap, loop)
		if err != nil {
			e.runFinalizers(scopeInstance{ScopeFunction, it.ID}, m.cap)
			m.outcome, m.reason, m.diag = e.classifySetup(err)
			continue
		}
		args, err := bindArgs(it, values)
		if err != nil {
			m.outcome, m.diag = OutcomeErrored, Diagnose(err, e.root)
			continue
		}
		tasks = append(tasks, Task{
			Name:   it.ID,
			Fn:     it.Fn,
			Args:   args,
			Print:  m.cap.print,
			Locals: e.threadLocals(it, m.cap),
		})
		m.taskIdx = len(tasks) - 1
		m.ran = true
	}

	results := loop.Gather(tasks)
	elapsed := time.Since(start)
	if owned {
		loop.Close()
	}
	perItem := elapsed
	if len(tasks) > 1 {
		perItem = elapsed / time.Duration(len(tasks))
	}

	for _, m := range members {
		if m.ran {
			m.outcome, m.reason, m.diag = e.classify(m.item, results[m.taskIdx].Err)
		}
	}

	// Teardown precedes the end events so finalizer output lands on the
	// member that closed the scope. A batch can span files, so the scope
	// boundaries between every adjacent member pair are walked, not just
	// the one after the last member.
	for i, m := range members {
		following := next
		if i+1 < len(members) {
			following = members[i+1].item
		}
		e.finalizeBoundaries(m.item, following, m.cap)
	}

	for _, m := range members {
		d := perItem
		if !m.ran {
			d = 0
		}
		e.sink.Emit(events.TestEnded{
			Time:       time.Now(),
			ID:         m.item.ID,
			Outcome:    string(m.outcome),
			Duration:   d,
			Stdout:     m.cap.Stdout(),
			Stderr:     m.cap.Stderr(),
			Reason:     m.reason,
			Diagnostic: m.diag,
		})
		e.record(m.item, m.outcome, d, m.reason, m.cap, m.diag)
	}
	e.log.Debug("batch finished",
		zap.Int("members", len(b.Members)),
		zap.Duration("elapsed", elapsed))
}

// batchLoop returns the loop the batch runs on. Function loop scope gets a
// fresh loop owned by the batch; wider scopes share the managed loop for
// their instance.
func (e *Executor) batchLoop(b *AsyncBatch) (*EventLoop, bool) {
	if b.LoopScope == ScopeFunction {
		return NewEventLoop(), true
	}
	return e.loops.Get(loopInstance(b.Members[0])), false
}

// bindArgs assembles a test's positional arguments from direct parameters
// and fixture values.
func bindArgs(item *TestItem, values map[string]starlark.Value) (starlark.Tuple, error) {
	args := make(starlark.Tuple, 0, len(item.ArgNames))
	for _, name := range item.ArgNames {
		if pv, ok := item.Params[name]; ok {
			args = append(args, pv.Value)
			continue
		}
		v, ok := values[name]
		if !ok {
			return nil, errMissingArg(item, name)
		}
		args = append(args, v)
	}
	return args, nil
}

func errMissingArg(item *TestItem, name string) error {
	return &ResolveError{Item: item.ID, Missing: name}
}
