package runner

import (
	"errors"
	"sync"
	"time"

	"go.starlark.net/starlark"
)

// ErrLoopClosed cancels tasks suspended on a loop that shut down.
var ErrLoopClosed = errors.New("event loop closed")

// taskLocalKey carries the running task in its thread's locals, so the
// sleep builtin can find the loop it must suspend on.
const taskLocalKey = "startest.task"

// EventLoop runs cooperative tasks. Each task gets its own goroutine and
// interpreter thread, but a single run baton keeps at most one of them
// executing user code at a time; sleeping releases the baton while the
// timer counts down elsewhere. Three tasks sleeping 100ms each therefore
// finish in about 100ms of wall time, without data races in user code.
type EventLoop struct {
	baton     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		baton:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Task describes one callable scheduled on a loop.
type Task struct {
	Name   string
	Fn     starlark.Callable
	Args   starlark.Tuple
	Kwargs []starlark.Tuple
	Print  func(*starlark.Thread, string)

	// Locals seed the task thread's locals, for host facilities that ride
	// on the thread such as snapshots and mocks.
	Locals map[string]interface{}
}

// TaskResult pairs one task's return value with its error. Task errors are
// isolated: one failing task never poisons its peers' results.
type TaskResult struct {
	Value starlark.Value
	Err   error
}

// Gather runs the tasks concurrently and waits for all of them. Tasks
// begin executing in slice order: each is launched only after the previous
// one has taken the baton for the first time.
func (l *EventLoop) Gather(tasks []Task) []TaskResult {
	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i := range tasks {
		started := make(chan struct{})
		wg.Add(1)
		go l.runTask(&tasks[i], &results[i], &wg, started)
		<-started
	}
	wg.Wait()
	return results
}

// RunUntilComplete runs a single task to completion.
func (l *EventLoop) RunUntilComplete(task Task) (starlark.Value, error) {
	results := l.Gather([]Task{task})
	return results[0].Value, results[0].Err
}

// Close wakes every suspended task with ErrLoopClosed. Tasks holding the
// baton finish their current slice normally. Safe to call repeatedly.
func (l *EventLoop) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

// Closed reports whether Close has been called.
func (l *EventLoop) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *EventLoop) runTask(task *Task, res *TaskResult, wg *sync.WaitGroup, started chan struct{}) {
	defer wg.Done()
	thread := &starlark.Thread{Name: task.Name, Print: task.Print}
	for k, v := range task.Locals {
		thread.SetLocal(k, v)
	}
	lt := &loopTask{loop: l, thread: thread}
	thread.SetLocal(taskLocalKey, lt)

	if err := lt.acquire(); err != nil {
		close(started)
		res.Err = err
		return
	}
	close(started)
	v, err := starlark.Call(thread, task.Fn, task.Args, task.Kwargs)
	if lt.holding {
		lt.release()
	}
	res.Value, res.Err = v, err
}

// loopTask is the per-task state. Only the task's own goroutine touches
// holding, so no lock guards it.
type loopTask struct {
	loop    *EventLoop
	thread  *starlark.Thread
	holding bool
}

func currentTask(thread *starlark.Thread) *loopTask {
	t, _ := thread.Local(taskLocalKey).(*loopTask)
	return t
}

func (t *loopTask) acquire() error {
	select {
	case t.loop.baton <- struct{}{}:
		t.holding = true
		return nil
	case <-t.loop.closed:
		return ErrLoopClosed
	}
}

func (t *loopTask) release() {
	t.holding = false
	<-t.loop.baton
}

// sleep suspends the task for d, releasing the loop to peers. It returns
// ErrLoopClosed if the loop closes before the task can resume.
func (t *loopTask) sleep(d time.Duration) error {
	t.release()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return t.acquire()
	case <-t.loop.closed:
		return ErrLoopClosed
	}
}

// LoopManager lends loops out per scope instance, creating each on first
// use. The executor closes them when the matching fixture scope ends, so a
// module-scoped loop lives exactly as long as the module's fixtures.
type LoopManager struct {
	loops map[scopeInstance]*EventLoop
}

func NewLoopManager() *LoopManager {
	return &LoopManager{loops: make(map[scopeInstance]*EventLoop)}
}

// Get returns the loop for a scope instance, creating it if needed.
func (m *LoopManager) Get(inst scopeInstance) *EventLoop {
	if l, ok := m.loops[inst]; ok {
		return l
	}
	l := NewEventLoop()
	m.loops[inst] = l
	return l
}

// CloseScope closes and forgets the loop for inst, if one exists.
func (m *LoopManager) CloseScope(inst scopeInstance) {
	if l, ok := m.loops[inst]; ok {
		l.Close()
		delete(m.loops, inst)
	}
}

// CloseAll closes every remaining loop.
func (m *LoopManager) CloseAll() {
	for inst, l := range m.loops {
		l.Close()
		delete(m.loops, inst)
	}
}

// loopInstance maps a cooperative item to the scope instance whose loop it
// shares. Function-scope loops are private to an item or batch and are not
// managed here.
func loopInstance(item *TestItem) scopeInstance {
	switch item.LoopScope {
	case ScopeClass:
		return scopeInstance{ScopeClass, item.ScopeKey(ScopeClass)}
	case ScopeModule:
		return scopeInstance{ScopeModule, item.ScopeKey(ScopeModule)}
	case ScopeSession:
		return scopeInstance{ScopeSession, sessionKey}
	default:
		return scopeInstance{ScopeFunction, item.ID}
	}
}
