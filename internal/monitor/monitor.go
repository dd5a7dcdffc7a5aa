// Package monitor provides the single-assignment completion tokens used by
// every asynchronous operation of a debug session.
//
// A RequestMonitor is created by the caller, handed to the callee and
// completed exactly once with Done or DoneWith. Completion is dispatched on
// the session executor: the success or failure handler runs, and by default
// the result is forwarded to the parent monitor. Monitors therefore chain
// into trees whose root is typically owned by a sequence or a blocking
// entry point that calls Wait.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/logging"
	"github.com/dshills/mictl/internal/status"
)

// RequestMonitor is a completion token carrying a success or failure status.
type RequestMonitor struct {
	exec   *executor.Executor
	parent *RequestMonitor

	mu        sync.Mutex
	err       error
	done      bool
	onSuccess func()
	onFailure func(err error)
	onDone    func(err error)
	count     *countState

	cancelled atomic.Bool
	finished  chan struct{}
}

type countState struct {
	target int
	set    bool
	seen   int
	errs   []error
}

// New creates a monitor that forwards its result to parent, which may be nil.
func New(exec *executor.Executor, parent *RequestMonitor) *RequestMonitor {
	return &RequestMonitor{
		exec:     exec,
		parent:   parent,
		finished: make(chan struct{}),
	}
}

// Then creates a child of parent that runs fn on success. Failures are
// forwarded to parent; on success fn is responsible for completing parent.
func Then(exec *executor.Executor, parent *RequestMonitor, fn func()) *RequestMonitor {
	return New(exec, parent).OnSuccess(fn)
}

// Executor returns the executor completions are dispatched on.
func (m *RequestMonitor) Executor() *executor.Executor {
	return m.exec
}

// Parent returns the parent monitor, or nil.
func (m *RequestMonitor) Parent() *RequestMonitor {
	return m.parent
}

// OnSuccess replaces the default success behaviour, which completes the
// parent. The handler must complete the parent itself when it needs to.
func (m *RequestMonitor) OnSuccess(fn func()) *RequestMonitor {
	m.mu.Lock()
	m.onSuccess = fn
	m.mu.Unlock()
	return m
}

// OnFailure replaces the default failure behaviour, which completes the
// parent with the same error.
func (m *RequestMonitor) OnFailure(fn func(err error)) *RequestMonitor {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
	return m
}

// OnDone installs a handler that runs for every outcome instead of the
// success and failure handlers.
func (m *RequestMonitor) OnDone(fn func(err error)) *RequestMonitor {
	m.mu.Lock()
	m.onDone = fn
	m.mu.Unlock()
	return m
}

// SetStatus records the failure reported when the monitor completes.
// A nil err leaves an earlier failure in place.
func (m *RequestMonitor) SetStatus(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count != nil {
		m.count.errs = append(m.count.errs, err)
		return
	}
	m.err = err
}

// Status returns the recorded failure, or nil for success.
func (m *RequestMonitor) Status() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// IsSuccess reports whether no failure has been recorded.
func (m *RequestMonitor) IsSuccess() bool {
	return m.Status() == nil
}

// Cancel requests cancellation. The operation owning the monitor observes
// it through IsCanceled and completes with a cancelled status.
func (m *RequestMonitor) Cancel() {
	m.cancelled.Store(true)
}

// IsCanceled reports whether this monitor or any ancestor was cancelled.
func (m *RequestMonitor) IsCanceled() bool {
	for cur := m; cur != nil; cur = cur.parent {
		if cur.cancelled.Load() {
			return true
		}
	}
	return false
}

// IsDone reports whether the monitor has been completed.
func (m *RequestMonitor) IsDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Done completes the monitor with its current status.
func (m *RequestMonitor) Done() {
	m.complete(nil)
}

// DoneWith records err and completes the monitor.
func (m *RequestMonitor) DoneWith(err error) {
	m.complete(err)
}

// Fail completes the monitor with a status error built from code and msg.
func (m *RequestMonitor) Fail(code status.Code, msg string) {
	m.complete(status.New(code, msg))
}

// Wait blocks until the completion handlers have run or ctx ends, and
// returns the final status. It must not be called on the executor goroutine.
func (m *RequestMonitor) Wait(ctx context.Context) error {
	select {
	case <-m.finished:
		return m.Status()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finished returns a channel closed after the completion handlers ran.
func (m *RequestMonitor) Finished() <-chan struct{} {
	return m.finished
}

func (m *RequestMonitor) complete(err error) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		logger().Error().Err(errDoubleDone).Msg("completion token completed twice")
		return
	}
	if c := m.count; c != nil {
		if err != nil {
			c.errs = append(c.errs, err)
		}
		c.seen++
		if !c.set || c.seen < c.target {
			m.mu.Unlock()
			return
		}
		if len(c.errs) > 0 {
			m.err = joinErrors(c.errs)
		}
	} else if err != nil {
		m.err = err
	}
	m.done = true
	m.mu.Unlock()

	m.dispatch()
}

func (m *RequestMonitor) dispatch() {
	run := func() {
		defer close(m.finished)
		m.handle()
	}
	if m.exec == nil {
		run()
		return
	}
	if err := m.exec.Execute(run); err != nil {
		logger().Warn().Err(err).Msg("executor stopped; completing inline")
		run()
	}
}

func (m *RequestMonitor) handle() {
	m.mu.Lock()
	err := m.err
	onDone, onSuccess, onFailure := m.onDone, m.onSuccess, m.onFailure
	m.mu.Unlock()

	switch {
	case onDone != nil:
		onDone(err)
	case err == nil && onSuccess != nil:
		onSuccess()
	case err == nil:
		if m.parent != nil {
			m.parent.Done()
		}
	case onFailure != nil:
		onFailure(err)
	default:
		if m.parent != nil {
			m.parent.DoneWith(err)
		}
	}
}

var errDoubleDone = errors.New("done called more than once")

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func logger() *zerolog.Logger {
	l := logging.For("monitor")
	return &l
}
