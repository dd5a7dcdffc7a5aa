package runcontrol

import (
	"slices"
	"time"

	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/sequence"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/backend"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Target availability steps.
const (
	StepIsTargetAvailable       = "stepIsTargetAvailable"
	StepMakeTargetAvailable     = "stepMakeTargetAvailable"
	StepExecuteQueuedOperations = "stepExecuteQueuedOperations"
	StepRestoreTargetState      = "stepRestoreTargetState"
)

// interrupter is implemented by the backend service.
type interrupter interface {
	InterruptAndWait(scope dmc.ExecutionContext, timeout time.Duration, rm *monitor.RequestMonitor)
}

type queuedOps struct {
	scope dmc.ExecutionContext
	ops   []func(*monitor.RequestMonitor)
	rm    *monitor.RequestMonitor
}

// ExecuteWithTargetAvailable implements service.RunControl. Operations
// requested while another batch holds the target are queued behind it.
// Queued batches within the held scope run before the target is resumed;
// the others get a round of their own.
func (r *RunControl) ExecuteWithTargetAvailable(ctx dmc.Context, ops []func(*monitor.RequestMonitor), rm *monitor.RequestMonitor) {
	r.queue = append(r.queue, queuedOps{scope: r.scopeOf(ctx), ops: ops, rm: rm})
	if r.active {
		return
	}
	r.drain()
}

// drain makes the target available for the union of the queued scopes and
// runs the batches.
func (r *RunControl) drain() {
	r.active = true
	scope := r.unionScope()
	s := &availableSequence{r: r, scope: scope}
	done := monitor.New(r.Executor(), nil).OnDone(func(err error) {
		r.active = false
		if err != nil {
			r.failQueued(scope, err)
		}
		if len(r.queue) > 0 {
			r.drain()
		}
	})
	if err := sequence.New(r.Executor(), "execute-with-target-available", s, sequence.GroupTop, done).Start(); err != nil {
		r.Log().Error().Err(err).Msg("cannot start target availability sequence")
	}
}

// unionScope returns the scope shared by every queued batch, or everything
// when they differ.
func (r *RunControl) unionScope() dmc.ExecutionContext {
	scope := r.queue[0].scope
	for _, q := range r.queue[1:] {
		if !dmc.Covers(scope, q.scope) {
			if dmc.Covers(q.scope, scope) {
				scope = q.scope
				continue
			}
			return dmc.NewGroup(r.Control(), dmc.GroupAllName)
		}
	}
	return scope
}

// takeQueued removes and returns the first queued batch within scope.
func (r *RunControl) takeQueued(scope dmc.ExecutionContext) (queuedOps, bool) {
	for i, q := range r.queue {
		if dmc.Covers(scope, q.scope) {
			r.queue = slices.Delete(r.queue, i, i+1)
			return q, true
		}
	}
	return queuedOps{}, false
}

// failQueued fails the queued batches within scope.
func (r *RunControl) failQueued(scope dmc.ExecutionContext, err error) {
	for {
		q, ok := r.takeQueued(scope)
		if !ok {
			return
		}
		q.rm.DoneWith(err)
	}
}

// scopeOf returns what has to be stopped for ctx to accept commands: its
// container, or everything for session-wide contexts.
func (r *RunControl) scopeOf(ctx dmc.Context) dmc.ExecutionContext {
	if c, ok := dmc.Ancestor[*dmc.Container](ctx); ok {
		return c
	}
	return dmc.NewGroup(r.Control(), dmc.GroupAllName)
}

type availableSequence struct {
	r           *RunControl
	scope       dmc.ExecutionContext
	available   bool
	interrupted bool
}

// ExecutionOrder implements sequence.Provider.
func (s *availableSequence) ExecutionOrder(string) *sequence.Order {
	return sequence.NewOrder(
		StepIsTargetAvailable,
		StepMakeTargetAvailable,
		StepExecuteQueuedOperations,
		StepRestoreTargetState,
	)
}

// Steps implements sequence.Provider.
func (s *availableSequence) Steps() sequence.Table {
	return sequence.NewTable().
		Set(StepIsTargetAvailable, s.stepIsTargetAvailable, nil).
		Set(StepMakeTargetAvailable, s.stepMakeTargetAvailable, s.rollbackMakeTargetAvailable).
		Set(StepExecuteQueuedOperations, s.stepExecuteQueuedOperations, nil).
		Set(StepRestoreTargetState, s.stepRestoreTargetState, nil)
}

// stepIsTargetAvailable decides whether the target must be interrupted. A
// non-stop backend accepts breakpoint commands while threads run.
func (s *availableSequence) stepIsTargetAvailable(rm *monitor.RequestMonitor) {
	s.available = s.r.variant.NonStop || s.r.IsSuspended(s.scope)
	rm.Done()
}

func (s *availableSequence) stepMakeTargetAvailable(rm *monitor.RequestMonitor) {
	if s.available {
		rm.Done()
		return
	}
	if s.r.visualizing {
		rm.Fail(status.InvalidState, "the target cannot be interrupted while trace data is shown")
		return
	}
	intr, err := session.Lookup[interrupter](s.r.Session(), service.RoleBackend)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	timeout := s.r.Attributes().Duration(config.KeyInterruptTimeout, backend.DefaultInterruptTimeout)
	intr.InterruptAndWait(s.scope, timeout, monitor.Then(s.r.Executor(), rm, func() {
		s.interrupted = true
		rm.Done()
	}))
}

func (s *availableSequence) rollbackMakeTargetAvailable(rm *monitor.RequestMonitor) {
	if !s.interrupted {
		rm.Done()
		return
	}
	s.interrupted = false
	s.r.Resume(s.scope, monitor.New(s.r.Executor(), nil).OnDone(func(err error) {
		if err != nil {
			s.r.Log().Warn().Err(err).Msg("cannot resume the target after a failed operation")
		}
		rm.Done()
	}))
}

// stepExecuteQueuedOperations runs every queued batch within the scope,
// including batches queued while it runs. A failing batch fails its own
// caller only.
func (s *availableSequence) stepExecuteQueuedOperations(rm *monitor.RequestMonitor) {
	q, ok := s.r.takeQueued(s.scope)
	if !ok {
		rm.Done()
		return
	}
	runInOrder(s.r, q.ops, monitor.New(s.r.Executor(), nil).OnDone(func(err error) {
		q.rm.DoneWith(err)
		s.stepExecuteQueuedOperations(rm)
	}))
}

func runInOrder(r *RunControl, ops []func(*monitor.RequestMonitor), rm *monitor.RequestMonitor) {
	if len(ops) == 0 {
		rm.Done()
		return
	}
	ops[0](monitor.Then(r.Executor(), rm, func() {
		runInOrder(r, ops[1:], rm)
	}))
}

func (s *availableSequence) stepRestoreTargetState(rm *monitor.RequestMonitor) {
	if !s.interrupted {
		rm.Done()
		return
	}
	s.interrupted = false
	s.r.Resume(s.scope, rm)
}
