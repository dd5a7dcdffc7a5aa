// Package sequence implements the asynchronous step engine used to launch,
// restart and shut down debug targets.
//
// A sequence runs the steps of one group strictly in order, each step
// completing a fresh monitor before the next one starts. When a step fails,
// or the sequence monitor is cancelled before a step starts, the rollback
// handlers of the steps that already succeeded run in reverse order and the
// sequence monitor is completed with the original failure.
package sequence

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/logging"
	"github.com/dshills/mictl/internal/metrics"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/status"
)

// Sequence is one execution of a step order.
type Sequence struct {
	name     string
	exec     *executor.Executor
	provider Provider
	group    string
	rm       *monitor.RequestMonitor
	log      zerolog.Logger

	mu      sync.Mutex
	steps   []Step
	states  []State
	started bool
}

// New creates a sequence named name that runs the steps of group from
// provider and completes rm when finished.
func New(exec *executor.Executor, name string, provider Provider, group string, rm *monitor.RequestMonitor) *Sequence {
	return &Sequence{
		name:     name,
		exec:     exec,
		provider: provider,
		group:    group,
		rm:       rm,
		log:      logging.For("sequence").With().Str("sequence", name).Logger(),
	}
}

// Name returns the sequence name.
func (s *Sequence) Name() string {
	return s.name
}

// Monitor returns the monitor completed when the sequence finishes.
func (s *Sequence) Monitor() *monitor.RequestMonitor {
	return s.rm
}

// Start schedules the sequence on its executor.
func (s *Sequence) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.exec.Execute(s.run); err != nil {
		s.rm.DoneWith(status.Wrap(status.InternalError, err, "cannot start "+s.name))
		return err
	}
	return nil
}

// Steps returns a snapshot of the resolved steps and their states. It is
// empty until the sequence has started running.
func (s *Sequence) Steps() []StepInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepInfo, len(s.steps))
	for i, st := range s.steps {
		out[i] = StepInfo{Name: st.Name, State: s.states[i]}
	}
	return out
}

func (s *Sequence) run() {
	steps, err := Resolve(s.provider, s.group)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot resolve steps")
		s.rm.DoneWith(status.Wrap(status.InternalError, err, s.name))
		return
	}

	s.mu.Lock()
	s.steps = steps
	s.states = make([]State, len(steps))
	s.mu.Unlock()

	s.executeStep(0)
}

// Resolve returns the steps of group in execution order. It fails if the
// order cannot be built, names a step twice, or names a step without an
// execute handler.
func Resolve(p Provider, group string) ([]Step, error) {
	order := p.ExecutionOrder(group)
	if order == nil {
		return nil, fmt.Errorf("no execution order for group %q", group)
	}
	if err := order.Err(); err != nil {
		return nil, err
	}

	table := p.Steps()
	names := order.Names()
	seen := make(map[string]struct{}, len(names))
	steps := make([]Step, 0, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, name)
		}
		seen[name] = struct{}{}

		st, ok := table[name]
		if !ok || st.Execute == nil {
			return nil, fmt.Errorf("%w: %q", ErrMissingHandler, name)
		}
		st.Name = name
		steps = append(steps, st)
	}
	return steps, nil
}

func (s *Sequence) executeStep(i int) {
	if i >= len(s.steps) {
		s.log.Debug().Msg("sequence completed")
		s.rm.Done()
		return
	}
	if s.rm.IsCanceled() {
		s.log.Debug().Str("step", s.steps[i].Name).Msg("sequence cancelled")
		s.rollback(i-1, status.New(status.Cancelled, s.name+" cancelled"))
		return
	}

	step := s.steps[i]
	s.setState(i, StateRunning)
	s.log.Debug().Str("step", step.Name).Msg("executing step")

	// The sequence monitor is the parent only so that cancellation is
	// visible to the step; completion is handled here.
	srm := monitor.New(s.exec, s.rm).OnDone(func(err error) {
		metrics.RecordStep(s.name, step.Name, err == nil)
		if err != nil {
			s.setState(i, StateFailed)
			s.log.Debug().Str("step", step.Name).Err(err).Msg("step failed")
			s.rollback(i-1, err)
			return
		}
		s.setState(i, StateSucceeded)
		s.executeStep(i + 1)
	})
	s.invoke(step.Name, step.Execute, srm)
}

func (s *Sequence) rollback(i int, cause error) {
	for ; i >= 0; i-- {
		if s.steps[i].Rollback != nil {
			break
		}
		s.setState(i, StateRolledBack)
	}
	if i < 0 {
		s.rm.DoneWith(cause)
		return
	}

	step := s.steps[i]
	s.log.Debug().Str("step", step.Name).Msg("rolling back step")
	rrm := monitor.New(s.exec, nil).OnDone(func(err error) {
		metrics.RecordRollback(s.name, step.Name, err == nil)
		if err != nil {
			s.log.Warn().Str("step", step.Name).Err(err).Msg("rollback failed")
		}
		s.setState(i, StateRolledBack)
		s.rollback(i-1, cause)
	})
	s.invoke(step.Name, step.Rollback, rrm)
}

func (s *Sequence) invoke(name string, h Handler, rm *monitor.RequestMonitor) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("step", name).Interface("panic", r).Msg("step panicked")
			if !rm.IsDone() {
				rm.DoneWith(status.Newf(status.InternalError, "step %s panicked: %v", name, r))
			}
		}
	}()
	h(rm)
}

func (s *Sequence) setState(i int, st State) {
	s.mu.Lock()
	s.states[i] = st
	s.mu.Unlock()
}
