// Package launch brings a debug session up and takes it down again.
//
// Start runs the launch sequence on the session executor: the services
// launch sequence starts the backend, learns its version and creates the
// services that version calls for, then the final launch sequence
// configures the backend and starts, attaches to or opens the target. A
// failure at any point rolls back what was done, shutting the services
// down again, so the session can be launched afresh.
//
// Shutdown terminates the backend and shuts the services down in reverse
// creation order.
package launch

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/factory"
	"github.com/dshills/mictl/internal/logging"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/sequence"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Launch steps.
const (
	StepServicesLaunch = "stepServicesLaunch"
	StepFinalLaunch    = "stepFinalLaunch"
)

// Launch drives one session through its lifecycle.
type Launch struct {
	sess    *session.Session
	factory *factory.Factory
	log     zerolog.Logger

	// Owned by the executor.
	started []session.Service

	mu        sync.Mutex
	container *dmc.Container
}

// New creates a launch for sess creating its services with f.
func New(sess *session.Session, f *factory.Factory) *Launch {
	return &Launch{
		sess:    sess,
		factory: f,
		log:     logging.For("launch").With().Str("session", sess.ID()).Logger(),
	}
}

// Session returns the launched session.
func (l *Launch) Session() *session.Session { return l.sess }

// Container returns the container of the debugged program once Start has
// succeeded.
func (l *Launch) Container() *dmc.Container {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.container
}

func (l *Launch) setContainer(c *dmc.Container) {
	l.mu.Lock()
	l.container = c
	l.mu.Unlock()
}

// Start launches the session and blocks until the target is under control.
// When ctx ends first the launch is cancelled and rolled back.
func (l *Launch) Start(ctx context.Context) error {
	if err := l.sess.SetState(session.StateInitializing); err != nil {
		return status.Wrap(status.InvalidState, err, "cannot launch session")
	}
	rm := monitor.New(l.sess.Executor(), nil)
	s := sequence.New(l.sess.Executor(), "launch", &launchSequence{l: l}, sequence.GroupTop, rm)
	if err := s.Start(); err != nil {
		return status.Wrap(status.InternalError, err, "cannot launch session")
	}
	if err := rm.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			rm.Cancel()
			<-rm.Finished()
			return status.Wrap(status.Cancelled, ctx.Err(), "launch cancelled")
		}
		l.log.Error().Err(err).Msg("launch failed")
		return err
	}
	if err := l.sess.SetState(session.StateActive); err != nil {
		return status.Wrap(status.InvalidState, err, "cannot activate session")
	}
	l.log.Info().Str("version", l.sess.Version()).Msg("session active")
	return nil
}

// Shutdown terminates the backend, shuts the services down and disposes of
// the session.
func (l *Launch) Shutdown(ctx context.Context) error {
	if err := l.sess.SetState(session.StateShuttingDown); err != nil {
		return status.Wrap(status.InvalidState, err, "cannot shut down session")
	}
	rm := monitor.New(l.sess.Executor(), nil)
	err := l.sess.Executor().Execute(func() {
		s := sequence.New(l.sess.Executor(), "shutdown", newShutdownSequence(l), sequence.GroupTop, rm)
		if err := s.Start(); err != nil {
			l.log.Error().Err(err).Msg("cannot start shutdown sequence")
		}
	})
	if err == nil {
		err = rm.Wait(ctx)
	}
	if derr := l.sess.Dispose(ctx); derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		return err
	}
	l.log.Info().Msg("session destroyed")
	return nil
}

// launchSequence runs the services launch and the final launch.
type launchSequence struct {
	l *Launch
}

// ExecutionOrder implements sequence.Provider.
func (s *launchSequence) ExecutionOrder(string) *sequence.Order {
	return sequence.NewOrder(StepServicesLaunch, StepFinalLaunch)
}

// Steps implements sequence.Provider.
func (s *launchSequence) Steps() sequence.Table {
	return sequence.NewTable().
		Set(StepServicesLaunch, s.stepServicesLaunch, s.rollbackServicesLaunch).
		Set(StepFinalLaunch, s.stepFinalLaunch, nil)
}

func (s *launchSequence) stepServicesLaunch(rm *monitor.RequestMonitor) {
	seq := sequence.New(s.l.sess.Executor(), "services-launch", newServicesSequence(s.l), sequence.GroupTop, rm)
	if err := seq.Start(); err != nil {
		s.l.log.Error().Err(err).Msg("cannot start services launch")
	}
}

func (s *launchSequence) rollbackServicesLaunch(rm *monitor.RequestMonitor) {
	s.l.shutdownServices(rm)
}

func (s *launchSequence) stepFinalLaunch(rm *monitor.RequestMonitor) {
	f, err := newFinalSequence(s.l)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	seq := sequence.New(s.l.sess.Executor(), "final-launch", f, sequence.GroupTop, rm)
	if err := seq.Start(); err != nil {
		s.l.log.Error().Err(err).Msg("cannot start final launch")
	}
}

// shutdownServices shuts every started service down, newest first. Failures
// are logged; rm always succeeds.
func (l *Launch) shutdownServices(rm *monitor.RequestMonitor) {
	if len(l.started) == 0 {
		rm.Done()
		return
	}
	svc := l.started[len(l.started)-1]
	l.stopService(svc, monitor.Then(l.sess.Executor(), rm, func() {
		l.shutdownServices(rm)
	}))
}

// stopService shuts svc down and forgets it.
func (l *Launch) stopService(svc session.Service, rm *monitor.RequestMonitor) {
	l.started = slices.DeleteFunc(l.started, func(s session.Service) bool { return s == svc })
	svc.Shutdown(monitor.New(l.sess.Executor(), nil).OnDone(func(err error) {
		if err != nil {
			l.log.Warn().Err(err).Str("role", string(svc.Role())).Msg("service shutdown failed")
		} else {
			l.log.Debug().Str("role", string(svc.Role())).Msg("service shut down")
		}
		rm.Done()
	}))
}
