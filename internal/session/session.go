// Package session holds the scope of one debug connection: its executor,
// event bus, launch attributes and the registry of services playing each
// role.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event"
	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/logging"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/status"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateCreated is the state before any service is started.
	StateCreated State = iota
	// StateInitializing is the state while the launch sequences run.
	StateInitializing
	// StateActive is the state once the target is under control.
	StateActive
	// StateShuttingDown is the state while services shut down.
	StateShuttingDown
	// StateDestroyed is the final state.
	StateDestroyed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// canTransition reports whether from may change to to. Any live state may
// start shutting down, so a failed launch can be torn down.
func canTransition(from, to State) bool {
	switch to {
	case StateInitializing:
		return from == StateCreated
	case StateActive:
		return from == StateInitializing
	case StateShuttingDown:
		return from == StateCreated || from == StateInitializing || from == StateActive
	case StateDestroyed:
		return from == StateShuttingDown || from == StateCreated
	}
	return false
}

// Role names the part a service plays in a session.
type Role string

// Service is a session-scoped service.
type Service interface {
	// Role returns the role the service registers under.
	Role() Role

	// Initialize looks up collaborators, subscribes to events and registers
	// the service. It completes rm with an internal error when a required
	// collaborator is missing.
	Initialize(rm *monitor.RequestMonitor)

	// Shutdown undoes Initialize.
	Shutdown(rm *monitor.RequestMonitor)
}

// Session is one debug connection.
type Session struct {
	id      string
	exec    *executor.Executor
	bus     *event.Bus
	attrs   config.Attributes
	control *dmc.Control
	log     zerolog.Logger

	mu       sync.RWMutex
	state    State
	version  string
	services map[Role]Service
	order    []Role
}

// New creates a session with its own executor.
func New(attrs config.Attributes) *Session {
	if attrs == nil {
		attrs = config.New()
	}
	id := uuid.NewString()
	exec := executor.New("session-" + id[:8])
	return &Session{
		id:       id,
		exec:     exec,
		bus:      event.NewBus(exec),
		attrs:    attrs,
		control:  dmc.NewControl(id),
		log:      logging.For("session").With().Str("session", id).Logger(),
		services: make(map[Role]Service),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Executor returns the session executor.
func (s *Session) Executor() *executor.Executor {
	return s.exec
}

// Bus returns the session event bus.
func (s *Session) Bus() *event.Bus {
	return s.bus
}

// Attributes returns the launch attributes.
func (s *Session) Attributes() config.Attributes {
	return s.attrs
}

// Control returns the root context of the session.
func (s *Session) Control() *dmc.Control {
	return s.control
}

// Logger returns the session logger.
func (s *Session) Logger() zerolog.Logger {
	return s.log
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState moves the session to state.
func (s *Session) SetState(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, state) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.state, state)
	}
	s.log.Debug().Str("from", s.state.String()).Str("to", state.String()).Msg("session state")
	s.state = state
	return nil
}

// Version returns the negotiated backend version, or "" before the
// backend answered.
func (s *Session) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetVersion records the negotiated backend version.
func (s *Session) SetVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// Register adds svc under its role.
func (s *Session) Register(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed {
		return ErrDisposed
	}
	role := svc.Role()
	if _, ok := s.services[role]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRole, role)
	}
	s.services[role] = svc
	s.order = append(s.order, role)
	return nil
}

// Unregister removes the service playing role.
func (s *Session) Unregister(role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, role)
	s.order = slices.DeleteFunc(s.order, func(r Role) bool { return r == role })
}

// Service returns the service playing role.
func (s *Session) Service(role Role) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[role]
	return svc, ok
}

// Services returns the registered services in registration order.
func (s *Session) Services() []Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Service, 0, len(s.order))
	for _, r := range s.order {
		out = append(out, s.services[r])
	}
	return out
}

// Lookup returns the service playing role as a T. A missing service or one
// of the wrong type is an internal error.
func Lookup[T any](s *Session, role Role) (T, error) {
	var zero T
	svc, ok := s.Service(role)
	if !ok {
		return zero, status.Newf(status.InternalError, "required service %s is not registered", role)
	}
	t, ok := svc.(T)
	if !ok {
		return zero, status.Newf(status.InternalError, "service %s is a %T", role, svc)
	}
	return t, nil
}

// Dispose stops the executor once its queue drains and marks the session
// destroyed.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateDestroyed
	s.mu.Unlock()
	return s.exec.Shutdown(ctx)
}
