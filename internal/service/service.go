// Package service holds what the session services share: role names, the
// embedded Base that wires a service into its session, and the interfaces
// services use to reach each other without importing one another.
package service

import (
	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event"
	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/logging"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Service roles.
const (
	RoleBackend     session.Role = "backend"
	RoleControl     session.Role = "control"
	RoleProcesses   session.Role = "processes"
	RoleRunControl  session.Role = "runcontrol"
	RoleBreakpoints session.Role = "breakpoints"
	RoleMemory      session.Role = "memory"
	RoleHardware    session.Role = "hardware"
	RoleGrouping    session.Role = "grouping"
	RoleTrace       session.Role = "trace"
	RoleSources     session.Role = "sources"
)

// Base is embedded by every service.
type Base struct {
	sess    *session.Session
	role    session.Role
	variant string
	log     zerolog.Logger
	unsubs  []func()
}

// NewBase creates the base of a service playing role. Variant names the
// implementation chosen for the backend version.
func NewBase(sess *session.Session, role session.Role, variant string) Base {
	log := logging.For(string(role)).With().
		Str("session", sess.ID()).
		Str("variant", variant).
		Logger()
	return Base{sess: sess, role: role, variant: variant, log: log}
}

// Role implements session.Service.
func (b *Base) Role() session.Role { return b.role }

// Variant returns the implementation name.
func (b *Base) Variant() string { return b.variant }

// Session returns the owning session.
func (b *Base) Session() *session.Session { return b.sess }

// Executor returns the session executor.
func (b *Base) Executor() *executor.Executor { return b.sess.Executor() }

// Attributes returns the launch attributes.
func (b *Base) Attributes() config.Attributes { return b.sess.Attributes() }

// Control returns the session root context.
func (b *Base) Control() *dmc.Control { return b.sess.Control() }

// Log returns the service logger.
func (b *Base) Log() *zerolog.Logger { return &b.log }

// Publish posts ev on the session bus.
func (b *Base) Publish(ev event.Event) {
	if err := b.sess.Bus().Publish(ev); err != nil {
		b.log.Warn().Err(err).Str("topic", ev.Topic().String()).Msg("event dropped")
	}
}

// Track remembers a function to call on Release, typically an
// unsubscribe.
func (b *Base) Track(unsub func()) {
	b.unsubs = append(b.unsubs, unsub)
}

// Abandon drops every tracked subscription after a failed Initialize and
// completes rm with err. The role registration, if any, is left alone.
func (b *Base) Abandon(err error, rm *monitor.RequestMonitor) {
	for i := len(b.unsubs) - 1; i >= 0; i-- {
		b.unsubs[i]()
	}
	b.unsubs = nil
	b.log.Debug().Err(err).Msg("initialization abandoned")
	rm.DoneWith(err)
}

// Register adds svc to the session registry.
func (b *Base) Register(svc session.Service) error {
	if err := b.sess.Register(svc); err != nil {
		return status.Wrap(status.InternalError, err, "cannot register "+string(b.role))
	}
	b.log.Debug().Msg("service registered")
	return nil
}

// Release drops every tracked subscription and unregisters the role.
func (b *Base) Release() {
	for i := len(b.unsubs) - 1; i >= 0; i-- {
		b.unsubs[i]()
	}
	b.unsubs = nil
	b.sess.Unregister(b.role)
	b.log.Debug().Msg("service released")
}

// Subscribe registers h for events of type T and tracks the subscription.
func Subscribe[T event.Event](b *Base, h func(T)) error {
	sub, err := event.Subscribe(b.sess.Bus(), h)
	if err != nil {
		return status.Wrap(status.InternalError, err, "cannot subscribe")
	}
	b.Track(sub.Unsubscribe)
	return nil
}

// Require returns the collaborator playing role. A missing collaborator is
// an internal error, reported when the requiring service initializes.
func Require[T any](b *Base, role session.Role) (T, error) {
	return session.Lookup[T](b.sess, role)
}

// Caching is implemented by services that keep backend state.
type Caching interface {
	// FlushCache drops the state cached for ctx and beneath it; a nil ctx
	// drops everything.
	FlushCache(ctx dmc.Context)
}

// RunControl is the part of run control other services drive.
type RunControl interface {
	// Resume continues ctx.
	Resume(ctx dmc.ExecutionContext, rm *monitor.RequestMonitor)

	// IsSuspended reports whether ctx is stopped.
	IsSuspended(ctx dmc.ExecutionContext) bool

	// EnableReverseMode starts recording ctx with mode, or stops recording
	// when mode is empty.
	EnableReverseMode(ctx dmc.Context, mode string, rm *monitor.RequestMonitor)

	// IsReverseModeEnabled reports whether recording is on.
	IsReverseModeEnabled() bool

	// ExecuteWithTargetAvailable runs ops in order while ctx is able to
	// accept breakpoint commands, interrupting and resuming it if needed.
	ExecuteWithTargetAvailable(ctx dmc.Context, ops []func(rm *monitor.RequestMonitor), rm *monitor.RequestMonitor)
}
