package launch

import (
	"strings"

	"github.com/dshills/mictl/internal/factory"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/sequence"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/backend"
	"github.com/dshills/mictl/internal/session"
)

// Services launch steps. Each service created by the factory gets a step
// named after its role, see ServiceStep.
const (
	StepStartBackend = "stepStartBackend"
	StepQueryVersion = "stepQueryVersion"
	StepStartControl = "stepStartControl"
)

// ServiceStep returns the name of the services launch step that starts the
// service playing role.
func ServiceStep(role session.Role) string {
	r := string(role)
	if r == "" {
		return "stepStart"
	}
	return "stepStart" + strings.ToUpper(r[:1]) + r[1:]
}

// servicesSequence starts the backend, records its version and starts the
// services chosen for that version. Rolling a step back shuts its service
// down.
type servicesSequence struct {
	l *Launch
}

func newServicesSequence(l *Launch) *servicesSequence {
	return &servicesSequence{l: l}
}

// ExecutionOrder implements sequence.Provider.
func (s *servicesSequence) ExecutionOrder(string) *sequence.Order {
	order := sequence.NewOrder(StepStartBackend, StepQueryVersion, StepStartControl)
	for _, role := range factory.Roles {
		order.Append(ServiceStep(role))
	}
	return order
}

// Steps implements sequence.Provider.
func (s *servicesSequence) Steps() sequence.Table {
	t := sequence.NewTable().
		Set(StepStartBackend, s.startService(service.RoleBackend), s.stopService(service.RoleBackend)).
		Set(StepQueryVersion, s.stepQueryVersion, nil).
		Set(StepStartControl, s.startService(service.RoleControl), s.stopService(service.RoleControl))
	for _, role := range factory.Roles {
		t.Set(ServiceStep(role), s.startService(role), s.stopService(role))
	}
	return t
}

// startService creates and initializes the service for role. A service
// that fails to initialize is shut down again before the step fails, since
// a failed step is not rolled back.
func (s *servicesSequence) startService(role session.Role) sequence.Handler {
	return func(rm *monitor.RequestMonitor) {
		l := s.l
		svc, err := l.factory.CreateService(role, l.sess)
		if err != nil {
			rm.DoneWith(err)
			return
		}
		svc.Initialize(monitor.New(l.sess.Executor(), nil).OnDone(func(err error) {
			if err != nil {
				svc.Shutdown(monitor.New(l.sess.Executor(), nil).OnDone(func(error) {
					rm.DoneWith(err)
				}))
				return
			}
			l.started = append(l.started, svc)
			l.log.Debug().Str("role", string(role)).Msg("service started")
			rm.Done()
		}))
	}
}

func (s *servicesSequence) stopService(role session.Role) sequence.Handler {
	return func(rm *monitor.RequestMonitor) {
		for _, svc := range s.l.started {
			if svc.Role() == role {
				s.l.stopService(svc, rm)
				return
			}
		}
		rm.Done()
	}
}

// stepQueryVersion asks the debugger for its version. A version set on the
// session beforehand is kept. When the version cannot be learnt the
// services fall back to their baseline implementations.
func (s *servicesSequence) stepQueryVersion(rm *monitor.RequestMonitor) {
	l := s.l
	if l.sess.Version() != "" {
		rm.Done()
		return
	}
	be, err := session.Lookup[*backend.Backend](l.sess, service.RoleBackend)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	drm := monitor.NewData[string](l.sess.Executor(), nil)
	drm.OnDone(func(err error) {
		if err != nil {
			l.log.Warn().Err(err).Msg("unknown debugger version; using baseline services")
			rm.Done()
			return
		}
		l.sess.SetVersion(drm.Data())
		rm.Done()
	})
	be.QueryVersion(drm)
}
