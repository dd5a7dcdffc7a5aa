package launch

import (
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/sequence"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/control"
	"github.com/dshills/mictl/internal/session"
)

// Shutdown steps.
const (
	StepTerminateBackend = "stepTerminateBackend"
	StepShutdownServices = "stepShutdownServices"
)

// shutdownSequence asks the backend to exit and then shuts the services
// down. Its steps never fail: a session that is going away is taken down
// as far as possible.
type shutdownSequence struct {
	l *Launch
}

func newShutdownSequence(l *Launch) *shutdownSequence {
	return &shutdownSequence{l: l}
}

// ExecutionOrder implements sequence.Provider.
func (s *shutdownSequence) ExecutionOrder(string) *sequence.Order {
	return sequence.NewOrder(StepTerminateBackend, StepShutdownServices)
}

// Steps implements sequence.Provider.
func (s *shutdownSequence) Steps() sequence.Table {
	return sequence.NewTable().
		Set(StepTerminateBackend, s.stepTerminateBackend, nil).
		Set(StepShutdownServices, s.l.shutdownServices, nil)
}

func (s *shutdownSequence) stepTerminateBackend(rm *monitor.RequestMonitor) {
	c, err := session.Lookup[*control.Control](s.l.sess, service.RoleControl)
	if err != nil {
		rm.Done()
		return
	}
	c.Terminate(rm)
}
