package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/status"
)

type fakeService struct {
	role Role
}

func (f *fakeService) Role() Role                            { return f.role }
func (f *fakeService) Initialize(rm *monitor.RequestMonitor) { rm.Done() }
func (f *fakeService) Shutdown(rm *monitor.RequestMonitor)   { rm.Done() }

type otherService struct {
	fakeService
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := New(config.New().Set(config.KeyProgramPath, "/bin/true"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Dispose(ctx)
	})
	return s
}

func TestStateTransitions(t *testing.T) {
	s := newTestSession(t)

	if s.State() != StateCreated {
		t.Fatalf("initial state = %s", s.State())
	}
	if err := s.SetState(StateActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("created -> active error = %v", err)
	}
	for _, st := range []State{StateInitializing, StateActive, StateShuttingDown, StateDestroyed} {
		if err := s.SetState(st); err != nil {
			t.Fatalf("SetState(%s) error = %v", st, err)
		}
	}
	if err := s.SetState(StateInitializing); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("destroyed -> initializing error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	if got := StateShuttingDown.String(); got != "shutting-down" {
		t.Errorf("String() = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	s := newTestSession(t)

	a := &fakeService{role: "a"}
	b := &otherService{fakeService{role: "b"}}
	if err := s.Register(a); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register(b); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := s.Register(&fakeService{role: "a"}); !errors.Is(err, ErrDuplicateRole) {
		t.Errorf("duplicate Register() error = %v", err)
	}

	svcs := s.Services()
	if len(svcs) != 2 || svcs[0] != a {
		t.Errorf("Services() = %v", svcs)
	}

	got, err := Lookup[*fakeService](s, "a")
	if err != nil || got != a {
		t.Errorf("Lookup() = %v, %v", got, err)
	}
	if _, err := Lookup[*fakeService](s, "b"); !status.Is(err, status.InternalError) {
		t.Errorf("wrong-type Lookup() error = %v", err)
	}
	if _, err := Lookup[*fakeService](s, "missing"); !status.Is(err, status.InternalError) {
		t.Errorf("missing Lookup() error = %v", err)
	}

	s.Unregister("a")
	if _, ok := s.Service("a"); ok {
		t.Error("service still registered")
	}
	if len(s.Services()) != 1 {
		t.Errorf("Services() after Unregister = %v", s.Services())
	}
}

func TestVersion(t *testing.T) {
	s := newTestSession(t)
	s.SetVersion("7.12.1")
	if s.Version() != "7.12.1" {
		t.Errorf("Version() = %q", s.Version())
	}
	if s.Control().SessionID() != s.ID() {
		t.Error("control context belongs to another session")
	}
}

func TestDisposeRejectsRegistration(t *testing.T) {
	s := New(nil)
	if err := s.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if err := s.Register(&fakeService{role: "a"}); !errors.Is(err, ErrDisposed) {
		t.Errorf("Register() after Dispose error = %v", err)
	}
	if !s.Executor().IsShutdown() {
		t.Error("executor still running")
	}
}
