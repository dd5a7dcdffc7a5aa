package launch

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/factory"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/breakpoints"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/service/servicetest"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/simulator"
	"github.com/dshills/mictl/internal/status"
)

type fixture struct {
	launch   *Launch
	launcher *simulator.Launcher
	sess     *session.Session
}

func newFixture(t *testing.T, attrs config.Attributes, script *simulator.Script) *fixture {
	t.Helper()
	attrs.Set(config.KeyProgramPath, "/src/a.out")
	sess := servicetest.NewSession(t, attrs)
	launcher := &simulator.Launcher{Script: script}
	f := &factory.Factory{Launcher: launcher, PTY: &simulator.PTYAllocator{}, Codec: simulator.Codec{}}
	l := New(sess, f)
	t.Cleanup(func() {
		if sess.State() != session.StateActive {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return &fixture{launch: l, launcher: launcher, sess: sess}
}

func (f *fixture) start(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.launch.Start(ctx)
}

func (f *fixture) debugger(t *testing.T) *simulator.Debugger {
	t.Helper()
	ds := f.launcher.Debuggers()
	if len(ds) != 1 {
		t.Fatalf("debuggers started = %d, want 1", len(ds))
	}
	return ds[0]
}

func indexOf(received []simulator.Received, kind string) int {
	return slices.IndexFunc(received, func(r simulator.Received) bool { return r.Kind == kind })
}

func TestLaunchStopAtMain(t *testing.T) {
	f := newFixture(t, config.New().
		Set(config.KeyStopAtMain, true).
		Set(config.KeyStopAtMainSymbol, "main"), nil)

	if err := f.start(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.sess.State() != session.StateActive {
		t.Errorf("state = %v, want active", f.sess.State())
	}
	if f.sess.Version() != "12.1" {
		t.Errorf("version = %q, want 12.1", f.sess.Version())
	}
	cont := f.launch.Container()
	if cont == nil || cont.GroupID != processes.InitialGroup {
		t.Fatalf("container = %v, want group %s", cont, processes.InitialGroup)
	}

	inserts := f.debugger(t).ReceivedKind(command.KindBreakInsert)
	if len(inserts) != 1 {
		t.Fatalf("break inserts = %d, want 1", len(inserts))
	}
	args := inserts[0].Args
	if !slices.Contains(args, "-t") || args[len(args)-1] != "main" {
		t.Errorf("break insert args = %v, want a temporary breakpoint at main", args)
	}
	if n := len(f.debugger(t).ReceivedKind(command.KindExecRun)); n != 1 {
		t.Errorf("exec-run sent %d times, want 1", n)
	}

	bps, err := session.Lookup[*breakpoints.Breakpoints](f.sess, service.RoleBreakpoints)
	if err != nil {
		t.Fatal(err)
	}
	target, err := bps.TargetFor(cont)
	if err != nil {
		t.Fatalf("TargetFor() error = %v", err)
	}
	recorded, err := servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]*dmc.Breakpoint]) {
		bps.GetBreakpoints(target, rm)
	})
	if err != nil || len(recorded) != 1 {
		t.Fatalf("GetBreakpoints() = %v, %v; want one breakpoint", recorded, err)
	}
	data, err := servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[breakpoints.Data]) {
		bps.GetBreakpointData(recorded[0], rm)
	})
	if err != nil {
		t.Fatalf("GetBreakpointData() error = %v", err)
	}
	if !data.Temporary || data.Location != "main" {
		t.Errorf("breakpoint = %+v, want a temporary breakpoint at main", data)
	}

	for _, role := range append([]session.Role{service.RoleBackend, service.RoleControl}, factory.Roles...) {
		if _, ok := f.sess.Service(role); !ok {
			t.Errorf("no service registered for %s", role)
		}
	}
}

func TestLaunchRemoteTCP(t *testing.T) {
	f := newFixture(t, config.New().
		Set(config.KeySessionType, config.SessionRemote).
		Set(config.KeyRemoteTCP, true).
		Set(config.KeyRemoteHost, "10.0.0.1").
		Set(config.KeyRemotePort, "1234"), nil)

	if err := f.start(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	received := f.debugger(t).Received()
	selects := f.debugger(t).ReceivedKind(command.KindTargetSelect)
	if len(selects) != 1 {
		t.Fatalf("target selects = %d, want 1", len(selects))
	}
	if got := selects[0].Args; !slices.Equal(got, []string{"remote", "10.0.0.1:1234"}) {
		t.Errorf("target select args = %v, want [remote 10.0.0.1:1234]", got)
	}
	sel := indexOf(received, command.KindTargetSelect)
	cont := indexOf(received, command.KindExecContinue)
	if cont < 0 {
		t.Fatal("program never resumed")
	}
	if sel > cont {
		t.Errorf("target select sent after execution started")
	}
	if indexOf(received, command.KindExecRun) >= 0 {
		t.Error("exec-run sent to a remote target")
	}
	if indexOf(received, command.KindInferiorTTYSet) >= 0 {
		t.Error("terminal allocated for a remote program")
	}
}

func TestLaunchRemoteMissingPort(t *testing.T) {
	f := newFixture(t, config.New().
		Set(config.KeySessionType, config.SessionRemote).
		Set(config.KeyRemoteTCP, true).
		Set(config.KeyRemoteHost, "10.0.0.1"), nil)

	err := f.start(t)
	if !status.Is(err, status.RequestFailed) {
		t.Fatalf("Start() error = %v, want RequestFailed", err)
	}
	if n := len(f.sess.Services()); n != 0 {
		t.Errorf("services left registered = %d, want 0", n)
	}
}

func TestLaunchReverseRestart(t *testing.T) {
	f := newFixture(t, config.New().
		Set(config.KeyStopAtMain, true).
		Set(config.KeyStopAtMainSymbol, "work").
		Set(config.KeyReverseEnabled, true).
		Set(config.KeyReverseMode, config.ReverseSoftware), nil)

	if err := f.start(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	procs, err := session.Lookup[*processes.Processes](f.sess, service.RoleProcesses)
	if err != nil {
		t.Fatal(err)
	}
	before := len(f.debugger(t).Received())

	_, err = servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[*dmc.Container]) {
		procs.RestartProcess(f.launch.Container(), nil, rm)
	})
	if err != nil {
		t.Fatalf("RestartProcess() error = %v", err)
	}

	restart := f.debugger(t).Received()[before:]
	var records []string
	continues := 0
	for _, r := range restart {
		switch r.Kind {
		case command.KindRecord:
			records = append(records, r.Args[0])
		case command.KindExecContinue:
			continues++
		}
	}
	if !slices.Equal(records, []string{"stop", "full"}) {
		t.Errorf("record commands = %v, want [stop full]", records)
	}
	if continues != 1 {
		t.Errorf("continues = %d, want 1", continues)
	}
	kill := indexOf(restart, command.KindInterpreterExecConsole)
	if kill < 0 || indexOf(restart, command.KindExecRun) < kill {
		t.Error("program run again before the old process was killed")
	}
}

func TestLaunchNonStopUnsupported(t *testing.T) {
	f := newFixture(t, config.New().Set(config.KeyNonStop, true), nil)
	f.sess.SetVersion("6.8")

	err := f.start(t)
	if !status.Is(err, status.NotSupported) {
		t.Fatalf("Start() error = %v, want NotSupported", err)
	}
	if n := len(f.sess.Services()); n != 0 {
		t.Errorf("services left registered = %d, want 0", n)
	}
	if f.sess.State() != session.StateInitializing {
		t.Errorf("state = %v, want initializing", f.sess.State())
	}
	if n := len(f.debugger(t).ReceivedKind(command.KindListFeatures)); n != 1 {
		t.Errorf("list-features sent %d times, want 1", n)
	}
}

func TestLaunchBackendFails(t *testing.T) {
	f := newFixture(t, config.New(), &simulator.Script{FailLaunch: "gdb: not found"})

	if err := f.start(t); err == nil {
		t.Fatal("Start() succeeded, want an error")
	}
	if n := len(f.sess.Services()); n != 0 {
		t.Errorf("services left registered = %d, want 0", n)
	}
	if n := len(f.launcher.Debuggers()); n != 0 {
		t.Errorf("debuggers started = %d, want 0", n)
	}
}

func TestLaunchCancelled(t *testing.T) {
	f := newFixture(t, config.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.launch.Start(ctx)
	if !status.Is(err, status.Cancelled) {
		t.Fatalf("Start() error = %v, want Cancelled", err)
	}
	if n := len(f.sess.Services()); n != 0 {
		t.Errorf("services left registered = %d, want 0", n)
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, config.New(), nil)
	if err := f.start(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d := f.debugger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.launch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if f.sess.State() != session.StateDestroyed {
		t.Errorf("state = %v, want destroyed", f.sess.State())
	}
	if n := len(d.ReceivedKind(command.KindGdbExit)); n != 1 {
		t.Errorf("gdb-exit sent %d times, want 1", n)
	}
	if err := f.launch.Start(ctx); !status.Is(err, status.InvalidState) {
		t.Errorf("Start() after shutdown error = %v, want InvalidState", err)
	}
}

func TestAttach(t *testing.T) {
	f := newFixture(t, config.New().Set(config.KeyAttachPID, "777"), nil)
	if err := f.start(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	received := f.debugger(t).Received()
	if indexOf(received, command.KindExecRun) >= 0 {
		t.Error("exec-run sent when attaching")
	}
	attaches := f.debugger(t).ReceivedKind(command.KindTargetAttach)
	if len(attaches) != 1 || attaches[0].Args[0] != "777" {
		t.Fatalf("attaches = %v, want one to 777", attaches)
	}
	if indexOf(received, command.KindFileExecAndSymbols) > indexOf(received, command.KindTargetAttach) {
		t.Error("symbols loaded after attaching")
	}
	if f.launch.Container() == nil {
		t.Error("no container after attaching")
	}
}

func TestPostMortem(t *testing.T) {
	f := newFixture(t, config.New().
		Set(config.KeySessionType, config.SessionCore).
		Set(config.KeyCorePath, "/tmp/core.1"), nil)
	if err := f.start(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	selects := f.debugger(t).ReceivedKind(command.KindTargetSelect)
	if len(selects) != 1 || !slices.Equal(selects[0].Args, []string{"core", "/tmp/core.1"}) {
		t.Errorf("target selects = %v, want core /tmp/core.1", selects)
	}
	if cont := f.launch.Container(); cont == nil || cont.GroupID != processes.InitialGroup {
		t.Errorf("container = %v, want %s", cont, processes.InitialGroup)
	}
}

func TestServiceStep(t *testing.T) {
	if got := ServiceStep(service.RoleRunControl); got != "stepStartRuncontrol" {
		t.Errorf("ServiceStep(runcontrol) = %q", got)
	}
	names := newServicesSequence(nil).ExecutionOrder("").Names()
	if len(names) != 3+len(factory.Roles) {
		t.Errorf("services sequence has %d steps, want %d", len(names), 3+len(factory.Roles))
	}
	if names[0] != StepStartBackend || names[1] != StepQueryVersion || names[2] != StepStartControl {
		t.Errorf("services sequence begins %v", names[:3])
	}
}
