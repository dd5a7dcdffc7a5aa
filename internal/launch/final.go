package launch

import (
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/sequence"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/breakpoints"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
	"github.com/dshills/mictl/internal/version"
)

// Final launch steps.
const (
	StepSetEnvironmentDirectory     = "stepSetEnvironmentDirectory"
	StepSetBreakpointPending        = "stepSetBreakpointPending"
	StepEnablePrettyPrinting        = "stepEnablePrettyPrinting"
	StepSetAutoLoadSharedLibSymbols = "stepSetAutoLoadSharedLibSymbols"
	StepSetNonStop                  = "stepSetNonStop"
	StepSetTargetAsync              = "stepSetTargetAsync"
	StepSpecifyExecutable           = "stepSpecifyExecutable"
	StepRemoteConnection            = "stepRemoteConnection"
	StepRemoteExecutable            = "stepRemoteExecutable"
	StepAttachToProcess             = "stepAttachToProcess"
	StepSpecifyCoreFile             = "stepSpecifyCoreFile"
	StepStartTrackingBreakpoints    = "stepStartTrackingBreakpoints"
	StepStartExecution              = "stepStartExecution"
)

// Backend versions that change the final launch sequence.
const (
	TargetAsyncVersion      = "7.7"
	RemoteExecutableVersion = "7.12"
)

// finalSequence configures the backend and brings the target under
// control: a new process is started, a running one attached to, or a core
// or trace file opened.
type finalSequence struct {
	l       *Launch
	attrs   config.Attributes
	version string
	channel command.Channel
	procs   *processes.Processes
	bps     *breakpoints.Breakpoints

	attached *dmc.Container
	tracked  dmc.BreakpointsTarget
}

func newFinalSequence(l *Launch) (*finalSequence, error) {
	ch, err := session.Lookup[command.Channel](l.sess, service.RoleControl)
	if err != nil {
		return nil, err
	}
	procs, err := session.Lookup[*processes.Processes](l.sess, service.RoleProcesses)
	if err != nil {
		return nil, err
	}
	bps, err := session.Lookup[*breakpoints.Breakpoints](l.sess, service.RoleBreakpoints)
	if err != nil {
		return nil, err
	}
	return &finalSequence{
		l:       l,
		attrs:   l.sess.Attributes(),
		version: l.sess.Version(),
		channel: ch,
		procs:   procs,
		bps:     bps,
	}, nil
}

// ExecutionOrder implements sequence.Provider.
func (s *finalSequence) ExecutionOrder(string) *sequence.Order {
	order := sequence.NewOrder(
		StepSetEnvironmentDirectory,
		StepSetBreakpointPending,
		StepEnablePrettyPrinting,
		StepSetAutoLoadSharedLibSymbols,
		StepSetNonStop,
		StepSpecifyExecutable,
		StepRemoteConnection,
		StepAttachToProcess,
		StepSpecifyCoreFile,
		StepStartTrackingBreakpoints,
		StepStartExecution,
	)
	if version.AtLeast(s.version, TargetAsyncVersion) {
		order.InsertAfter(StepSetNonStop, StepSetTargetAsync)
	}
	if version.AtLeast(s.version, RemoteExecutableVersion) {
		order.InsertAfter(StepRemoteConnection, StepRemoteExecutable)
	}
	return order
}

// Steps implements sequence.Provider.
func (s *finalSequence) Steps() sequence.Table {
	return sequence.NewTable().
		Set(StepSetEnvironmentDirectory, s.stepSetEnvironmentDirectory, nil).
		Set(StepSetBreakpointPending, s.stepSetBreakpointPending, nil).
		Set(StepEnablePrettyPrinting, s.stepEnablePrettyPrinting, nil).
		Set(StepSetAutoLoadSharedLibSymbols, s.stepSetAutoLoadSharedLibSymbols, nil).
		Set(StepSetNonStop, s.stepSetNonStop, nil).
		Set(StepSetTargetAsync, s.stepSetTargetAsync, nil).
		Set(StepSpecifyExecutable, s.stepSpecifyExecutable, nil).
		Set(StepRemoteConnection, s.stepRemoteConnection, nil).
		Set(StepRemoteExecutable, s.stepRemoteExecutable, nil).
		Set(StepAttachToProcess, s.stepAttachToProcess, s.rollbackAttachToProcess).
		Set(StepSpecifyCoreFile, s.stepSpecifyCoreFile, nil).
		Set(StepStartTrackingBreakpoints, s.stepStartTrackingBreakpoints, s.rollbackStartTrackingBreakpoints).
		Set(StepStartExecution, s.stepStartExecution, nil)
}

func (s *finalSequence) send(cmd command.Command, rm *monitor.RequestMonitor) {
	s.channel.Send(cmd, monitor.NewData[*command.Reply](s.l.sess.Executor(), rm))
}

func (s *finalSequence) control() *dmc.Control { return s.l.sess.Control() }

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (s *finalSequence) stepSetEnvironmentDirectory(rm *monitor.RequestMonitor) {
	dir := s.attrs.String(config.KeyProgramWorkingDir, "")
	if dir == "" {
		rm.Done()
		return
	}
	s.send(command.EnvironmentCD(s.control(), dir), rm)
}

func (s *finalSequence) stepSetBreakpointPending(rm *monitor.RequestMonitor) {
	s.send(command.GdbSet(s.control(), "breakpoint", "pending", onOff(s.attrs.Bool(config.KeyPendingBreakpoints, true))), rm)
}

// stepEnablePrettyPrinting is best effort: backends built without python
// refuse it.
func (s *finalSequence) stepEnablePrettyPrinting(rm *monitor.RequestMonitor) {
	drm := monitor.NewData[*command.Reply](s.l.sess.Executor(), nil)
	drm.OnDone(func(err error) {
		if err != nil {
			s.l.log.Debug().Err(err).Msg("pretty printing unavailable")
		}
		rm.Done()
	})
	s.channel.Send(command.EnablePrettyPrinting(s.control()), drm)
}

func (s *finalSequence) stepSetAutoLoadSharedLibSymbols(rm *monitor.RequestMonitor) {
	if !s.attrs.Has(config.KeyUseSolibSymbolsForApp) {
		rm.Done()
		return
	}
	s.send(command.GdbSet(s.control(), "auto-solib-add", onOff(s.attrs.Bool(config.KeyUseSolibSymbolsForApp, true))), rm)
}

func (s *finalSequence) stepSetNonStop(rm *monitor.RequestMonitor) {
	if !s.attrs.IsNonStop() {
		rm.Done()
		return
	}
	s.send(command.GdbSet(s.control(), "non-stop", "on"), rm)
}

// stepSetTargetAsync lets the backend accept commands while the target
// runs.
func (s *finalSequence) stepSetTargetAsync(rm *monitor.RequestMonitor) {
	s.send(command.GdbSet(s.control(), "mi-async", "on"), rm)
}

// stepSpecifyExecutable loads the symbols of the program for the sessions
// that do not start it, where the start sequence would otherwise do so.
func (s *finalSequence) stepSpecifyExecutable(rm *monitor.RequestMonitor) {
	path := s.attrs.String(config.KeyProgramPath, "")
	if path == "" || !(s.attrs.IsAttach() || s.attrs.IsPostMortem()) {
		rm.Done()
		return
	}
	s.send(command.FileExecAndSymbols(s.procs.ContainerForGroup(processes.InitialGroup), path), rm)
}

func (s *finalSequence) stepRemoteConnection(rm *monitor.RequestMonitor) {
	if !s.attrs.IsRemote() {
		rm.Done()
		return
	}
	extended := s.attrs.Bool(config.KeyRemoteExtended, false)
	if s.attrs.Bool(config.KeyRemoteTCP, true) {
		host := s.attrs.String(config.KeyRemoteHost, "")
		port := s.attrs.String(config.KeyRemotePort, "")
		if host == "" || port == "" {
			rm.Fail(status.RequestFailed, "remote TCP connection needs a host and a port")
			return
		}
		s.send(command.TargetSelectRemote(s.control(), host, port, extended), rm)
		return
	}
	device := s.attrs.String(config.KeyRemoteDevice, "")
	if device == "" {
		rm.Fail(status.RequestFailed, "remote serial connection needs a device")
		return
	}
	s.send(command.TargetSelectSerial(s.control(), device, extended), rm)
}

// stepRemoteExecutable tells an extended-remote server which program to
// run.
func (s *finalSequence) stepRemoteExecutable(rm *monitor.RequestMonitor) {
	path := s.attrs.String(config.KeyRemoteExecutable, "")
	if !s.attrs.IsRemote() || !s.attrs.Bool(config.KeyRemoteExtended, false) || path == "" || s.attrs.IsAttach() {
		rm.Done()
		return
	}
	s.send(command.GdbSet(s.control(), "remote", "exec-file", path), rm)
}

func (s *finalSequence) stepAttachToProcess(rm *monitor.RequestMonitor) {
	if !s.attrs.IsAttach() {
		rm.Done()
		return
	}
	pid := s.attrs.String(config.KeyAttachPID, "")
	s.procs.AttachToProcess(pid, monitor.ThenData(s.l.sess.Executor(), rm, func(cont *dmc.Container) {
		s.attached = cont
		s.l.setContainer(cont)
		rm.Done()
	}))
}

func (s *finalSequence) rollbackAttachToProcess(rm *monitor.RequestMonitor) {
	if s.attached == nil {
		rm.Done()
		return
	}
	s.procs.DetachDebuggerFromProcess(s.attached, monitor.New(s.l.sess.Executor(), nil).OnDone(func(err error) {
		if err != nil {
			s.l.log.Warn().Err(err).Msg("cannot detach after a failed launch")
		}
		s.attached = nil
		s.l.setContainer(nil)
		rm.Done()
	}))
}

func (s *finalSequence) stepSpecifyCoreFile(rm *monitor.RequestMonitor) {
	if !s.attrs.IsPostMortem() {
		rm.Done()
		return
	}
	path := s.attrs.String(config.KeyCorePath, "")
	if path == "" {
		rm.Fail(status.RequestFailed, "post-mortem session needs a core or trace file")
		return
	}
	if s.attrs.String(config.KeyCoreType, config.CoreTypeCoreFile) == config.CoreTypeTraceFile {
		s.send(command.TargetSelectTraceFile(s.control(), path), rm)
		return
	}
	s.send(command.TargetSelectCore(s.control(), path), rm)
}

// stepStartTrackingBreakpoints tracks breakpoints for the initial container
// of sessions whose process is not started by the start sequence, which
// tracks its own.
func (s *finalSequence) stepStartTrackingBreakpoints(rm *monitor.RequestMonitor) {
	if !s.attrs.IsPostMortem() && !s.attrs.IsAttach() {
		rm.Done()
		return
	}
	cont := s.attached
	if cont == nil {
		cont = s.procs.ContainerForGroup(processes.InitialGroup)
	}
	target, err := s.bps.TargetFor(cont)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	if !s.bps.IsTracking(target) {
		s.bps.StartTracking(target)
		s.tracked = target
	}
	rm.Done()
}

func (s *finalSequence) rollbackStartTrackingBreakpoints(rm *monitor.RequestMonitor) {
	if s.tracked != nil {
		s.bps.StopTracking(s.tracked)
		s.tracked = nil
	}
	rm.Done()
}

func (s *finalSequence) stepStartExecution(rm *monitor.RequestMonitor) {
	switch {
	case s.attrs.IsAttach():
		rm.Done()
		return
	case s.attrs.IsPostMortem():
		s.l.setContainer(s.procs.ContainerForGroup(processes.InitialGroup))
		rm.Done()
		return
	}
	s.procs.StartNewProcess(s.attrs, monitor.ThenData(s.l.sess.Executor(), rm, func(cont *dmc.Container) {
		s.l.setContainer(cont)
		rm.Done()
	}))
}
