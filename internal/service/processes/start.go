package processes

import (
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/sequence"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/backend"
	"github.com/dshills/mictl/internal/service/breakpoints"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Start sequence steps.
const (
	StepInitializeBaseSequence     = "stepInitializeBaseSequence"
	StepCreateAdditionalInferior   = "stepCreateAdditionalInferior"
	StepSetExecutable              = "stepSetExecutable"
	StepSetArguments               = "stepSetArguments"
	StepInitializeInputOutput      = "stepInitializeInputOutput"
	StepCreateConsole              = "stepCreateConsole"
	StepInsertStopOnMainBreakpoint = "stepInsertStopOnMainBreakpoint"
	StepSetBreakpointForReverse    = "stepSetBreakpointForReverse"
	StepRunProgram                 = "stepRunProgram"
	StepSetReverseOn               = "stepSetReverseOn"
	StepSetReverseOff              = "stepSetReverseOff"
	StepEnableReverse              = "stepEnableReverse"
	StepContinue                   = "stepContinue"
	StepCleanupBaseSequence        = "stepCleanupBaseSequence"
)

// startSequence starts or restarts the program of one container.
type startSequence struct {
	p       *Processes
	attrs   config.Attributes
	restart bool
	cont    *dmc.Container

	bps     *breakpoints.Breakpoints
	tracked dmc.BreakpointsTarget
	added   bool
	pty     backend.PTY

	userSymbol    string
	reverseSymbol string
}

func newStartSequence(p *Processes, attrs config.Attributes, restart *dmc.Container) *startSequence {
	s := &startSequence{p: p, attrs: attrs}
	if restart != nil {
		s.restart = true
		s.cont = restart
	}
	return s
}

func (s *startSequence) start(rm *monitor.RequestMonitor) error {
	name := "start-process"
	if s.restart {
		name = "restart-process"
	}
	return sequence.New(s.p.Executor(), name, s, sequence.GroupTop, rm).Start()
}

// ExecutionOrder implements sequence.Provider.
func (s *startSequence) ExecutionOrder(string) *sequence.Order {
	order := sequence.NewOrder(
		StepInitializeBaseSequence,
		StepSetExecutable,
		StepSetArguments,
		StepInitializeInputOutput,
		StepInsertStopOnMainBreakpoint,
		StepSetBreakpointForReverse,
		StepRunProgram,
		StepSetReverseOn,
		StepContinue,
		StepCleanupBaseSequence,
	)
	v := s.p.variant
	if v.MultiInferior {
		order.InsertAfter(StepInitializeBaseSequence, StepCreateAdditionalInferior)
	}
	if v.ReverseToggle {
		order.Replace(StepSetReverseOn, StepSetReverseOff, StepEnableReverse)
	}
	if v.Console {
		order.InsertAfter(StepInitializeInputOutput, StepCreateConsole)
	}
	return order
}

// Steps implements sequence.Provider.
func (s *startSequence) Steps() sequence.Table {
	return sequence.NewTable().
		Set(StepInitializeBaseSequence, s.stepInitializeBaseSequence, s.rollbackInitializeBaseSequence).
		Set(StepCreateAdditionalInferior, s.stepCreateAdditionalInferior, s.rollbackCreateAdditionalInferior).
		Set(StepSetExecutable, s.stepSetExecutable, nil).
		Set(StepSetArguments, s.stepSetArguments, nil).
		Set(StepInitializeInputOutput, s.stepInitializeInputOutput, s.rollbackInitializeInputOutput).
		Set(StepCreateConsole, s.stepCreateConsole, nil).
		Set(StepInsertStopOnMainBreakpoint, s.stepInsertStopOnMainBreakpoint, nil).
		Set(StepSetBreakpointForReverse, s.stepSetBreakpointForReverse, nil).
		Set(StepRunProgram, s.stepRunProgram, nil).
		Set(StepSetReverseOn, s.stepSetReverseOn, nil).
		Set(StepSetReverseOff, s.stepSetReverseOff, nil).
		Set(StepEnableReverse, s.stepSetReverseOn, nil).
		Set(StepContinue, s.stepContinue, nil).
		Set(StepCleanupBaseSequence, s.stepCleanupBaseSequence, nil)
}

func (s *startSequence) send(cmd command.Command, rm *monitor.RequestMonitor) {
	s.p.channel.Send(cmd, monitor.NewData[*command.Reply](s.p.Executor(), rm))
}

func (s *startSequence) runControl() (service.RunControl, error) {
	return session.Lookup[service.RunControl](s.p.Session(), service.RoleRunControl)
}

func (s *startSequence) stepInitializeBaseSequence(rm *monitor.RequestMonitor) {
	if s.cont == nil {
		s.cont = s.p.ContainerForGroup(s.p.firstGroup())
	}
	bps, err := session.Lookup[*breakpoints.Breakpoints](s.p.Session(), service.RoleBreakpoints)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	s.bps = bps
	s.userSymbol = s.attrs.StopAtMainSymbol()
	s.trackTarget()
	rm.Done()
}

// trackTarget starts tracking breakpoints for the current container unless
// it is tracked already, remembering what it started so rollback can undo
// only that.
func (s *startSequence) trackTarget() {
	target, err := s.bps.TargetFor(s.cont)
	if err != nil || s.bps.IsTracking(target) {
		return
	}
	s.bps.StartTracking(target)
	s.tracked = target
}

func (s *startSequence) rollbackInitializeBaseSequence(rm *monitor.RequestMonitor) {
	if s.tracked != nil {
		s.bps.StopTracking(s.tracked)
		s.tracked = nil
	}
	rm.Done()
}

// stepCreateAdditionalInferior gives a new process its own container once
// the initial one has been used.
func (s *startSequence) stepCreateAdditionalInferior(rm *monitor.RequestMonitor) {
	if s.restart {
		rm.Done()
		return
	}
	if inf, ok := s.p.inferiors[s.cont.GroupID]; !ok || !inf.used {
		rm.Done()
		return
	}
	s.p.AddInferior(monitor.ThenData(s.p.Executor(), rm, func(cont *dmc.Container) {
		s.cont = cont
		s.added = true
		s.trackTarget()
		rm.Done()
	}))
}

func (s *startSequence) rollbackCreateAdditionalInferior(rm *monitor.RequestMonitor) {
	if !s.added {
		rm.Done()
		return
	}
	if s.tracked != nil && dmc.Equal(s.tracked, s.cont) {
		s.bps.StopTracking(s.tracked)
		s.tracked = nil
	}
	s.p.RemoveInferior(s.cont, monitor.New(s.p.Executor(), nil).OnDone(func(err error) {
		if err != nil {
			s.p.Log().Warn().Err(err).Str("group", s.cont.GroupID).Msg("cannot remove inferior")
		}
		rm.Done()
	}))
}

func (s *startSequence) stepSetExecutable(rm *monitor.RequestMonitor) {
	path := s.attrs.String(config.KeyProgramPath, "")
	if path == "" || s.restart {
		rm.Done()
		return
	}
	s.send(command.FileExecAndSymbols(s.cont, path), rm)
}

func (s *startSequence) stepSetArguments(rm *monitor.RequestMonitor) {
	args := s.attrs.StringSlice(config.KeyProgramArguments)
	if len(args) == 0 {
		rm.Done()
		return
	}
	s.send(command.ExecArguments(s.cont, args...), rm)
}

// stepInitializeInputOutput gives the program a terminal of its own. When
// none can be allocated the program shares the backend's streams.
func (s *startSequence) stepInitializeInputOutput(rm *monitor.RequestMonitor) {
	if s.attrs.IsRemote() || s.attrs.IsPostMortem() {
		rm.Done()
		return
	}
	alloc, err := session.Lookup[backend.PTYAllocator](s.p.Session(), service.RoleBackend)
	if err != nil {
		rm.Done()
		return
	}
	pty, err := alloc.AllocatePTY()
	if err != nil {
		s.p.Log().Debug().Err(err).Msg("no terminal for the program, sharing the backend streams")
		rm.Done()
		return
	}
	s.pty = pty
	s.send(command.InferiorTTYSet(s.cont, pty.Name()), monitor.Then(s.p.Executor(), rm, func() {
		if inf, ok := s.p.inferiors[s.cont.GroupID]; ok {
			s.p.closePTY(inf)
			inf.pty = pty
		}
		rm.Done()
	}))
}

func (s *startSequence) rollbackInitializeInputOutput(rm *monitor.RequestMonitor) {
	if s.pty != nil {
		if inf, ok := s.p.inferiors[s.cont.GroupID]; ok && inf.pty == s.pty {
			inf.pty = nil
		}
		_ = s.pty.Close()
		s.pty = nil
	}
	rm.Done()
}

func (s *startSequence) stepCreateConsole(rm *monitor.RequestMonitor) {
	if !s.attrs.Bool(config.KeyExternalConsole, false) || s.attrs.IsRemote() {
		rm.Done()
		return
	}
	s.send(command.GdbSet(s.cont, "new-console", "on"), rm)
}

func (s *startSequence) stepInsertStopOnMainBreakpoint(rm *monitor.RequestMonitor) {
	if s.userSymbol == "" {
		rm.Done()
		return
	}
	s.insertTemporary(s.userSymbol, rm)
}

func (s *startSequence) insertTemporary(symbol string, rm *monitor.RequestMonitor) {
	target, err := s.bps.TargetFor(s.cont)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	data := breakpoints.Data{Kind: breakpoints.KindBreakpoint, Location: symbol, Temporary: true}
	s.bps.Insert(target, data, monitor.NewData[*dmc.Breakpoint](s.p.Executor(), rm))
}

// stepSetBreakpointForReverse stops the program at main so recording can
// be turned on once a process exists. The stop-at-main breakpoint serves
// when it is at the same symbol.
func (s *startSequence) stepSetBreakpointForReverse(rm *monitor.RequestMonitor) {
	if s.attrs.ReverseMode() == "" || s.attrs.IsPostMortem() {
		rm.Done()
		return
	}
	s.reverseSymbol = config.DefaultStopAtMainSymbol
	if s.reverseSymbol == s.userSymbol {
		rm.Done()
		return
	}
	s.insertTemporary(s.reverseSymbol, rm)
}

func (s *startSequence) stepRunProgram(rm *monitor.RequestMonitor) {
	if s.attrs.IsPostMortem() {
		rm.Done()
		return
	}
	cmd := command.ExecRun(s.cont)
	if s.attrs.IsRemote() {
		cmd = command.ExecContinue(s.cont, false)
	}
	if s.reverseSymbol == "" {
		s.send(cmd, rm)
		return
	}
	s.send(cmd, monitor.Then(s.p.Executor(), rm, func() {
		s.waitForSuspend(rm)
	}))
}

// waitForSuspend completes rm when the container stops, or fails it when
// it does not stop before the start timeout.
func (s *startSequence) waitForSuspend(rm *monitor.RequestMonitor) {
	group := s.cont.GroupID
	var sub *event.Subscription
	var timer *executor.Timer
	finish := func(err error) {
		if rm.IsDone() {
			return
		}
		sub.Unsubscribe()
		timer.Stop()
		rm.DoneWith(err)
	}
	sub, err := event.Subscribe(s.p.Session().Bus(), func(ev events.Suspended) {
		if c, ok := dmc.Ancestor[*dmc.Container](ev.Context); ok && c.GroupID != group {
			return
		}
		finish(nil)
	})
	if err != nil {
		rm.DoneWith(status.Wrap(status.InternalError, err, "cannot wait for the program to stop"))
		return
	}
	timeout := s.attrs.Duration(config.KeyDebuggerStartTimeout, backend.DefaultStartTimeout)
	timer = s.p.Executor().Schedule(timeout, func() {
		finish(status.Newf(status.RequestFailed, "program did not stop within %s", timeout))
	})
}

// stepSetReverseOff leaves recording off whatever the previous run did, so
// that stepEnableReverse starts it afresh with the configured mode.
func (s *startSequence) stepSetReverseOff(rm *monitor.RequestMonitor) {
	rc, err := s.runControl()
	if err != nil {
		rm.DoneWith(err)
		return
	}
	rc.EnableReverseMode(s.cont, "", rm)
}

func (s *startSequence) stepSetReverseOn(rm *monitor.RequestMonitor) {
	mode := s.attrs.ReverseMode()
	if mode == "" || s.reverseSymbol == "" {
		rm.Done()
		return
	}
	rc, err := s.runControl()
	if err != nil {
		rm.DoneWith(err)
		return
	}
	rc.EnableReverseMode(s.cont, mode, rm)
}

// stepContinue resumes a program that only stopped to turn recording on.
func (s *startSequence) stepContinue(rm *monitor.RequestMonitor) {
	if s.reverseSymbol == "" || s.reverseSymbol == s.userSymbol {
		rm.Done()
		return
	}
	rc, err := s.runControl()
	if err != nil {
		rm.DoneWith(err)
		return
	}
	rc.Resume(s.cont, rm)
}

func (s *startSequence) stepCleanupBaseSequence(rm *monitor.RequestMonitor) {
	inf := s.p.addInferior(s.cont.GroupID)
	inf.used = true
	s.p.Log().Info().Str("group", s.cont.GroupID).Bool("restart", s.restart).Msg("process started")
	rm.Done()
}
