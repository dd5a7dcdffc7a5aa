// Package runcontrol resumes, steps and suspends execution contexts and
// tracks their run state from the backend's running and stopped
// notifications.
//
// In all-stop mode a container runs or stops as a whole; in non-stop mode
// every thread has its own state. Reverse execution is available once
// process recording is on.
package runcontrol

import (
	"strings"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Variant selects the capabilities of a run control service.
type Variant struct {
	Name string

	// NonStop keeps a run state per thread.
	NonStop bool

	// RecordModes accepts the hardware trace recording methods besides
	// software recording.
	RecordModes bool
}

// Variants by backend version and mode.
var (
	VariantAllStop       = Variant{Name: "all-stop"}
	VariantAllStopRecord = Variant{Name: "7.10", RecordModes: true}
	VariantNonStop       = Variant{Name: "non-stop", NonStop: true}
	VariantNonStopRecord = Variant{Name: "non-stop-7.10", NonStop: true, RecordModes: true}
)

var _ service.RunControl = (*RunControl)(nil)

// StepType is the kind of a step.
type StepType int

// Step types.
const (
	StepInto StepType = iota
	StepOver
	StepReturn
	ReverseStepInto
	ReverseStepOver
	ReverseStepReturn
)

// String returns a string representation of the step type.
func (s StepType) String() string {
	switch s {
	case StepInto:
		return "step-into"
	case StepOver:
		return "step-over"
	case StepReturn:
		return "step-return"
	case ReverseStepInto:
		return "reverse-step-into"
	case ReverseStepOver:
		return "reverse-step-over"
	case ReverseStepReturn:
		return "reverse-step-return"
	}
	return "unknown"
}

func (s StepType) command() (kind string, reverse bool) {
	switch s {
	case StepOver, ReverseStepOver:
		kind = command.KindExecNext
	case StepReturn, ReverseStepReturn:
		kind = command.KindExecFinish
	default:
		kind = command.KindExecStep
	}
	return kind, s >= ReverseStepInto
}

// ExecutionData describes the run state of an execution context.
type ExecutionData struct {
	Suspended bool

	// Reason is the backend's reason for the last stop, e.g.
	// "breakpoint-hit" or "end-stepping-range".
	Reason string
}

type threadState struct {
	ExecutionData
	group string
}

// RunControl is the run control service.
type RunControl struct {
	service.Base

	variant Variant
	channel command.Channel
	procs   *processes.Processes

	// running holds the groups of running containers in all-stop mode.
	running map[string]bool
	threads map[string]*threadState
	reasons map[string]string

	reverse     bool
	reverseMode string
	visualizing bool

	queue  []queuedOps
	active bool
}

// New creates a run control service with the capabilities of v.
func New(sess *session.Session, v Variant) *RunControl {
	return &RunControl{
		Base:    service.NewBase(sess, service.RoleRunControl, v.Name),
		variant: v,
		running: make(map[string]bool),
		threads: make(map[string]*threadState),
		reasons: make(map[string]string),
	}
}

// Initialize implements session.Service.
func (r *RunControl) Initialize(rm *monitor.RequestMonitor) {
	ch, err := service.Require[command.Channel](&r.Base, service.RoleControl)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	procs, err := service.Require[*processes.Processes](&r.Base, service.RoleProcesses)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	r.channel = ch
	r.procs = procs
	r.Track(ch.Subscribe(r.onNotification))
	for _, err := range []error{
		service.Subscribe(&r.Base, r.onTraceRecordSelected),
		service.Subscribe(&r.Base, r.onContainerExited),
		service.Subscribe(&r.Base, r.onThreadExited),
	} {
		if err != nil {
			r.Abandon(err, rm)
			return
		}
	}
	if err := r.Register(r); err != nil {
		r.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (r *RunControl) Shutdown(rm *monitor.RequestMonitor) {
	r.failQueued(nil, status.New(status.Cancelled, "run control shut down"))
	clear(r.running)
	clear(r.threads)
	clear(r.reasons)
	r.Release()
	rm.Done()
}

// Capabilities returns the variant of the service.
func (r *RunControl) Capabilities() Variant {
	return r.variant
}

// IsSuspended implements service.RunControl. Contexts whose state was
// never reported are suspended.
func (r *RunControl) IsSuspended(ctx dmc.ExecutionContext) bool {
	switch c := ctx.(type) {
	case *dmc.Execution:
		if r.variant.NonStop {
			return r.threadSuspended(c.ThreadID)
		}
		return !r.running[c.Container.GroupID]
	case *dmc.Container:
		if r.variant.NonStop {
			for _, e := range r.procs.LiveExecutions(c) {
				if !r.threadSuspended(e.ThreadID) {
					return false
				}
			}
			return true
		}
		return !r.running[c.GroupID]
	case *dmc.Group:
		if r.variant.NonStop {
			for _, d := range r.threads {
				if !d.Suspended {
					return false
				}
			}
			return true
		}
		for _, running := range r.running {
			if running {
				return false
			}
		}
		return true
	}
	return false
}

func (r *RunControl) threadSuspended(tid string) bool {
	d, ok := r.threads[tid]
	return !ok || d.Suspended
}

// IsVisualizingTrace reports whether recorded trace data is being shown,
// during which execution cannot be controlled.
func (r *RunControl) IsVisualizingTrace() bool {
	return r.visualizing
}

// GetExecutionData completes rm with the run state of ctx.
func (r *RunControl) GetExecutionData(ctx dmc.ExecutionContext, rm *monitor.DataRequestMonitor[ExecutionData]) {
	if ctx == nil {
		rm.Fail(status.InvalidHandle, "no execution context given")
		return
	}
	d := ExecutionData{Suspended: r.IsSuspended(ctx)}
	switch c := ctx.(type) {
	case *dmc.Execution:
		if t, ok := r.threads[c.ThreadID]; ok && r.variant.NonStop {
			d.Reason = t.Reason
		} else {
			d.Reason = r.reasons[c.Container.GroupID]
		}
	case *dmc.Container:
		d.Reason = r.reasons[c.GroupID]
	}
	if !d.Suspended {
		d.Reason = ""
	}
	rm.DoneData(d)
}

func (r *RunControl) checkControllable(ctx dmc.ExecutionContext) error {
	if ctx == nil {
		return status.New(status.InvalidHandle, "no execution context given")
	}
	if r.visualizing {
		return status.New(status.InvalidState, "execution cannot be controlled while trace data is shown")
	}
	return nil
}

// Resume implements service.RunControl.
func (r *RunControl) Resume(ctx dmc.ExecutionContext, rm *monitor.RequestMonitor) {
	r.resume(ctx, false, rm)
}

// ReverseResume runs ctx backwards until something stops it.
func (r *RunControl) ReverseResume(ctx dmc.ExecutionContext, rm *monitor.RequestMonitor) {
	r.resume(ctx, true, rm)
}

func (r *RunControl) resume(ctx dmc.ExecutionContext, reverse bool, rm *monitor.RequestMonitor) {
	if err := r.checkControllable(ctx); err != nil {
		rm.DoneWith(err)
		return
	}
	if !r.IsSuspended(ctx) {
		rm.Fail(status.InvalidState, ctx.String()+" is not suspended")
		return
	}
	if reverse && !r.reverse {
		rm.Fail(status.InvalidState, "reverse execution needs process recording")
		return
	}
	r.send(command.ExecContinue(r.commandContext(ctx), reverse), rm)
}

// Step steps ctx.
func (r *RunControl) Step(ctx dmc.ExecutionContext, typ StepType, rm *monitor.RequestMonitor) {
	if err := r.checkControllable(ctx); err != nil {
		rm.DoneWith(err)
		return
	}
	exec, ok := ctx.(*dmc.Execution)
	if !ok {
		rm.Fail(status.InvalidHandle, "only threads can be stepped")
		return
	}
	if !r.IsSuspended(exec) {
		rm.Fail(status.InvalidState, exec.String()+" is not suspended")
		return
	}
	kind, reverse := typ.command()
	if reverse && !r.reverse {
		rm.Fail(status.InvalidState, "reverse stepping needs process recording")
		return
	}
	r.send(command.ExecStep(exec, kind, reverse), rm)
}

// Suspend interrupts ctx.
func (r *RunControl) Suspend(ctx dmc.ExecutionContext, rm *monitor.RequestMonitor) {
	if err := r.checkControllable(ctx); err != nil {
		rm.DoneWith(err)
		return
	}
	if r.IsSuspended(ctx) {
		rm.Fail(status.InvalidState, ctx.String()+" is already suspended")
		return
	}
	r.send(command.ExecInterrupt(r.commandContext(ctx)), rm)
}

// commandContext maps ctx to the context the backend accepts: in all-stop
// mode a whole container runs, so thread options are dropped.
func (r *RunControl) commandContext(ctx dmc.ExecutionContext) dmc.Context {
	if r.variant.NonStop {
		return ctx
	}
	if e, ok := ctx.(*dmc.Execution); ok {
		return e.Container
	}
	return ctx
}

func (r *RunControl) send(cmd command.Command, rm *monitor.RequestMonitor) {
	r.channel.Send(cmd, monitor.NewData[*command.Reply](r.Executor(), rm))
}

// IsReverseModeEnabled implements service.RunControl.
func (r *RunControl) IsReverseModeEnabled() bool {
	return r.reverse
}

// ReverseMode returns the recording mode, or "" when recording is off.
func (r *RunControl) ReverseMode() string {
	if !r.reverse {
		return ""
	}
	return r.reverseMode
}

// EnableReverseMode implements service.RunControl.
func (r *RunControl) EnableReverseMode(ctx dmc.Context, mode string, rm *monitor.RequestMonitor) {
	if mode == "" {
		if !r.reverse {
			rm.Done()
			return
		}
		r.channel.Send(command.RecordStop(ctx), monitor.ThenData(r.Executor(), rm, func(*command.Reply) {
			r.setReverse(false, "")
			rm.Done()
		}))
		return
	}

	method, err := r.recordMethod(mode)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	if r.reverse && r.reverseMode == mode {
		rm.Done()
		return
	}
	start := func() {
		r.channel.Send(command.RecordStart(ctx, method), monitor.ThenData(r.Executor(), rm, func(*command.Reply) {
			r.setReverse(true, mode)
			rm.Done()
		}))
	}
	if !r.reverse {
		start()
		return
	}
	// Switching methods needs the current recording stopped first.
	r.channel.Send(command.RecordStop(ctx), monitor.ThenData(r.Executor(), rm, func(*command.Reply) {
		r.setReverse(false, "")
		start()
	}))
}

func (r *RunControl) recordMethod(mode string) (string, error) {
	switch mode {
	case config.ReverseSoftware:
		return "full", nil
	case config.ReverseBranchTrace, config.ReverseProcessorTrace:
		if !r.variant.RecordModes {
			return "", status.Newf(status.NotSupported, "reverse mode %s is not supported by this backend", mode)
		}
		if mode == config.ReverseBranchTrace {
			return "btrace bts", nil
		}
		return "btrace pt", nil
	}
	return "", status.Newf(status.RequestFailed, "unknown reverse mode %q", mode)
}

func (r *RunControl) setReverse(on bool, mode string) {
	if on {
		r.reverseMode = mode
	}
	if r.reverse == on {
		return
	}
	r.reverse = on
	r.Log().Info().Bool("enabled", on).Str("mode", mode).Msg("reverse mode")
	r.Publish(events.ReverseModeChanged{Control: r.Control(), Enabled: on})
}

// FlushCache implements service.Caching. The run state is refreshed from
// the backend unless trace data is shown.
func (r *RunControl) FlushCache(dmc.Context) {
	if r.visualizing {
		return
	}
	r.refreshThreads()
}

// refreshThreads rebuilds the thread states from -thread-info.
func (r *RunControl) refreshThreads() {
	rm := monitor.NewData[*command.Reply](r.Executor(), nil)
	rm.OnDone(func(err error) {
		if err != nil {
			r.Log().Debug().Err(err).Msg("cannot refresh thread states")
			return
		}
		running := make(map[string]bool)
		for _, t := range rm.Data().Results.Tuples("threads") {
			tid := t.String("id")
			if tid == "" {
				continue
			}
			d := r.threadData(tid)
			d.Suspended = t.String("state") != "running"
			if !d.Suspended {
				running[d.group] = true
			}
		}
		if !r.variant.NonStop {
			r.running = running
		}
	})
	r.channel.Send(command.ThreadInfo(r.Control(), ""), rm)
}

func (r *RunControl) threadData(tid string) *threadState {
	d, ok := r.threads[tid]
	if !ok {
		d = &threadState{
			ExecutionData: ExecutionData{Suspended: true},
			group:         r.procs.ExecutionForThread(tid).Container.GroupID,
		}
		r.threads[tid] = d
	}
	return d
}

func (r *RunControl) onNotification(n *command.Notification) {
	switch n.Kind {
	case command.NotifyRunning:
		r.onRunning(n.Results.String("thread-id"))
	case command.NotifyStopped:
		r.onStopped(n.Results)
	case command.NotifyRecordStarted:
		r.setReverse(true, r.modeFromMethod(n.Results.String("method"), n.Results.String("format")))
	case command.NotifyRecordStopped:
		r.setReverse(false, "")
	}
}

func (r *RunControl) modeFromMethod(method, format string) string {
	if method == "btrace" {
		if format == "pt" {
			return config.ReverseProcessorTrace
		}
		return config.ReverseBranchTrace
	}
	return config.ReverseSoftware
}

func (r *RunControl) onRunning(tid string) {
	if r.variant.NonStop && tid != "all" && tid != "" {
		exec := r.procs.ExecutionForThread(tid)
		r.threadData(tid).Suspended = false
		r.Publish(events.Resumed{Context: exec})
		return
	}

	for _, d := range r.threads {
		d.Suspended = false
	}
	if r.variant.NonStop {
		r.Publish(events.Resumed{Context: dmc.NewGroup(r.Control(), dmc.GroupAllName)})
		return
	}
	conts := r.procs.LiveContainers()
	if tid != "all" && tid != "" {
		conts = []*dmc.Container{r.procs.ExecutionForThread(tid).Container}
	}
	if len(conts) == 0 {
		conts = []*dmc.Container{r.procs.ContainerForGroup(processes.InitialGroup)}
	}
	for _, c := range conts {
		if r.running[c.GroupID] {
			continue
		}
		r.running[c.GroupID] = true
		r.Publish(events.Resumed{Context: c})
	}
}

func (r *RunControl) onStopped(res command.Results) {
	reason := res.String("reason")
	tid := res.String("thread-id")
	if strings.HasPrefix(reason, "exited") {
		return
	}

	var exec *dmc.Execution
	if tid != "" {
		exec = r.procs.ExecutionForThread(tid)
	}

	if r.variant.NonStop {
		if exec == nil {
			return
		}
		d := r.threadData(tid)
		d.Suspended = true
		d.Reason = reason
		r.Publish(events.Suspended{Context: exec, Reason: reason})
		return
	}

	var cont *dmc.Container
	if exec != nil {
		cont = exec.Container
	} else {
		cont = r.procs.ContainerForGroup(processes.InitialGroup)
	}
	for _, d := range r.threads {
		if d.group == cont.GroupID {
			d.Suspended = true
			d.Reason = reason
		}
	}
	if tid != "" {
		d := r.threadData(tid)
		d.Suspended = true
		d.Reason = reason
	}
	r.running[cont.GroupID] = false
	r.reasons[cont.GroupID] = reason
	r.Publish(events.Suspended{Context: cont, Reason: reason})
}

func (r *RunControl) onTraceRecordSelected(ev events.TraceRecordSelected) {
	r.visualizing = ev.Visualization
}

func (r *RunControl) onContainerExited(ev events.ContainerExited) {
	group := ev.Container.GroupID
	delete(r.running, group)
	delete(r.reasons, group)
	for t, d := range r.threads {
		if d.group == group {
			delete(r.threads, t)
		}
	}
}

func (r *RunControl) onThreadExited(ev events.ThreadExited) {
	delete(r.threads, ev.Execution.ThreadID)
}
