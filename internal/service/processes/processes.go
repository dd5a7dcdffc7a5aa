// Package processes tracks the inferiors (containers) and threads of a
// session and starts, restarts, attaches to, detaches from and terminates
// them.
//
// Topology comes from the backend's thread-group and thread notifications.
// Listings are answered through two command caches that are available
// while the owning container is suspended.
package processes

import (
	"slices"
	"strings"

	"github.com/dshills/mictl/internal/cache"
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/backend"
	"github.com/dshills/mictl/internal/service/breakpoints"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// InitialGroup is the id of the inferior every backend starts with.
const InitialGroup = "i1"

// fakeThreadID names the main thread of a container whose threads the
// backend does not report.
const fakeThreadID = "1"

// Variant selects the capabilities of a processes service.
type Variant struct {
	Name string

	// MultiInferior allows more than one container; new processes after
	// the first get a container of their own.
	MultiInferior bool

	// ReverseToggle turns reverse mode off before a (re)start and enables
	// it again once the program runs.
	ReverseToggle bool

	// Console lets the start sequence give the program its own console.
	Console bool
}

// Variants by backend version.
var (
	VariantSingle        = Variant{Name: "single"}
	VariantMultiInferior = Variant{Name: "7.2", MultiInferior: true}
	VariantReverseToggle = Variant{Name: "7.10", MultiInferior: true, ReverseToggle: true}
	VariantConsole       = Variant{Name: "7.12", MultiInferior: true, ReverseToggle: true, Console: true}
)

type inferior struct {
	groupID string
	pid     string

	// used is set once a process start or attach claimed the inferior.
	used bool
	pty  backend.PTY
}

// Processes is the processes service.
type Processes struct {
	service.Base

	variant    Variant
	channel    command.Channel
	containers *cache.CommandCache
	threads    *cache.CommandCache

	inferiors  map[string]*inferior
	order      []string
	threadGrp  map[string]string
	restarting bool
}

// New creates a processes service with the capabilities of v.
func New(sess *session.Session, v Variant) *Processes {
	return &Processes{
		Base:      service.NewBase(sess, service.RoleProcesses, v.Name),
		variant:   v,
		inferiors: make(map[string]*inferior),
		threadGrp: make(map[string]string),
	}
}

// Initialize implements session.Service.
func (p *Processes) Initialize(rm *monitor.RequestMonitor) {
	ch, err := service.Require[command.Channel](&p.Base, service.RoleControl)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	p.channel = ch
	sender := cache.NewBufferedSender(p.Executor(), ch, cache.DefaultTurns)
	p.containers = cache.New("containers", p.Executor(), sender)
	p.threads = cache.New("threads", p.Executor(), sender)
	p.addInferior(InitialGroup)

	p.Track(ch.Subscribe(p.onNotification))
	for _, err := range []error{
		service.Subscribe(&p.Base, p.onSuspended),
		service.Subscribe(&p.Base, p.onResumed),
	} {
		if err != nil {
			p.Abandon(err, rm)
			return
		}
	}
	if err := p.Register(p); err != nil {
		p.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (p *Processes) Shutdown(rm *monitor.RequestMonitor) {
	for _, inf := range p.inferiors {
		p.closePTY(inf)
	}
	clear(p.inferiors)
	p.order = nil
	clear(p.threadGrp)
	p.Release()
	rm.Done()
}

// Capabilities returns the variant of the service.
func (p *Processes) Capabilities() Variant {
	return p.variant
}

// IsRestarting reports whether a restart is in progress. Control does not
// auto-terminate while it is.
func (p *Processes) IsRestarting() bool {
	return p.restarting
}

// ContainerForGroup returns the container context of groupID with the
// process id currently running in it.
func (p *Processes) ContainerForGroup(groupID string) *dmc.Container {
	pid := ""
	if inf, ok := p.inferiors[groupID]; ok {
		pid = inf.pid
	}
	return dmc.NewContainer(dmc.NewProcess(p.Control(), pid), groupID)
}

// ExecutionForThread returns the execution context of the backend thread
// tid. Threads not reported yet are placed in the first inferior.
func (p *Processes) ExecutionForThread(tid string) *dmc.Execution {
	group, ok := p.threadGrp[tid]
	if !ok {
		group = p.firstGroup()
	}
	cont := p.ContainerForGroup(group)
	return dmc.NewExecution(cont, dmc.NewThread(cont.Process, tid), tid)
}

// LiveContainers returns the containers running a process, in the order
// the backend added them.
func (p *Processes) LiveContainers() []*dmc.Container {
	var out []*dmc.Container
	for _, id := range p.order {
		if p.inferiors[id].pid != "" {
			out = append(out, p.ContainerForGroup(id))
		}
	}
	return out
}

// LiveExecutions returns the execution contexts of the threads reported
// for cont.
func (p *Processes) LiveExecutions(cont *dmc.Container) []*dmc.Execution {
	var tids []string
	for tid, g := range p.threadGrp {
		if g == cont.GroupID {
			tids = append(tids, tid)
		}
	}
	slices.SortFunc(tids, compareIDs)
	out := make([]*dmc.Execution, len(tids))
	for i, tid := range tids {
		out[i] = p.ExecutionForThread(tid)
	}
	return out
}

func (p *Processes) firstGroup() string {
	if len(p.order) == 0 {
		return InitialGroup
	}
	return p.order[0]
}

func (p *Processes) addInferior(groupID string) *inferior {
	if inf, ok := p.inferiors[groupID]; ok {
		return inf
	}
	inf := &inferior{groupID: groupID}
	p.inferiors[groupID] = inf
	p.order = append(p.order, groupID)
	return inf
}

func (p *Processes) removeInferior(groupID string) {
	if inf, ok := p.inferiors[groupID]; ok {
		p.closePTY(inf)
	}
	delete(p.inferiors, groupID)
	p.order = slices.DeleteFunc(p.order, func(id string) bool { return id == groupID })
}

func (p *Processes) closePTY(inf *inferior) {
	if inf.pty == nil {
		return
	}
	if err := inf.pty.Close(); err != nil {
		p.Log().Debug().Err(err).Str("group", inf.groupID).Msg("closing terminal")
	}
	inf.pty = nil
}

// GetProcessesBeingDebugged completes rm with the threads of the container
// of ctx, or with the live containers when ctx is above any container.
func (p *Processes) GetProcessesBeingDebugged(ctx dmc.Context, rm *monitor.DataRequestMonitor[[]dmc.ExecutionContext]) {
	if cont, ok := dmc.Ancestor[*dmc.Container](ctx); ok {
		p.threads.Execute(command.ListThreadGroups(cont, cont.GroupID), monitor.ThenData(p.Executor(), rm.RequestMonitor, func(r *command.Reply) {
			rm.DoneData(p.makeExecutions(cont, r.Results.Tuples("threads")))
		}))
		return
	}
	p.containers.Execute(command.ListThreadGroups(p.Control(), ""), monitor.ThenData(p.Executor(), rm.RequestMonitor, func(r *command.Reply) {
		var out []dmc.ExecutionContext
		for _, g := range r.Results.Tuples("groups") {
			id := g.String("id")
			if id == "" {
				continue
			}
			inf := p.addInferior(id)
			if pid := g.String("pid"); pid != "" {
				inf.pid = pid
			}
			if inf.pid != "" {
				out = append(out, p.ContainerForGroup(id))
			}
		}
		rm.DoneData(out)
	}))
}

func (p *Processes) makeExecutions(cont *dmc.Container, threads []command.Results) []dmc.ExecutionContext {
	if len(threads) == 0 {
		return []dmc.ExecutionContext{dmc.NewExecution(cont, dmc.NewThread(cont.Process, fakeThreadID), fakeThreadID)}
	}
	out := make([]dmc.ExecutionContext, 0, len(threads))
	for _, t := range threads {
		tid := t.String("id")
		if tid == "" {
			continue
		}
		p.threadGrp[tid] = cont.GroupID
		out = append(out, dmc.NewExecution(cont, dmc.NewThread(cont.Process, tid), tid))
	}
	return out
}

// StartNewProcess runs the start sequence for a new process and completes
// rm with its container. Nil attrs use the session attributes.
func (p *Processes) StartNewProcess(attrs config.Attributes, rm *monitor.DataRequestMonitor[*dmc.Container]) {
	if attrs == nil {
		attrs = p.Attributes()
	}
	p.startSequence(attrs, nil, rm)
}

// RestartProcess kills the process of cont and starts the program again
// in the same container.
func (p *Processes) RestartProcess(cont *dmc.Container, attrs config.Attributes, rm *monitor.DataRequestMonitor[*dmc.Container]) {
	if cont == nil {
		rm.Fail(status.InvalidHandle, "no container given")
		return
	}
	if _, ok := p.inferiors[cont.GroupID]; !ok {
		rm.Fail(status.InvalidHandle, "unknown container "+cont.GroupID)
		return
	}
	if attrs == nil {
		attrs = p.Attributes()
	}
	p.restarting = true
	kill := monitor.NewData[*command.Reply](p.Executor(), nil)
	kill.OnDone(func(err error) {
		if err != nil {
			p.restarting = false
			rm.DoneWith(err)
			return
		}
		p.startSequence(attrs, cont, rm)
	})
	p.channel.Send(command.InterpreterExecConsole(cont, p.killCommand(cont)), kill)
}

func (p *Processes) startSequence(attrs config.Attributes, restart *dmc.Container, rm *monitor.DataRequestMonitor[*dmc.Container]) {
	s := newStartSequence(p, attrs, restart)
	done := monitor.New(p.Executor(), nil).OnDone(func(err error) {
		p.restarting = false
		if err != nil {
			rm.DoneWith(err)
			return
		}
		rm.DoneData(p.ContainerForGroup(s.cont.GroupID))
	})
	if err := s.start(done); err != nil {
		p.Log().Error().Err(err).Msg("cannot start process sequence")
	}
}

// AttachToProcess attaches the debugger to the running process pid and
// completes rm with its container.
func (p *Processes) AttachToProcess(pid string, rm *monitor.DataRequestMonitor[*dmc.Container]) {
	if pid == "" {
		rm.Fail(status.InvalidHandle, "no process id given")
		return
	}
	p.claimInferior(monitor.ThenData(p.Executor(), rm.RequestMonitor, func(cont *dmc.Container) {
		p.channel.Send(command.TargetAttach(cont, pid), monitor.ThenData(p.Executor(), rm.RequestMonitor, func(*command.Reply) {
			inf := p.addInferior(cont.GroupID)
			inf.used = true
			inf.pid = pid
			cont = p.ContainerForGroup(cont.GroupID)
			if bps, err := session.Lookup[*breakpoints.Breakpoints](p.Session(), service.RoleBreakpoints); err == nil {
				if target, err := bps.TargetFor(cont); err == nil {
					bps.StartTracking(target)
				}
			}
			rm.DoneData(cont)
		}))
	}))
}

// claimInferior completes rm with an unused container, adding one when the
// backend supports several.
func (p *Processes) claimInferior(rm *monitor.DataRequestMonitor[*dmc.Container]) {
	for _, id := range p.order {
		if !p.inferiors[id].used {
			rm.DoneData(p.ContainerForGroup(id))
			return
		}
	}
	if !p.variant.MultiInferior {
		rm.Fail(status.InvalidState, "the backend debugs a single process at a time")
		return
	}
	p.AddInferior(rm)
}

// DetachDebuggerFromProcess detaches from the process of the container of
// ctx, leaving it running.
func (p *Processes) DetachDebuggerFromProcess(ctx dmc.Context, rm *monitor.RequestMonitor) {
	cont, ok := dmc.Ancestor[*dmc.Container](ctx)
	if !ok {
		rm.Fail(status.InvalidHandle, "no container in "+contextName(ctx))
		return
	}
	p.channel.Send(command.TargetDetach(cont), monitor.ThenData(p.Executor(), rm, func(*command.Reply) {
		if inf, ok := p.inferiors[cont.GroupID]; ok {
			inf.used = false
		}
		if bps, err := session.Lookup[*breakpoints.Breakpoints](p.Session(), service.RoleBreakpoints); err == nil && bps.Capabilities().PerProcess {
			bps.StopTracking(cont)
		}
		rm.Done()
	}))
}

// Terminate kills the process of the container of ctx.
func (p *Processes) Terminate(ctx dmc.Context, rm *monitor.RequestMonitor) {
	cont, ok := dmc.Ancestor[*dmc.Container](ctx)
	if !ok {
		rm.Fail(status.InvalidHandle, "no container in "+contextName(ctx))
		return
	}
	p.channel.Send(command.InterpreterExecConsole(cont, p.killCommand(cont)), monitor.NewData[*command.Reply](p.Executor(), rm))
}

func (p *Processes) killCommand(cont *dmc.Container) string {
	if !p.variant.MultiInferior {
		return "kill"
	}
	return "kill inferiors " + strings.TrimPrefix(cont.GroupID, "i")
}

// AddInferior creates a new empty container.
func (p *Processes) AddInferior(rm *monitor.DataRequestMonitor[*dmc.Container]) {
	if !p.variant.MultiInferior {
		rm.Fail(status.NotSupported, "the backend does not support multiple inferiors")
		return
	}
	p.channel.Send(command.AddInferior(p.Control()), monitor.ThenData(p.Executor(), rm.RequestMonitor, func(r *command.Reply) {
		id := r.Results.String("inferior")
		if id == "" {
			rm.Fail(status.RequestFailed, "backend reported no inferior id")
			return
		}
		p.addInferior(id)
		p.containers.Reset()
		rm.DoneData(p.ContainerForGroup(id))
	}))
}

// RemoveInferior removes an unused container.
func (p *Processes) RemoveInferior(cont *dmc.Container, rm *monitor.RequestMonitor) {
	if cont == nil || cont.GroupID == InitialGroup {
		rm.Fail(status.InvalidHandle, "the initial inferior cannot be removed")
		return
	}
	p.channel.Send(command.RemoveInferior(p.Control(), cont.GroupID), monitor.ThenData(p.Executor(), rm, func(*command.Reply) {
		p.removeInferior(cont.GroupID)
		p.containers.Reset()
		rm.Done()
	}))
}

// FlushCache implements service.Caching.
func (p *Processes) FlushCache(ctx dmc.Context) {
	if ctx == nil {
		p.containers.Reset()
		p.threads.Reset()
		return
	}
	p.containers.ResetContext(ctx)
	p.threads.ResetContext(ctx)
}

func (p *Processes) onSuspended(ev events.Suspended) {
	if ctx := containerScope(ev.Context); ctx != nil {
		p.containers.SetContextAvailable(ctx, true)
		p.threads.SetContextAvailable(ctx, true)
	}
}

func (p *Processes) onResumed(ev events.Resumed) {
	if ctx := containerScope(ev.Context); ctx != nil {
		p.containers.SetContextAvailable(ctx, false)
		p.threads.SetContextAvailable(ctx, false)
	}
}

// containerScope returns the context whose availability a run state change
// of ctx decides: the container for all-stop events, the session for the
// group of everything, and nil for single threads.
func containerScope(ctx dmc.ExecutionContext) dmc.Context {
	switch c := ctx.(type) {
	case *dmc.Container:
		return c
	case *dmc.Group:
		if c.IsGroupAll() {
			return c.Parents()[0]
		}
	}
	return nil
}

func (p *Processes) onNotification(n *command.Notification) {
	r := n.Results
	switch n.Kind {
	case command.NotifyThreadGroupAdded:
		if id := r.String("id"); id != "" {
			p.addInferior(id)
			p.containers.Reset()
		}
	case command.NotifyThreadGroupStarted:
		p.onGroupStarted(r.String("id"), r.String("pid"))
	case command.NotifyThreadGroupExited:
		p.onGroupExited(r.String("id"), r.String("exit-code"))
	case command.NotifyThreadCreated:
		p.onThreadCreated(r.String("id"), r.String("group-id"))
	case command.NotifyThreadExited:
		p.onThreadExited(r.String("id"))
	case command.NotifyThreadSelected:
		p.onThreadSelected(r.String("id"), r.Tuple("frame"))
	}
}

func (p *Processes) onGroupStarted(id, pid string) {
	if id == "" {
		return
	}
	inf := p.addInferior(id)
	inf.pid = pid
	inf.used = true
	p.containers.Reset()
	p.threads.Reset()
	p.Publish(events.ContainerStarted{Container: p.ContainerForGroup(id)})
}

func (p *Processes) onGroupExited(id, code string) {
	inf, ok := p.inferiors[id]
	if !ok {
		return
	}
	cont := p.ContainerForGroup(id)
	for tid, g := range p.threadGrp {
		if g == id {
			delete(p.threadGrp, tid)
		}
	}
	inf.pid = ""
	p.closePTY(inf)
	p.containers.Reset()
	p.threads.Reset()
	p.Publish(events.ContainerExited{Container: cont, ExitCode: code})
}

func (p *Processes) onThreadCreated(tid, group string) {
	if tid == "" {
		return
	}
	if group == "" {
		group = p.firstGroup()
	}
	p.threadGrp[tid] = group
	p.threads.Reset()
	p.Publish(events.ThreadStarted{Execution: p.ExecutionForThread(tid)})
}

func (p *Processes) onThreadExited(tid string) {
	if tid == "" {
		return
	}
	exec := p.ExecutionForThread(tid)
	delete(p.threadGrp, tid)
	p.threads.Reset()
	p.Publish(events.ThreadExited{Execution: exec})
}

func (p *Processes) onThreadSelected(tid string, frame command.Results) {
	if tid == "" {
		return
	}
	exec := p.ExecutionForThread(tid)
	p.Publish(events.ThreadSwitched{Execution: exec})
	if frame != nil {
		p.Publish(events.StackFrameSwitched{Frame: dmc.NewFrame(exec, frame.Int("level", 0))})
	}
}

func contextName(ctx dmc.Context) string {
	if ctx == nil {
		return "nil context"
	}
	return ctx.String()
}

// compareIDs orders numeric backend ids numerically.
func compareIDs(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}
