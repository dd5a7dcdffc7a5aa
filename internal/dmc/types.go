package dmc

import "strconv"

// GroupAllName is the name of the implicit group holding every live thread
// and process.
const GroupAllName = "GroupAll"

// Control is the root context of a session: the backend connection.
type Control struct {
	base
	ID string
}

// NewControl creates the root context of session.
func NewControl(session string) *Control {
	return &Control{base: newBase(session, "control", session), ID: session}
}

// Process is an operating system process.
type Process struct {
	base
	PID string
}

// NewProcess creates a process context under control.
func NewProcess(control *Control, pid string) *Process {
	return &Process{base: newBase(control.SessionID(), "process", pid, control), PID: pid}
}

// Container is a backend inferior (thread group). It is the breakpoints and
// memory target of the threads it holds.
type Container struct {
	base
	GroupID string
	Process *Process
}

// NewContainer creates a container context. The group id is the one issued
// by the backend, e.g. "i1". A container keeps its identity across the
// processes it runs, so its key does not include the process id.
func NewContainer(process *Process, groupID string) *Container {
	b := newBase(process.SessionID(), "container", groupID, process)
	b.key = newBase(process.SessionID(), "container", groupID, process.Parents()...).key
	return &Container{base: b, GroupID: groupID, Process: process}
}

func (*Container) breakpointsTarget() {}
func (*Container) memoryTarget()      {}
func (*Container) executionContext()  {}

// Thread is an operating system thread.
type Thread struct {
	base
	ID string
}

// NewThread creates a thread context under process.
func NewThread(process *Process, id string) *Thread {
	return &Thread{base: newBase(process.SessionID(), "thread", id, process), ID: id}
}

// Execution is a backend thread within a container.
type Execution struct {
	base
	ThreadID  string
	Container *Container
	Thread    *Thread
}

// NewExecution creates an execution context with both the container and
// the operating system thread as parents.
func NewExecution(container *Container, thread *Thread, threadID string) *Execution {
	return &Execution{
		base:      newBase(container.SessionID(), "exec", threadID, container, thread),
		ThreadID:  threadID,
		Container: container,
		Thread:    thread,
	}
}

func (*Execution) executionContext() {}

// Group is a user-defined set of threads and processes, or the implicit
// group of everything.
type Group struct {
	base
	Name string
}

// NewGroup creates a group context under control.
func NewGroup(control *Control, name string) *Group {
	return &Group{base: newBase(control.SessionID(), "group", name, control), Name: name}
}

// IsGroupAll reports whether g is the implicit group of everything.
func (g *Group) IsGroupAll() bool {
	return g.Name == GroupAllName
}

func (*Group) executionContext() {}

// GlobalTarget is the breakpoints target of backends whose breakpoints are
// not bound to an inferior.
type GlobalTarget struct {
	base
}

// NewGlobalTarget creates the session-wide breakpoints target.
func NewGlobalTarget(control *Control) *GlobalTarget {
	return &GlobalTarget{base: newBase(control.SessionID(), "breakpoints", "global", control)}
}

func (*GlobalTarget) breakpointsTarget() {}

// Breakpoint is a breakpoint, tracepoint or watchpoint installed in a target.
type Breakpoint struct {
	base
	Ref    string
	Target BreakpointsTarget
}

// NewBreakpoint creates a breakpoint context for the backend reference ref.
func NewBreakpoint(target BreakpointsTarget, ref string) *Breakpoint {
	return &Breakpoint{base: newBase(target.SessionID(), "bp", ref, target), Ref: ref, Target: target}
}

// CPU is a physical processor.
type CPU struct {
	base
	ID string
}

// NewCPU creates a CPU context under control.
func NewCPU(control *Control, id string) *CPU {
	return &CPU{base: newBase(control.SessionID(), "cpu", id, control), ID: id}
}

// Core is a processor core.
type Core struct {
	base
	ID  string
	CPU *CPU
}

// NewCore creates a core context under cpu.
func NewCore(cpu *CPU, id string) *Core {
	return &Core{base: newBase(cpu.SessionID(), "core", id, cpu), ID: id, CPU: cpu}
}

// Frame is a stack frame of an execution context.
type Frame struct {
	base
	Level     int
	Execution ExecutionContext
}

// NewFrame creates a frame context at level within exec.
func NewFrame(exec ExecutionContext, level int) *Frame {
	return &Frame{
		base:      newBase(exec.SessionID(), "frame", strconv.Itoa(level), exec),
		Level:     level,
		Execution: exec,
	}
}

// TraceRecord is a recorded trace frame.
type TraceRecord struct {
	base
	Index string
}

// NewTraceRecord creates a trace record context under control.
func NewTraceRecord(control *Control, index string) *TraceRecord {
	return &TraceRecord{base: newBase(control.SessionID(), "tframe", index, control), Index: index}
}
