// Package events is the catalog of domain events published by the control
// core. Events are values; every type reports a fixed topic, so handlers can
// subscribe by type with event.Subscribe.
package events

import (
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/topic"
)

// Topics of the domain events.
const (
	TopicBackendStarted      topic.Topic = "backend.started"
	TopicBackendTerminated   topic.Topic = "backend.terminated"
	TopicControlInitialized  topic.Topic = "control.initialized"
	TopicControlShutdown     topic.Topic = "control.shutdown"
	TopicContainerStarted    topic.Topic = "process.container.started"
	TopicContainerExited     topic.Topic = "process.container.exited"
	TopicThreadStarted       topic.Topic = "process.thread.started"
	TopicThreadExited        topic.Topic = "process.thread.exited"
	TopicGroupCreated        topic.Topic = "group.created"
	TopicGroupDeleted        topic.Topic = "group.deleted"
	TopicGroupChanged        topic.Topic = "group.changed"
	TopicBreakpointAdded     topic.Topic = "breakpoint.added"
	TopicBreakpointUpdated   topic.Topic = "breakpoint.updated"
	TopicBreakpointRemoved   topic.Topic = "breakpoint.removed"
	TopicMemoryChanged       topic.Topic = "memory.changed"
	TopicSuspended           topic.Topic = "runcontrol.suspended"
	TopicResumed             topic.Topic = "runcontrol.resumed"
	TopicReverseModeChanged  topic.Topic = "runcontrol.reverse.changed"
	TopicTraceRecordSelected topic.Topic = "trace.record.selected"
	TopicThreadSwitched      topic.Topic = "selection.thread.switched"
	TopicStackFrameSwitched  topic.Topic = "selection.frame.switched"
	TopicSourceFilesChanged  topic.Topic = "sources.changed"
	TopicConsoleOutput       topic.Topic = "backend.console"
)

// BackendStarted is published once the backend process is running.
type BackendStarted struct {
	SessionID string
	PID       int
}

// Topic implements event.Event.
func (BackendStarted) Topic() topic.Topic { return TopicBackendStarted }

// BackendTerminated is published when the backend process exits.
type BackendTerminated struct {
	SessionID string
	ExitCode  int
}

// Topic implements event.Event.
func (BackendTerminated) Topic() topic.Topic { return TopicBackendTerminated }

// ControlInitialized is published when the command channel is ready.
type ControlInitialized struct {
	Control *dmc.Control
}

// Topic implements event.Event.
func (ControlInitialized) Topic() topic.Topic { return TopicControlInitialized }

// ControlShutdown is published when the command channel is closed.
type ControlShutdown struct {
	Control *dmc.Control
}

// Topic implements event.Event.
func (ControlShutdown) Topic() topic.Topic { return TopicControlShutdown }

// ContainerStarted is published when an inferior starts running a process.
type ContainerStarted struct {
	Container *dmc.Container
}

// Topic implements event.Event.
func (ContainerStarted) Topic() topic.Topic { return TopicContainerStarted }

// ContainerExited is published when the process of an inferior exits.
type ContainerExited struct {
	Container *dmc.Container
	ExitCode  string
}

// Topic implements event.Event.
func (ContainerExited) Topic() topic.Topic { return TopicContainerExited }

// ThreadStarted is published when a thread is created.
type ThreadStarted struct {
	Execution *dmc.Execution
}

// Topic implements event.Event.
func (ThreadStarted) Topic() topic.Topic { return TopicThreadStarted }

// ThreadExited is published when a thread exits.
type ThreadExited struct {
	Execution *dmc.Execution
}

// Topic implements event.Event.
func (ThreadExited) Topic() topic.Topic { return TopicThreadExited }

// GroupCreated is published when a user group is created.
type GroupCreated struct {
	Group *dmc.Group
}

// Topic implements event.Event.
func (GroupCreated) Topic() topic.Topic { return TopicGroupCreated }

// GroupDeleted is published when a user group is deleted.
type GroupDeleted struct {
	Group *dmc.Group
}

// Topic implements event.Event.
func (GroupDeleted) Topic() topic.Topic { return TopicGroupDeleted }

// GroupChanged is published when the members of a group change.
type GroupChanged struct {
	Group *dmc.Group
}

// Topic implements event.Event.
func (GroupChanged) Topic() topic.Topic { return TopicGroupChanged }

// BreakpointAdded is published when a breakpoint enters the service map,
// whether inserted by the service or reported by the backend.
type BreakpointAdded struct {
	Breakpoint *dmc.Breakpoint
}

// Topic implements event.Event.
func (BreakpointAdded) Topic() topic.Topic { return TopicBreakpointAdded }

// BreakpointUpdated is published when a breakpoint changes.
type BreakpointUpdated struct {
	Breakpoint *dmc.Breakpoint
}

// Topic implements event.Event.
func (BreakpointUpdated) Topic() topic.Topic { return TopicBreakpointUpdated }

// BreakpointRemoved is published when a breakpoint leaves the service map.
type BreakpointRemoved struct {
	Breakpoint *dmc.Breakpoint
}

// Topic implements event.Event.
func (BreakpointRemoved) Topic() topic.Topic { return TopicBreakpointRemoved }

// MemoryChanged is published after the memory cache dropped the affected
// blocks.
type MemoryChanged struct {
	Target    dmc.MemoryTarget
	Addresses []uint64
	Length    int
}

// Topic implements event.Event.
func (MemoryChanged) Topic() topic.Topic { return TopicMemoryChanged }

// Suspended is published when an execution context stops.
type Suspended struct {
	Context dmc.ExecutionContext
	Reason  string
}

// Topic implements event.Event.
func (Suspended) Topic() topic.Topic { return TopicSuspended }

// Resumed is published when an execution context resumes.
type Resumed struct {
	Context dmc.ExecutionContext
	Reason  string
}

// Topic implements event.Event.
func (Resumed) Topic() topic.Topic { return TopicResumed }

// ReverseModeChanged is published when process recording is switched.
type ReverseModeChanged struct {
	Control *dmc.Control
	Enabled bool
}

// Topic implements event.Event.
func (ReverseModeChanged) Topic() topic.Topic { return TopicReverseModeChanged }

// TraceRecordSelected is published when a trace record is selected or
// trace visualization stops.
type TraceRecordSelected struct {
	Record        *dmc.TraceRecord
	Visualization bool
}

// Topic implements event.Event.
func (TraceRecordSelected) Topic() topic.Topic { return TopicTraceRecordSelected }

// ThreadSwitched is published when the user selected a thread outside
// this front end.
type ThreadSwitched struct {
	Execution *dmc.Execution
}

// Topic implements event.Event.
func (ThreadSwitched) Topic() topic.Topic { return TopicThreadSwitched }

// StackFrameSwitched is published when the user selected a frame outside
// this front end.
type StackFrameSwitched struct {
	Frame *dmc.Frame
}

// Topic implements event.Event.
func (StackFrameSwitched) Topic() topic.Topic { return TopicStackFrameSwitched }

// SourceFilesChanged is published when the set of debug sources may have
// changed.
type SourceFilesChanged struct {
	Container *dmc.Container
	Paths     []string
}

// Topic implements event.Event.
func (SourceFilesChanged) Topic() topic.Topic { return TopicSourceFilesChanged }

// ConsoleOutput carries backend console stream output.
type ConsoleOutput struct {
	Text string
}

// Topic implements event.Event.
func (ConsoleOutput) Topic() topic.Topic { return TopicConsoleOutput }
