// Package command defines the request, reply and notification values
// exchanged with the backend, the channel services use to send requests,
// and the flat catalog of request builders.
//
// Requests are opaque values compared by kind, context and arguments. The
// wire encoding is supplied by a Codec; this package knows nothing about it.
package command

import (
	"strings"

	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/monitor"
)

// Command is a backend request.
type Command struct {
	// Kind is the backend operation, e.g. "-exec-run".
	Kind string

	// Args are the positional arguments.
	Args []string

	// Context is the element the command applies to. It selects the
	// --thread-group, --thread and --frame options.
	Context dmc.Context

	// Options are filled in by the channel just before the command is
	// written; builders leave them empty.
	Options []string

	// Scope controls which context options the channel adds.
	Scope Scope
}

// Scope controls the context options added to a command.
type Scope int

const (
	// ScopeNone sends the command without context options.
	ScopeNone Scope = iota
	// ScopeContainer adds --thread-group for the container of the context.
	ScopeContainer
	// ScopeThread adds --thread for the execution context.
	ScopeThread
	// ScopeFrame adds --thread and --frame.
	ScopeFrame
)

// Key returns the cache key of the command: kind, context and arguments.
func (c Command) Key() string {
	var sb strings.Builder
	sb.WriteString(c.Kind)
	sb.WriteByte('|')
	if c.Context != nil {
		sb.WriteString(c.Context.Key())
	}
	for _, a := range c.Args {
		sb.WriteByte('|')
		sb.WriteString(a)
	}
	return sb.String()
}

// String returns the command as it would be typed, without options.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Kind
	}
	return c.Kind + " " + strings.Join(c.Args, " ")
}

// Class is the result class of a reply.
type Class string

// Result classes.
const (
	ClassDone      Class = "done"
	ClassRunning   Class = "running"
	ClassConnected Class = "connected"
	ClassError     Class = "error"
	ClassExit      Class = "exit"
)

// Reply is the backend's answer to one command.
type Reply struct {
	Token   int
	Class   Class
	Results Results
	Message string
}

// IsError reports whether the backend rejected the command.
func (r *Reply) IsError() bool {
	return r.Class == ClassError
}

// Notification is an asynchronous record emitted by the backend.
type Notification struct {
	// Kind is the notification name, e.g. "thread-group-started".
	Kind string

	// Async is true for exec records (running, stopped) and false for
	// notify records.
	Async bool

	Results Results
}

// Notification kinds.
const (
	NotifyThreadGroupAdded   = "thread-group-added"
	NotifyThreadGroupStarted = "thread-group-started"
	NotifyThreadGroupExited  = "thread-group-exited"
	NotifyThreadCreated      = "thread-created"
	NotifyThreadExited       = "thread-exited"
	NotifyThreadSelected     = "thread-selected"
	NotifyBreakpointCreated  = "breakpoint-created"
	NotifyBreakpointModified = "breakpoint-modified"
	NotifyBreakpointDeleted  = "breakpoint-deleted"
	NotifyMemoryChanged      = "memory-changed"
	NotifyTraceFrameChanged  = "traceframe-changed"
	NotifyRecordStarted      = "record-started"
	NotifyRecordStopped      = "record-stopped"
	NotifyLibraryLoaded      = "library-loaded"
	NotifyLibraryUnloaded    = "library-unloaded"
	NotifyRunning            = "running"
	NotifyStopped            = "stopped"
)

// Listener receives backend notifications on the session executor.
type Listener func(n *Notification)

// Channel sends commands to the backend and delivers its notifications.
type Channel interface {
	// Send queues cmd. rm completes with the reply, or with a
	// request-failed status when the backend rejects the command.
	Send(cmd Command, rm *monitor.DataRequestMonitor[*Reply])

	// Subscribe registers l for notifications. Listeners run in
	// registration order. The returned function removes l.
	Subscribe(l Listener) (unsubscribe func())
}

// Sender is the part of a Channel needed to issue commands.
type Sender interface {
	Send(cmd Command, rm *monitor.DataRequestMonitor[*Reply])
}
