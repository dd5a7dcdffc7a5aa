package sequence

import (
	"maps"

	"github.com/dshills/mictl/internal/monitor"
)

// Handler is the body of a step or of its rollback. It must complete rm
// exactly once.
type Handler func(rm *monitor.RequestMonitor)

// Step is a named unit of asynchronous work.
type Step struct {
	Name     string
	Execute  Handler
	Rollback Handler
}

// Table maps step names to their handlers. Versioned variants copy their
// base table and override or add entries.
type Table map[string]Step

// NewTable creates an empty table.
func NewTable() Table {
	return make(Table)
}

// Set registers or overrides the handlers of name. A nil rollback means the
// step has nothing to undo.
func (t Table) Set(name string, execute, rollback Handler) Table {
	t[name] = Step{Name: name, Execute: execute, Rollback: rollback}
	return t
}

// Clone returns a shallow copy of the table.
func (t Table) Clone() Table {
	return maps.Clone(t)
}

// Provider supplies the step order of a group and the handlers backing it.
type Provider interface {
	ExecutionOrder(group string) *Order
	Steps() Table
}

// GroupTop is the group used by sequences with a single step list.
const GroupTop = "top"

// State is the lifecycle state of a step within a running sequence.
type State int

const (
	// StatePending is the state of a step that has not started.
	StatePending State = iota
	// StateRunning is the state of a step whose handler has not completed.
	StateRunning
	// StateSucceeded is the state of a step that completed successfully.
	StateSucceeded
	// StateFailed is the state of a step that failed or was cancelled.
	StateFailed
	// StateRolledBack is the state of a succeeded step that was undone.
	StateRolledBack
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// StepInfo is a snapshot of one step of a sequence.
type StepInfo struct {
	Name  string
	State State
}
