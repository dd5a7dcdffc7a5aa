package breakpoints

import (
	"strings"

	"github.com/dshills/mictl/internal/command"
)

// Kind is the kind of a breakpoint record.
type Kind string

const (
	// KindBreakpoint stops execution at a location.
	KindBreakpoint Kind = "breakpoint"
	// KindTracepoint collects data at a location without stopping.
	KindTracepoint Kind = "tracepoint"
	// KindWatchpoint stops when an expression is accessed.
	KindWatchpoint Kind = "watchpoint"
)

// Watchpoint access kinds.
const (
	AccessWrite     = ""
	AccessRead      = "read"
	AccessReadWrite = "access"
)

// Data describes a breakpoint, tracepoint or watchpoint.
type Data struct {
	// Number is the reference assigned by the backend.
	Number string
	Kind   Kind

	// Location is where a breakpoint or tracepoint is inserted: a function,
	// file:line or *address.
	Location string

	// Expression and Access describe a watchpoint.
	Expression string
	Access     string

	// Resolved location, filled in from the backend reply.
	File     string
	Line     int
	Function string
	Address  string

	Condition   string
	IgnoreCount int
	Disabled    bool
	Temporary   bool
	Hardware    bool
	Thread      string

	// Hits is the number of times the breakpoint was hit.
	Hits int

	// Groups lists the inferiors the backend installed the breakpoint in.
	Groups []string
}

// Update is a partial modification of a breakpoint. Nil fields are left
// unchanged.
type Update struct {
	Condition   *string
	IgnoreCount *int
	Enabled     *bool
}

// IsEmpty reports whether u changes nothing.
func (u Update) IsEmpty() bool {
	return u.Condition == nil && u.IgnoreCount == nil && u.Enabled == nil
}

// parseBreakpoint reads a bkpt tuple.
func parseBreakpoint(t command.Results) Data {
	d := Data{
		Number:      t.String("number"),
		Kind:        KindBreakpoint,
		Location:    t.String("original-location"),
		File:        t.String("fullname"),
		Line:        t.Int("line", 0),
		Function:    t.String("func"),
		Address:     t.String("addr"),
		Condition:   t.String("cond"),
		IgnoreCount: t.Int("ignore", 0),
		Disabled:    !t.Bool("enabled"),
		Temporary:   t.String("disp") == "del",
		Thread:      t.String("thread"),
		Hits:        t.Int("times", 0),
		Groups:      t.Strings("thread-groups"),
	}
	if d.File == "" {
		d.File = t.String("file")
	}

	typ := t.String("type")
	switch {
	case strings.Contains(typ, "tracepoint"):
		d.Kind = KindTracepoint
	case strings.Contains(typ, "watchpoint"):
		d.Kind = KindWatchpoint
		d.Expression = t.String("what")
		switch {
		case strings.HasPrefix(typ, "read"):
			d.Access = AccessRead
		case strings.HasPrefix(typ, "acc"):
			d.Access = AccessReadWrite
		}
	case strings.HasPrefix(typ, "hw"):
		d.Hardware = true
	}
	return d
}

// merge copies what the backend reports over d, keeping the requested
// location when the backend has none.
func merge(d, reported Data) Data {
	if reported.Location == "" {
		reported.Location = d.Location
	}
	if reported.Expression == "" {
		reported.Expression = d.Expression
	}
	if reported.Kind == KindBreakpoint && d.Kind != "" {
		reported.Kind = d.Kind
	}
	return reported
}
