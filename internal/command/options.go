package command

import (
	"strconv"

	"github.com/dshills/mictl/internal/dmc"
)

// ContextOptions returns the options that bind cmd to its context. When
// threadAndFrame is false, --thread and --frame are omitted and the backend
// applies the command to its current selection; this is required while the
// backend shows recorded trace data.
func ContextOptions(cmd Command, threadAndFrame bool) []string {
	if cmd.Context == nil || cmd.Scope == ScopeNone {
		return nil
	}

	if cmd.Scope != ScopeContainer {
		if exec, ok := dmc.Ancestor[*dmc.Execution](cmd.Context); ok {
			if !threadAndFrame {
				return nil
			}
			opts := []string{"--thread", exec.ThreadID}
			if cmd.Scope == ScopeFrame {
				if frame, ok := dmc.Ancestor[*dmc.Frame](cmd.Context); ok {
					opts = append(opts, "--frame", strconv.Itoa(frame.Level))
				}
			}
			return opts
		}
	}

	if cont, ok := dmc.Ancestor[*dmc.Container](cmd.Context); ok {
		return []string{"--thread-group", cont.GroupID}
	}
	if g, ok := dmc.Ancestor[*dmc.Group](cmd.Context); ok && g.IsGroupAll() && cmd.Scope == ScopeThread {
		return []string{"--all"}
	}
	return nil
}
