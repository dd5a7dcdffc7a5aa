// Package factory creates the services of a session, choosing for each role
// the implementation that matches the version the backend reported.
//
// Each role has a table of version thresholds. The highest threshold not
// above the session version wins; a version below every threshold, or an
// unknown one, gets the baseline implementation. Run control has a second
// axis: a non-stop launch selects the non-stop family whatever the version,
// provided the backend supports non-stop at all.
package factory

import (
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/backend"
	"github.com/dshills/mictl/internal/service/breakpoints"
	"github.com/dshills/mictl/internal/service/control"
	"github.com/dshills/mictl/internal/service/grouping"
	"github.com/dshills/mictl/internal/service/hardware"
	"github.com/dshills/mictl/internal/service/memory"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/service/runcontrol"
	"github.com/dshills/mictl/internal/service/sources"
	"github.com/dshills/mictl/internal/service/trace"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
	"github.com/dshills/mictl/internal/version"
)

// NonStopMinVersion is the first backend version able to run non-stop.
const NonStopMinVersion = "7.0"

// Roles lists the services created after the backend and control channel,
// in creation order. Shutdown goes in reverse.
var Roles = []session.Role{
	service.RoleProcesses,
	service.RoleRunControl,
	service.RoleBreakpoints,
	service.RoleMemory,
	service.RoleHardware,
	service.RoleGrouping,
	service.RoleTrace,
	service.RoleSources,
}

var (
	processesTable = version.NewTable(processes.VariantSingle,
		version.Rule[processes.Variant]{Min: "7.2", Value: processes.VariantMultiInferior},
		version.Rule[processes.Variant]{Min: "7.10", Value: processes.VariantReverseToggle},
		version.Rule[processes.Variant]{Min: "7.12", Value: processes.VariantConsole},
	)
	allStopTable = version.NewTable(runcontrol.VariantAllStop,
		version.Rule[runcontrol.Variant]{Min: "7.10", Value: runcontrol.VariantAllStopRecord},
	)
	nonStopTable = version.NewTable(runcontrol.VariantNonStop,
		version.Rule[runcontrol.Variant]{Min: "7.10", Value: runcontrol.VariantNonStopRecord},
	)
	breakpointsTable = version.NewTable(breakpoints.VariantGlobal,
		version.Rule[breakpoints.Variant]{Min: "7.0", Value: breakpoints.VariantPerProcess},
		version.Rule[breakpoints.Variant]{Min: "7.2", Value: breakpoints.VariantTracepoints},
		version.Rule[breakpoints.Variant]{Min: "7.4", Value: breakpoints.VariantConsoleSync},
	)
	memoryTable = version.NewTable(memory.VariantBaseline,
		version.Rule[memory.Variant]{Min: "7.2", Value: memory.VariantBytes},
	)
	hardwareTable = version.NewTable(hardware.VariantUnsupported,
		version.Rule[hardware.Variant]{Min: "7.5", Value: hardware.VariantOSData},
	)
	traceTable = version.NewTable(trace.VariantUnsupported,
		version.Rule[trace.Variant]{Min: "7.2", Value: trace.VariantTrace},
	)
)

// ProcessesVariant returns the processes implementation for version v.
func ProcessesVariant(v string) processes.Variant { return processesTable.Select(v) }

// BreakpointsVariant returns the breakpoints implementation for version v.
func BreakpointsVariant(v string) breakpoints.Variant { return breakpointsTable.Select(v) }

// MemoryVariant returns the memory implementation for version v.
func MemoryVariant(v string) memory.Variant { return memoryTable.Select(v) }

// HardwareVariant returns the hardware implementation for version v.
func HardwareVariant(v string) hardware.Variant { return hardwareTable.Select(v) }

// TraceVariant returns the trace implementation for version v.
func TraceVariant(v string) trace.Variant { return traceTable.Select(v) }

// RunControlVariant returns the run control implementation for version v.
// Non-stop on a backend older than NonStopMinVersion is NotSupported.
func RunControlVariant(v string, nonStop bool) (runcontrol.Variant, error) {
	if !nonStop {
		return allStopTable.Select(v), nil
	}
	if !version.AtLeast(v, NonStopMinVersion) {
		return runcontrol.Variant{}, status.Newf(status.NotSupported, "non-stop mode needs backend %s or later, have %q", NonStopMinVersion, v)
	}
	return nonStopTable.Select(v), nil
}

// Factory creates session services. The launcher, PTY allocator and codec
// are only needed for the backend and control roles.
type Factory struct {
	Launcher backend.Launcher
	PTY      backend.PTYAllocator
	Codec    command.Codec
}

// CreateService returns a new, uninitialized service for role, chosen by
// the version recorded on sess.
func (f *Factory) CreateService(role session.Role, sess *session.Session) (session.Service, error) {
	v := sess.Version()
	switch role {
	case service.RoleBackend:
		if f.Launcher == nil {
			return nil, status.New(status.InternalError, "no launcher for the backend service")
		}
		return backend.New(sess, f.Launcher, f.PTY), nil
	case service.RoleControl:
		if f.Codec == nil {
			return nil, status.New(status.InternalError, "no codec for the control service")
		}
		return control.New(sess, f.Codec), nil
	case service.RoleProcesses:
		return processes.New(sess, ProcessesVariant(v)), nil
	case service.RoleRunControl:
		rv, err := RunControlVariant(v, sess.Attributes().IsNonStop())
		if err != nil {
			return nil, err
		}
		return runcontrol.New(sess, rv), nil
	case service.RoleBreakpoints:
		return breakpoints.New(sess, BreakpointsVariant(v)), nil
	case service.RoleMemory:
		return memory.New(sess, MemoryVariant(v)), nil
	case service.RoleHardware:
		return hardware.New(sess, HardwareVariant(v)), nil
	case service.RoleGrouping:
		return grouping.New(sess), nil
	case service.RoleTrace:
		return trace.New(sess, TraceVariant(v)), nil
	case service.RoleSources:
		return sources.New(sess), nil
	}
	return nil, status.Newf(status.InternalError, "no service for role %q", role)
}
