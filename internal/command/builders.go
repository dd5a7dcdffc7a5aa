package command

import (
	"strconv"

	"github.com/dshills/mictl/internal/dmc"
)

// Command kinds.
const (
	KindGdbSet                  = "-gdb-set"
	KindGdbExit                 = "-gdb-exit"
	KindGdbVersion              = "-gdb-version"
	KindListFeatures            = "-list-features"
	KindEnvironmentCD           = "-environment-cd"
	KindFileExecAndSymbols      = "-file-exec-and-symbols"
	KindFileListExecSourceFiles = "-file-list-exec-source-files"
	KindExecArguments           = "-exec-arguments"
	KindInferiorTTYSet          = "-inferior-tty-set"
	KindTargetSelect            = "-target-select"
	KindTargetAttach            = "-target-attach"
	KindTargetDetach            = "-target-detach"
	KindExecRun                 = "-exec-run"
	KindExecContinue            = "-exec-continue"
	KindExecInterrupt           = "-exec-interrupt"
	KindExecNext                = "-exec-next"
	KindExecStep                = "-exec-step"
	KindExecFinish              = "-exec-finish"
	KindBreakInsert             = "-break-insert"
	KindBreakWatch              = "-break-watch"
	KindBreakDelete             = "-break-delete"
	KindBreakEnable             = "-break-enable"
	KindBreakDisable            = "-break-disable"
	KindBreakCondition          = "-break-condition"
	KindBreakAfter              = "-break-after"
	KindBreakList               = "-break-list"
	KindAddInferior             = "-add-inferior"
	KindRemoveInferior          = "-remove-inferior"
	KindListThreadGroups        = "-list-thread-groups"
	KindThreadInfo              = "-thread-info"
	KindDataReadMemory          = "-data-read-memory"
	KindDataReadMemoryBytes     = "-data-read-memory-bytes"
	KindDataWriteMemoryBytes    = "-data-write-memory-bytes"
	KindTraceFind               = "-trace-find"
	KindTraceStatus             = "-trace-status"
	KindInfoOS                  = "-info-os"
	KindInterpreterExecConsole  = "-interpreter-exec"
	KindRecord                  = "record"
	KindEnablePrettyPrinting    = "-enable-pretty-printing"
	KindStackInfoFrame          = "-stack-info-frame"
	KindThreadSelect            = "-thread-select"
	KindDataEvaluateExpression  = "-data-evaluate-expression"
)

// GdbSet sets a backend variable.
func GdbSet(ctx dmc.Context, args ...string) Command {
	return Command{Kind: KindGdbSet, Context: ctx, Args: args}
}

// GdbExit terminates the backend.
func GdbExit() Command {
	return Command{Kind: KindGdbExit}
}

// GdbVersion asks for the backend banner.
func GdbVersion() Command {
	return Command{Kind: KindGdbVersion}
}

// ListFeatures lists the optional features of the backend.
func ListFeatures() Command {
	return Command{Kind: KindListFeatures}
}

// EnvironmentCD sets the working directory of new inferiors.
func EnvironmentCD(ctx dmc.Context, dir string) Command {
	return Command{Kind: KindEnvironmentCD, Context: ctx, Args: []string{dir}}
}

// FileExecAndSymbols selects the program of a container.
func FileExecAndSymbols(ctx dmc.Context, path string) Command {
	return Command{Kind: KindFileExecAndSymbols, Context: ctx, Args: []string{path}, Scope: ScopeContainer}
}

// FileListExecSourceFiles lists the source files of the program.
func FileListExecSourceFiles(ctx dmc.Context) Command {
	return Command{Kind: KindFileListExecSourceFiles, Context: ctx, Scope: ScopeContainer}
}

// ExecArguments sets the program arguments of a container.
func ExecArguments(ctx dmc.Context, args ...string) Command {
	return Command{Kind: KindExecArguments, Context: ctx, Args: args, Scope: ScopeContainer}
}

// InferiorTTYSet sets the terminal of a container.
func InferiorTTYSet(ctx dmc.Context, tty string) Command {
	return Command{Kind: KindInferiorTTYSet, Context: ctx, Args: []string{tty}, Scope: ScopeContainer}
}

// TargetSelectRemote connects to a remote target over TCP. The arguments
// are the target type and "host:port".
func TargetSelectRemote(ctx dmc.Context, host, port string, extended bool) Command {
	typ := "remote"
	if extended {
		typ = "extended-remote"
	}
	return Command{Kind: KindTargetSelect, Context: ctx, Args: []string{typ, host + ":" + port}}
}

// TargetSelectSerial connects to a remote target over a serial device.
func TargetSelectSerial(ctx dmc.Context, device string, extended bool) Command {
	typ := "remote"
	if extended {
		typ = "extended-remote"
	}
	return Command{Kind: KindTargetSelect, Context: ctx, Args: []string{typ, device}}
}

// TargetSelectCore opens a core file.
func TargetSelectCore(ctx dmc.Context, path string) Command {
	return Command{Kind: KindTargetSelect, Context: ctx, Args: []string{"core", path}}
}

// TargetSelectTraceFile opens a saved trace file.
func TargetSelectTraceFile(ctx dmc.Context, path string) Command {
	return Command{Kind: KindTargetSelect, Context: ctx, Args: []string{"tfile", path}}
}

// TargetAttach attaches a container to a running process.
func TargetAttach(ctx dmc.Context, pid string) Command {
	return Command{Kind: KindTargetAttach, Context: ctx, Args: []string{pid}, Scope: ScopeContainer}
}

// TargetDetach detaches from the process of a container.
func TargetDetach(ctx dmc.Context) Command {
	return Command{Kind: KindTargetDetach, Context: ctx, Scope: ScopeContainer}
}

// ExecRun starts the program of a container.
func ExecRun(ctx dmc.Context) Command {
	return Command{Kind: KindExecRun, Context: ctx, Scope: ScopeContainer}
}

// ExecContinue resumes an execution context. A container or group resumes
// every thread in it.
func ExecContinue(ctx dmc.Context, reverse bool) Command {
	c := Command{Kind: KindExecContinue, Context: ctx, Scope: ScopeThread}
	if reverse {
		c.Args = []string{"--reverse"}
	}
	return c
}

// ExecInterrupt suspends an execution context.
func ExecInterrupt(ctx dmc.Context) Command {
	return Command{Kind: KindExecInterrupt, Context: ctx, Scope: ScopeThread}
}

// ExecStep steps into, over or out of the current line.
func ExecStep(ctx dmc.Context, kind string, reverse bool) Command {
	c := Command{Kind: kind, Context: ctx, Scope: ScopeThread}
	if reverse {
		c.Args = []string{"--reverse"}
	}
	return c
}

// BreakOptions are the optional flags of a breakpoint insertion.
type BreakOptions struct {
	Temporary  bool
	Hardware   bool
	Disabled   bool
	Pending    bool
	Tracepoint bool
	Condition  string
	Ignore     int
	Thread     string
}

// BreakInsert inserts a breakpoint or tracepoint at location.
func BreakInsert(ctx dmc.Context, location string, opts BreakOptions) Command {
	var args []string
	if opts.Temporary {
		args = append(args, "-t")
	}
	if opts.Hardware {
		args = append(args, "-h")
	}
	if opts.Disabled {
		args = append(args, "-d")
	}
	if opts.Pending {
		args = append(args, "-f")
	}
	if opts.Tracepoint {
		args = append(args, "-a")
	}
	if opts.Condition != "" {
		args = append(args, "-c", opts.Condition)
	}
	if opts.Ignore > 0 {
		args = append(args, "-i", strconv.Itoa(opts.Ignore))
	}
	if opts.Thread != "" {
		args = append(args, "-p", opts.Thread)
	}
	args = append(args, location)
	return Command{Kind: KindBreakInsert, Context: ctx, Args: args, Scope: ScopeContainer}
}

// BreakWatch inserts a watchpoint on expression. Access is "", "read" or
// "access".
func BreakWatch(ctx dmc.Context, expression, access string) Command {
	var args []string
	switch access {
	case "read":
		args = append(args, "-r")
	case "access":
		args = append(args, "-a")
	}
	args = append(args, expression)
	return Command{Kind: KindBreakWatch, Context: ctx, Args: args, Scope: ScopeContainer}
}

// BreakDelete deletes breakpoints by reference.
func BreakDelete(ctx dmc.Context, refs ...string) Command {
	return Command{Kind: KindBreakDelete, Context: ctx, Args: refs, Scope: ScopeContainer}
}

// BreakEnable enables breakpoints.
func BreakEnable(ctx dmc.Context, refs ...string) Command {
	return Command{Kind: KindBreakEnable, Context: ctx, Args: refs, Scope: ScopeContainer}
}

// BreakDisable disables breakpoints.
func BreakDisable(ctx dmc.Context, refs ...string) Command {
	return Command{Kind: KindBreakDisable, Context: ctx, Args: refs, Scope: ScopeContainer}
}

// BreakCondition sets or clears the condition of a breakpoint.
func BreakCondition(ctx dmc.Context, ref, condition string) Command {
	args := []string{ref}
	if condition != "" {
		args = append(args, condition)
	}
	return Command{Kind: KindBreakCondition, Context: ctx, Args: args, Scope: ScopeContainer}
}

// BreakAfter sets the ignore count of a breakpoint.
func BreakAfter(ctx dmc.Context, ref string, count int) Command {
	return Command{Kind: KindBreakAfter, Context: ctx, Args: []string{ref, strconv.Itoa(count)}, Scope: ScopeContainer}
}

// BreakList lists breakpoints.
func BreakList(ctx dmc.Context) Command {
	return Command{Kind: KindBreakList, Context: ctx, Scope: ScopeContainer}
}

// AddInferior creates a new empty container.
func AddInferior(ctx dmc.Context) Command {
	return Command{Kind: KindAddInferior, Context: ctx}
}

// RemoveInferior removes a container.
func RemoveInferior(ctx dmc.Context, groupID string) Command {
	return Command{Kind: KindRemoveInferior, Context: ctx, Args: []string{groupID}}
}

// ListThreadGroups lists the containers, or the threads of groupID.
func ListThreadGroups(ctx dmc.Context, groupID string) Command {
	c := Command{Kind: KindListThreadGroups, Context: ctx}
	if groupID != "" {
		c.Args = []string{groupID}
	}
	return c
}

// ThreadInfo lists threads with their state.
func ThreadInfo(ctx dmc.Context, threadID string) Command {
	c := Command{Kind: KindThreadInfo, Context: ctx}
	if threadID != "" {
		c.Args = []string{threadID}
	}
	return c
}

// ThreadSelect makes a thread current.
func ThreadSelect(ctx dmc.Context, threadID string) Command {
	return Command{Kind: KindThreadSelect, Context: ctx, Args: []string{threadID}}
}

// StackInfoFrame describes the selected frame.
func StackInfoFrame(ctx dmc.Context) Command {
	return Command{Kind: KindStackInfoFrame, Context: ctx, Scope: ScopeFrame}
}

// DataEvaluateExpression evaluates expr in the context.
func DataEvaluateExpression(ctx dmc.Context, expr string) Command {
	return Command{Kind: KindDataEvaluateExpression, Context: ctx, Args: []string{expr}, Scope: ScopeFrame}
}

// DataReadMemory reads count words of wordSize bytes.
func DataReadMemory(ctx dmc.Context, address string, wordSize, count int) Command {
	return Command{
		Kind:    KindDataReadMemory,
		Context: ctx,
		Args:    []string{address, "x", strconv.Itoa(wordSize), "1", strconv.Itoa(count)},
		Scope:   ScopeThread,
	}
}

// DataReadMemoryBytes reads count bytes at address plus offset.
func DataReadMemoryBytes(ctx dmc.Context, address string, offset, count int) Command {
	var args []string
	if offset != 0 {
		args = append(args, "-o", strconv.Itoa(offset))
	}
	args = append(args, address, strconv.Itoa(count))
	return Command{Kind: KindDataReadMemoryBytes, Context: ctx, Args: args, Scope: ScopeThread}
}

// DataWriteMemoryBytes writes hex-encoded contents at address.
func DataWriteMemoryBytes(ctx dmc.Context, address, contents string) Command {
	return Command{Kind: KindDataWriteMemoryBytes, Context: ctx, Args: []string{address, contents}, Scope: ScopeThread}
}

// TraceFind selects a trace frame. Mode is e.g. "frame-number" or "none".
func TraceFind(ctx dmc.Context, mode string, params ...string) Command {
	return Command{Kind: KindTraceFind, Context: ctx, Args: append([]string{mode}, params...)}
}

// TraceStatus queries the trace experiment.
func TraceStatus(ctx dmc.Context) Command {
	return Command{Kind: KindTraceStatus, Context: ctx}
}

// InfoOS queries operating system information, e.g. "cpus".
func InfoOS(ctx dmc.Context, kind string) Command {
	return Command{Kind: KindInfoOS, Context: ctx, Args: []string{kind}}
}

// RecordStart starts process recording with the given method, e.g. "full"
// or "btrace bts".
func RecordStart(ctx dmc.Context, method string) Command {
	return Command{Kind: KindRecord, Context: ctx, Args: []string{method}, Scope: ScopeContainer}
}

// RecordStop stops process recording.
func RecordStop(ctx dmc.Context) Command {
	return Command{Kind: KindRecord, Context: ctx, Args: []string{"stop"}, Scope: ScopeContainer}
}

// InterpreterExecConsole runs a console command.
func InterpreterExecConsole(ctx dmc.Context, line string) Command {
	return Command{Kind: KindInterpreterExecConsole, Context: ctx, Args: []string{"console", line}}
}

// EnablePrettyPrinting turns on pretty printers.
func EnablePrettyPrinting(ctx dmc.Context) Command {
	return Command{Kind: KindEnablePrettyPrinting, Context: ctx}
}
