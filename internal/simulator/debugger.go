package simulator

import (
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/mictl/internal/command"
)

// firstPID is the process id given to the first simulated program.
const firstPID = 4200

// Received is a command as the simulated debugger read it.
type Received struct {
	Token   int
	Kind    string
	Args    []string
	Options []string
}

type inferior struct {
	id      string
	pid     string
	program string
	started bool
	running bool
	threads []string
	passed  map[string]bool
}

type breakpoint struct {
	number    string
	location  string
	group     string
	kind      string
	temporary bool
	enabled   bool
	cond      string
	ignore    int
}

// Debugger is a simulated debugger. Handle is safe for concurrent use.
type Debugger struct {
	script *Script

	// wmu orders replies and notifications written by Serve and Interrupt.
	wmu  sync.Mutex
	conn *conn

	mu          sync.Mutex
	received    []Received
	inferiors   []*inferior
	nextInf     int
	nextThread  int
	nextBkpt    int
	nextPID     int
	breakpoints []*breakpoint
	memory      map[uint64]byte
	recording   map[string]string
	exited      bool
}

// NewDebugger creates a debugger following script; nil uses the default
// script. It starts with one empty inferior, i1.
func NewDebugger(script *Script) *Debugger {
	if script == nil {
		script = DefaultScript()
	}
	d := &Debugger{
		script:    script,
		nextPID:   firstPID,
		memory:    make(map[uint64]byte),
		recording: make(map[string]string),
	}
	d.addInferior()
	return d
}

// Received returns the commands read so far.
func (d *Debugger) Received() []Received {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.received)
}

// ReceivedKind returns the commands of kind read so far.
func (d *Debugger) ReceivedKind(kind string) []Received {
	var out []Received
	for _, r := range d.Received() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Serve reads commands from r and writes the answers to w until r ends or
// the debugger is told to exit. It returns the exit code.
func (d *Debugger) Serve(r io.Reader, w io.Writer) int {
	c := newConn(r, w)
	d.wmu.Lock()
	d.conn = c
	d.wmu.Unlock()
	for {
		f, err := c.read()
		if err != nil {
			return 0
		}
		d.wmu.Lock()
		err = c.write(d.Handle(f)...)
		d.wmu.Unlock()
		if err != nil {
			return 1
		}
		if d.hasExited() {
			return 0
		}
	}
}

// Interrupt stops every running inferior, as a SIGINT delivered to the
// debugger would.
func (d *Debugger) Interrupt() error {
	d.mu.Lock()
	var out []frame
	for _, inf := range d.inferiors {
		if inf.running {
			out = append(out, d.stop(inf, command.Results{"reason": "signal-received", "signal-name": "SIGINT"})...)
		}
	}
	d.mu.Unlock()

	d.wmu.Lock()
	defer d.wmu.Unlock()
	if d.conn == nil || len(out) == 0 {
		return nil
	}
	return d.conn.write(out...)
}

func (d *Debugger) hasExited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// Handle answers one command frame: its reply followed by any
// notifications it causes.
func (d *Debugger) Handle(f frame) []frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, Received{Token: f.Token, Kind: f.Kind, Args: slices.Clone(f.Args), Options: slices.Clone(f.Options)})

	rule, scripted := d.script.Commands[f.Kind]
	if scripted && rule.Error != "" {
		return []frame{errorReply(f.Token, rule.Error)}
	}

	reply, events := d.builtin(f)
	reply.Type = frameReply
	reply.Token = f.Token
	if reply.Class == "" {
		reply.Class = string(command.ClassDone)
	}
	if scripted && rule.Reply != nil && reply.Class != string(command.ClassError) {
		reply.Results = rule.Reply
	}
	out := append([]frame{reply}, events...)
	if scripted {
		for _, ev := range rule.Events {
			if ev.Console != "" {
				out = append(out, frame{Type: frameConsole, Text: ev.Console})
			}
			if ev.Kind != "" {
				out = append(out, frame{Type: frameNotify, Kind: ev.Kind, Async: ev.Async, Results: ev.Results})
			}
		}
	}
	return out
}

func errorReply(token int, msg string) frame {
	return frame{Type: frameReply, Token: token, Class: string(command.ClassError), Message: msg}
}

func notify(kind string, results command.Results) frame {
	async := kind == command.NotifyRunning || kind == command.NotifyStopped
	return frame{Type: frameNotify, Kind: kind, Async: async, Results: results}
}

// builtin runs the model for f. The returned reply has at most Class,
// Message and Results set.
func (d *Debugger) builtin(f frame) (frame, []frame) {
	switch f.Kind {
	case command.KindListFeatures:
		return ok(command.Results{"features": anyList(d.script.features())}), nil
	case command.KindGdbVersion:
		return ok(nil), []frame{{Type: frameConsole, Text: d.script.banner() + "\n"}}
	case command.KindGdbExit:
		d.exited = true
		return frame{Class: string(command.ClassExit)}, nil
	case command.KindAddInferior:
		inf := d.addInferior()
		return ok(command.Results{"inferior": inf.id}), []frame{notify(command.NotifyThreadGroupAdded, command.Results{"id": inf.id})}
	case command.KindRemoveInferior:
		return d.removeInferior(f)
	case command.KindFileExecAndSymbols:
		if len(f.Args) == 0 {
			return fail("-file-exec-and-symbols needs a file"), nil
		}
		d.inferiorFor(f).program = f.Args[0]
		return ok(nil), nil
	case command.KindExecRun:
		return d.run(f)
	case command.KindExecContinue:
		return d.resume(f)
	case command.KindExecNext, command.KindExecStep, command.KindExecFinish:
		return d.step(f)
	case command.KindExecInterrupt:
		return d.interrupt(f)
	case command.KindTargetSelect:
		return d.targetSelect(f)
	case command.KindTargetAttach:
		return d.attach(f)
	case command.KindTargetDetach:
		inf := d.inferiorFor(f)
		if !inf.started {
			return fail("The program is not being run."), nil
		}
		return ok(nil), d.exit(inf, "")
	case command.KindInterpreterExecConsole:
		return d.console(f)
	case command.KindBreakInsert, command.KindBreakWatch:
		return d.breakInsert(f)
	case command.KindBreakDelete:
		for _, ref := range f.Args {
			d.breakpoints = slices.DeleteFunc(d.breakpoints, func(b *breakpoint) bool { return b.number == ref })
		}
		return ok(nil), nil
	case command.KindBreakEnable, command.KindBreakDisable:
		for _, b := range d.breakpoints {
			if slices.Contains(f.Args, b.number) {
				b.enabled = f.Kind == command.KindBreakEnable
			}
		}
		return ok(nil), nil
	case command.KindBreakCondition:
		if b := d.breakpoint(f.Args); b != nil {
			b.cond = strings.Join(f.Args[1:], " ")
		}
		return ok(nil), nil
	case command.KindBreakAfter:
		if b := d.breakpoint(f.Args); b != nil && len(f.Args) > 1 {
			b.ignore, _ = strconv.Atoi(f.Args[1])
		}
		return ok(nil), nil
	case command.KindBreakList:
		var rows []any
		for _, b := range d.breakpoints {
			rows = append(rows, map[string]any(d.bkptTuple(b)))
		}
		return ok(command.Results{"BreakpointTable": map[string]any{"body": rows}}), nil
	case command.KindListThreadGroups:
		return d.listThreadGroups(f), nil
	case command.KindThreadInfo:
		return d.threadInfo(f), nil
	case command.KindThreadSelect:
		if len(f.Args) == 0 || d.ownerOf(f.Args[0]) == nil {
			return fail("Invalid thread id"), nil
		}
		return ok(command.Results{"new-thread-id": f.Args[0], "frame": frameTuple("main")}), nil
	case command.KindStackInfoFrame:
		return ok(command.Results{"frame": frameTuple("main")}), nil
	case command.KindDataEvaluateExpression:
		return ok(command.Results{"value": "0"}), nil
	case command.KindDataReadMemoryBytes:
		return d.readMemoryBytes(f)
	case command.KindDataReadMemory:
		return d.readMemory(f)
	case command.KindDataWriteMemoryBytes:
		return d.writeMemory(f)
	case command.KindRecord:
		return d.record(f)
	case command.KindTraceFind:
		return d.traceFind(f), nil
	case command.KindTraceStatus:
		n := strconv.Itoa(d.script.traceFrames())
		return ok(command.Results{
			"supported": "1", "running": "0", "frames": n,
			"buffer-size": "5242880", "buffer-free": "5000000", "stop-reason": "request",
		}), nil
	case command.KindInfoOS:
		return d.infoOS(f)
	case command.KindFileListExecSourceFiles:
		var files []any
		for _, s := range d.script.sources() {
			files = append(files, map[string]any{"file": s.File, "fullname": s.FullName})
		}
		return ok(command.Results{"files": files}), nil
	}
	return ok(nil), nil
}

func ok(results command.Results) frame {
	return frame{Results: results}
}

func fail(msg string) frame {
	return frame{Class: string(command.ClassError), Message: msg}
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func frameTuple(fn string) map[string]any {
	return map[string]any{"level": "0", "func": fn, "addr": "0x401000", "file": "main.c", "fullname": "/src/main.c", "line": "1"}
}

func (d *Debugger) addInferior() *inferior {
	d.nextInf++
	inf := &inferior{id: "i" + strconv.Itoa(d.nextInf), passed: make(map[string]bool)}
	d.inferiors = append(d.inferiors, inf)
	return inf
}

func (d *Debugger) removeInferior(f frame) (frame, []frame) {
	if len(f.Args) == 0 {
		return fail("-remove-inferior needs an inferior"), nil
	}
	inf := d.inferior(f.Args[0])
	switch {
	case inf == nil:
		return fail("Cannot find inferior " + f.Args[0]), nil
	case inf.started:
		return fail("Cannot remove active inferior " + inf.id), nil
	}
	d.inferiors = slices.DeleteFunc(d.inferiors, func(i *inferior) bool { return i == inf })
	return ok(nil), []frame{notify("thread-group-removed", command.Results{"id": inf.id})}
}

func (d *Debugger) inferior(id string) *inferior {
	for _, inf := range d.inferiors {
		if inf.id == id {
			return inf
		}
	}
	return nil
}

// ownerOf returns the inferior running thread tid.
func (d *Debugger) ownerOf(tid string) *inferior {
	for _, inf := range d.inferiors {
		if slices.Contains(inf.threads, tid) {
			return inf
		}
	}
	return nil
}

func option(opts []string, name string) string {
	for i := 0; i+1 < len(opts); i++ {
		if opts[i] == name {
			return opts[i+1]
		}
	}
	return ""
}

// inferiorFor returns the inferior a command applies to: the one named by
// --thread-group, the owner of --thread, or the first.
func (d *Debugger) inferiorFor(f frame) *inferior {
	if id := option(f.Options, "--thread-group"); id != "" {
		if inf := d.inferior(id); inf != nil {
			return inf
		}
	}
	if tid := option(f.Options, "--thread"); tid != "" {
		if inf := d.ownerOf(tid); inf != nil {
			return inf
		}
	}
	if len(d.inferiors) == 0 {
		return d.addInferior()
	}
	return d.inferiors[0]
}

// start makes inf a live process with one thread.
func (d *Debugger) start(inf *inferior) []frame {
	d.nextPID++
	d.nextThread++
	inf.pid = strconv.Itoa(d.nextPID)
	inf.started = true
	inf.threads = []string{strconv.Itoa(d.nextThread)}
	clear(inf.passed)
	return []frame{
		notify(command.NotifyThreadGroupStarted, command.Results{"id": inf.id, "pid": inf.pid}),
		notify(command.NotifyThreadCreated, command.Results{"id": inf.threads[0], "group-id": inf.id}),
	}
}

func (d *Debugger) exit(inf *inferior, code string) []frame {
	var out []frame
	for _, t := range inf.threads {
		out = append(out, notify(command.NotifyThreadExited, command.Results{"id": t, "group-id": inf.id}))
	}
	res := command.Results{"id": inf.id}
	if code != "" {
		res["exit-code"] = code
	}
	out = append(out, notify(command.NotifyThreadGroupExited, res))
	inf.started, inf.running, inf.pid, inf.threads = false, false, "", nil
	delete(d.recording, inf.id)
	return out
}

func (d *Debugger) stop(inf *inferior, res command.Results) []frame {
	inf.running = false
	out := command.Results{"thread-id": inf.threads[0], "stopped-threads": "all", "frame": frameTuple("main")}
	for k, v := range res {
		out[k] = v
	}
	return []frame{notify(command.NotifyStopped, out)}
}

// next returns the first enabled breakpoint of inf it has not passed,
// breakpoints at main first.
func (d *Debugger) next(inf *inferior) *breakpoint {
	var cands []*breakpoint
	for _, b := range d.breakpoints {
		if b.enabled && b.kind == "breakpoint" && (b.group == "" || b.group == inf.id) && !inf.passed[b.number] {
			cands = append(cands, b)
		}
	}
	slices.SortStableFunc(cands, func(a, b *breakpoint) int {
		am, bm := a.location == "main", b.location == "main"
		switch {
		case am && !bm:
			return -1
		case bm && !am:
			return 1
		}
		return 0
	})
	if len(cands) == 0 {
		return nil
	}
	return cands[0]
}

// proceed sets inf running and stops it at its next breakpoint, if any.
func (d *Debugger) proceed(inf *inferior) []frame {
	inf.running = true
	out := []frame{notify(command.NotifyRunning, command.Results{"thread-id": "all"})}
	b := d.next(inf)
	if b == nil {
		return out
	}
	inf.passed[b.number] = true
	disp := "keep"
	if b.temporary {
		disp = "del"
		d.breakpoints = slices.DeleteFunc(d.breakpoints, func(x *breakpoint) bool { return x == b })
	}
	return append(out, d.stop(inf, command.Results{
		"reason": "breakpoint-hit", "disp": disp, "bkptno": b.number, "frame": frameTuple(b.location),
	})...)
}

func (d *Debugger) run(f frame) (frame, []frame) {
	inf := d.inferiorFor(f)
	if inf.started {
		return fail("The program being debugged has been started already."), nil
	}
	events := d.start(inf)
	events = append(events, d.proceed(inf)...)
	return frame{Class: string(command.ClassRunning)}, events
}

// scope returns the live inferiors a run control command applies to.
func (d *Debugger) scope(f frame) []*inferior {
	if option(f.Options, "--thread-group") != "" || option(f.Options, "--thread") != "" {
		inf := d.inferiorFor(f)
		if inf.started {
			return []*inferior{inf}
		}
		return nil
	}
	var out []*inferior
	for _, inf := range d.inferiors {
		if inf.started {
			out = append(out, inf)
		}
	}
	return out
}

func (d *Debugger) resume(f frame) (frame, []frame) {
	infs := d.scope(f)
	if len(infs) == 0 {
		return fail("The program is not being run."), nil
	}
	var events []frame
	for _, inf := range infs {
		if slices.Contains(f.Args, "--reverse") {
			if d.recording[inf.id] == "" {
				return fail("Target native does not support this command."), nil
			}
			inf.running = true
			events = append(events, notify(command.NotifyRunning, command.Results{"thread-id": "all"}))
			events = append(events, d.stop(inf, command.Results{"reason": "no-history"})...)
			continue
		}
		events = append(events, d.proceed(inf)...)
	}
	return frame{Class: string(command.ClassRunning)}, events
}

func (d *Debugger) step(f frame) (frame, []frame) {
	infs := d.scope(f)
	if len(infs) == 0 {
		return fail("The program is not being run."), nil
	}
	inf := infs[0]
	inf.running = true
	events := []frame{notify(command.NotifyRunning, command.Results{"thread-id": "all"})}
	reason := "end-stepping-range"
	if f.Kind == command.KindExecFinish {
		reason = "function-finished"
	}
	events = append(events, d.stop(inf, command.Results{"reason": reason})...)
	return frame{Class: string(command.ClassRunning)}, events
}

func (d *Debugger) interrupt(f frame) (frame, []frame) {
	var events []frame
	for _, inf := range d.scope(f) {
		if inf.running {
			events = append(events, d.stop(inf, command.Results{"reason": "signal-received", "signal-name": "SIGINT"})...)
		}
	}
	return ok(nil), events
}

func (d *Debugger) targetSelect(f frame) (frame, []frame) {
	if len(f.Args) < 2 {
		return fail("-target-select needs a type and parameters"), nil
	}
	inf := d.inferiors[0]
	switch f.Args[0] {
	case "remote":
		events := d.start(inf)
		events = append(events, d.stop(inf, command.Results{"reason": "signal-received", "signal-name": "SIGTRAP"})...)
		return frame{Class: string(command.ClassConnected)}, events
	case "extended-remote":
		return frame{Class: string(command.ClassConnected)}, nil
	case "core":
		events := d.start(inf)
		events = append(events, d.stop(inf, command.Results{"reason": "signal-received", "signal-name": "SIGSEGV"})...)
		return ok(nil), events
	case "tfile":
		events := d.start(inf)
		events = append(events, d.stop(inf, nil)...)
		return ok(nil), events
	}
	return fail("Undefined target command: " + f.Args[0]), nil
}

func (d *Debugger) attach(f frame) (frame, []frame) {
	if len(f.Args) == 0 {
		return fail("-target-attach needs a process id"), nil
	}
	inf := d.inferiorFor(f)
	if inf.started {
		return fail("A program is being debugged already."), nil
	}
	events := d.start(inf)
	inf.pid = f.Args[0]
	events[0].Results["pid"] = inf.pid
	events = append(events, d.stop(inf, command.Results{"reason": "signal-received", "signal-name": "0"})...)
	return ok(nil), events
}

func (d *Debugger) console(f frame) (frame, []frame) {
	line := ""
	if len(f.Args) > 1 {
		line = strings.TrimSpace(f.Args[1])
	}
	switch {
	case line == "kill":
		inf := d.inferiorFor(f)
		if !inf.started {
			return fail("The program is not being run."), nil
		}
		return ok(nil), d.exit(inf, "")
	case strings.HasPrefix(line, "kill inferiors "):
		var events []frame
		for _, n := range strings.Fields(strings.TrimPrefix(line, "kill inferiors ")) {
			if inf := d.inferior("i" + n); inf != nil && inf.started {
				events = append(events, d.exit(inf, "")...)
			}
		}
		return ok(nil), events
	}
	return ok(nil), nil
}

func (d *Debugger) breakpoint(args []string) *breakpoint {
	if len(args) == 0 {
		return nil
	}
	for _, b := range d.breakpoints {
		if b.number == args[0] {
			return b
		}
	}
	return nil
}

func (d *Debugger) breakInsert(f frame) (frame, []frame) {
	b := &breakpoint{kind: "breakpoint", enabled: true, group: option(f.Options, "--thread-group")}
	args := f.Args
	for len(args) > 1 {
		switch args[0] {
		case "-t":
			b.temporary = true
		case "-h":
			b.kind = "hw breakpoint"
		case "-d":
			b.enabled = false
		case "-f":
		case "-a":
			if f.Kind == command.KindBreakWatch {
				b.kind = "acc watchpoint"
			} else {
				b.kind = "tracepoint"
			}
		case "-r":
			b.kind = "read watchpoint"
		case "-c":
			if len(args) > 2 {
				b.cond = args[1]
				args = args[1:]
			}
		case "-i":
			if len(args) > 2 {
				b.ignore, _ = strconv.Atoi(args[1])
				args = args[1:]
			}
		case "-p":
			if len(args) > 2 {
				args = args[1:]
			}
		default:
			return fail("Unknown option " + args[0]), nil
		}
		args = args[1:]
	}
	if len(args) == 0 || args[0] == "" {
		return fail("Missing location"), nil
	}
	b.location = args[0]
	if f.Kind == command.KindBreakWatch && b.kind == "breakpoint" {
		b.kind = "hw watchpoint"
	}
	d.nextBkpt++
	b.number = strconv.Itoa(d.nextBkpt)
	d.breakpoints = append(d.breakpoints, b)

	t := d.bkptTuple(b)
	if f.Kind == command.KindBreakWatch {
		return ok(command.Results{"wpt": map[string]any{"number": b.number, "exp": b.location}}), nil
	}
	return ok(command.Results{"bkpt": map[string]any(t)}), nil
}

func (d *Debugger) bkptTuple(b *breakpoint) command.Results {
	disp := "keep"
	if b.temporary {
		disp = "del"
	}
	enabled := "y"
	if !b.enabled {
		enabled = "n"
	}
	t := command.Results{
		"number":            b.number,
		"type":              b.kind,
		"disp":              disp,
		"enabled":           enabled,
		"addr":              "0x401000",
		"original-location": b.location,
		"times":             "0",
		"ignore":            strconv.Itoa(b.ignore),
	}
	if strings.Contains(b.kind, "watchpoint") {
		t["what"] = b.location
	} else {
		t["func"] = b.location
	}
	if b.cond != "" {
		t["cond"] = b.cond
	}
	if b.group != "" {
		t["thread-groups"] = []any{b.group}
	} else {
		var groups []any
		for _, inf := range d.inferiors {
			groups = append(groups, inf.id)
		}
		t["thread-groups"] = groups
	}
	return t
}

func (d *Debugger) listThreadGroups(f frame) frame {
	if len(f.Args) > 0 {
		inf := d.inferior(f.Args[len(f.Args)-1])
		if inf == nil {
			return fail("Cannot find thread group " + f.Args[len(f.Args)-1])
		}
		return ok(command.Results{"threads": d.threadTuples(inf, nil)})
	}
	var groups []any
	for _, inf := range d.inferiors {
		g := map[string]any{"id": inf.id, "type": "process"}
		if inf.started {
			g["pid"] = inf.pid
		}
		if inf.program != "" {
			g["executable"] = inf.program
		}
		groups = append(groups, g)
	}
	return ok(command.Results{"groups": groups})
}

func (d *Debugger) threadTuples(inf *inferior, only []string) []any {
	var out []any
	for _, t := range inf.threads {
		if only != nil && !slices.Contains(only, t) {
			continue
		}
		state := "stopped"
		if inf.running {
			state = "running"
		}
		n, _ := strconv.Atoi(t)
		out = append(out, map[string]any{
			"id":        t,
			"target-id": "Thread " + inf.pid + "." + t,
			"state":     state,
			"core":      strconv.Itoa((n - 1) % d.script.cpus()),
			"frame":     frameTuple("main"),
		})
	}
	return out
}

func (d *Debugger) threadInfo(f frame) frame {
	var only []string
	if len(f.Args) > 0 {
		only = f.Args[:1]
	}
	var threads []any
	for _, inf := range d.inferiors {
		threads = append(threads, d.threadTuples(inf, only)...)
	}
	return ok(command.Results{"threads": threads})
}

func parseAddr(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// byteAt returns the simulated contents of memory at a: written bytes, or
// the low byte of the address.
func (d *Debugger) byteAt(a uint64) byte {
	if b, ok := d.memory[a]; ok {
		return b
	}
	return byte(a)
}

func (d *Debugger) readMemoryBytes(f frame) (frame, []frame) {
	args := f.Args
	var offset int64
	if len(args) > 2 && args[0] == "-o" {
		offset, _ = strconv.ParseInt(args[1], 0, 64)
		args = args[2:]
	}
	if len(args) < 2 {
		return fail("Usage: ADDR COUNT."), nil
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return fail("Invalid address " + args[0]), nil
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count <= 0 {
		return fail("Invalid count " + args[1]), nil
	}
	begin := addr + uint64(offset)
	data := make([]byte, count)
	for i := range data {
		data[i] = d.byteAt(begin + uint64(i))
	}
	return ok(command.Results{"memory": []any{map[string]any{
		"begin":    fmt.Sprintf("%#x", begin),
		"offset":   "0x0",
		"end":      fmt.Sprintf("%#x", begin+uint64(count)),
		"contents": hex.EncodeToString(data),
	}}}), nil
}

func (d *Debugger) readMemory(f frame) (frame, []frame) {
	if len(f.Args) < 5 {
		return fail("Usage: ADDR WORD-FORMAT WORD-SIZE NR-ROWS NR-COLS."), nil
	}
	addr, err := parseAddr(f.Args[0])
	if err != nil {
		return fail("Invalid address " + f.Args[0]), nil
	}
	size, _ := strconv.Atoi(f.Args[2])
	cols, _ := strconv.Atoi(f.Args[4])
	if size != 1 || cols <= 0 {
		return fail("Only byte-sized words are simulated"), nil
	}
	words := make([]any, cols)
	for i := range words {
		words[i] = fmt.Sprintf("0x%02x", d.byteAt(addr+uint64(i)))
	}
	a := fmt.Sprintf("%#x", addr)
	return ok(command.Results{"addr": a, "memory": []any{map[string]any{"addr": a, "data": words}}}), nil
}

func (d *Debugger) writeMemory(f frame) (frame, []frame) {
	if len(f.Args) < 2 {
		return fail("Usage: ADDR DATA."), nil
	}
	addr, err := parseAddr(f.Args[0])
	if err != nil {
		return fail("Invalid address " + f.Args[0]), nil
	}
	data, err := hex.DecodeString(f.Args[1])
	if err != nil {
		return fail("Invalid contents " + f.Args[1]), nil
	}
	for i, b := range data {
		d.memory[addr+uint64(i)] = b
	}
	return ok(nil), nil
}

func (d *Debugger) record(f frame) (frame, []frame) {
	inf := d.inferiorFor(f)
	method := strings.Join(f.Args, " ")
	if method == "stop" {
		// The recording of a process ends with it, so stopping none is
		// accepted.
		if d.recording[inf.id] == "" {
			return ok(nil), nil
		}
		delete(d.recording, inf.id)
		return ok(nil), []frame{notify(command.NotifyRecordStopped, command.Results{"thread-group": inf.id})}
	}
	if !inf.started {
		return fail("The program is not being run."), nil
	}
	if d.recording[inf.id] != "" {
		return fail("The process is already being recorded."), nil
	}
	res := command.Results{"thread-group": inf.id, "method": method}
	if m, format, ok := strings.Cut(method, " "); ok {
		res["method"], res["format"] = m, format
	}
	d.recording[inf.id] = method
	return ok(nil), []frame{notify(command.NotifyRecordStarted, res)}
}

func (d *Debugger) traceFind(f frame) frame {
	if len(f.Args) == 0 {
		return fail("-trace-find needs a mode")
	}
	if f.Args[0] == "none" {
		return ok(command.Results{"found": "0"})
	}
	if f.Args[0] != "frame-number" || len(f.Args) < 2 {
		return fail("Unsupported -trace-find mode " + f.Args[0])
	}
	n, err := strconv.Atoi(f.Args[1])
	if err != nil || n < 0 || n >= d.script.traceFrames() {
		return ok(command.Results{"found": "0"})
	}
	return ok(command.Results{"found": "1", "tracepoint": "1", "traceframe": f.Args[1], "frame": frameTuple("main")})
}

func (d *Debugger) infoOS(f frame) (frame, []frame) {
	if len(f.Args) == 0 || f.Args[0] != "cpus" {
		return fail("Unsupported -info-os type"), nil
	}
	hdr := []any{
		map[string]any{"col_name": "processor", "colhdr": "processor"},
		map[string]any{"col_name": "physical id", "colhdr": "physical id"},
		map[string]any{"col_name": "model name", "colhdr": "model name"},
	}
	var body []any
	n := d.script.cpus()
	for i := 0; i < n; i++ {
		body = append(body, map[string]any{
			"col0": strconv.Itoa(i),
			"col1": strconv.Itoa(i / 2),
			"col2": "Simulated CPU",
		})
	}
	return ok(command.Results{"OSDataTable": map[string]any{"nr_rows": strconv.Itoa(n), "nr_cols": "3", "hdr": hdr, "body": body}}), nil
}
