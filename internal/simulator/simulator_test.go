package simulator

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/service/backend"
)

func cmd(token int, kind string, args ...string) frame {
	return frame{Type: frameCommand, Token: token, Kind: kind, Args: args}
}

func notifications(frames []frame, kind string) []frame {
	var out []frame
	for _, f := range frames {
		if f.Type == frameNotify && f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func TestParseScript(t *testing.T) {
	s, err := ParseScript([]byte(`
banner: "GNU gdb (GDB) 7.10"
cpus: 8
commands:
  -break-insert:
    error: "No symbol table is loaded."
  -exec-continue:
    events:
      - kind: stopped
        async: true
        results: {reason: signal-received}
      - console: "hello"
`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if s.banner() != "GNU gdb (GDB) 7.10" {
		t.Errorf("banner = %q", s.banner())
	}
	if s.cpus() != 8 {
		t.Errorf("cpus = %d, want 8", s.cpus())
	}
	if s.traceFrames() != 4 {
		t.Errorf("traceFrames = %d, want default 4", s.traceFrames())
	}
	if got := s.Commands["-break-insert"].Error; got != "No symbol table is loaded." {
		t.Errorf("break-insert error = %q", got)
	}
	if got := len(s.Commands["-exec-continue"].Events); got != 2 {
		t.Errorf("exec-continue events = %d, want 2", got)
	}
}

func TestParseScriptInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", "banner: [unterminated"},
		{"negative cpus", "cpus: -1"},
		{"empty event", "commands:\n  -exec-run:\n    events:\n      - async: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseScript([]byte(tt.data)); !errors.Is(err, ErrInvalidScript) {
				t.Errorf("err = %v, want ErrInvalidScript", err)
			}
		})
	}
}

func TestRunStopsAtMainFirst(t *testing.T) {
	d := NewDebugger(nil)
	d.Handle(cmd(1, command.KindBreakInsert, "util.c:10"))
	d.Handle(cmd(2, command.KindBreakInsert, "-t", "main"))

	out := d.Handle(cmd(3, command.KindExecRun))
	if out[0].Class != string(command.ClassRunning) {
		t.Fatalf("reply class = %q, want running", out[0].Class)
	}
	if n := len(notifications(out, command.NotifyThreadGroupStarted)); n != 1 {
		t.Fatalf("thread-group-started = %d, want 1", n)
	}
	stops := notifications(out, command.NotifyStopped)
	if len(stops) != 1 {
		t.Fatalf("stops = %d, want 1", len(stops))
	}
	if got := stops[0].Results["bkptno"]; got != "2" {
		t.Errorf("bkptno = %v, want 2", got)
	}
	if got := stops[0].Results["disp"]; got != "del" {
		t.Errorf("disp = %v, want del", got)
	}

	out = d.Handle(cmd(4, command.KindExecContinue))
	stops = notifications(out, command.NotifyStopped)
	if len(stops) != 1 || stops[0].Results["bkptno"] != "1" {
		t.Fatalf("second stop = %+v, want breakpoint 1", stops)
	}

	out = d.Handle(cmd(5, command.KindExecContinue))
	if n := len(notifications(out, command.NotifyStopped)); n != 0 {
		t.Errorf("stops after last breakpoint = %d, want 0", n)
	}
}

func TestRunTwiceFails(t *testing.T) {
	d := NewDebugger(nil)
	d.Handle(cmd(1, command.KindExecRun))
	out := d.Handle(cmd(2, command.KindExecRun))
	if out[0].Class != string(command.ClassError) {
		t.Errorf("class = %q, want error", out[0].Class)
	}
}

func TestScriptRules(t *testing.T) {
	d := NewDebugger(&Script{Commands: map[string]Rule{
		command.KindBreakInsert: {Error: "No symbol table is loaded."},
		command.KindDataEvaluateExpression: {
			Reply:  map[string]any{"value": "42"},
			Events: []Event{{Console: "evaluated\n"}},
		},
	}})

	out := d.Handle(cmd(1, command.KindBreakInsert, "main"))
	if out[0].Class != string(command.ClassError) || out[0].Message != "No symbol table is loaded." {
		t.Errorf("break-insert = %+v", out[0])
	}

	out = d.Handle(cmd(2, command.KindDataEvaluateExpression, "x"))
	if got := out[0].Results["value"]; got != "42" {
		t.Errorf("value = %v, want 42", got)
	}
	if len(out) != 2 || out[1].Type != frameConsole {
		t.Errorf("frames = %+v, want reply then console", out)
	}
}

func TestRecord(t *testing.T) {
	d := NewDebugger(nil)
	if out := d.Handle(cmd(1, command.KindRecord, "full")); out[0].Class != string(command.ClassError) {
		t.Fatalf("record before run = %q, want error", out[0].Class)
	}
	d.Handle(cmd(2, command.KindExecRun))

	out := d.Handle(cmd(3, command.KindRecord, "btrace", "pt"))
	started := notifications(out, command.NotifyRecordStarted)
	if len(started) != 1 {
		t.Fatalf("record-started = %d, want 1", len(started))
	}
	if started[0].Results["method"] != "btrace" || started[0].Results["format"] != "pt" {
		t.Errorf("record-started = %v", started[0].Results)
	}

	f := cmd(4, command.KindExecContinue, "--reverse")
	out = d.Handle(f)
	stops := notifications(out, command.NotifyStopped)
	if len(stops) != 1 || stops[0].Results["reason"] != "no-history" {
		t.Errorf("reverse stop = %+v", stops)
	}

	out = d.Handle(cmd(5, command.KindRecord, "stop"))
	if n := len(notifications(out, command.NotifyRecordStopped)); n != 1 {
		t.Errorf("record-stopped = %d, want 1", n)
	}
}

func TestMemory(t *testing.T) {
	d := NewDebugger(nil)
	d.Handle(cmd(1, command.KindDataWriteMemoryBytes, "0x1000", "beef"))

	out := d.Handle(cmd(2, command.KindDataReadMemoryBytes, "0x0fff", "4"))
	rows, _ := out[0].Results["memory"].([]any)
	if len(rows) != 1 {
		t.Fatalf("memory rows = %d, want 1", len(rows))
	}
	if got := rows[0].(map[string]any)["contents"]; got != "ffbeef02" {
		t.Errorf("contents = %v, want ffbeef02", got)
	}

	out = d.Handle(cmd(3, command.KindDataReadMemory, "0x1000", "x", "1", "1", "2"))
	rows, _ = out[0].Results["memory"].([]any)
	words, _ := rows[0].(map[string]any)["data"].([]any)
	if len(words) != 2 || words[0] != "0xbe" || words[1] != "0xef" {
		t.Errorf("words = %v, want [0xbe 0xef]", words)
	}
}

func TestInferiors(t *testing.T) {
	d := NewDebugger(nil)
	out := d.Handle(cmd(1, command.KindAddInferior))
	if got := out[0].Results["inferior"]; got != "i2" {
		t.Fatalf("inferior = %v, want i2", got)
	}
	run := cmd(2, command.KindExecRun)
	run.Options = []string{"--thread-group", "i2"}
	d.Handle(run)

	if out := d.Handle(cmd(3, command.KindRemoveInferior, "i2")); out[0].Class != string(command.ClassError) {
		t.Errorf("removing a live inferior = %q, want error", out[0].Class)
	}
	kill := cmd(4, command.KindInterpreterExecConsole, "console", "kill inferiors 2")
	out = d.Handle(kill)
	if n := len(notifications(out, command.NotifyThreadGroupExited)); n != 1 {
		t.Fatalf("thread-group-exited = %d, want 1", n)
	}
	if out := d.Handle(cmd(5, command.KindRemoveInferior, "i2")); out[0].Class == string(command.ClassError) {
		t.Errorf("remove-inferior = %q", out[0].Message)
	}
}

func TestTransportRoundTrip(t *testing.T) {
	l := &Launcher{}
	p, err := l.Launch(context.Background(), backend.LaunchSpec{Path: "gdb"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	tr := Codec{}.NewTransport(p.Stdout(), p.Stdin())

	if err := tr.Write(7, command.Command{Kind: command.KindGdbVersion}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, err := tr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Reply == nil || msg.Reply.Token != 7 || msg.Reply.Class != command.ClassDone {
		t.Fatalf("reply = %+v", msg.Reply)
	}
	msg, err = tr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Console != DefaultBanner+"\n" {
		t.Errorf("console = %q", msg.Console)
	}

	if err := tr.Write(8, command.Command{Kind: command.KindGdbExit}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, err = tr.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg.Reply.Class != command.ClassExit {
		t.Errorf("class = %q, want exit", msg.Reply.Class)
	}
	if _, err := tr.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("read after exit = %v, want EOF", err)
	}
	if code, _ := p.Wait(); code != 0 {
		t.Errorf("exit code = %d", code)
	}
	if n := len(l.Debuggers()[0].ReceivedKind(command.KindGdbVersion)); n != 1 {
		t.Errorf("received -gdb-version %d times", n)
	}
}

func TestLauncherVersion(t *testing.T) {
	l := &Launcher{Script: &Script{Banner: "GNU gdb (GDB) 7.6", FailLaunch: "no debugger"}}
	p, err := l.Launch(context.Background(), backend.LaunchSpec{Path: "gdb", Args: []string{"--version"}})
	if err != nil {
		t.Fatalf("Launch --version: %v", err)
	}
	out, _ := io.ReadAll(p.Stdout())
	if string(out) != "GNU gdb (GDB) 7.6\n" {
		t.Errorf("output = %q", out)
	}
	if _, err := l.Launch(context.Background(), backend.LaunchSpec{Path: "gdb"}); err == nil {
		t.Error("Launch succeeded, want the scripted failure")
	}
}

func TestPTYAllocator(t *testing.T) {
	a := &PTYAllocator{}
	p, err := a.AllocatePTY()
	if err != nil {
		t.Fatalf("AllocatePTY: %v", err)
	}
	if p.Name() != "/dev/pts/sim1" {
		t.Errorf("name = %q", p.Name())
	}
	go func() { _, _ = p.Write([]byte("hi")) }()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(p, buf); err != nil || string(buf) != "hi" {
		t.Errorf("read = %q, %v", buf, err)
	}
	p.Close()

	if _, err := (&PTYAllocator{Fail: true}).AllocatePTY(); !errors.Is(err, backend.ErrNoPTY) {
		t.Errorf("err = %v, want ErrNoPTY", err)
	}
}
