package command

import (
	"slices"
	"testing"

	"github.com/dshills/mictl/internal/dmc"
)

func testContexts() (*dmc.Control, *dmc.Container, *dmc.Execution) {
	ctrl := dmc.NewControl("s1")
	proc := dmc.NewProcess(ctrl, "100")
	cont := dmc.NewContainer(proc, "i1")
	return ctrl, cont, dmc.NewExecution(cont, dmc.NewThread(proc, "101"), "1")
}

func TestCommandKey(t *testing.T) {
	_, cont, _ := testContexts()
	_, other, _ := testContexts()

	a := ListThreadGroups(cont, "i1")
	b := ListThreadGroups(other, "i1")
	if a.Key() != b.Key() {
		t.Errorf("equal commands have keys %q and %q", a.Key(), b.Key())
	}
	if a.Key() == ListThreadGroups(cont, "i2").Key() {
		t.Error("commands with different arguments share a key")
	}
	if a.Key() == ThreadInfo(cont, "i1").Key() {
		t.Error("commands of different kinds share a key")
	}
}

func TestContextOptions(t *testing.T) {
	ctrl, cont, exec := testContexts()
	frame := dmc.NewFrame(exec, 2)

	tests := []struct {
		name           string
		cmd            Command
		threadAndFrame bool
		want           []string
	}{
		{"container scope", ExecRun(exec), true, []string{"--thread-group", "i1"}},
		{"thread", ExecContinue(exec, false), true, []string{"--thread", "1"}},
		{"thread gated", ExecContinue(exec, false), false, nil},
		{"frame", StackInfoFrame(frame), true, []string{"--thread", "1", "--frame", "2"}},
		{"frame gated", StackInfoFrame(frame), false, nil},
		{"thread scope on container", ExecInterrupt(cont), true, []string{"--thread-group", "i1"}},
		{"group all", ExecContinue(dmc.NewGroup(ctrl, dmc.GroupAllName), false), true, []string{"--all"}},
		{"no scope", GdbExit(), true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContextOptions(tt.cmd, tt.threadAndFrame); !slices.Equal(got, tt.want) {
				t.Errorf("ContextOptions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreakInsertArgs(t *testing.T) {
	_, cont, _ := testContexts()
	cmd := BreakInsert(cont, "main", BreakOptions{Temporary: true, Condition: "x > 1", Ignore: 3})
	want := []string{"-t", "-c", "x > 1", "-i", "3", "main"}
	if !slices.Equal(cmd.Args, want) {
		t.Errorf("Args = %v, want %v", cmd.Args, want)
	}
}

func TestTargetSelectRemote(t *testing.T) {
	ctrl, _, _ := testContexts()
	cmd := TargetSelectRemote(ctrl, "10.0.0.1", "1234", false)
	if cmd.Kind != KindTargetSelect || !slices.Equal(cmd.Args, []string{"remote", "10.0.0.1:1234"}) {
		t.Errorf("command = %s", cmd)
	}
	if got := TargetSelectRemote(ctrl, "h", "1", true).Args[0]; got != "extended-remote" {
		t.Errorf("extended type = %q", got)
	}
}

func TestResults(t *testing.T) {
	r := Results{
		"id":      "i1",
		"count":   "3",
		"n":       uint64(7),
		"enabled": "y",
		"threads": []any{map[string]any{"id": "1"}, "junk", map[any]any{"id": "2"}},
		"cores":   []any{"0", "1"},
		"bkpt":    map[string]any{"number": "1"},
	}

	if r.String("id") != "i1" || r.String("missing") != "" {
		t.Error("String")
	}
	if r.Int("count", -1) != 3 || r.Int("n", -1) != 7 || r.Int("id", -1) != -1 {
		t.Error("Int")
	}
	if !r.Bool("enabled") || r.Bool("id") {
		t.Error("Bool")
	}
	threads := r.Tuples("threads")
	if len(threads) != 2 || threads[1].String("id") != "2" {
		t.Errorf("Tuples = %v", threads)
	}
	if got := r.Strings("cores"); !slices.Equal(got, []string{"0", "1"}) {
		t.Errorf("Strings = %v", got)
	}
	if got := r.Strings("id"); !slices.Equal(got, []string{"i1"}) {
		t.Errorf("Strings(single) = %v", got)
	}
	if r.Tuple("bkpt").String("number") != "1" {
		t.Error("Tuple")
	}
}
