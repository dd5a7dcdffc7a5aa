package breakpoints

import (
	"testing"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/servicetest"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

func setup(t *testing.T, v Variant) (*session.Session, *servicetest.Channel, *Breakpoints) {
	t.Helper()
	sess := servicetest.NewSession(t, nil)
	ch := servicetest.NewChannel(sess)
	servicetest.Start(t, sess, ch)
	bp := New(sess, v)
	servicetest.Start(t, sess, bp)
	return sess, ch, bp
}

func container(sess *session.Session, group string) *dmc.Container {
	return dmc.NewContainer(dmc.NewProcess(sess.Control(), "100"), group)
}

func bkpt(number string, extra map[string]any) command.Results {
	t := map[string]any{
		"number":  number,
		"type":    "breakpoint",
		"disp":    "keep",
		"enabled": "y",
		"func":    "main",
		"line":    "12",
		"times":   "0",
	}
	for k, v := range extra {
		t[k] = v
	}
	return command.Results{"bkpt": t}
}

func insert(t *testing.T, sess *session.Session, b *Breakpoints, target dmc.Context, d Data) (*dmc.Breakpoint, error) {
	t.Helper()
	return servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[*dmc.Breakpoint]) {
		b.Insert(target, d, rm)
	})
}

func TestTargetFor(t *testing.T) {
	sess, _, global := setup(t, VariantGlobal)
	cont := container(sess, "i1")
	exec := dmc.NewExecution(cont, dmc.NewThread(cont.Process, "1"), "1")

	target, err := global.TargetFor(exec)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := target.(*dmc.GlobalTarget); !ok {
		t.Errorf("global TargetFor() = %T", target)
	}

	perProcess := New(sess, VariantPerProcess)
	target, err = perProcess.TargetFor(exec)
	if err != nil {
		t.Fatal(err)
	}
	if !dmc.Equal(target, cont) {
		t.Errorf("per-process TargetFor() = %v, want %v", target, cont)
	}
	if _, err := perProcess.TargetFor(sess.Control()); !status.Is(err, status.InvalidHandle) {
		t.Errorf("TargetFor(control) error = %v", err)
	}
}

func TestInsertRecordsBreakpoint(t *testing.T) {
	sess, ch, b := setup(t, VariantPerProcess)
	cont := container(sess, "i1")
	servicetest.Run(t, sess, func() { b.StartTracking(cont) })
	ch.Reply(command.KindBreakInsert, bkpt("1", map[string]any{"disp": "del", "thread-groups": []any{"i1"}}))
	added := servicetest.Record[events.BreakpointAdded](t, sess)

	ref, err := insert(t, sess, b, cont, Data{Location: "main", Temporary: true})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	servicetest.Settle(t, sess)

	sent := ch.SentKind(command.KindBreakInsert)
	if len(sent) != 1 {
		t.Fatalf("break-insert sent %d times", len(sent))
	}
	if got := sent[0].Options; len(got) != 2 || got[1] != "i1" {
		t.Errorf("options = %v, want --thread-group i1", got)
	}
	if added.Len() != 1 || !dmc.Equal(added.Events()[0].Breakpoint, ref) {
		t.Errorf("added events = %v", added.Events())
	}

	data, err := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[Data]) {
		b.GetBreakpointData(ref, rm)
	})
	if err != nil {
		t.Fatal(err)
	}
	if !data.Temporary || data.Location != "main" || data.Line != 12 || data.Kind != KindBreakpoint {
		t.Errorf("data = %+v", data)
	}
}

func TestInsertValidation(t *testing.T) {
	sess, ch, b := setup(t, VariantGlobal)
	global, _ := b.TargetFor(nil)
	servicetest.Run(t, sess, func() { b.StartTracking(global) })

	tests := []struct {
		name   string
		target dmc.Context
		data   Data
		code   status.Code
	}{
		{"missing location", global, Data{}, status.RequestFailed},
		{"missing expression", global, Data{Kind: KindWatchpoint}, status.RequestFailed},
		{"tracepoints unsupported", global, Data{Kind: KindTracepoint, Location: "f"}, status.NotSupported},
		{"not a target", sess.Control(), Data{Location: "main"}, status.InvalidHandle},
		{"untracked target", container(sess, "i2"), Data{Location: "main"}, status.RequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := insert(t, sess, b, tt.target, tt.data); !status.Is(err, tt.code) {
				t.Errorf("Insert() error = %v, want %s", err, tt.code)
			}
		})
	}
	if n := len(ch.Sent()); n != 0 {
		t.Errorf("%d commands sent for invalid requests", n)
	}
}

func TestInsertWithoutBreakpointInReply(t *testing.T) {
	sess, ch, b := setup(t, VariantGlobal)
	global, _ := b.TargetFor(nil)
	servicetest.Run(t, sess, func() { b.StartTracking(global) })
	ch.Reply(command.KindBreakInsert, command.Results{})

	if _, err := insert(t, sess, b, global, Data{Location: "nowhere"}); !status.Is(err, status.RequestFailed) {
		t.Errorf("Insert() error = %v, want request failed", err)
	}
}

func TestInsertWatchpoint(t *testing.T) {
	sess, ch, b := setup(t, VariantGlobal)
	global, _ := b.TargetFor(nil)
	servicetest.Run(t, sess, func() { b.StartTracking(global) })
	ch.Reply(command.KindBreakWatch, command.Results{"hw-rwpt": map[string]any{"number": "4", "exp": "x"}})

	ref, err := insert(t, sess, b, global, Data{Kind: KindWatchpoint, Expression: "x", Access: AccessRead})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	data, _ := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[Data]) {
		b.GetBreakpointData(ref, rm)
	})
	if data.Kind != KindWatchpoint || data.Expression != "x" {
		t.Errorf("data = %+v", data)
	}
	if args := ch.SentKind(command.KindBreakWatch)[0].Args; len(args) != 2 || args[0] != "-r" {
		t.Errorf("break-watch args = %v", args)
	}
}

func TestConsoleNotificationRacingInsert(t *testing.T) {
	sess, ch, b := setup(t, VariantConsoleSync)
	cont := container(sess, "i1")
	servicetest.Run(t, sess, func() { b.StartTracking(cont) })
	added := servicetest.Record[events.BreakpointAdded](t, sess)

	reply := bkpt("3", map[string]any{"thread-groups": []any{"i1"}})
	ch.Handle(command.KindBreakInsert, func(command.Command) (command.Results, error) {
		ch.Notify(&command.Notification{Kind: command.NotifyBreakpointCreated, Results: reply})
		return reply, nil
	})

	ref, err := insert(t, sess, b, cont, Data{Location: "main"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	servicetest.Settle(t, sess)

	if added.Len() != 1 {
		t.Errorf("added events = %d, want 1", added.Len())
	}
	refs, _ := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[[]*dmc.Breakpoint]) {
		b.GetBreakpoints(cont, rm)
	})
	if len(refs) != 1 || !dmc.Equal(refs[0], ref) {
		t.Errorf("breakpoints = %v", refs)
	}
}

func TestConsoleCreateModifyDelete(t *testing.T) {
	sess, ch, b := setup(t, VariantConsoleSync)
	c1, c2 := container(sess, "i1"), container(sess, "i2")
	servicetest.Run(t, sess, func() {
		b.StartTracking(c1)
		b.StartTracking(c2)
	})
	updated := servicetest.Record[events.BreakpointUpdated](t, sess)
	removed := servicetest.Record[events.BreakpointRemoved](t, sess)

	ch.Notify(&command.Notification{Kind: command.NotifyBreakpointModified, Results: bkpt("7", map[string]any{"cond": "x > 1", "thread-groups": []any{"i2"}})})
	ch.Notify(&command.Notification{Kind: command.NotifyBreakpointCreated, Results: bkpt("7", map[string]any{"thread-groups": []any{"i2"}})})
	servicetest.Settle(t, sess)

	refs, _ := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[[]*dmc.Breakpoint]) {
		b.GetBreakpoints(c2, rm)
	})
	if len(refs) != 1 {
		t.Fatalf("breakpoints in i2 = %v", refs)
	}
	data, _ := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[Data]) {
		b.GetBreakpointData(refs[0], rm)
	})
	if data.Condition != "x > 1" {
		t.Errorf("pending modification not applied: %+v", data)
	}

	ch.Notify(&command.Notification{Kind: command.NotifyBreakpointModified, Results: bkpt("7", map[string]any{"enabled": "n"})})
	ch.Notify(&command.Notification{Kind: command.NotifyBreakpointDeleted, Results: command.Results{"id": "7"}})
	servicetest.Settle(t, sess)

	if updated.Len() != 1 || removed.Len() != 1 {
		t.Errorf("updated = %d, removed = %d", updated.Len(), removed.Len())
	}
	refs, _ = servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[[]*dmc.Breakpoint]) {
		b.GetBreakpoints(c2, rm)
	})
	if len(refs) != 0 {
		t.Errorf("breakpoints after delete = %v", refs)
	}
}

func TestConsoleNotificationsIgnoredBeforeSync(t *testing.T) {
	sess, ch, b := setup(t, VariantTracepoints)
	cont := container(sess, "i1")
	servicetest.Run(t, sess, func() { b.StartTracking(cont) })

	ch.Notify(&command.Notification{Kind: command.NotifyBreakpointCreated, Results: bkpt("1", nil)})
	servicetest.Settle(t, sess)

	refs, _ := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[[]*dmc.Breakpoint]) {
		b.GetBreakpoints(cont, rm)
	})
	if len(refs) != 0 {
		t.Errorf("breakpoints = %v", refs)
	}
}

func TestModifyAndRemove(t *testing.T) {
	sess, ch, b := setup(t, VariantGlobal)
	global, _ := b.TargetFor(nil)
	servicetest.Run(t, sess, func() { b.StartTracking(global) })
	ch.Reply(command.KindBreakInsert, bkpt("2", nil))
	ref, err := insert(t, sess, b, global, Data{Location: "foo.c:12"})
	if err != nil {
		t.Fatal(err)
	}

	cond, enabled := "i == 3", false
	err = servicetest.Call(t, sess, func(rm *monitor.RequestMonitor) {
		b.Modify(ref, Update{Condition: &cond, Enabled: &enabled}, rm)
	})
	if err != nil {
		t.Fatalf("Modify() error = %v", err)
	}
	data, _ := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[Data]) {
		b.GetBreakpointData(ref, rm)
	})
	if data.Condition != cond || !data.Disabled {
		t.Errorf("data = %+v", data)
	}
	if len(ch.SentKind(command.KindBreakCondition)) != 1 || len(ch.SentKind(command.KindBreakDisable)) != 1 {
		t.Errorf("commands = %v", ch.Kinds())
	}

	if err := servicetest.Call(t, sess, func(rm *monitor.RequestMonitor) { b.Remove(ref, rm) }); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := servicetest.Call(t, sess, func(rm *monitor.RequestMonitor) { b.Remove(ref, rm) }); !status.Is(err, status.RequestFailed) {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestHitCount(t *testing.T) {
	sess, ch, b := setup(t, VariantGlobal)
	global, _ := b.TargetFor(nil)
	servicetest.Run(t, sess, func() { b.StartTracking(global) })
	ch.Reply(command.KindBreakInsert, bkpt("1", nil))
	ref, _ := insert(t, sess, b, global, Data{Location: "main"})

	ch.Notify(&command.Notification{Kind: command.NotifyStopped, Async: true, Results: command.Results{"reason": "breakpoint-hit", "bkptno": "1"}})
	servicetest.Settle(t, sess)

	data, _ := servicetest.CallData(t, sess, func(rm *monitor.DataRequestMonitor[Data]) {
		b.GetBreakpointData(ref, rm)
	})
	if data.Hits != 1 {
		t.Errorf("Hits = %d", data.Hits)
	}
}

type fakeRunControl struct {
	service.Base
	calls int
}

func (f *fakeRunControl) Initialize(rm *monitor.RequestMonitor) { rm.DoneWith(f.Register(f)) }
func (f *fakeRunControl) Shutdown(rm *monitor.RequestMonitor)   { f.Release(); rm.Done() }

func (f *fakeRunControl) Resume(dmc.ExecutionContext, *monitor.RequestMonitor) {}
func (f *fakeRunControl) IsSuspended(dmc.ExecutionContext) bool                { return true }
func (f *fakeRunControl) IsReverseModeEnabled() bool                           { return false }

func (f *fakeRunControl) EnableReverseMode(_ dmc.Context, _ string, rm *monitor.RequestMonitor) {
	rm.Done()
}

func (f *fakeRunControl) ExecuteWithTargetAvailable(_ dmc.Context, ops []func(*monitor.RequestMonitor), rm *monitor.RequestMonitor) {
	f.calls++
	runInOrder(f.Session(), ops, rm)
}

func TestOperationsGoThroughRunControl(t *testing.T) {
	sess, ch, b := setup(t, VariantGlobal)
	rc := &fakeRunControl{Base: service.NewBase(sess, service.RoleRunControl, "test")}
	servicetest.Start(t, sess, rc)
	global, _ := b.TargetFor(nil)
	servicetest.Run(t, sess, func() { b.StartTracking(global) })
	ch.Reply(command.KindBreakInsert, bkpt("1", nil))

	if _, err := insert(t, sess, b, global, Data{Location: "main"}); err != nil {
		t.Fatal(err)
	}
	if rc.calls != 1 {
		t.Errorf("ExecuteWithTargetAvailable calls = %d", rc.calls)
	}
}

func TestCompareNumbers(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1", "2", -1},
		{"10", "9", 1},
		{"2", "2.1", -1},
		{"2.1", "2.10", -1},
		{"2.9", "2.10", -1},
		{"2.10", "2.10", 0},
		{"3", "2.10", 1},
	}
	for _, tt := range tests {
		if got := compareNumbers(tt.a, tt.b); got != tt.want {
			t.Errorf("compareNumbers(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
