package grouping

import (
	"testing"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/service/servicetest"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

type fixture struct {
	sess *session.Session
	ch   *servicetest.Channel
	p    *processes.Processes
	g    *Grouping
}

func setup(t *testing.T) *fixture {
	t.Helper()
	sess := servicetest.NewSession(t, config.New())
	f := &fixture{sess: sess, ch: servicetest.NewChannel(sess)}
	servicetest.Start(t, sess, f.ch)
	f.p = processes.New(sess, processes.VariantMultiInferior)
	servicetest.Start(t, sess, f.p)
	f.g = New(sess)
	servicetest.Start(t, sess, f.g)

	for _, n := range []struct {
		kind string
		res  command.Results
	}{
		{command.NotifyThreadGroupStarted, command.Results{"id": "i1", "pid": "42"}},
		{command.NotifyThreadCreated, command.Results{"id": "1", "group-id": "i1"}},
		{command.NotifyThreadCreated, command.Results{"id": "2", "group-id": "i1"}},
	} {
		f.ch.Notify(&command.Notification{Kind: n.kind, Results: n.res})
	}
	servicetest.Settle(t, sess)
	return f
}

func (f *fixture) group(t *testing.T, ctxs ...dmc.ExecutionContext) (*dmc.Group, error) {
	t.Helper()
	return servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[*dmc.Group]) {
		f.g.Group(ctxs, rm)
	})
}

func (f *fixture) children(t *testing.T, ctx dmc.Context) []dmc.ExecutionContext {
	t.Helper()
	out, err := servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]dmc.ExecutionContext]) {
		f.g.GetExecutionContexts(ctx, rm)
	})
	if err != nil {
		t.Fatalf("GetExecutionContexts(%v) error = %v", ctx, err)
	}
	return out
}

func (f *fixture) containing(t *testing.T, ctx dmc.ExecutionContext, recurse bool) []string {
	t.Helper()
	groups, err := servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]*dmc.Group]) {
		f.g.GetGroupsContainingExecutionContext(ctx, recurse, rm)
	})
	if err != nil {
		t.Fatalf("GetGroupsContainingExecutionContext() error = %v", err)
	}
	var names []string
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names
}

func TestGroupValidation(t *testing.T) {
	f := setup(t)
	all := dmc.NewGroup(f.p.Control(), dmc.GroupAllName)

	tests := []struct {
		name string
		ctxs []dmc.ExecutionContext
	}{
		{"empty", nil},
		{"nested", []dmc.ExecutionContext{all, f.p.ExecutionForThread("1")}},
		{"nil member", []dmc.ExecutionContext{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.group(t, tt.ctxs...); !status.Is(err, status.InvalidHandle) {
				t.Errorf("Group() error = %v, want InvalidHandle", err)
			}
		})
	}
}

func TestGroupKeepsThreadAndProcessMembers(t *testing.T) {
	f := setup(t)
	created := servicetest.Record[events.GroupCreated](t, f.sess)
	f.ch.Reply(command.KindListThreadGroups, command.Results{"groups": []any{
		map[string]any{"id": "i1", "pid": "42"},
	}})
	cont := f.p.ContainerForGroup("i1")
	t1, t2 := f.p.ExecutionForThread("1"), f.p.ExecutionForThread("2")

	grp, err := f.group(t, t1, t2, cont, t1)
	if err != nil {
		t.Fatalf("Group() error = %v", err)
	}
	if grp.Name != "Group-1" {
		t.Errorf("group name = %q, want Group-1", grp.Name)
	}
	if n := len(f.children(t, grp)); n != 3 {
		t.Errorf("members = %d, want 3", n)
	}
	servicetest.Settle(t, f.sess)
	if created.Len() != 1 || created.Events()[0].Group.Name != "Group-1" {
		t.Errorf("GroupCreated = %+v", created.Events())
	}

	top := f.children(t, nil)
	if len(top) != 2 || top[0].(*dmc.Group).Name != dmc.GroupAllName {
		t.Errorf("top-level groups = %v", top)
	}
	procs := f.children(t, top[0])
	if len(procs) != 1 || procs[0].(*dmc.Container).GroupID != "i1" {
		t.Errorf("children of GroupAll = %v", procs)
	}
}

func TestGroupsContaining(t *testing.T) {
	f := setup(t)
	cont := f.p.ContainerForGroup("i1")
	t2 := f.p.ExecutionForThread("2")
	if _, err := f.group(t, cont); err != nil {
		t.Fatal(err)
	}
	if _, err := f.group(t, t2); err != nil {
		t.Fatal(err)
	}

	if got := f.containing(t, f.p.ExecutionForThread("1"), false); len(got) != 1 {
		t.Errorf("groups holding thread 1 = %v, want only GroupAll", got)
	}
	got := f.containing(t, f.p.ExecutionForThread("1"), true)
	if len(got) != 2 || got[1] != "Group-1" {
		t.Errorf("recursive groups holding thread 1 = %v", got)
	}
	got = f.containing(t, t2, true)
	if len(got) != 3 {
		t.Errorf("recursive groups holding thread 2 = %v", got)
	}
}

func TestExitRemovesMembers(t *testing.T) {
	f := setup(t)
	t1, t2 := f.p.ExecutionForThread("1"), f.p.ExecutionForThread("2")
	g1, err := f.group(t, t1, t2)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := f.group(t, t2)
	if err != nil {
		t.Fatal(err)
	}
	changed := servicetest.Record[events.GroupChanged](t, f.sess)

	f.ch.Notify(&command.Notification{Kind: command.NotifyThreadExited, Results: command.Results{"id": "1", "group-id": "i1"}})
	servicetest.Settle(t, f.sess)

	var names []string
	for _, ev := range changed.Events() {
		names = append(names, ev.Group.Name)
	}
	if len(names) != 2 || names[0] != dmc.GroupAllName || names[1] != g1.Name {
		t.Errorf("GroupChanged = %v, want GroupAll and %s", names, g1.Name)
	}
	if n := len(f.children(t, g1)); n != 1 {
		t.Errorf("members of %s = %d, want 1", g1.Name, n)
	}
	if n := len(f.children(t, g2)); n != 1 {
		t.Errorf("members of %s = %d, want 1", g2.Name, n)
	}
}

func TestUngroup(t *testing.T) {
	f := setup(t)
	grp, err := f.group(t, f.p.ExecutionForThread("1"))
	if err != nil {
		t.Fatal(err)
	}
	deleted := servicetest.Record[events.GroupDeleted](t, f.sess)
	all := dmc.NewGroup(f.p.Control(), dmc.GroupAllName)
	err = servicetest.Call(t, f.sess, func(rm *monitor.RequestMonitor) {
		f.g.Ungroup([]dmc.ExecutionContext{grp, all, f.p.ExecutionForThread("1")}, rm)
	})
	if err != nil {
		t.Fatalf("Ungroup() error = %v", err)
	}
	servicetest.Settle(t, f.sess)
	if deleted.Len() != 1 {
		t.Errorf("GroupDeleted events = %d, want 1", deleted.Len())
	}
	if top := f.children(t, nil); len(top) != 1 {
		t.Errorf("top-level groups = %v, want only GroupAll", top)
	}
	_, err = servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]dmc.ExecutionContext]) {
		f.g.GetExecutionContexts(grp, rm)
	})
	if !status.Is(err, status.InvalidHandle) {
		t.Errorf("GetExecutionContexts(deleted) error = %v, want InvalidHandle", err)
	}
}
