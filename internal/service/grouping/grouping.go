// Package grouping keeps user-defined groups of processes and threads on
// top of the backend's own process and thread model.
//
// A group holds containers and executions, never other groups. The
// implicit group of everything, dmc.GroupAllName, exists from Initialize
// on without a GroupCreated event, cannot be deleted and always contains every live process and thread.
package grouping

import (
	"slices"
	"strconv"

	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// NamePrefix prefixes the names of created groups.
const NamePrefix = "Group-"

type group struct {
	ctx     *dmc.Group
	members []dmc.ExecutionContext
}

func (g *group) contains(ctx dmc.Context, recurse bool) bool {
	for _, m := range g.members {
		if dmc.Equal(m, ctx) || (recurse && dmc.IsAncestor(m, ctx)) {
			return true
		}
	}
	return false
}

// removeUnder drops the members that are ctx or lie beneath it.
func (g *group) removeUnder(ctx dmc.Context) bool {
	n := len(g.members)
	g.members = slices.DeleteFunc(g.members, func(m dmc.ExecutionContext) bool {
		return dmc.IsAncestor(ctx, m)
	})
	return len(g.members) != n
}

// Grouping is the grouping service.
type Grouping struct {
	service.Base

	procs  *processes.Processes
	all    *dmc.Group
	groups map[string]*group
	order  []string
	next   int
}

// New creates a grouping service.
func New(sess *session.Session) *Grouping {
	return &Grouping{
		Base:   service.NewBase(sess, service.RoleGrouping, "local"),
		groups: make(map[string]*group),
	}
}

// Initialize implements session.Service.
func (g *Grouping) Initialize(rm *monitor.RequestMonitor) {
	procs, err := service.Require[*processes.Processes](&g.Base, service.RoleProcesses)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	g.procs = procs
	g.all = dmc.NewGroup(g.Control(), dmc.GroupAllName)
	for _, err := range []error{
		service.Subscribe(&g.Base, func(ev events.ContainerExited) { g.onExited(ev.Container) }),
		service.Subscribe(&g.Base, func(ev events.ThreadExited) { g.onExited(ev.Execution) }),
	} {
		if err != nil {
			g.Abandon(err, rm)
			return
		}
	}
	if err := g.Register(g); err != nil {
		g.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (g *Grouping) Shutdown(rm *monitor.RequestMonitor) {
	clear(g.groups)
	g.order = nil
	g.Release()
	rm.Done()
}

// GroupAll returns the implicit group of everything.
func (g *Grouping) GroupAll() *dmc.Group {
	if g.all == nil {
		g.all = dmc.NewGroup(g.Control(), dmc.GroupAllName)
	}
	return g.all
}

// Group creates a group of ctxs and completes drm with it.
func (g *Grouping) Group(ctxs []dmc.ExecutionContext, drm *monitor.DataRequestMonitor[*dmc.Group]) {
	if err := validate(ctxs); err != nil {
		drm.DoneWith(err)
		return
	}

	var members []dmc.ExecutionContext
	for _, c := range ctxs {
		if !slices.ContainsFunc(members, func(m dmc.ExecutionContext) bool { return dmc.Equal(m, c) }) {
			members = append(members, c)
		}
	}
	g.next++
	name := NamePrefix + strconv.Itoa(g.next)
	grp := &group{ctx: dmc.NewGroup(g.Control(), name), members: members}
	g.groups[name] = grp
	g.order = append(g.order, name)
	g.Log().Debug().Str("group", name).Int("members", len(members)).Msg("group created")
	g.Publish(events.GroupCreated{Group: grp.ctx})
	drm.DoneData(grp.ctx)
}

func validate(ctxs []dmc.ExecutionContext) error {
	if len(ctxs) == 0 {
		return status.New(status.InvalidHandle, "a group needs at least one member")
	}
	for _, c := range ctxs {
		switch c.(type) {
		case *dmc.Container, *dmc.Execution:
		case *dmc.Group:
			return status.New(status.InvalidHandle, "groups cannot contain groups")
		case nil:
			return status.New(status.InvalidHandle, "nil group member")
		default:
			return status.Newf(status.InvalidHandle, "%s cannot be grouped", c)
		}
	}
	return nil
}

// Ungroup deletes the groups among ctxs. Other contexts, and the group of
// everything, are ignored.
func (g *Grouping) Ungroup(ctxs []dmc.ExecutionContext, rm *monitor.RequestMonitor) {
	for _, c := range ctxs {
		grp, ok := c.(*dmc.Group)
		if !ok || grp.IsGroupAll() {
			continue
		}
		if _, ok := g.groups[grp.Name]; !ok {
			continue
		}
		delete(g.groups, grp.Name)
		g.order = slices.DeleteFunc(g.order, func(n string) bool { return n == grp.Name })
		g.Publish(events.GroupDeleted{Group: grp})
	}
	rm.Done()
}

// GetExecutionContexts completes drm with the children of ctx: the
// top-level groups for nil or the control context, the members of a user
// group, and the live processes or threads for the group of everything
// and for containers.
func (g *Grouping) GetExecutionContexts(ctx dmc.Context, drm *monitor.DataRequestMonitor[[]dmc.ExecutionContext]) {
	switch c := ctx.(type) {
	case nil, *dmc.Control:
		out := []dmc.ExecutionContext{g.GroupAll()}
		for _, name := range g.order {
			out = append(out, g.groups[name].ctx)
		}
		drm.DoneData(out)
	case *dmc.Group:
		if c.IsGroupAll() {
			g.procs.GetProcessesBeingDebugged(g.Control(), drm)
			return
		}
		grp, ok := g.groups[c.Name]
		if !ok {
			drm.Fail(status.InvalidHandle, "unknown group "+c.Name)
			return
		}
		drm.DoneData(slices.Clone(grp.members))
	case *dmc.Container:
		g.procs.GetProcessesBeingDebugged(c, drm)
	default:
		drm.Fail(status.InvalidHandle, ctx.String()+" has no children")
	}
}

// GetGroupsContainingExecutionContext completes drm with the groups that
// hold ctx. With recurse set a group also holds ctx when it holds an
// ancestor of ctx, such as the process of a thread.
func (g *Grouping) GetGroupsContainingExecutionContext(ctx dmc.ExecutionContext, recurse bool, drm *monitor.DataRequestMonitor[[]*dmc.Group]) {
	switch ctx.(type) {
	case *dmc.Container, *dmc.Execution:
	default:
		drm.Fail(status.InvalidHandle, "only processes and threads belong to groups")
		return
	}
	out := []*dmc.Group{g.GroupAll()}
	for _, name := range g.order {
		if grp := g.groups[name]; grp.contains(ctx, recurse) {
			out = append(out, grp.ctx)
		}
	}
	drm.DoneData(out)
}

func (g *Grouping) onExited(ctx dmc.ExecutionContext) {
	if g.all != nil {
		g.Publish(events.GroupChanged{Group: g.all})
	}
	for _, name := range g.order {
		grp := g.groups[name]
		if grp.removeUnder(ctx) {
			g.Publish(events.GroupChanged{Group: grp.ctx})
		}
	}
}
