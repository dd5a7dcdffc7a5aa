// Package breakpoints keeps the breakpoints, tracepoints and watchpoints of
// every tracked breakpoints target, keyed by the reference the backend
// assigned.
//
// Older backends have a single, session-wide breakpoints target; from 7.0
// each inferior is its own target. From 7.4 the backend reports
// breakpoints created, modified or deleted outside this service, for
// example from the console, and the service folds them into its map.
package breakpoints

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Variant selects the capabilities of a breakpoints service.
type Variant struct {
	Name        string
	PerProcess  bool
	Tracepoints bool
	ConsoleSync bool
}

// Variants by backend version.
var (
	VariantGlobal      = Variant{Name: "global"}
	VariantPerProcess  = Variant{Name: "7.0", PerProcess: true}
	VariantTracepoints = Variant{Name: "7.2", PerProcess: true, Tracepoints: true}
	VariantConsoleSync = Variant{Name: "7.4", PerProcess: true, Tracepoints: true, ConsoleSync: true}
)

type record struct {
	ctx  *dmc.Breakpoint
	data Data
}

type targetState struct {
	target      dmc.BreakpointsTarget
	breakpoints map[string]*record
}

// Breakpoints is the breakpoints service.
type Breakpoints struct {
	service.Base

	variant Variant
	channel command.Channel
	targets map[string]*targetState
	order   []string

	// pendingMods holds modifications reported for breakpoints whose
	// creation has not been seen yet.
	pendingMods map[string]Data
}

// New creates a breakpoints service with the capabilities of v.
func New(sess *session.Session, v Variant) *Breakpoints {
	return &Breakpoints{
		Base:        service.NewBase(sess, service.RoleBreakpoints, v.Name),
		variant:     v,
		targets:     make(map[string]*targetState),
		pendingMods: make(map[string]Data),
	}
}

// Initialize implements session.Service.
func (b *Breakpoints) Initialize(rm *monitor.RequestMonitor) {
	ch, err := service.Require[command.Channel](&b.Base, service.RoleControl)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	b.channel = ch
	b.Track(ch.Subscribe(b.onNotification))
	if err := b.Register(b); err != nil {
		b.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (b *Breakpoints) Shutdown(rm *monitor.RequestMonitor) {
	clear(b.targets)
	b.order = nil
	clear(b.pendingMods)
	b.Release()
	rm.Done()
}

// Capabilities returns the variant of the service.
func (b *Breakpoints) Capabilities() Variant {
	return b.variant
}

// TargetFor returns the breakpoints target of ctx: the session-wide target
// for older backends, the container of ctx otherwise.
func (b *Breakpoints) TargetFor(ctx dmc.Context) (dmc.BreakpointsTarget, error) {
	if !b.variant.PerProcess {
		return dmc.NewGlobalTarget(b.Control()), nil
	}
	if t, ok := ctx.(dmc.BreakpointsTarget); ok {
		return t, nil
	}
	if c, ok := dmc.Ancestor[*dmc.Container](ctx); ok {
		return c, nil
	}
	return nil, status.Newf(status.InvalidHandle, "%v has no breakpoints target", ctx)
}

// StartTracking begins keeping breakpoints for target. Tracking a target
// twice is a no-op.
func (b *Breakpoints) StartTracking(target dmc.BreakpointsTarget) {
	key := target.Key()
	if _, ok := b.targets[key]; ok {
		return
	}
	b.targets[key] = &targetState{target: target, breakpoints: make(map[string]*record)}
	b.order = append(b.order, key)
	b.Log().Debug().Str("target", key).Msg("tracking breakpoints")
}

// StopTracking forgets target and its breakpoints.
func (b *Breakpoints) StopTracking(target dmc.BreakpointsTarget) {
	key := target.Key()
	delete(b.targets, key)
	b.order = slices.DeleteFunc(b.order, func(k string) bool { return k == key })
}

// IsTracking reports whether target is tracked.
func (b *Breakpoints) IsTracking(target dmc.BreakpointsTarget) bool {
	_, ok := b.targets[target.Key()]
	return ok
}

func (b *Breakpoints) state(ctx dmc.Context) (*targetState, error) {
	target, ok := ctx.(dmc.BreakpointsTarget)
	if !ok {
		return nil, status.Newf(status.InvalidHandle, "%v is not a breakpoints target", ctx)
	}
	st, ok := b.targets[target.Key()]
	if !ok {
		return nil, status.Newf(status.RequestFailed, "unknown breakpoints target %v", target)
	}
	return st, nil
}

// Insert installs data in target and completes rm with the new breakpoint.
func (b *Breakpoints) Insert(target dmc.Context, data Data, rm *monitor.DataRequestMonitor[*dmc.Breakpoint]) {
	st, err := b.state(target)
	if err != nil {
		rm.DoneWith(err)
		return
	}

	var cmd command.Command
	switch data.Kind {
	case KindBreakpoint, "":
		data.Kind = KindBreakpoint
		if data.Location == "" {
			rm.Fail(status.RequestFailed, "breakpoint has no location")
			return
		}
		cmd = command.BreakInsert(st.target, data.Location, b.insertOptions(data))
	case KindTracepoint:
		if !b.variant.Tracepoints {
			rm.Fail(status.NotSupported, "tracepoints are not supported by this backend")
			return
		}
		if data.Location == "" {
			rm.Fail(status.RequestFailed, "tracepoint has no location")
			return
		}
		cmd = command.BreakInsert(st.target, data.Location, b.insertOptions(data))
	case KindWatchpoint:
		if data.Expression == "" {
			rm.Fail(status.RequestFailed, "watchpoint has no expression")
			return
		}
		cmd = command.BreakWatch(st.target, data.Expression, data.Access)
	default:
		rm.Fail(status.RequestFailed, "unknown breakpoint kind "+string(data.Kind))
		return
	}

	var reply *command.Reply
	op := func(orm *monitor.RequestMonitor) {
		b.channel.Send(cmd, monitor.ThenData(b.Executor(), orm, func(r *command.Reply) {
			reply = r
			orm.Done()
		}))
	}
	b.withTargetAvailable(st.target, op, monitor.Then(b.Executor(), rm.RequestMonitor, func() {
		tuple := reply.Results.Tuple("bkpt")
		if data.Kind == KindWatchpoint {
			tuple = watchTuple(reply.Results)
		}
		if tuple == nil || tuple.String("number") == "" {
			rm.Fail(status.RequestFailed, "backend reported no breakpoint for "+cmd.String())
			return
		}
		reported := parseBreakpoint(tuple)
		if data.Kind == KindWatchpoint {
			reported.Kind = KindWatchpoint
		}
		rm.DoneData(b.add(st, merge(data, reported)).ctx)
	}))
}

func (b *Breakpoints) insertOptions(d Data) command.BreakOptions {
	return command.BreakOptions{
		Temporary:  d.Temporary,
		Hardware:   d.Hardware,
		Disabled:   d.Disabled,
		Pending:    b.Attributes().Bool(config.KeyPendingBreakpoints, true),
		Tracepoint: d.Kind == KindTracepoint,
		Condition:  d.Condition,
		Ignore:     d.IgnoreCount,
		Thread:     d.Thread,
	}
}

// watchTuple returns the watchpoint tuple of a -break-watch reply, which
// is named after the access kind.
func watchTuple(r command.Results) command.Results {
	for _, key := range []string{"wpt", "hw-rwpt", "hw-awpt", "bkpt"} {
		if t := r.Tuple(key); t != nil {
			return t
		}
	}
	return nil
}

// add records data unless the backend already reported the same
// reference, in which case the existing record wins.
func (b *Breakpoints) add(st *targetState, data Data) *record {
	if rec, ok := st.breakpoints[data.Number]; ok {
		b.Log().Debug().Str("number", data.Number).Msg("breakpoint already known")
		return rec
	}
	rec := &record{ctx: dmc.NewBreakpoint(st.target, data.Number), data: data}
	st.breakpoints[data.Number] = rec
	b.Publish(events.BreakpointAdded{Breakpoint: rec.ctx})
	return rec
}

// Remove deletes bp from the backend and the map.
func (b *Breakpoints) Remove(bp *dmc.Breakpoint, rm *monitor.RequestMonitor) {
	st, rec, err := b.lookup(bp)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	op := func(orm *monitor.RequestMonitor) {
		b.channel.Send(command.BreakDelete(st.target, rec.data.Number), monitor.NewData[*command.Reply](b.Executor(), orm))
	}
	b.withTargetAvailable(st.target, op, monitor.Then(b.Executor(), rm, func() {
		b.remove(st, rec.data.Number)
		rm.Done()
	}))
}

func (b *Breakpoints) remove(st *targetState, number string) {
	rec, ok := st.breakpoints[number]
	if !ok {
		return
	}
	delete(st.breakpoints, number)
	b.Publish(events.BreakpointRemoved{Breakpoint: rec.ctx})
}

// Modify applies u to bp, one backend command per changed field.
func (b *Breakpoints) Modify(bp *dmc.Breakpoint, u Update, rm *monitor.RequestMonitor) {
	st, rec, err := b.lookup(bp)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	if u.IsEmpty() {
		rm.Done()
		return
	}

	number := rec.data.Number
	var ops []func(*monitor.RequestMonitor)
	send := func(cmd command.Command, apply func(d *Data)) {
		ops = append(ops, func(orm *monitor.RequestMonitor) {
			b.channel.Send(cmd, monitor.ThenData(b.Executor(), orm, func(*command.Reply) {
				if r, ok := st.breakpoints[number]; ok {
					apply(&r.data)
				}
				orm.Done()
			}))
		})
	}
	if u.Condition != nil {
		cond := *u.Condition
		send(command.BreakCondition(st.target, number, cond), func(d *Data) { d.Condition = cond })
	}
	if u.IgnoreCount != nil {
		n := *u.IgnoreCount
		send(command.BreakAfter(st.target, number, n), func(d *Data) { d.IgnoreCount = n })
	}
	if u.Enabled != nil {
		if *u.Enabled {
			send(command.BreakEnable(st.target, number), func(d *Data) { d.Disabled = false })
		} else {
			send(command.BreakDisable(st.target, number), func(d *Data) { d.Disabled = true })
		}
	}

	done := monitor.New(b.Executor(), rm).OnDone(func(err error) {
		if _, ok := st.breakpoints[number]; ok {
			b.Publish(events.BreakpointUpdated{Breakpoint: rec.ctx})
		}
		rm.DoneWith(err)
	})
	b.runTargetAvailable(st.target, ops, done)
}

// GetBreakpoints completes rm with the breakpoints of target ordered by
// reference number.
func (b *Breakpoints) GetBreakpoints(target dmc.Context, rm *monitor.DataRequestMonitor[[]*dmc.Breakpoint]) {
	st, err := b.state(target)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	recs := make([]*record, 0, len(st.breakpoints))
	for _, r := range st.breakpoints {
		recs = append(recs, r)
	}
	slices.SortFunc(recs, func(x, y *record) int { return compareNumbers(x.data.Number, y.data.Number) })
	out := make([]*dmc.Breakpoint, len(recs))
	for i, r := range recs {
		out[i] = r.ctx
	}
	rm.DoneData(out)
}

// GetBreakpointData completes rm with a copy of the data of bp.
func (b *Breakpoints) GetBreakpointData(bp *dmc.Breakpoint, rm *monitor.DataRequestMonitor[Data]) {
	_, rec, err := b.lookup(bp)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	d := rec.data
	d.Groups = slices.Clone(d.Groups)
	rm.DoneData(d)
}

func (b *Breakpoints) lookup(bp *dmc.Breakpoint) (*targetState, *record, error) {
	if bp == nil {
		return nil, nil, status.New(status.InvalidHandle, "no breakpoint given")
	}
	st, err := b.state(bp.Target)
	if err != nil {
		return nil, nil, err
	}
	rec, ok := st.breakpoints[bp.Ref]
	if !ok {
		return nil, nil, status.Newf(status.RequestFailed, "unknown breakpoint %s", bp.Ref)
	}
	return st, rec, nil
}

// withTargetAvailable runs op through run control when it is registered,
// so that a running all-stop target is interrupted for the duration.
func (b *Breakpoints) withTargetAvailable(target dmc.Context, op func(*monitor.RequestMonitor), rm *monitor.RequestMonitor) {
	b.runTargetAvailable(target, []func(*monitor.RequestMonitor){op}, rm)
}

func (b *Breakpoints) runTargetAvailable(target dmc.Context, ops []func(*monitor.RequestMonitor), rm *monitor.RequestMonitor) {
	if rc, err := session.Lookup[service.RunControl](b.Session(), service.RoleRunControl); err == nil {
		rc.ExecuteWithTargetAvailable(target, ops, rm)
		return
	}
	runInOrder(b.Session(), ops, rm)
}

// runInOrder runs ops one after the other, stopping at the first failure.
func runInOrder(sess *session.Session, ops []func(*monitor.RequestMonitor), rm *monitor.RequestMonitor) {
	if len(ops) == 0 {
		rm.Done()
		return
	}
	ops[0](monitor.Then(sess.Executor(), rm, func() {
		runInOrder(sess, ops[1:], rm)
	}))
}

func (b *Breakpoints) onNotification(n *command.Notification) {
	switch n.Kind {
	case command.NotifyStopped:
		if n.Results.String("reason") == "breakpoint-hit" {
			b.onHit(n.Results.String("bkptno"))
		}
	case command.NotifyBreakpointCreated:
		if b.variant.ConsoleSync {
			b.onCreated(n.Results.Tuple("bkpt"))
		}
	case command.NotifyBreakpointModified:
		if b.variant.ConsoleSync {
			b.onModified(n.Results.Tuple("bkpt"))
		}
	case command.NotifyBreakpointDeleted:
		if b.variant.ConsoleSync {
			b.onDeleted(n.Results.String("id"))
		}
	}
}

func (b *Breakpoints) onHit(number string) {
	for _, key := range b.order {
		st := b.targets[key]
		if rec, ok := st.breakpoints[number]; ok {
			rec.data.Hits++
			b.Publish(events.BreakpointUpdated{Breakpoint: rec.ctx})
			return
		}
	}
}

func (b *Breakpoints) onCreated(tuple command.Results) {
	if tuple == nil || tuple.String("number") == "" {
		return
	}
	data := parseBreakpoint(tuple)
	st := b.targetForGroups(data.Groups)
	if st == nil {
		b.Log().Debug().Str("number", data.Number).Msg("breakpoint created in an untracked target")
		return
	}
	if mod, ok := b.pendingMods[data.Number]; ok {
		delete(b.pendingMods, data.Number)
		data = merge(data, mod)
	}
	b.add(st, data)
}

func (b *Breakpoints) onModified(tuple command.Results) {
	if tuple == nil {
		return
	}
	data := parseBreakpoint(tuple)
	for _, key := range b.order {
		st := b.targets[key]
		if rec, ok := st.breakpoints[data.Number]; ok {
			rec.data = merge(rec.data, data)
			b.Publish(events.BreakpointUpdated{Breakpoint: rec.ctx})
			return
		}
	}
	b.pendingMods[data.Number] = data
}

func (b *Breakpoints) onDeleted(number string) {
	delete(b.pendingMods, number)
	for _, key := range b.order {
		b.remove(b.targets[key], number)
	}
}

// targetForGroups returns the tracked target for a breakpoint reported in
// the given inferiors: the first tracked container among them, or the
// first tracked target.
func (b *Breakpoints) targetForGroups(groups []string) *targetState {
	if len(b.order) == 0 {
		return nil
	}
	for _, key := range b.order {
		st := b.targets[key]
		if c, ok := st.target.(*dmc.Container); ok && slices.Contains(groups, c.GroupID) {
			return st
		}
	}
	return b.targets[b.order[0]]
}

// compareNumbers orders breakpoint references segment by segment, so
// sub-locations such as "2.1" sort after their parent and "2.10" after
// "2.9".
func compareNumbers(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr != nil || berr != nil {
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
			continue
		}
		if c := cmp.Compare(ai, bi); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(as), len(bs))
}
