// Package cache memoizes backend replies per command.
//
// A CommandCache answers a command from its last successful reply while the
// command's context is available, that is while the target is stopped.
// Identical requests in flight are coalesced into a single backend round
// trip. Commands issued while the context is unavailable go straight to the
// backend and their replies are not kept.
//
// All methods must be called on the session executor.
package cache

import (
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/metrics"
	"github.com/dshills/mictl/internal/monitor"
)

type entry struct {
	ctx   dmc.Context
	reply *command.Reply
}

// flight is one command on its way to the backend and the requests waiting
// for it.
type flight struct {
	ctx     dmc.Context
	waiters []*monitor.DataRequestMonitor[*command.Reply]
}

type availability struct {
	ctx       dmc.Context
	available bool
}

// CommandCache is a reply cache in front of a command sender.
type CommandCache struct {
	name   string
	exec   *executor.Executor
	sender command.Sender

	available  map[string]availability
	entries    map[string]entry
	pending    map[string]*flight
	generation uint64
}

// New creates a cache named name in front of sender.
func New(name string, exec *executor.Executor, sender command.Sender) *CommandCache {
	return &CommandCache{
		name:      name,
		exec:      exec,
		sender:    sender,
		available: make(map[string]availability),
		entries:   make(map[string]entry),
		pending:   make(map[string]*flight),
	}
}

// Name returns the cache name.
func (c *CommandCache) Name() string {
	return c.name
}

// Execute completes rm with the cached reply to cmd, or sends cmd.
func (c *CommandCache) Execute(cmd command.Command, rm *monitor.DataRequestMonitor[*command.Reply]) {
	if !c.IsTargetAvailable(cmd.Context) {
		metrics.RecordCacheLookup(c.name, "uncached")
		c.sender.Send(cmd, rm)
		return
	}

	key := cmd.Key()
	if e, ok := c.entries[key]; ok {
		metrics.RecordCacheLookup(c.name, "hit")
		rm.DoneData(e.reply)
		return
	}
	if fl, ok := c.pending[key]; ok {
		metrics.RecordCacheLookup(c.name, "coalesced")
		fl.waiters = append(fl.waiters, rm)
		return
	}

	metrics.RecordCacheLookup(c.name, "miss")
	fl := &flight{ctx: cmd.Context, waiters: []*monitor.DataRequestMonitor[*command.Reply]{rm}}
	c.pending[key] = fl
	gen := c.generation
	drm := monitor.NewData[*command.Reply](c.exec, nil)
	drm.OnDone(func(err error) {
		// A reset may have detached fl; a newer flight for key is not ours.
		if c.pending[key] == fl {
			delete(c.pending, key)
		}

		reply := drm.Data()
		if err == nil && gen == c.generation && c.IsTargetAvailable(cmd.Context) {
			c.entries[key] = entry{ctx: cmd.Context, reply: reply}
		}
		for _, w := range fl.waiters {
			if err != nil {
				w.DoneWith(err)
				continue
			}
			w.DoneData(reply)
		}
	})
	c.sender.Send(cmd, drm)
}

// SetContextAvailable marks ctx and its descendants as cacheable or not.
// An explicit setting on a descendant takes precedence.
func (c *CommandCache) SetContextAvailable(ctx dmc.Context, available bool) {
	c.available[ctx.Key()] = availability{ctx: ctx, available: available}
}

// IsTargetAvailable reports whether replies for ctx may be cached. The
// nearest explicitly marked context in the parent chain decides; unmarked
// chains are unavailable.
func (c *CommandCache) IsTargetAvailable(ctx dmc.Context) bool {
	if ctx == nil {
		return false
	}
	available, _ := c.lookupAvailable(ctx)
	return available
}

func (c *CommandCache) lookupAvailable(ctx dmc.Context) (available, found bool) {
	if a, ok := c.available[ctx.Key()]; ok {
		return a.available, true
	}
	for _, p := range ctx.Parents() {
		if available, found := c.lookupAvailable(p); found {
			return available, true
		}
	}
	return false, false
}

// Reset drops every cached reply. Replies still in flight are delivered
// to their waiters but not stored, and later requests are sent afresh.
func (c *CommandCache) Reset() {
	clear(c.entries)
	clear(c.pending)
	c.generation++
}

// ResetContext drops the replies of commands whose context is ctx or lies
// beneath it.
func (c *CommandCache) ResetContext(ctx dmc.Context) {
	for key, e := range c.entries {
		if e.ctx != nil && dmc.IsAncestor(ctx, e.ctx) {
			delete(c.entries, key)
		}
	}
	for key, fl := range c.pending {
		if fl.ctx != nil && dmc.IsAncestor(ctx, fl.ctx) {
			delete(c.pending, key)
		}
	}
	c.generation++
}

// Len returns the number of cached replies.
func (c *CommandCache) Len() int {
	return len(c.entries)
}
