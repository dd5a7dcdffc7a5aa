// Package memory reads and writes target memory through a per-target block
// cache.
//
// The cache holds what was read while the target was stopped and is
// dropped when the target resumes. From 7.2 the backend reports memory
// changed behind the service's back, for example by an expression typed
// in the console; the affected bytes are dropped from the cache before the
// change is published.
package memory

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/metrics"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Variant selects the capabilities of a memory service.
type Variant struct {
	Name string

	// Bytes reads and writes with the -data-*-memory-bytes commands and
	// handles memory-changed notifications.
	Bytes bool
}

// Variants by backend version.
var (
	VariantBaseline = Variant{Name: "baseline"}
	VariantBytes    = Variant{Name: "7.2", Bytes: true}
)

// Memory is the memory service.
type Memory struct {
	service.Base

	variant Variant
	channel command.Channel
	procs   *processes.Processes
	cache   map[string]blocks
}

// New creates a memory service with the capabilities of v.
func New(sess *session.Session, v Variant) *Memory {
	return &Memory{
		Base:    service.NewBase(sess, service.RoleMemory, v.Name),
		variant: v,
		cache:   make(map[string]blocks),
	}
}

// Initialize implements session.Service.
func (m *Memory) Initialize(rm *monitor.RequestMonitor) {
	ch, err := service.Require[command.Channel](&m.Base, service.RoleControl)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	procs, err := service.Require[*processes.Processes](&m.Base, service.RoleProcesses)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	m.channel = ch
	m.procs = procs
	if m.variant.Bytes {
		m.Track(ch.Subscribe(m.onNotification))
	}
	for _, err := range []error{
		service.Subscribe(&m.Base, m.onResumed),
		service.Subscribe(&m.Base, m.onContainerExited),
	} {
		if err != nil {
			m.Abandon(err, rm)
			return
		}
	}
	if err := m.Register(m); err != nil {
		m.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (m *Memory) Shutdown(rm *monitor.RequestMonitor) {
	clear(m.cache)
	m.Release()
	rm.Done()
}

// Capabilities returns the variant of the service.
func (m *Memory) Capabilities() Variant {
	return m.variant
}

// GetMemory completes drm with count bytes at address plus offset.
func (m *Memory) GetMemory(target dmc.MemoryTarget, address uint64, offset, count int, drm *monitor.DataRequestMonitor[[]byte]) {
	if target == nil {
		drm.Fail(status.InvalidHandle, "no memory target given")
		return
	}
	if count <= 0 {
		drm.Fail(status.RequestFailed, "invalid length "+strconv.Itoa(count))
		return
	}
	start := address + uint64(offset)
	if data, ok := m.cache[target.Key()].read(start, count); ok {
		metrics.RecordCacheLookup("memory", "hit")
		drm.DoneData(data)
		return
	}
	metrics.RecordCacheLookup("memory", "miss")

	var cmd command.Command
	if m.variant.Bytes {
		cmd = command.DataReadMemoryBytes(target, formatAddr(address), offset, count)
	} else {
		cmd = command.DataReadMemory(target, formatAddr(start), 1, count)
	}
	m.channel.Send(cmd, monitor.ThenData(m.Executor(), drm.RequestMonitor, func(r *command.Reply) {
		var data []byte
		var err error
		if m.variant.Bytes {
			data, err = parseMemoryBytes(r.Results, start, count)
		} else {
			data, err = parseMemoryWords(r.Results, count)
		}
		if err != nil {
			drm.DoneWith(err)
			return
		}
		m.cache[target.Key()] = m.cache[target.Key()].store(start, data)
		drm.DoneData(data)
	}))
}

// SetMemory writes data at address plus offset and publishes the change.
func (m *Memory) SetMemory(target dmc.MemoryTarget, address uint64, offset int, data []byte, rm *monitor.RequestMonitor) {
	if target == nil {
		rm.Fail(status.InvalidHandle, "no memory target given")
		return
	}
	if !m.variant.Bytes {
		rm.Fail(status.NotSupported, "writing memory needs -data-write-memory-bytes")
		return
	}
	if len(data) == 0 {
		rm.Done()
		return
	}
	start := address + uint64(offset)
	cmd := command.DataWriteMemoryBytes(target, formatAddr(start), hex.EncodeToString(data))
	m.channel.Send(cmd, monitor.ThenData(m.Executor(), rm, func(*command.Reply) {
		m.cache[target.Key()] = m.cache[target.Key()].store(start, data)
		m.Publish(events.MemoryChanged{Target: target, Addresses: []uint64{start}, Length: len(data)})
		rm.Done()
	}))
}

// FlushCache implements service.Caching.
func (m *Memory) FlushCache(ctx dmc.Context) {
	if ctx == nil {
		clear(m.cache)
		return
	}
	if c, ok := dmc.Ancestor[*dmc.Container](ctx); ok {
		delete(m.cache, c.Key())
		return
	}
	clear(m.cache)
}

func (m *Memory) onNotification(n *command.Notification) {
	if n.Kind != command.NotifyMemoryChanged {
		return
	}
	addr, err := strconv.ParseUint(n.Results.String("addr"), 0, 64)
	if err != nil {
		m.Log().Debug().Str("addr", n.Results.String("addr")).Msg("memory-changed without a valid address")
		return
	}
	length, err := strconv.ParseUint(n.Results.String("len"), 0, 32)
	if err != nil || length == 0 {
		length = 1
	}
	group := n.Results.String("thread-group")
	if group == "" {
		group = processes.InitialGroup
	}
	target := m.procs.ContainerForGroup(group)

	// Drop the bytes first; subscribers re-read them.
	m.cache[target.Key()] = m.cache[target.Key()].invalidate(addr, int(length))
	m.Publish(events.MemoryChanged{Target: target, Addresses: []uint64{addr}, Length: int(length)})
}

func (m *Memory) onResumed(ev events.Resumed) {
	m.FlushCache(ev.Context)
}

func (m *Memory) onContainerExited(ev events.ContainerExited) {
	delete(m.cache, ev.Container.Key())
}

func formatAddr(a uint64) string {
	return fmt.Sprintf("0x%x", a)
}

// parseMemoryBytes assembles the -data-read-memory-bytes reply for count
// bytes at start. Unreadable regions are left out of the reply.
func parseMemoryBytes(res command.Results, start uint64, count int) ([]byte, error) {
	out := make([]byte, count)
	covered := 0
	for _, t := range res.Tuples("memory") {
		begin, err := strconv.ParseUint(t.String("begin"), 0, 64)
		if err != nil {
			return nil, status.Wrap(status.RequestFailed, err, "invalid memory block address")
		}
		contents, err := hex.DecodeString(t.String("contents"))
		if err != nil {
			return nil, status.Wrap(status.RequestFailed, err, "invalid memory contents")
		}
		if begin < start || begin-start >= uint64(count) {
			continue
		}
		covered += copy(out[begin-start:], contents)
	}
	if covered < count {
		return nil, status.Newf(status.RequestFailed, "cannot read %d bytes at 0x%x", count, start)
	}
	return out, nil
}

// parseMemoryWords assembles a -data-read-memory reply read with one-byte
// words.
func parseMemoryWords(res command.Results, count int) ([]byte, error) {
	out := make([]byte, 0, count)
	for _, row := range res.Tuples("memory") {
		for _, w := range row.Strings("data") {
			b, err := strconv.ParseUint(w, 0, 8)
			if err != nil {
				return nil, status.Newf(status.RequestFailed, "unreadable memory word %q", w)
			}
			out = append(out, byte(b))
		}
	}
	if len(out) < count {
		return nil, status.Newf(status.RequestFailed, "backend returned %d of %d bytes", len(out), count)
	}
	return out[:count], nil
}
