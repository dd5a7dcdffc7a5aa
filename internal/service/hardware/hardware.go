// Package hardware reports the processors and cores of the machine the
// target runs on and the core each thread last ran on.
//
// Backends before 7.5 have no -info-os cpus table; the baseline variant
// answers every request with NotSupported.
package hardware

import (
	"slices"
	"strconv"

	"github.com/dshills/mictl/internal/cache"
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Variant selects the capabilities of a hardware service.
type Variant struct {
	Name string

	// OSData reads the topology from -info-os cpus.
	OSData bool
}

// Variants by backend version.
var (
	VariantUnsupported = Variant{Name: "baseline"}
	VariantOSData      = Variant{Name: "7.5", OSData: true}
)

// Columns of the -info-os cpus table.
const (
	colProcessor  = "processor"
	colPhysicalID = "physical id"
)

// Hardware is the hardware service.
type Hardware struct {
	service.Base

	variant Variant
	osdata  *cache.CommandCache
	threads *cache.CommandCache
}

// New creates a hardware service with the capabilities of v.
func New(sess *session.Session, v Variant) *Hardware {
	return &Hardware{Base: service.NewBase(sess, service.RoleHardware, v.Name), variant: v}
}

// Initialize implements session.Service.
func (h *Hardware) Initialize(rm *monitor.RequestMonitor) {
	if !h.variant.OSData {
		rm.DoneWith(h.Register(h))
		return
	}
	ch, err := service.Require[command.Channel](&h.Base, service.RoleControl)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	h.osdata = cache.New("hardware", h.Executor(), ch)
	h.osdata.SetContextAvailable(h.Control(), true)
	h.threads = cache.New("thread-cores", h.Executor(), ch)
	for _, err := range []error{
		service.Subscribe(&h.Base, func(events.ContainerStarted) { h.osdata.Reset() }),
		service.Subscribe(&h.Base, func(ev events.ContainerExited) {
			h.osdata.Reset()
			h.threads.ResetContext(ev.Container)
		}),
		service.Subscribe(&h.Base, func(ev events.ThreadExited) { h.threads.ResetContext(ev.Execution) }),
		service.Subscribe(&h.Base, func(ev events.Suspended) { h.setAvailable(ev.Context, true) }),
		service.Subscribe(&h.Base, func(ev events.Resumed) { h.setAvailable(ev.Context, false) }),
	} {
		if err != nil {
			h.Abandon(err, rm)
			return
		}
	}
	if err := h.Register(h); err != nil {
		h.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (h *Hardware) Shutdown(rm *monitor.RequestMonitor) {
	if h.osdata != nil {
		h.osdata.Reset()
		h.threads.Reset()
	}
	h.Release()
	rm.Done()
}

// Capabilities returns the variant of the service.
func (h *Hardware) Capabilities() Variant {
	return h.variant
}

func (h *Hardware) setAvailable(ctx dmc.ExecutionContext, available bool) {
	switch c := ctx.(type) {
	case *dmc.Group:
		h.threads.SetContextAvailable(h.Control(), available)
	case *dmc.Container, *dmc.Execution:
		h.threads.SetContextAvailable(c, available)
	}
}

func (h *Hardware) unsupported() error {
	return status.New(status.NotSupported, "hardware topology needs -info-os cpus")
}

type cpuRow struct {
	processor string
	physical  string
}

func (h *Hardware) loadCPUs(drm *monitor.DataRequestMonitor[[]cpuRow]) {
	if !h.variant.OSData {
		drm.DoneWith(h.unsupported())
		return
	}
	h.osdata.Execute(command.InfoOS(h.Control(), "cpus"), monitor.ThenData(h.Executor(), drm.RequestMonitor, func(r *command.Reply) {
		rows, err := parseCPUs(r.Results)
		if err != nil {
			drm.DoneWith(err)
			return
		}
		drm.DoneData(rows)
	}))
}

// GetCPUs completes drm with the physical processors, ordered by id.
func (h *Hardware) GetCPUs(drm *monitor.DataRequestMonitor[[]*dmc.CPU]) {
	h.loadCPUs(monitor.ThenData(h.Executor(), drm.RequestMonitor, func(rows []cpuRow) {
		var ids []string
		for _, r := range rows {
			if !slices.Contains(ids, r.physical) {
				ids = append(ids, r.physical)
			}
		}
		slices.SortFunc(ids, compareIDs)
		out := make([]*dmc.CPU, len(ids))
		for i, id := range ids {
			out[i] = dmc.NewCPU(h.Control(), id)
		}
		drm.DoneData(out)
	}))
}

// GetCores completes drm with the cores of cpu, or of every processor when
// cpu is nil.
func (h *Hardware) GetCores(cpu *dmc.CPU, drm *monitor.DataRequestMonitor[[]*dmc.Core]) {
	h.loadCPUs(monitor.ThenData(h.Executor(), drm.RequestMonitor, func(rows []cpuRow) {
		var out []*dmc.Core
		for _, r := range rows {
			if cpu != nil && r.physical != cpu.ID {
				continue
			}
			out = append(out, dmc.NewCore(dmc.NewCPU(h.Control(), r.physical), r.processor))
		}
		slices.SortFunc(out, func(a, b *dmc.Core) int { return compareIDs(a.ID, b.ID) })
		drm.DoneData(out)
	}))
}

// GetThreadCore completes drm with the core exec last ran on.
func (h *Hardware) GetThreadCore(exec *dmc.Execution, drm *monitor.DataRequestMonitor[*dmc.Core]) {
	if !h.variant.OSData {
		drm.DoneWith(h.unsupported())
		return
	}
	if exec == nil {
		drm.Fail(status.InvalidHandle, "no thread given")
		return
	}
	h.threads.Execute(command.ThreadInfo(exec, exec.ThreadID), monitor.ThenData(h.Executor(), drm.RequestMonitor, func(r *command.Reply) {
		threads := r.Results.Tuples("threads")
		if len(threads) == 0 || threads[0].String("core") == "" {
			drm.Fail(status.RequestFailed, "backend did not report a core for thread "+exec.ThreadID)
			return
		}
		core := threads[0].String("core")
		h.GetCores(nil, monitor.ThenData(h.Executor(), drm.RequestMonitor, func(cores []*dmc.Core) {
			for _, c := range cores {
				if c.ID == core {
					drm.DoneData(c)
					return
				}
			}
			drm.DoneData(dmc.NewCore(dmc.NewCPU(h.Control(), "0"), core))
		}))
	}))
}

// FlushCache implements service.Caching.
func (h *Hardware) FlushCache(ctx dmc.Context) {
	if h.osdata == nil {
		return
	}
	if ctx == nil {
		h.osdata.Reset()
		h.threads.Reset()
		return
	}
	h.threads.ResetContext(ctx)
}

// parseCPUs reads the OSDataTable reply of -info-os cpus. Cells are named
// colN after the position of their header.
func parseCPUs(res command.Results) ([]cpuRow, error) {
	table := res.Tuple("OSDataTable")
	proc, phys := -1, -1
	for i, h := range table.Tuples("hdr") {
		switch h.String("col_name") {
		case colProcessor:
			proc = i
		case colPhysicalID:
			phys = i
		}
	}
	if proc < 0 {
		return nil, status.New(status.RequestFailed, "cpus table has no processor column")
	}
	var rows []cpuRow
	for _, b := range table.Tuples("body") {
		r := cpuRow{processor: b.String("col" + strconv.Itoa(proc)), physical: "0"}
		if phys >= 0 && b.String("col"+strconv.Itoa(phys)) != "" {
			r.physical = b.String("col" + strconv.Itoa(phys))
		}
		if r.processor != "" {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

// compareIDs orders numeric ids numerically and others lexically.
func compareIDs(a, b string) int {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return x - y
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
