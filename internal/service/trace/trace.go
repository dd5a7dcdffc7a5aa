// Package trace selects recorded trace frames for inspection and reports
// the state of the trace experiment.
//
// While a trace record is selected the session is in visualization mode:
// run control refuses to resume or step, and commands are sent without
// thread and frame options. Selections made from the console arrive as
// traceframe-changed notifications and are handled the same way.
package trace

import (
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

// Variant selects the capabilities of a trace service.
type Variant struct {
	Name      string
	Supported bool
}

// Variants by backend version.
var (
	VariantUnsupported = Variant{Name: "baseline"}
	VariantTrace       = Variant{Name: "7.2", Supported: true}
)

// Status is the state of the trace experiment.
type Status struct {
	Supported  bool
	Running    bool
	Frames     int
	BufferSize int
	BufferFree int
	StopReason string
}

// Trace is the trace service.
type Trace struct {
	service.Base

	variant Variant
	channel command.Channel
	status  *cache.CommandCache
	current *dmc.TraceRecord
}

// New creates a trace service with the capabilities of v.
func New(sess *session.Session, v Variant) *Trace {
	return &Trace{Base: service.NewBase(sess, service.RoleTrace, v.Name), variant: v}
}

// Initialize implements session.Service.
func (t *Trace) Initialize(rm *monitor.RequestMonitor) {
	if !t.variant.Supported {
		rm.DoneWith(t.Register(t))
		return
	}
	ch, err := service.Require[command.Channel](&t.Base, service.RoleControl)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	t.channel = ch
	t.status = cache.New("trace-status", t.Executor(), ch)
	t.status.SetContextAvailable(t.Control(), true)
	t.Track(ch.Subscribe(t.onNotification))
	for _, err := range []error{
		service.Subscribe(&t.Base, func(events.Suspended) { t.status.Reset() }),
		service.Subscribe(&t.Base, func(events.Resumed) { t.status.Reset() }),
	} {
		if err != nil {
			t.Abandon(err, rm)
			return
		}
	}
	if err := t.Register(t); err != nil {
		t.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (t *Trace) Shutdown(rm *monitor.RequestMonitor) {
	t.current = nil
	t.Release()
	rm.Done()
}

// Capabilities returns the variant of the service.
func (t *Trace) Capabilities() Variant {
	return t.variant
}

func (t *Trace) unsupported() error {
	return status.New(status.NotSupported, "tracing is not supported by this backend")
}

// CreateTraceRecordContext returns the context of the trace frame index.
func (t *Trace) CreateTraceRecordContext(index string) *dmc.TraceRecord {
	return dmc.NewTraceRecord(t.Control(), index)
}

// IsVisualizing reports whether a trace record is selected.
func (t *Trace) IsVisualizing() bool {
	return t.current != nil
}

// SelectTraceRecord makes rec the current trace frame and enters
// visualization mode.
func (t *Trace) SelectTraceRecord(rec *dmc.TraceRecord, rm *monitor.RequestMonitor) {
	if !t.variant.Supported {
		rm.DoneWith(t.unsupported())
		return
	}
	if rec == nil {
		rm.Fail(status.InvalidHandle, "no trace record given")
		return
	}
	t.channel.Send(command.TraceFind(t.Control(), "frame-number", rec.Index), monitor.ThenData(t.Executor(), rm, func(r *command.Reply) {
		if r.Results.String("found") != "1" {
			rm.Fail(status.RequestFailed, "trace frame "+rec.Index+" not found")
			return
		}
		t.setCurrent(t.CreateTraceRecordContext(r.Results.String("traceframe")))
		rm.Done()
	}))
}

// StopTraceVisualization leaves visualization mode. It is a no-op when no
// trace record is selected.
func (t *Trace) StopTraceVisualization(rm *monitor.RequestMonitor) {
	if !t.variant.Supported {
		rm.DoneWith(t.unsupported())
		return
	}
	if t.current == nil {
		rm.Done()
		return
	}
	t.channel.Send(command.TraceFind(t.Control(), "none"), monitor.ThenData(t.Executor(), rm, func(*command.Reply) {
		t.setCurrent(nil)
		rm.Done()
	}))
}

// GetCurrentTraceRecord completes drm with the selected trace record.
func (t *Trace) GetCurrentTraceRecord(drm *monitor.DataRequestMonitor[*dmc.TraceRecord]) {
	if !t.variant.Supported {
		drm.DoneWith(t.unsupported())
		return
	}
	if t.current == nil {
		drm.Fail(status.InvalidState, "no trace record selected")
		return
	}
	drm.DoneData(t.current)
}

// GetTraceStatus completes drm with the state of the trace experiment.
func (t *Trace) GetTraceStatus(drm *monitor.DataRequestMonitor[Status]) {
	if !t.variant.Supported {
		drm.DoneWith(t.unsupported())
		return
	}
	t.status.Execute(command.TraceStatus(t.Control()), monitor.ThenData(t.Executor(), drm.RequestMonitor, func(r *command.Reply) {
		res := r.Results
		drm.DoneData(Status{
			Supported:  res.String("supported") != "0",
			Running:    res.String("running") == "1",
			Frames:     res.Int("frames", 0),
			BufferSize: res.Int("buffer-size", 0),
			BufferFree: res.Int("buffer-free", 0),
			StopReason: res.String("stop-reason"),
		})
	}))
}

// FlushCache implements service.Caching.
func (t *Trace) FlushCache(dmc.Context) {
	if t.status != nil {
		t.status.Reset()
	}
}

func (t *Trace) setCurrent(rec *dmc.TraceRecord) {
	switch {
	case rec == nil && t.current == nil:
		return
	case rec != nil && t.current != nil && rec.Key() == t.current.Key():
		return
	}
	t.current = rec
	t.Log().Debug().Bool("visualization", rec != nil).Msg("trace record selected")
	t.Publish(events.TraceRecordSelected{Record: rec, Visualization: rec != nil})
}

func (t *Trace) onNotification(n *command.Notification) {
	if n.Kind != command.NotifyTraceFrameChanged {
		return
	}
	num := n.Results.String("num")
	if num == "" || n.Results.String("end") != "" {
		t.setCurrent(nil)
		return
	}
	if _, err := strconv.Atoi(num); err != nil {
		t.Log().Debug().Str("num", num).Msg("traceframe-changed without a frame number")
		return
	}
	t.setCurrent(t.CreateTraceRecordContext(num))
}
