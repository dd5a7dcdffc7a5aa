// Package control implements the command channel of a session. Commands
// are numbered in the order Send is called, written by a writer goroutine
// and matched to their replies by token. Notifications and console output
// read from the backend are marshalled onto the session executor and fanned
// out to listeners in registration order.
package control

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/metrics"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/backend"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// DefaultTerminateTimeout is how long Terminate waits for the backend to
// exit after -gdb-exit before killing it.
const DefaultTerminateTimeout = 2 * time.Second

type pending struct {
	cmd  command.Command
	rm   *monitor.DataRequestMonitor[*command.Reply]
	sent time.Time
}

type outgoing struct {
	token int
	cmd   command.Command
}

type listener struct {
	id int
	fn command.Listener
}

// restartTracker is implemented by the processes service.
type restartTracker interface {
	IsRestarting() bool
}

// Control is the command-control service.
type Control struct {
	service.Base

	codec     command.Codec
	backend   *backend.Backend
	transport command.Transport
	cancel    context.CancelFunc
	wake      chan struct{}

	mu             sync.Mutex
	closed         bool
	outq           []outgoing
	nextToken      int
	pending        map[int]*pending
	threadAndFrame bool

	listeners      []listener
	nextListenerID int

	features    []string
	live        map[string]bool
	terminating bool

	terminateTimeout time.Duration
}

var _ command.Channel = (*Control)(nil)

// New creates the control service speaking codec over the backend streams.
func New(sess *session.Session, codec command.Codec) *Control {
	return &Control{
		Base:           service.NewBase(sess, service.RoleControl, "mi"),
		codec:          codec,
		pending:        make(map[int]*pending),
		threadAndFrame: true,
		live:           make(map[string]bool),

		terminateTimeout: DefaultTerminateTimeout,
	}
}

// Initialize claims the backend streams, starts the reader and writer
// goroutines and queries the backend features.
func (c *Control) Initialize(rm *monitor.RequestMonitor) {
	be, err := service.Require[*backend.Backend](&c.Base, service.RoleBackend)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	c.backend = be

	r, w, err := be.ClaimStreams()
	if err != nil {
		rm.DoneWith(status.Wrap(status.InternalError, err, "cannot open command channel"))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.transport = c.codec.NewTransport(r, w)
	c.wake = make(chan struct{}, 1)
	c.cancel = cancel
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop() })

	for _, err := range []error{
		service.Subscribe(&c.Base, c.onTraceRecordSelected),
		service.Subscribe(&c.Base, c.onContainerStarted),
		service.Subscribe(&c.Base, c.onContainerExited),
	} {
		if err != nil {
			c.abandon(err, rm)
			return
		}
	}
	if err := c.Register(c); err != nil {
		c.abandon(err, rm)
		return
	}

	drm := monitor.NewData[*command.Reply](c.Executor(), nil)
	drm.OnDone(func(err error) {
		if err != nil {
			c.Log().Warn().Err(err).Msg("cannot list backend features")
		} else {
			c.features = drm.Data().Results.Strings("features")
		}
		c.Publish(events.ControlInitialized{Control: c.Control()})
		rm.Done()
	})
	c.Send(command.ListFeatures(), drm)
}

// Send implements command.Channel. It may be called from any goroutine
// and never waits for the writer; the reply completes rm on the session
// executor.
func (c *Control) Send(cmd command.Command, rm *monitor.DataRequestMonitor[*command.Reply]) {
	c.mu.Lock()
	if c.closed || c.wake == nil {
		c.mu.Unlock()
		rm.Fail(status.InvalidState, "command channel is closed")
		return
	}
	c.nextToken++
	token := c.nextToken
	if cmd.Options == nil {
		cmd.Options = command.ContextOptions(cmd, c.threadAndFrame)
	}
	c.pending[token] = &pending{cmd: cmd, rm: rm, sent: time.Now()}
	c.outq = append(c.outq, outgoing{token: token, cmd: cmd})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Subscribe implements command.Channel.
func (c *Control) Subscribe(l command.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextListenerID++
	id := c.nextListenerID
	c.listeners = append(c.listeners, listener{id: id, fn: l})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(l listener) bool { return l.id == id })
	}
}

func (c *Control) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}
		c.mu.Lock()
		batch := c.outq
		c.outq = nil
		c.mu.Unlock()

		for _, o := range batch {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.transport.Write(o.token, o.cmd); err != nil {
				_ = c.Executor().Execute(func() {
					c.complete(o.token, nil, status.Wrap(status.RequestFailed, err, "cannot send "+o.cmd.Kind))
				})
			}
		}
	}
}

func (c *Control) readLoop() error {
	for {
		msg, err := c.transport.Read()
		if err != nil {
			if qerr := c.Executor().Execute(func() { c.connectionLost(err) }); qerr != nil {
				c.Log().Debug().Err(err).Msg("command channel closed after session shutdown")
			}
			return err
		}
		if qerr := c.Executor().Execute(func() { c.dispatch(msg) }); qerr != nil {
			return qerr
		}
	}
}

func (c *Control) dispatch(msg *command.Message) {
	switch {
	case msg.Reply != nil:
		var err error
		if msg.Reply.IsError() {
			err = status.New(status.RequestFailed, msg.Reply.Message)
		}
		c.complete(msg.Reply.Token, msg.Reply, err)
	case msg.Notification != nil:
		c.mu.Lock()
		ls := slices.Clone(c.listeners)
		c.mu.Unlock()
		for _, l := range ls {
			l.fn(msg.Notification)
		}
	case msg.Console != "":
		c.Publish(events.ConsoleOutput{Text: msg.Console})
	}
}

func (c *Control) complete(token int, reply *command.Reply, err error) {
	c.mu.Lock()
	p, ok := c.pending[token]
	delete(c.pending, token)
	c.mu.Unlock()
	if !ok {
		c.Log().Warn().Int("token", token).Msg("reply without a pending command")
		return
	}

	metrics.RecordCommand(p.cmd.Kind, err == nil, time.Since(p.sent))
	if err != nil {
		c.Log().Debug().Err(err).Str("command", p.cmd.String()).Msg("command failed")
		p.rm.DoneWith(err)
		return
	}
	p.rm.DoneData(reply)
}

func (c *Control) connectionLost(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.Log().Warn().Err(err).Msg("backend connection lost")
	c.failPending(status.Wrap(status.RequestFailed, err, "backend connection lost"))
}

func (c *Control) failPending(err error) {
	c.mu.Lock()
	ps := c.pending
	c.pending = make(map[int]*pending)
	c.mu.Unlock()

	tokens := make([]int, 0, len(ps))
	for t := range ps {
		tokens = append(tokens, t)
	}
	slices.Sort(tokens)
	for _, t := range tokens {
		ps[t].rm.DoneWith(err)
	}
}

// abandon undoes a partial Initialize: it stops the reader and writer,
// closes the transport and drops the subscriptions made so far.
func (c *Control) abandon(err error, rm *monitor.RequestMonitor) {
	c.mu.Lock()
	c.closed = true
	c.outq = nil
	c.mu.Unlock()
	c.cancel()
	if cerr := c.transport.Close(); cerr != nil {
		c.Log().Debug().Err(cerr).Msg("closing transport")
	}
	c.Abandon(err, rm)
}

// Shutdown closes the channel. Commands still pending are cancelled.
func (c *Control) Shutdown(rm *monitor.RequestMonitor) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.Log().Debug().Err(err).Msg("closing transport")
		}
	}
	c.failPending(status.New(status.Cancelled, "command channel shut down"))
	c.Publish(events.ControlShutdown{Control: c.Control()})
	c.Release()
	rm.Done()
}

// Terminate asks the backend to exit and completes rm once it has. A
// backend that does not exit in time is killed.
func (c *Control) Terminate(rm *monitor.RequestMonitor) {
	if c.backend == nil || c.backend.State() != backend.StateStarted {
		rm.Done()
		return
	}
	c.terminating = true

	killer := c.Executor().Schedule(c.terminateTimeout, func() {
		if c.backend.State() == backend.StateStarted {
			c.Log().Warn().Msg("backend ignored -gdb-exit; killing it")
			_ = c.backend.Kill()
		}
	})
	c.backend.WaitForExit(monitor.New(c.Executor(), nil).OnDone(func(error) {
		killer.Stop()
		c.terminating = false
		rm.Done()
	}))

	drm := monitor.NewData[*command.Reply](c.Executor(), nil)
	drm.OnDone(func(err error) {
		if err != nil {
			c.Log().Debug().Err(err).Msg("-gdb-exit failed")
		}
	})
	c.Send(command.GdbExit(), drm)
}

// Features returns the optional features the backend reported.
func (c *Control) Features() []string {
	return slices.Clone(c.features)
}

// HasFeature reports whether the backend reported name.
func (c *Control) HasFeature(name string) bool {
	return slices.Contains(c.features, name)
}

// ThreadAndFrameOptions reports whether commands are bound to their thread
// and frame. It is false while recorded trace data is shown.
func (c *Control) ThreadAndFrameOptions() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadAndFrame
}

func (c *Control) onTraceRecordSelected(ev events.TraceRecordSelected) {
	c.mu.Lock()
	c.threadAndFrame = !ev.Visualization
	c.mu.Unlock()
}

func (c *Control) onContainerStarted(ev events.ContainerStarted) {
	c.live[ev.Container.Key()] = true
}

func (c *Control) onContainerExited(ev events.ContainerExited) {
	delete(c.live, ev.Container.Key())
	if len(c.live) > 0 || c.terminating || !c.autoTerminate() {
		return
	}
	if rt, ok := c.restartTracker(); ok && rt.IsRestarting() {
		return
	}
	c.Log().Info().Msg("last process exited; terminating backend")
	c.Terminate(monitor.New(c.Executor(), nil))
}

// autoTerminate reports whether the backend exits with its last process.
// Remote attach sessions keep the connection for the next attach.
func (c *Control) autoTerminate() bool {
	attrs := c.Attributes()
	if attrs.IsRemote() && attrs.IsAttach() {
		return false
	}
	return attrs.Bool(config.KeyAutoTerminate, true)
}

func (c *Control) restartTracker() (restartTracker, bool) {
	svc, ok := c.Session().Service(service.RoleProcesses)
	if !ok {
		return nil, false
	}
	rt, ok := svc.(restartTracker)
	return rt, ok
}
