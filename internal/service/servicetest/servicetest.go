// Package servicetest provides the scripted command channel and session
// helpers the service tests share.
package servicetest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/backend"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Handler answers one command. Returning an error makes the reply an
// error reply.
type Handler func(cmd command.Command) (command.Results, error)

// Channel is a command channel registered under the control role. Commands
// without a handler succeed with empty results.
type Channel struct {
	service.Base

	mu        sync.Mutex
	handlers  map[string]Handler
	sent      []command.Command
	listeners []*command.Listener
}

var _ command.Channel = (*Channel)(nil)

// NewChannel creates a channel for sess.
func NewChannel(sess *session.Session) *Channel {
	return &Channel{
		Base:     service.NewBase(sess, service.RoleControl, "test"),
		handlers: make(map[string]Handler),
	}
}

// Initialize implements session.Service.
func (c *Channel) Initialize(rm *monitor.RequestMonitor) {
	rm.DoneWith(c.Register(c))
}

// Shutdown implements session.Service.
func (c *Channel) Shutdown(rm *monitor.RequestMonitor) {
	c.Release()
	rm.Done()
}

// Handle installs h for commands of kind.
func (c *Channel) Handle(kind string, h Handler) {
	c.mu.Lock()
	c.handlers[kind] = h
	c.mu.Unlock()
}

// Reply makes commands of kind succeed with results.
func (c *Channel) Reply(kind string, results command.Results) {
	c.Handle(kind, func(command.Command) (command.Results, error) { return results, nil })
}

// Fail makes commands of kind fail with msg.
func (c *Channel) Fail(kind, msg string) {
	c.Handle(kind, func(command.Command) (command.Results, error) {
		return nil, status.New(status.RequestFailed, msg)
	})
}

// Send implements command.Channel.
func (c *Channel) Send(cmd command.Command, rm *monitor.DataRequestMonitor[*command.Reply]) {
	c.mu.Lock()
	if cmd.Options == nil {
		cmd.Options = command.ContextOptions(cmd, true)
	}
	c.sent = append(c.sent, cmd)
	h := c.handlers[cmd.Kind]
	token := len(c.sent)
	c.mu.Unlock()

	results := command.Results{}
	if h != nil {
		r, err := h(cmd)
		if err != nil {
			rm.DoneWith(err)
			return
		}
		if r != nil {
			results = r
		}
	}
	rm.DoneData(&command.Reply{Token: token, Class: command.ClassDone, Results: results})
}

// Subscribe implements command.Channel.
func (c *Channel) Subscribe(l command.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &l
	c.listeners = append(c.listeners, p)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.listeners = slices.DeleteFunc(c.listeners, func(x *command.Listener) bool { return x == p })
	}
}

// Listeners returns the number of subscribed listeners.
func (c *Channel) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Notify delivers n to the listeners on the session executor.
func (c *Channel) Notify(n *command.Notification) {
	_ = c.Executor().Execute(func() {
		c.mu.Lock()
		ls := slices.Clone(c.listeners)
		c.mu.Unlock()
		for _, l := range ls {
			(*l)(n)
		}
	})
}

// Sent returns the commands sent so far.
func (c *Channel) Sent() []command.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// SentKind returns the commands of kind sent so far.
func (c *Channel) SentKind(kind string) []command.Command {
	var out []command.Command
	for _, cmd := range c.Sent() {
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}
	return out
}

// Kinds returns the kinds of the commands sent so far.
func (c *Channel) Kinds() []string {
	var out []string
	for _, cmd := range c.Sent() {
		out = append(out, cmd.Kind)
	}
	return out
}

// Backend stands in for the backend service where services need to
// interrupt the target or allocate a terminal.
type Backend struct {
	service.Base

	mu          sync.Mutex
	interrupts  int
	onInterrupt func(rm *monitor.RequestMonitor)
	scopes      []dmc.ExecutionContext
	PTYErr      error
}

// NewBackend creates a fake backend service for sess. PTY allocation fails
// with backend.ErrNoPTY.
func NewBackend(sess *session.Session) *Backend {
	return &Backend{Base: service.NewBase(sess, service.RoleBackend, "test"), PTYErr: backend.ErrNoPTY}
}

// Initialize implements session.Service.
func (b *Backend) Initialize(rm *monitor.RequestMonitor) {
	rm.DoneWith(b.Register(b))
}

// Shutdown implements session.Service.
func (b *Backend) Shutdown(rm *monitor.RequestMonitor) {
	b.Release()
	rm.Done()
}

// OnInterrupt replaces the default interrupt behaviour, which succeeds.
func (b *Backend) OnInterrupt(fn func(rm *monitor.RequestMonitor)) {
	b.mu.Lock()
	b.onInterrupt = fn
	b.mu.Unlock()
}

// InterruptAndWait records the interrupt.
func (b *Backend) InterruptAndWait(scope dmc.ExecutionContext, _ time.Duration, rm *monitor.RequestMonitor) {
	b.mu.Lock()
	b.interrupts++
	b.scopes = append(b.scopes, scope)
	fn := b.onInterrupt
	b.mu.Unlock()
	if fn != nil {
		fn(rm)
		return
	}
	rm.Done()
}

// Interrupts returns the number of interrupts requested.
func (b *Backend) Interrupts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupts
}

// InterruptScopes returns the scope of every interrupt requested.
func (b *Backend) InterruptScopes() []dmc.ExecutionContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.scopes)
}

// AllocatePTY fails with PTYErr.
func (b *Backend) AllocatePTY() (backend.PTY, error) {
	return nil, b.PTYErr
}

// NewSession creates a session disposed when the test ends.
func NewSession(t *testing.T, attrs config.Attributes) *session.Session {
	t.Helper()
	sess := session.New(attrs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sess.Dispose(ctx)
	})
	return sess
}

// Start initializes svc on the session executor and fails the test if it
// does not succeed.
func Start(t *testing.T, sess *session.Session, svc session.Service) {
	t.Helper()
	if err := Call(t, sess, svc.Initialize); err != nil {
		t.Fatalf("%s Initialize() error = %v", svc.Role(), err)
	}
}

// Call runs fn on the session executor and waits for rm.
func Call(t *testing.T, sess *session.Session, fn func(rm *monitor.RequestMonitor)) error {
	t.Helper()
	rm := monitor.New(sess.Executor(), nil)
	if err := sess.Executor().Execute(func() { fn(rm) }); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := rm.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("operation did not complete")
	}
	return err
}

// CallData runs fn on the session executor and returns the data it
// completes with.
func CallData[T any](t *testing.T, sess *session.Session, fn func(rm *monitor.DataRequestMonitor[T])) (T, error) {
	t.Helper()
	var data T
	err := Call(t, sess, func(rm *monitor.RequestMonitor) {
		fn(monitor.ThenData(sess.Executor(), rm, func(v T) {
			data = v
			rm.Done()
		}))
	})
	return data, err
}

// Run runs fn on the session executor and waits for it.
func Run(t *testing.T, sess *session.Session, fn func()) {
	t.Helper()
	_ = Call(t, sess, func(rm *monitor.RequestMonitor) {
		fn()
		rm.Done()
	})
}

// Settle lets queued work and deferred event deliveries run.
func Settle(t *testing.T, sess *session.Session) {
	t.Helper()
	for i := 0; i < 6; i++ {
		if err := sess.Executor().Sync(context.Background()); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
	}
}

// Recorder collects events of one type.
type Recorder[T event.Event] struct {
	mu     sync.Mutex
	events []T
}

// Record subscribes a recorder for events of type T.
func Record[T event.Event](t *testing.T, sess *session.Session) *Recorder[T] {
	t.Helper()
	r := &Recorder[T]{}
	sub, err := event.Subscribe(sess.Bus(), func(ev T) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	t.Cleanup(sub.Unsubscribe)
	return r
}

// Events returns the events recorded so far.
func (r *Recorder[T]) Events() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Len returns the number of events recorded so far.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
