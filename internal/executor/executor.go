// Package executor provides the single logical executor that serializes all
// work of one debug session.
//
// Service methods, completion callbacks and event handlers of a session run
// one at a time, in submission order, on the executor's goroutine. Background
// goroutines (stream readers, process waiters, timers) never touch session
// state directly; they marshal their results back with Execute.
package executor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/mictl/internal/logging"
)

// ErrShutdown is returned when work is submitted to a stopped executor.
var ErrShutdown = errors.New("executor is shut down")

// Executor runs submitted functions sequentially on one goroutine.
type Executor struct {
	name string
	log  zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	stopped chan struct{}

	executed atomic.Uint64
	panicked atomic.Uint64
}

// New creates an executor and starts its loop.
func New(name string) *Executor {
	e := &Executor{
		name:    name,
		log:     logging.For("executor").With().Str("executor", name).Logger(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Name returns the executor name.
func (e *Executor) Name() string {
	return e.name
}

// Execute queues fn to run after everything already queued.
func (e *Executor) Execute(fn func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShutdown
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// ExecuteAfterTurns queues fn so that it runs only after it has been
// re-queued turns times. Work submitted in the meantime by the same turn
// boundaries runs first, which restores happens-before ordering between
// messages that travelled through a different number of scheduling hops.
func (e *Executor) ExecuteAfterTurns(turns int, fn func()) error {
	if turns <= 0 {
		return e.Execute(fn)
	}
	return e.Execute(func() {
		if err := e.ExecuteAfterTurns(turns-1, fn); err != nil {
			e.log.Warn().Err(err).Msg("dropping delayed task")
		}
	})
}

// Timer is a pending scheduled task.
type Timer struct {
	t *time.Timer
}

// Stop cancels the task. It returns false if the task already fired.
func (t *Timer) Stop() bool {
	return t.t.Stop()
}

// Schedule runs fn on the executor after d elapses.
func (e *Executor) Schedule(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() {
		if err := e.Execute(fn); err != nil {
			e.log.Debug().Err(err).Msg("scheduled task dropped")
		}
	})}
}

// Sync blocks until every task queued before the call has run.
// It must not be called from the executor goroutine.
func (e *Executor) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := e.Execute(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work, runs what is already queued and waits for
// the loop to exit or ctx to end.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	select {
	case <-e.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown reports whether Shutdown has been called.
func (e *Executor) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Stats returns the number of tasks run and the number that panicked.
func (e *Executor) Stats() (executed, panicked uint64) {
	return e.executed.Load(), e.panicked.Load()
}

func (e *Executor) loop() {
	defer close(e.stopped)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		fn := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(fn)
	}
}

func (e *Executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.panicked.Add(1)
			e.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
		}
	}()
	e.executed.Add(1)
	fn()
}
