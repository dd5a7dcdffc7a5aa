// Package backend manages the debugger process: it launches it through a
// Launcher, watches its standard error and exit on background goroutines,
// and hands its command streams to exactly one consumer.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/sequence"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
	"github.com/dshills/mictl/internal/version"
)

// Defaults.
const (
	DefaultDebugger         = "gdb"
	DefaultStartTimeout     = 30 * time.Second
	DefaultInterruptTimeout = 5 * time.Second
	DefaultExitTimeout      = 2 * time.Second
)

// State is the state of the backend process.
type State int

const (
	// StateNotStarted is the state before launch.
	StateNotStarted State = iota
	// StateStarted is the state while the process runs.
	StateStarted
	// StateTerminated is the state after the process exited.
	StateTerminated
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarted:
		return "started"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Backend is the backend-management service.
type Backend struct {
	service.Base

	launcher Launcher
	pty      PTYAllocator

	proc       Process
	state      State
	exitCode   int
	claimed    bool
	cancel     context.CancelFunc
	monitorErr error
	exitWaits  []*monitor.RequestMonitor

	exitTimeout time.Duration
}

// New creates the backend service. pty may be nil.
func New(sess *session.Session, launcher Launcher, pty PTYAllocator) *Backend {
	return &Backend{
		Base:     service.NewBase(sess, service.RoleBackend, "process"),
		launcher: launcher,
		pty:      pty,
		exitCode: -1,

		exitTimeout: DefaultExitTimeout,
	}
}

// Initialize launches the debugger process and starts monitoring it.
func (b *Backend) Initialize(rm *monitor.RequestMonitor) {
	seq := sequence.New(b.Executor(), "backend-initialize", b, sequence.GroupTop, rm)
	if err := seq.Start(); err != nil {
		b.Log().Error().Err(err).Msg("cannot start backend sequence")
	}
}

// ExecutionOrder implements sequence.Provider.
func (b *Backend) ExecutionOrder(string) *sequence.Order {
	return sequence.NewOrder("stepLaunchProcess", "stepMonitorProcess", "stepRegister")
}

// Steps implements sequence.Provider.
func (b *Backend) Steps() sequence.Table {
	return sequence.NewTable().
		Set("stepLaunchProcess", b.stepLaunchProcess, b.rollbackLaunchProcess).
		Set("stepMonitorProcess", b.stepMonitorProcess, b.rollbackMonitorProcess).
		Set("stepRegister", b.stepRegister, b.rollbackRegister)
}

// CommandLine returns the debugger command line from the launch
// attributes.
func (b *Backend) CommandLine() LaunchSpec {
	attrs := b.Attributes()
	args := []string{"--interpreter", "mi2", "--nx"}
	args = append(args, attrs.StringSlice(config.KeyDebuggerArgs)...)

	var env []string
	for k, v := range attrs.StringMap(config.KeyProgramEnv) {
		env = append(env, k+"="+v)
	}
	return LaunchSpec{
		Path: attrs.String(config.KeyDebuggerPath, DefaultDebugger),
		Args: args,
		Env:  env,
		Dir:  attrs.String(config.KeyProgramWorkingDir, ""),
	}
}

func (b *Backend) stepLaunchProcess(rm *monitor.RequestMonitor) {
	spec := b.CommandLine()
	timeout := b.Attributes().Duration(config.KeyDebuggerStartTimeout, DefaultStartTimeout)
	exec := b.Executor()

	settled := false
	watchdog := exec.Schedule(timeout, func() {
		if settled {
			return
		}
		settled = true
		rm.Fail(status.RequestFailed, fmt.Sprintf("timed out after %s starting %s", timeout, spec.Path))
	})

	go func() {
		proc, err := b.launcher.Launch(context.Background(), spec)
		qerr := exec.Execute(func() {
			if settled {
				if proc != nil {
					_ = proc.Kill()
				}
				return
			}
			settled = true
			watchdog.Stop()
			if err != nil {
				rm.DoneWith(status.Wrap(status.RequestFailed, err, "error launching "+spec.Path))
				return
			}
			b.proc = proc
			b.state = StateStarted
			b.Log().Info().Str("path", spec.Path).Int("pid", proc.PID()).Msg("backend started")
			b.Publish(events.BackendStarted{SessionID: b.Session().ID(), PID: proc.PID()})
			rm.Done()
		})
		if qerr != nil && proc != nil {
			_ = proc.Kill()
		}
	}()
}

func (b *Backend) rollbackLaunchProcess(rm *monitor.RequestMonitor) {
	if b.proc != nil && b.state == StateStarted {
		_ = b.proc.Kill()
	}
	rm.Done()
}

func (b *Backend) stepMonitorProcess(rm *monitor.RequestMonitor) {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	b.cancel = cancel

	proc, exec := b.proc, b.Executor()
	g.Go(func() error {
		return b.drainStderr(gctx, proc.Stderr())
	})
	g.Go(func() error {
		code, err := proc.Wait()
		if qerr := exec.Execute(func() { b.exited(code, err) }); qerr != nil {
			b.Log().Debug().Int("code", code).Msg("backend exited after session shutdown")
		}
		return err
	})
	go func() {
		err := g.Wait()
		_ = exec.Execute(func() { b.monitorStopped(err) })
	}()
	rm.Done()
}

// monitorStopped records why monitoring of the backend process ended.
func (b *Backend) monitorStopped(err error) {
	b.monitorErr = err
	if err != nil {
		b.Log().Warn().Err(err).Msg("backend monitor stopped")
	}
}

// MonitorErr returns the first error seen while watching the backend
// process, once watching has ended.
func (b *Backend) MonitorErr() error { return b.monitorErr }

func (b *Backend) rollbackMonitorProcess(rm *monitor.RequestMonitor) {
	if b.cancel != nil {
		b.cancel()
	}
	rm.Done()
}

func (b *Backend) stepRegister(rm *monitor.RequestMonitor) {
	if err := b.Register(b); err != nil {
		rm.DoneWith(err)
		return
	}
	rm.Done()
}

func (b *Backend) rollbackRegister(rm *monitor.RequestMonitor) {
	b.Session().Unregister(b.Role())
	rm.Done()
}

func (b *Backend) drainStderr(ctx context.Context, r io.Reader) error {
	if r == nil {
		return nil
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		b.Log().Debug().Str("stream", "stderr").Msg(sc.Text())
	}
	return sc.Err()
}

func (b *Backend) exited(code int, err error) {
	if b.state == StateTerminated {
		return
	}
	b.state = StateTerminated
	b.exitCode = code
	ev := b.Log().Info().Int("code", code)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("backend exited")
	b.Publish(events.BackendTerminated{SessionID: b.Session().ID(), ExitCode: code})

	waits := b.exitWaits
	b.exitWaits = nil
	for _, w := range waits {
		w.Done()
	}
}

// Shutdown waits for the backend to exit, killing it when it does not exit
// on its own in time, and unregisters the service.
func (b *Backend) Shutdown(rm *monitor.RequestMonitor) {
	finish := func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.Release()
		rm.Done()
	}
	if b.state != StateStarted {
		finish()
		return
	}

	killer := b.Executor().Schedule(b.exitTimeout, func() {
		if b.state == StateStarted {
			b.Log().Warn().Msg("backend did not exit; killing it")
			_ = b.proc.Kill()
		}
	})
	b.WaitForExit(monitor.New(b.Executor(), nil).OnDone(func(error) {
		killer.Stop()
		finish()
	}))
}

// WaitForExit completes rm once the backend process has exited.
func (b *Backend) WaitForExit(rm *monitor.RequestMonitor) {
	if b.state != StateStarted {
		rm.Done()
		return
	}
	b.exitWaits = append(b.exitWaits, rm)
}

// State returns the process state.
func (b *Backend) State() State { return b.state }

// ExitCode returns the process exit code, or -1 while it runs.
func (b *Backend) ExitCode() int { return b.exitCode }

// PID returns the backend process id.
func (b *Backend) PID() int {
	if b.proc == nil {
		return -1
	}
	return b.proc.PID()
}

// ClaimStreams hands the command streams to their single consumer.
func (b *Backend) ClaimStreams() (io.Reader, io.WriteCloser, error) {
	if b.proc == nil {
		return nil, nil, ErrProcessNotStarted
	}
	if b.claimed {
		return nil, nil, ErrStreamsClaimed
	}
	b.claimed = true
	return b.proc.Stdout(), b.proc.Stdin(), nil
}

// Kill terminates the backend process.
func (b *Backend) Kill() error {
	if b.proc == nil {
		return ErrProcessNotStarted
	}
	return b.proc.Kill()
}

// AllocatePTY allocates a pseudo-terminal for program input and output.
func (b *Backend) AllocatePTY() (PTY, error) {
	if b.pty == nil {
		return nil, ErrNoPTY
	}
	return b.pty.AllocatePTY()
}

// InterruptAndWait interrupts the backend and completes rm when the target
// reports scope, or a context taking it in, suspended. A nil scope waits
// for any suspension. If none arrives within timeout, rm fails and the
// wait is abandoned; a late suspension is ignored.
func (b *Backend) InterruptAndWait(scope dmc.ExecutionContext, timeout time.Duration, rm *monitor.RequestMonitor) {
	if b.state != StateStarted {
		rm.Fail(status.InvalidState, "backend is not running")
		return
	}
	if timeout <= 0 {
		timeout = DefaultInterruptTimeout
	}

	waiting := true
	var (
		timer *executor.Timer
		sub   *event.Subscription
	)
	finish := func(err error) {
		waiting = false
		if timer != nil {
			timer.Stop()
		}
		sub.Unsubscribe()
		rm.DoneWith(err)
	}
	sub, err := event.Subscribe(b.Session().Bus(), func(ev events.Suspended) {
		if waiting && (dmc.Covers(scope, ev.Context) || dmc.Covers(ev.Context, scope)) {
			finish(nil)
		}
	})
	if err != nil {
		rm.DoneWith(status.Wrap(status.InternalError, err, "cannot wait for suspension"))
		return
	}
	timer = b.Executor().Schedule(timeout, func() {
		if waiting {
			finish(status.New(status.RequestFailed, "interrupt timed out"))
		}
	})

	if err := b.proc.Interrupt(); err != nil {
		finish(status.Wrap(status.RequestFailed, err, "cannot interrupt backend"))
	}
}

// QueryVersion runs the debugger with --version and completes rm with the
// version number from its banner.
func (b *Backend) QueryVersion(rm *monitor.DataRequestMonitor[string]) {
	spec := b.CommandLine()
	spec.Args = []string{"--version"}
	exec := b.Executor()

	go func() {
		banner, err := b.runForOutput(spec)
		var v string
		if err == nil {
			v, err = version.Parse(banner)
		}
		_ = exec.Execute(func() {
			if err != nil {
				rm.DoneWith(status.Wrap(status.RequestFailed, err, "cannot determine debugger version"))
				return
			}
			b.Log().Info().Str("version", v).Msg("backend version")
			rm.DoneData(v)
		})
	}()
}

func (b *Backend) runForOutput(spec LaunchSpec) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultStartTimeout)
	defer cancel()
	proc, err := b.launcher.Launch(ctx, spec)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := io.Copy(&out, proc.Stdout())
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(io.Discard, proc.Stderr())
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}
	if _, err := proc.Wait(); err != nil {
		return "", err
	}
	return out.String(), nil
}
