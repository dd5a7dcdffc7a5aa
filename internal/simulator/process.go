package simulator

import (
	"context"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dshills/mictl/internal/service/backend"
)

// simulatedPID is reported as the process id of every simulated debugger.
const simulatedPID = 31337

// Launcher starts simulated debuggers. It implements backend.Launcher.
type Launcher struct {
	// Script drives every debugger started; nil uses the default script.
	Script *Script

	mu        sync.Mutex
	debuggers []*Debugger
	specs     []backend.LaunchSpec
}

var _ backend.Launcher = (*Launcher)(nil)

// Launch starts a simulated debugger. A spec asking for --version starts a
// process that prints the banner and exits.
func (l *Launcher) Launch(ctx context.Context, spec backend.LaunchSpec) (backend.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script := l.Script
	if script == nil {
		script = DefaultScript()
	}

	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()

	if slices.Contains(spec.Args, "--version") {
		return newOutputProcess(script.banner() + "\n"), nil
	}
	if script.FailLaunch != "" {
		return nil, errors.New(script.FailLaunch)
	}

	d := NewDebugger(script)
	l.mu.Lock()
	l.debuggers = append(l.debuggers, d)
	l.mu.Unlock()
	return startProcess(d), nil
}

// Debuggers returns the debuggers started so far, oldest first.
func (l *Launcher) Debuggers() []*Debugger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.debuggers)
}

// Specs returns every launch request, including version queries.
func (l *Launcher) Specs() []backend.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.specs)
}

// process runs a Debugger in a goroutine connected through pipes.
type process struct {
	id string
	d  *Debugger

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done chan struct{}
	code int
}

func startProcess(d *Debugger) *process {
	p := &process{id: uuid.New().String(), d: d, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go func() {
		p.code = d.Serve(p.stdinR, p.stdoutW)
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.done)
	}()
	return p
}

func (p *process) ID() string            { return p.id }
func (p *process) PID() int              { return simulatedPID }
func (p *process) Stdin() io.WriteCloser { return p.stdinW }
func (p *process) Stdout() io.Reader     { return p.stdoutR }
func (p *process) Stderr() io.Reader     { return strings.NewReader("") }
func (p *process) Interrupt() error      { return p.d.Interrupt() }

// Kill ends the debugger by breaking its input.
func (p *process) Kill() error {
	p.stdinR.CloseWithError(errors.New("killed"))
	p.stdoutW.CloseWithError(errors.New("killed"))
	return nil
}

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

// outputProcess prints fixed output and exits.
type outputProcess struct {
	id     string
	stdout io.Reader
}

func newOutputProcess(out string) *outputProcess {
	return &outputProcess{id: uuid.New().String(), stdout: strings.NewReader(out)}
}

func (p *outputProcess) ID() string            { return p.id }
func (p *outputProcess) PID() int              { return simulatedPID }
func (p *outputProcess) Stdin() io.WriteCloser { return nopWriteCloser{} }
func (p *outputProcess) Stdout() io.Reader     { return p.stdout }
func (p *outputProcess) Stderr() io.Reader     { return strings.NewReader("") }
func (p *outputProcess) Wait() (int, error)    { return 0, nil }
func (p *outputProcess) Interrupt() error      { return nil }
func (p *outputProcess) Kill() error           { return nil }

type nopWriteCloser struct{}

func (nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (nopWriteCloser) Close() error                { return nil }

// PTYAllocator hands out loopback pseudo-terminals: what is written comes
// back on read. It implements backend.PTYAllocator.
type PTYAllocator struct {
	// Fail makes every allocation fail with backend.ErrNoPTY.
	Fail bool

	n atomic.Int32
}

var _ backend.PTYAllocator = (*PTYAllocator)(nil)

// AllocatePTY implements backend.PTYAllocator.
func (a *PTYAllocator) AllocatePTY() (backend.PTY, error) {
	if a.Fail {
		return nil, backend.ErrNoPTY
	}
	r, w := io.Pipe()
	return &pty{name: "/dev/pts/sim" + strconv.Itoa(int(a.n.Add(1))), r: r, w: w}, nil
}

type pty struct {
	name string
	r    *io.PipeReader
	w    *io.PipeWriter
}

func (t *pty) Name() string                { return t.name }
func (t *pty) Read(b []byte) (int, error)  { return t.r.Read(b) }
func (t *pty) Write(b []byte) (int, error) { return t.w.Write(b) }

func (t *pty) Close() error {
	t.w.Close()
	return t.r.Close()
}
