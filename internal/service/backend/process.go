package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrProcessNotStarted is returned when an operation needs a running
	// backend process.
	ErrProcessNotStarted = errors.New("backend process not started")

	// ErrStreamsClaimed is returned when a second collaborator asks for
	// the backend streams.
	ErrStreamsClaimed = errors.New("backend streams already claimed")

	// ErrNoPTY is returned when no pseudo-terminal can be allocated.
	ErrNoPTY = errors.New("pseudo-terminal not available")
)

// LaunchSpec describes the process to start.
type LaunchSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Process is a started process with piped standard streams.
type Process interface {
	// ID is a unique identifier assigned at launch.
	ID() string

	// PID returns the operating system process id, or -1.
	PID() int

	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)

	// Interrupt delivers an interrupt, suspending the debugged program.
	Interrupt() error

	// Kill terminates the process.
	Kill() error
}

// PTY is an allocated pseudo-terminal. Name is the slave device handed to
// the backend; reads and writes go through the master side.
type PTY interface {
	io.ReadWriteCloser
	Name() string
}

// PTYAllocator provides pseudo-terminals for program input and output.
type PTYAllocator interface {
	AllocatePTY() (PTY, error)
}
