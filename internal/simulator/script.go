// Package simulator provides an in-process debugger backend for tests and
// demonstrations.
//
// The simulated debugger speaks the command channel through Codec, a CBOR
// framing of commands, replies and notifications. It keeps a small model of
// its targets (inferiors, threads, breakpoints, memory, recording and trace
// frames) so the usual command catalog behaves plausibly without a script.
// A YAML script overrides the reply of any command kind, makes it fail, or
// adds notifications after it.
//
//	banner: "GNU gdb (GDB) 7.12.1"
//	commands:
//	  -break-insert:
//	    error: "No symbol table is loaded."
//	  -exec-continue:
//	    events:
//	      - kind: stopped
//	        async: true
//	        results: {reason: signal-received, signal-name: SIGSEGV, thread-id: "1"}
package simulator

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBanner is the version banner of a script that names none.
const DefaultBanner = "GNU gdb (GDB) 12.1"

// ErrInvalidScript is returned for a script that cannot drive the
// simulator.
var ErrInvalidScript = errors.New("invalid simulator script")

// Script configures a simulated debugger.
type Script struct {
	// Banner is printed for --version and -gdb-version.
	Banner string `yaml:"banner"`

	// Features are reported by -list-features.
	Features []string `yaml:"features"`

	// CPUs is the number of processors reported by -info-os cpus.
	CPUs int `yaml:"cpus"`

	// TraceFrames is the number of frames in the trace buffer.
	TraceFrames int `yaml:"traceFrames"`

	// Sources are reported by -file-list-exec-source-files.
	Sources []Source `yaml:"sources"`

	// FailLaunch makes starting the debugger fail with this message.
	FailLaunch string `yaml:"failLaunch"`

	// Commands override the built-in behaviour per command kind.
	Commands map[string]Rule `yaml:"commands"`
}

// Source is a source file known to the simulated program.
type Source struct {
	File     string `yaml:"file"`
	FullName string `yaml:"fullname"`
}

// Rule overrides one command kind. Error makes the command fail without
// touching the model. Otherwise the built-in behaviour runs, Reply, when
// set, replaces its results, and Events follow the reply.
type Rule struct {
	Reply  map[string]any `yaml:"reply"`
	Error  string         `yaml:"error"`
	Events []Event        `yaml:"events"`
}

// Event is a notification or console line emitted by a rule.
type Event struct {
	Kind    string         `yaml:"kind"`
	Async   bool           `yaml:"async"`
	Results map[string]any `yaml:"results"`
	Console string         `yaml:"console"`
}

// DefaultScript returns the script used when none is given.
func DefaultScript() *Script {
	return &Script{}
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (*Script, error) {
	s := DefaultScript()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s *Script) validate() error {
	if s.CPUs < 0 {
		return fmt.Errorf("%w: negative cpus", ErrInvalidScript)
	}
	if s.TraceFrames < 0 {
		return fmt.Errorf("%w: negative traceFrames", ErrInvalidScript)
	}
	for kind, r := range s.Commands {
		for i, ev := range r.Events {
			if ev.Kind == "" && ev.Console == "" {
				return fmt.Errorf("%w: %s event %d has neither kind nor console", ErrInvalidScript, kind, i)
			}
		}
	}
	return nil
}

func (s *Script) banner() string {
	if s.Banner == "" {
		return DefaultBanner
	}
	return s.Banner
}

func (s *Script) cpus() int {
	if s.CPUs == 0 {
		return 2
	}
	return s.CPUs
}

func (s *Script) traceFrames() int {
	if s.TraceFrames == 0 {
		return 4
	}
	return s.TraceFrames
}

func (s *Script) features() []string {
	if s.Features == nil {
		return []string{"thread-info", "breakpoint-notifications", "data-read-memory-bytes", "info-os", "pending-breakpoints", "python"}
	}
	return s.Features
}

func (s *Script) sources() []Source {
	if s.Sources == nil {
		return []Source{{File: "main.c", FullName: "/src/main.c"}, {File: "util.c", FullName: "/src/util.c"}}
	}
	return s.Sources
}
