// Package config holds the launch configuration of a debug session: a flat
// set of attributes read once when the session initializes.
//
// Attributes are keyed by dotted paths ("remote.host") and stored as nested
// maps, which is how TOML tables decode. A key that contains no table, such
// as "use-solib-symbols-for-app", lives at the top level.
package config

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Launch attribute keys.
const (
	KeyDebuggerPath          = "debugger.path"
	KeyDebuggerArgs          = "debugger.args"
	KeyDebuggerStartTimeout  = "debugger.startTimeout"
	KeyProgramPath           = "program.path"
	KeyProgramArguments      = "program.arguments"
	KeyProgramWorkingDir     = "program.workingDir"
	KeyProgramEnv            = "program.env"
	KeyUseSolibSymbolsForApp = "use-solib-symbols-for-app"
	KeySessionType           = "sessionType"
	KeyRemoteTCP             = "remote.tcp"
	KeyRemoteHost            = "remote.host"
	KeyRemotePort            = "remote.port"
	KeyRemoteDevice          = "remote.device"
	KeyRemoteExtended        = "remote.extended"
	KeyRemoteExecutable      = "remote.executable"
	KeyCorePath              = "postmortem.corePath"
	KeyCoreType              = "postmortem.coreType"
	KeyStopAtMain            = "stopAtMain"
	KeyStopAtMainSymbol      = "stopAtMainSymbol"
	KeyReverseEnabled        = "reverse.enabled"
	KeyReverseMode           = "reverse.mode"
	KeyExternalConsole       = "externalConsole"
	KeyNonStop               = "nonStop"
	KeyAttachPID             = "attach.pid"
	KeyPendingBreakpoints    = "breakpoints.pending"
	KeyAutoTerminate         = "autoTerminate"
	KeySourcesWatch          = "sources.watch"
	KeyInterruptTimeout      = "runcontrol.interruptTimeout"
)

// Session types.
const (
	SessionLocal  = "local"
	SessionRemote = "remote"
	SessionCore   = "core"
)

// Post-mortem file types.
const (
	CoreTypeCoreFile  = "core-file"
	CoreTypeTraceFile = "trace-file"
)

// Reverse debugging modes.
const (
	ReverseSoftware         = "software"
	ReverseBranchTrace      = "hardware-branch-trace"
	ReverseProcessorTrace   = "hardware-processor-trace"
	DefaultStopAtMainSymbol = "main"
)

// Attributes is a launch configuration.
type Attributes map[string]any

// New returns empty attributes.
func New() Attributes {
	return make(Attributes)
}

// Get returns the value at key.
func (a Attributes) Get(key string) (any, bool) {
	if v, ok := a[key]; ok {
		return v, true
	}
	return getByPath(a, key)
}

// Set stores value at key, creating intermediate tables.
func (a Attributes) Set(key string, value any) Attributes {
	setByPath(a, key, value)
	return a
}

// Has reports whether key is set.
func (a Attributes) Has(key string) bool {
	_, ok := a.Get(key)
	return ok
}

// String returns the string at key, or def. Numbers and booleans are
// formatted.
func (a Attributes) String(key, def string) string {
	v, ok := a.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Bool returns the boolean at key, or def. Strings are parsed.
func (a Attributes) Bool(key string, def bool) bool {
	v, ok := a.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	}
	return def
}

// Int returns the integer at key, or def. Strings are parsed.
func (a Attributes) Int(key string, def int) int {
	v, ok := a.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}

// Duration returns the duration at key, or def. Strings use
// time.ParseDuration; integers are milliseconds.
func (a Attributes) Duration(key string, def time.Duration) time.Duration {
	v, ok := a.Get(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
	case int64:
		return time.Duration(t) * time.Millisecond
	case int:
		return time.Duration(t) * time.Millisecond
	}
	return def
}

// StringSlice returns the list at key. A string is split on whitespace.
func (a Attributes) StringSlice(key string) []string {
	v, ok := a.Get(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		return strings.Fields(t)
	}
	return nil
}

// StringMap returns the table at key as strings.
func (a Attributes) StringMap(key string) map[string]string {
	v, ok := a.Get(key)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		out[k] = fmt.Sprint(e)
	}
	return out
}

// Clone returns a deep copy of the tables.
func (a Attributes) Clone() Attributes {
	return Attributes(cloneMap(a))
}

func cloneMap(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		if sub, ok := v.(map[string]any); ok {
			out[k] = cloneMap(sub)
		}
	}
	return out
}

// SessionType returns the session type, defaulting to local.
func (a Attributes) SessionType() string {
	return a.String(KeySessionType, SessionLocal)
}

// IsRemote reports whether the session debugs a remote target.
func (a Attributes) IsRemote() bool {
	return a.SessionType() == SessionRemote
}

// IsAttach reports whether the session attaches to an existing process.
func (a Attributes) IsAttach() bool {
	return a.Has(KeyAttachPID)
}

// IsPostMortem reports whether the session examines a core or trace file.
func (a Attributes) IsPostMortem() bool {
	return a.SessionType() == SessionCore
}

// IsNonStop reports whether non-stop mode was requested.
func (a Attributes) IsNonStop() bool {
	return a.Bool(KeyNonStop, false)
}

// StopAtMainSymbol returns the stop-at-main symbol, or "" when stopping at
// main is off.
func (a Attributes) StopAtMainSymbol() string {
	if !a.Bool(KeyStopAtMain, false) {
		return ""
	}
	return a.String(KeyStopAtMainSymbol, DefaultStopAtMainSymbol)
}

// ReverseMode returns the configured reverse mode, or "" when reverse
// debugging is off.
func (a Attributes) ReverseMode() string {
	if !a.Bool(KeyReverseEnabled, false) {
		return ""
	}
	return a.String(KeyReverseMode, ReverseSoftware)
}

// getByPath navigates nested tables using a dotted path.
func getByPath(data map[string]any, path string) (any, bool) {
	current := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, exists := m[part]
		if !exists {
			return nil, false
		}
		current = v
	}
	return current, true
}

// setByPath stores value at a dotted path, creating intermediate tables.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
