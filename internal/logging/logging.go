// Package logging configures the process-wide zerolog logger and hands out
// component loggers.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment overrides applied on top of Options.
const (
	EnvLogLevel   = "MICTL_LOG_LEVEL"
	EnvLogNoColor = "MICTL_LOG_NOCOLOR"
	EnvLogJSON    = "MICTL_LOG_JSON"
)

// Options configures the root logger.
type Options struct {
	// App is attached to every record as the "app" field.
	App string

	// Level is the minimum level written.
	Level zerolog.Level

	// Output is the destination. Defaults to os.Stderr.
	Output io.Writer

	// JSON disables the console writer.
	JSON bool

	// NoColor disables ANSI colors in console output.
	NoColor bool
}

var (
	mu   sync.RWMutex
	root = zerolog.Nop()
)

// Configure builds the root logger and installs it as log.Logger.
func Configure(opts Options) zerolog.Logger {
	applyEnvOverrides(&opts)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		}
	}

	app := opts.App
	if app == "" {
		app = "mictl"
	}

	logger := zerolog.New(out).Level(opts.Level).With().Timestamp().Str("app", app).Logger()

	mu.Lock()
	root = logger
	mu.Unlock()
	log.Logger = logger
	return logger
}

// ConfigureTests installs a logger that discards everything unless
// MICTL_LOG_LEVEL asks for output.
func ConfigureTests() {
	if os.Getenv(EnvLogLevel) == "" {
		mu.Lock()
		root = zerolog.Nop()
		mu.Unlock()
		return
	}
	Configure(Options{App: "test", Level: zerolog.DebugLevel})
}

// Root returns the root logger.
func Root() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// For returns a logger tagged with the component name.
func For(component string) zerolog.Logger {
	return Root().With().Str("component", component).Logger()
}

func applyEnvOverrides(opts *Options) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		opts.JSON = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
