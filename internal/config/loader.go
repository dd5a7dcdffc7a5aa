package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes environment variables that override launch attributes.
const EnvPrefix = "MICTL_"

// envMapping maps environment variables to attribute keys.
var envMapping = map[string]string{
	"MICTL_DEBUGGER_PATH":    KeyDebuggerPath,
	"MICTL_PROGRAM":          KeyProgramPath,
	"MICTL_SESSION_TYPE":     KeySessionType,
	"MICTL_REMOTE_HOST":      KeyRemoteHost,
	"MICTL_REMOTE_PORT":      KeyRemotePort,
	"MICTL_REMOTE_DEVICE":    KeyRemoteDevice,
	"MICTL_CORE_PATH":        KeyCorePath,
	"MICTL_NON_STOP":         KeyNonStop,
	"MICTL_STOP_AT_MAIN":     KeyStopAtMain,
	"MICTL_REVERSE":          KeyReverseEnabled,
	"MICTL_AUTO_TERMINATE":   KeyAutoTerminate,
	"MICTL_ATTACH_PID":       KeyAttachPID,
	"MICTL_EXTERNAL_CONSOLE": KeyExternalConsole,
}

// Load reads launch attributes from a TOML file and applies environment
// overrides. A missing file yields empty attributes.
func Load(path string) (Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			attrs := New()
			ApplyEnv(attrs)
			return attrs, nil
		}
		return nil, fmt.Errorf("reading launch config %s: %w", path, err)
	}
	attrs, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	ApplyEnv(attrs)
	return attrs, nil
}

// LoadFromReader reads launch attributes from r. Environment overrides are
// not applied.
func LoadFromReader(r io.Reader) (Attributes, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading launch config: %w", err)
	}
	return Parse("<reader>", data)
}

// Parse decodes TOML launch attributes.
func Parse(source string, data []byte) (Attributes, error) {
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return nil, perr
	}
	if m == nil {
		m = make(map[string]any)
	}
	return Attributes(m), nil
}

// ApplyEnv overrides attributes from the environment.
func ApplyEnv(attrs Attributes) {
	for env, key := range envMapping {
		if val, ok := os.LookupEnv(env); ok {
			attrs.Set(key, parseEnvValue(val))
		}
	}
}

// parseEnvValue converts an environment string to a bool or integer when it
// looks like one.
func parseEnvValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
