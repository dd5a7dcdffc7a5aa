package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleLaunch = `
sessionType = "remote"
stopAtMain = true
nonStop = false
use-solib-symbols-for-app = true

[debugger]
path = "/usr/bin/gdb"
args = ["--nx", "-q"]
startTimeout = "5s"

[program]
path = "/tmp/app"
arguments = "--verbose 3"

[program.env]
HOME = "/home/dev"

[remote]
tcp = true
host = "localhost"
port = 2345
`

func TestParse(t *testing.T) {
	attrs, err := Parse("launch.toml", []byte(sampleLaunch))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := attrs.String(KeyDebuggerPath, ""); got != "/usr/bin/gdb" {
		t.Errorf("debugger path = %q", got)
	}
	if got := attrs.StringSlice(KeyDebuggerArgs); len(got) != 2 || got[0] != "--nx" {
		t.Errorf("debugger args = %v", got)
	}
	if got := attrs.StringSlice(KeyProgramArguments); len(got) != 2 || got[1] != "3" {
		t.Errorf("program arguments = %v", got)
	}
	if got := attrs.String(KeyRemotePort, ""); got != "2345" {
		t.Errorf("remote port = %q", got)
	}
	if got := attrs.Int(KeyRemotePort, 0); got != 2345 {
		t.Errorf("remote port int = %d", got)
	}
	if got := attrs.Duration(KeyDebuggerStartTimeout, 0); got != 5*time.Second {
		t.Errorf("start timeout = %v", got)
	}
	if !attrs.Bool(KeyUseSolibSymbolsForApp, false) {
		t.Error("use-solib-symbols-for-app not read from the top level")
	}
	if env := attrs.StringMap(KeyProgramEnv); env["HOME"] != "/home/dev" {
		t.Errorf("program env = %v", env)
	}
	if !attrs.IsRemote() || attrs.IsPostMortem() || attrs.IsAttach() {
		t.Error("session type predicates are wrong")
	}
	if got := attrs.StopAtMainSymbol(); got != DefaultStopAtMainSymbol {
		t.Errorf("StopAtMainSymbol() = %q", got)
	}
	if err := attrs.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseError(t *testing.T) {
	_, err := Parse("bad.toml", []byte("sessionType = \n[remote"))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if perr.Path != "bad.toml" {
		t.Errorf("Path = %q", perr.Path)
	}
	if !strings.Contains(perr.Error(), "bad.toml") {
		t.Errorf("Error() = %q", perr.Error())
	}
}

func TestSetAndGet(t *testing.T) {
	attrs := New().
		Set(KeyRemoteHost, "example").
		Set(KeyReverseEnabled, "true")

	if got := attrs.String(KeyRemoteHost, ""); got != "example" {
		t.Errorf("remote host = %q", got)
	}
	if !attrs.Bool(KeyReverseEnabled, false) {
		t.Error("string boolean not parsed")
	}
	if got := attrs.ReverseMode(); got != ReverseSoftware {
		t.Errorf("ReverseMode() = %q, want default", got)
	}
	if attrs.Has(KeyRemotePort) {
		t.Error("unset key reported as present")
	}
	if got := attrs.Int(KeyRemotePort, 7); got != 7 {
		t.Errorf("default = %d", got)
	}
}

func TestClone(t *testing.T) {
	attrs := New().Set(KeyRemoteHost, "a")
	c := attrs.Clone()
	c.Set(KeyRemoteHost, "b")

	if got := attrs.String(KeyRemoteHost, ""); got != "a" {
		t.Errorf("original changed to %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		attrs Attributes
		bad   []string
	}{
		{
			name:  "local program",
			attrs: New().Set(KeyProgramPath, "/bin/true"),
		},
		{
			name:  "local without program",
			attrs: New(),
			bad:   []string{KeyProgramPath},
		},
		{
			name:  "attach",
			attrs: New().Set(KeyAttachPID, int64(42)),
		},
		{
			name:  "attach bad pid",
			attrs: New().Set(KeyAttachPID, int64(0)),
			bad:   []string{KeyAttachPID},
		},
		{
			name:  "remote tcp missing port",
			attrs: New().Set(KeySessionType, SessionRemote).Set(KeyRemoteHost, "h"),
			bad:   []string{KeyRemotePort},
		},
		{
			name: "remote serial",
			attrs: New().Set(KeySessionType, SessionRemote).
				Set(KeyRemoteTCP, false).
				Set(KeyRemoteDevice, "/dev/ttyS0"),
		},
		{
			name:  "core missing path and bad type",
			attrs: New().Set(KeySessionType, SessionCore).Set(KeyCoreType, "dump"),
			bad:   []string{KeyCorePath, KeyCoreType},
		},
		{
			name: "bad reverse mode",
			attrs: New().Set(KeyProgramPath, "/bin/true").
				Set(KeyReverseEnabled, true).
				Set(KeyReverseMode, "magic"),
			bad: []string{KeyReverseMode},
		},
		{
			name:  "unknown session type",
			attrs: New().Set(KeySessionType, "cloud"),
			bad:   []string{KeySessionType},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.attrs.Validate()
			if len(tt.bad) == 0 {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("Validate() error = %v, want ErrValidationFailed", err)
			}
			for _, key := range tt.bad {
				if !strings.Contains(err.Error(), key) {
					t.Errorf("error %q does not mention %s", err, key)
				}
			}
		})
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "launch.toml")
	if err := os.WriteFile(path, []byte(sampleLaunch), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MICTL_REMOTE_HOST", "target.local")
	t.Setenv("MICTL_NON_STOP", "yes")

	attrs, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := attrs.String(KeyRemoteHost, ""); got != "target.local" {
		t.Errorf("remote host = %q, want env override", got)
	}
	if !attrs.IsNonStop() {
		t.Error("non-stop env override not applied")
	}
}

func TestLoadMissingFile(t *testing.T) {
	attrs, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if attrs == nil {
		t.Fatal("Load() returned nil attributes")
	}
}
