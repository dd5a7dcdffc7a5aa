package sources

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/service/servicetest"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

type fixture struct {
	sess *session.Session
	ch   *servicetest.Channel
	p    *processes.Processes
	s    *Sources
}

func setup(t *testing.T, attrs config.Attributes) *fixture {
	t.Helper()
	sess := servicetest.NewSession(t, attrs)
	f := &fixture{sess: sess, ch: servicetest.NewChannel(sess)}
	servicetest.Start(t, sess, f.ch)
	f.p = processes.New(sess, processes.VariantSingle)
	servicetest.Start(t, sess, f.p)
	f.s = New(sess)
	servicetest.Start(t, sess, f.s)
	t.Cleanup(func() { _ = servicetest.Call(t, sess, f.s.Shutdown) })

	f.ch.Reply(command.KindFileListExecSourceFiles, command.Results{"files": []any{
		map[string]any{"file": "main.c", "fullname": "/src/main.c"},
		map[string]any{"file": "./main.c", "fullname": "/src/main.c"},
		map[string]any{"file": "util.h"},
	}})
	return f
}

func (f *fixture) sources(t *testing.T) ([]Source, error) {
	t.Helper()
	return servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]Source]) {
		f.s.GetSources(f.p.ContainerForGroup(processes.InitialGroup), rm)
	})
}

func TestGetSourcesCachedUntilLibraryEvent(t *testing.T) {
	f := setup(t, config.New())
	changed := servicetest.Record[events.SourceFilesChanged](t, f.sess)

	for i := 0; i < 2; i++ {
		got, err := f.sources(t)
		if err != nil {
			t.Fatalf("GetSources() error = %v", err)
		}
		if len(got) != 2 || got[0].FullName != "/src/main.c" || got[1].Name != "util.h" {
			t.Fatalf("GetSources() = %+v", got)
		}
	}
	if n := len(f.ch.Sent()); n != 1 {
		t.Errorf("commands sent = %d, want 1", n)
	}

	f.ch.Notify(&command.Notification{Kind: command.NotifyLibraryLoaded, Results: command.Results{
		"id": "/lib/libc.so.6", "thread-group": "i1",
	}})
	servicetest.Settle(t, f.sess)
	if changed.Len() != 1 || changed.Events()[0].Container.GroupID != "i1" {
		t.Errorf("SourceFilesChanged = %+v", changed.Events())
	}
	if _, err := f.sources(t); err != nil {
		t.Fatal(err)
	}
	if n := len(f.ch.Sent()); n != 2 {
		t.Errorf("commands sent after library load = %d, want 2", n)
	}
}

func TestGetSourcesNeedsProcess(t *testing.T) {
	f := setup(t, config.New())
	_, err := servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]Source]) {
		f.s.GetSources(f.p.Control(), rm)
	})
	if !status.Is(err, status.InvalidHandle) {
		t.Errorf("GetSources(control) error = %v, want InvalidHandle", err)
	}
}

func TestWatchedDirectoryChange(t *testing.T) {
	dir := t.TempDir()
	f := setup(t, config.New().Set(config.KeySourcesWatch, []string{dir}))
	changed := servicetest.Record[events.SourceFilesChanged](t, f.sess)
	if _, err := f.sources(t); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "main.c")
	if err := os.WriteFile(path, []byte("int main(void) { return 0; }\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for changed.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if changed.Len() == 0 {
		t.Fatal("no SourceFilesChanged after writing a watched file")
	}
	ev := changed.Events()[0]
	if len(ev.Paths) != 1 || ev.Paths[0] != path {
		t.Errorf("changed paths = %v, want [%s]", ev.Paths, path)
	}
	servicetest.Settle(t, f.sess)
	if _, err := f.sources(t); err != nil {
		t.Fatal(err)
	}
	if n := len(f.ch.Sent()); n != 2 {
		t.Errorf("commands sent after a file change = %d, want 2", n)
	}
}

func TestMissingWatchDirectoryFailsInitialize(t *testing.T) {
	sess := servicetest.NewSession(t, config.New().Set(config.KeySourcesWatch, []string{filepath.Join(t.TempDir(), "missing")}))
	ch := servicetest.NewChannel(sess)
	servicetest.Start(t, sess, ch)
	servicetest.Start(t, sess, processes.New(sess, processes.VariantSingle))
	s := New(sess)
	if err := servicetest.Call(t, sess, s.Initialize); !status.Is(err, status.RequestFailed) {
		t.Errorf("Initialize() error = %v, want RequestFailed", err)
	}
}
