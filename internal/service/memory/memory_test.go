package memory

import (
	"bytes"
	"testing"

	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/service/servicetest"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

func TestBlocks(t *testing.T) {
	var bs blocks
	bs = bs.store(0x100, []byte{1, 2, 3, 4})
	bs = bs.store(0x108, []byte{9, 9})
	if len(bs) != 2 {
		t.Fatalf("blocks = %d, want 2", len(bs))
	}
	if _, ok := bs.read(0x102, 8); ok {
		t.Error("read across a gap should miss")
	}

	// Filling the gap joins both blocks; new bytes win.
	bs = bs.store(0x103, []byte{7, 7, 7, 7, 7})
	if len(bs) != 1 {
		t.Fatalf("blocks = %d, want 1", len(bs))
	}
	got, ok := bs.read(0x100, 10)
	want := []byte{1, 2, 3, 7, 7, 7, 7, 7, 9, 9}
	if !ok || !bytes.Equal(got, want) {
		t.Fatalf("read() = %v, %v, want %v", got, ok, want)
	}

	bs = bs.invalidate(0x104, 2)
	if _, ok := bs.read(0x103, 2); ok {
		t.Error("read of invalidated bytes should miss")
	}
	if got, ok := bs.read(0x106, 4); !ok || !bytes.Equal(got, []byte{7, 7, 9, 9}) {
		t.Errorf("read() after invalidate = %v, %v", got, ok)
	}
	if got, ok := bs.read(0x100, 4); !ok || !bytes.Equal(got, []byte{1, 2, 3, 7}) {
		t.Errorf("read() before invalidated range = %v, %v", got, ok)
	}
}

type fixture struct {
	sess *session.Session
	ch   *servicetest.Channel
	p    *processes.Processes
	m    *Memory
}

func setup(t *testing.T, v Variant) *fixture {
	t.Helper()
	sess := servicetest.NewSession(t, config.New())
	f := &fixture{sess: sess, ch: servicetest.NewChannel(sess)}
	servicetest.Start(t, sess, f.ch)
	f.p = processes.New(sess, processes.VariantSingle)
	servicetest.Start(t, sess, f.p)
	f.m = New(sess, v)
	servicetest.Start(t, sess, f.m)

	f.ch.Reply(command.KindDataReadMemoryBytes, command.Results{"memory": []any{
		map[string]any{"begin": "0x1000", "offset": "0x0", "end": "0x1004", "contents": "deadbeef"},
	}})
	f.ch.Reply(command.KindDataReadMemory, command.Results{"addr": "0x1000", "memory": []any{
		map[string]any{"addr": "0x1000", "data": []any{"0xde", "0xad", "0xbe", "0xef"}},
	}})
	return f
}

func (f *fixture) target() dmc.MemoryTarget {
	return f.p.ContainerForGroup(processes.InitialGroup)
}

func (f *fixture) read(t *testing.T, addr uint64, n int) ([]byte, error) {
	t.Helper()
	return servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]byte]) {
		f.m.GetMemory(f.target(), addr, 0, n, rm)
	})
}

func TestGetMemoryCaches(t *testing.T) {
	for _, v := range []Variant{VariantBaseline, VariantBytes} {
		t.Run(v.Name, func(t *testing.T) {
			f := setup(t, v)
			want := []byte{0xde, 0xad, 0xbe, 0xef}
			for i := 0; i < 2; i++ {
				got, err := f.read(t, 0x1000, 4)
				if err != nil {
					t.Fatalf("GetMemory() error = %v", err)
				}
				if !bytes.Equal(got, want) {
					t.Fatalf("GetMemory() = %x, want %x", got, want)
				}
			}
			if got, err := f.read(t, 0x1001, 2); err != nil || !bytes.Equal(got, want[1:3]) {
				t.Errorf("GetMemory(sub-range) = %x, %v", got, err)
			}
			if n := len(f.ch.Sent()); n != 1 {
				t.Errorf("commands sent = %d, want 1", n)
			}
		})
	}
}

func TestGetMemoryValidation(t *testing.T) {
	f := setup(t, VariantBytes)
	if _, err := f.read(t, 0x1000, 0); !status.Is(err, status.RequestFailed) {
		t.Errorf("GetMemory(0 bytes) error = %v, want RequestFailed", err)
	}
	_, err := servicetest.CallData(t, f.sess, func(rm *monitor.DataRequestMonitor[[]byte]) {
		f.m.GetMemory(nil, 0x1000, 0, 4, rm)
	})
	if !status.Is(err, status.InvalidHandle) {
		t.Errorf("GetMemory(nil) error = %v, want InvalidHandle", err)
	}
	if len(f.ch.Sent()) != 0 {
		t.Errorf("validation failures contacted the backend: %v", f.ch.Kinds())
	}
}

func TestShortReadFails(t *testing.T) {
	f := setup(t, VariantBytes)
	if _, err := f.read(t, 0x1000, 8); !status.Is(err, status.RequestFailed) {
		t.Errorf("GetMemory(short) error = %v, want RequestFailed", err)
	}
}

func TestResumeDropsCache(t *testing.T) {
	f := setup(t, VariantBytes)
	if _, err := f.read(t, 0x1000, 4); err != nil {
		t.Fatal(err)
	}
	servicetest.Run(t, f.sess, func() {
		f.m.Publish(events.Resumed{Context: f.p.ContainerForGroup(processes.InitialGroup)})
	})
	servicetest.Settle(t, f.sess)
	if _, err := f.read(t, 0x1000, 4); err != nil {
		t.Fatal(err)
	}
	if n := len(f.ch.Sent()); n != 2 {
		t.Errorf("commands sent = %d, want 2", n)
	}
}

func TestMemoryChangedInvalidatesBeforePublishing(t *testing.T) {
	f := setup(t, VariantBytes)
	if _, err := f.read(t, 0x1000, 4); err != nil {
		t.Fatal(err)
	}

	var cachedAtEvent []bool
	sub, err := event.Subscribe(f.sess.Bus(), func(ev events.MemoryChanged) {
		_, ok := f.m.cache[ev.Target.Key()].read(0x1000, 4)
		cachedAtEvent = append(cachedAtEvent, ok)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	f.ch.Notify(&command.Notification{Kind: command.NotifyMemoryChanged, Results: command.Results{
		"thread-group": "i1", "addr": "0x1002", "len": "0x1",
	}})
	servicetest.Settle(t, f.sess)

	if len(cachedAtEvent) != 1 {
		t.Fatalf("MemoryChanged events = %d, want 1", len(cachedAtEvent))
	}
	if cachedAtEvent[0] {
		t.Error("subscriber saw stale cache contents")
	}
	if _, err := f.read(t, 0x1000, 4); err != nil {
		t.Fatal(err)
	}
	if n := len(f.ch.Sent()); n != 2 {
		t.Errorf("commands sent = %d, want 2", n)
	}
}

func TestSetMemory(t *testing.T) {
	f := setup(t, VariantBytes)
	changed := servicetest.Record[events.MemoryChanged](t, f.sess)
	err := servicetest.Call(t, f.sess, func(rm *monitor.RequestMonitor) {
		f.m.SetMemory(f.target(), 0x2000, 4, []byte{0xca, 0xfe}, rm)
	})
	if err != nil {
		t.Fatalf("SetMemory() error = %v", err)
	}
	w := f.ch.SentKind(command.KindDataWriteMemoryBytes)
	if len(w) != 1 || w[0].Args[0] != "0x2004" || w[0].Args[1] != "cafe" {
		t.Fatalf("write commands = %+v", w)
	}
	if got, err := f.read(t, 0x2004, 2); err != nil || !bytes.Equal(got, []byte{0xca, 0xfe}) {
		t.Errorf("GetMemory() after write = %x, %v", got, err)
	}
	servicetest.Settle(t, f.sess)
	if changed.Len() != 1 || changed.Events()[0].Addresses[0] != 0x2004 {
		t.Errorf("MemoryChanged = %+v", changed.Events())
	}

	old := setup(t, VariantBaseline)
	err = servicetest.Call(t, old.sess, func(rm *monitor.RequestMonitor) {
		old.m.SetMemory(old.target(), 0x2000, 0, []byte{1}, rm)
	})
	if !status.Is(err, status.NotSupported) {
		t.Errorf("baseline SetMemory() error = %v, want NotSupported", err)
	}
}
