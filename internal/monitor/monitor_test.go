package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/mictl/internal/executor"
	"github.com/dshills/mictl/internal/status"
)

func newExec(t *testing.T) *executor.Executor {
	t.Helper()
	e := executor.New(t.Name())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func wait(t *testing.T, m *RequestMonitor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-m.Finished():
		return m.Status()
	case <-ctx.Done():
		t.Fatal("monitor never completed")
		return nil
	}
}

func TestDoneForwardsToParent(t *testing.T) {
	e := newExec(t)
	parent := New(e, nil)
	child := New(e, parent)

	child.Done()
	if err := wait(t, parent); err != nil {
		t.Errorf("parent status = %v, want nil", err)
	}
}

func TestFailureForwardsToParent(t *testing.T) {
	e := newExec(t)
	parent := New(e, nil)
	child := New(e, parent)

	child.Fail(status.RequestFailed, "no symbol table")
	err := wait(t, parent)
	if !status.Is(err, status.RequestFailed) {
		t.Errorf("parent status = %v, want request-failed", err)
	}
}

func TestOnSuccessOverridesParentCompletion(t *testing.T) {
	e := newExec(t)
	parent := New(e, nil)
	called := make(chan struct{})
	child := Then(e, parent, func() { close(called) })

	child.Done()
	<-called
	_ = e.Sync(context.Background())
	if parent.IsDone() {
		t.Error("parent completed although the success handler did not complete it")
	}
}

func TestDoneIsSingleAssignment(t *testing.T) {
	e := newExec(t)
	calls := 0
	m := New(e, nil).OnDone(func(error) { calls++ })

	m.Done()
	m.DoneWith(errors.New("late"))
	_ = wait(t, m)
	_ = e.Sync(context.Background())

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if m.Status() != nil {
		t.Errorf("second completion changed status to %v", m.Status())
	}
}

func TestCancelPropagatesToChildren(t *testing.T) {
	e := newExec(t)
	root := New(e, nil)
	child := New(e, New(e, root))

	if child.IsCanceled() {
		t.Fatal("child cancelled before Cancel")
	}
	root.Cancel()
	if !child.IsCanceled() {
		t.Error("child does not observe ancestor cancellation")
	}
}

func TestDataMonitor(t *testing.T) {
	e := newExec(t)
	parent := New(e, nil)
	var got string
	dm := ThenData(e, parent, func(v string) {
		got = v
		parent.Done()
	})

	dm.DoneData("i1")
	if err := wait(t, parent); err != nil {
		t.Fatalf("status = %v", err)
	}
	if got != "i1" || !dm.HasData() {
		t.Errorf("data = %q (has=%v), want i1", got, dm.HasData())
	}
}

func TestCountingMonitor(t *testing.T) {
	tests := []struct {
		name     string
		children int
		fail     int
		early    bool
	}{
		{"all succeed", 3, 0, false},
		{"one fails", 3, 1, false},
		{"completed before count set", 2, 0, true},
		{"zero children", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExec(t)
			parent := New(e, nil)
			crm := NewCounting(e, parent)

			children := make([]*RequestMonitor, tt.children)
			for i := range children {
				children[i] = crm.Child()
			}
			complete := func() {
				for i, c := range children {
					if i < tt.fail {
						c.Fail(status.RequestFailed, "boom")
						continue
					}
					c.Done()
				}
			}
			if tt.early {
				complete()
				_ = e.Sync(context.Background())
				if crm.IsDone() {
					t.Fatal("counting monitor completed before count was set")
				}
			}
			crm.SetDoneCount(tt.children)
			if !tt.early {
				complete()
			}

			err := wait(t, parent)
			if tt.fail > 0 && !status.Is(err, status.RequestFailed) {
				t.Errorf("status = %v, want request-failed", err)
			}
			if tt.fail == 0 && err != nil {
				t.Errorf("status = %v, want nil", err)
			}
		})
	}
}

func TestNilExecutorCompletesInline(t *testing.T) {
	ran := false
	m := New(nil, nil).OnDone(func(error) { ran = true })
	m.Done()
	if !ran {
		t.Error("completion without executor did not run inline")
	}
}
