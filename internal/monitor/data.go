package monitor

import (
	"sync"

	"github.com/dshills/mictl/internal/executor"
)

// DataRequestMonitor is a RequestMonitor that also carries a typed result.
type DataRequestMonitor[T any] struct {
	*RequestMonitor

	dataMu  sync.Mutex
	data    T
	hasData bool
}

// NewData creates a data monitor forwarding its status to parent.
func NewData[T any](exec *executor.Executor, parent *RequestMonitor) *DataRequestMonitor[T] {
	return &DataRequestMonitor[T]{RequestMonitor: New(exec, parent)}
}

// ThenData creates a data monitor that passes the result to fn on success.
// Failures are forwarded to parent.
func ThenData[T any](exec *executor.Executor, parent *RequestMonitor, fn func(T)) *DataRequestMonitor[T] {
	dm := NewData[T](exec, parent)
	dm.OnSuccess(func() { fn(dm.Data()) })
	return dm
}

// SetData stores the result.
func (m *DataRequestMonitor[T]) SetData(v T) {
	m.dataMu.Lock()
	m.data = v
	m.hasData = true
	m.dataMu.Unlock()
}

// Data returns the stored result, or the zero value.
func (m *DataRequestMonitor[T]) Data() T {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return m.data
}

// HasData reports whether SetData was called.
func (m *DataRequestMonitor[T]) HasData() bool {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return m.hasData
}

// DoneData stores v and completes the monitor successfully.
func (m *DataRequestMonitor[T]) DoneData(v T) {
	m.SetData(v)
	m.Done()
}
