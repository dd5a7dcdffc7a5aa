package monitor

import "github.com/dshills/mictl/internal/executor"

// CountingRequestMonitor completes once a given number of children have
// each completed. Child failures are joined into its status.
type CountingRequestMonitor struct {
	*RequestMonitor
}

// NewCounting creates a counting monitor forwarding to parent. The count
// must be set with SetDoneCount once the number of children is known.
func NewCounting(exec *executor.Executor, parent *RequestMonitor) *CountingRequestMonitor {
	m := New(exec, parent)
	m.count = &countState{}
	return &CountingRequestMonitor{RequestMonitor: m}
}

// SetDoneCount sets the number of child completions required. Children may
// have completed already; a count of zero completes the monitor at once.
func (m *CountingRequestMonitor) SetDoneCount(n int) {
	m.mu.Lock()
	c := m.count
	if c.set || m.done {
		m.mu.Unlock()
		logger().Error().Int("count", n).Msg("done count set twice")
		return
	}
	c.set = true
	c.target = n
	ready := c.seen >= c.target
	if ready {
		if len(c.errs) > 0 {
			m.err = joinErrors(c.errs)
		}
		m.done = true
	}
	m.mu.Unlock()

	if ready {
		m.dispatch()
	}
}

// Child returns a new monitor whose completion counts toward m.
func (m *CountingRequestMonitor) Child() *RequestMonitor {
	return New(m.exec, m.RequestMonitor)
}
