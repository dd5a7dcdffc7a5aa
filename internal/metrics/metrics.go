// Package metrics holds the Prometheus instrumentation of the control core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once
	registry     = prometheus.NewRegistry()

	sequenceSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mictl",
			Subsystem: "sequence",
			Name:      "steps_total",
			Help:      "Sequence steps executed, by outcome.",
		},
		[]string{"sequence", "step", "outcome"},
	)
	sequenceRollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mictl",
			Subsystem: "sequence",
			Name:      "rollbacks_total",
			Help:      "Sequence step rollbacks, by outcome.",
		},
		[]string{"sequence", "step", "outcome"},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mictl",
			Subsystem: "command_cache",
			Name:      "lookups_total",
			Help:      "Command cache lookups by result (hit, miss, coalesced, uncached).",
		},
		[]string{"cache", "result"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mictl",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Backend commands completed, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mictl",
			Subsystem: "control",
			Name:      "command_duration_seconds",
			Help:      "Backend command round-trip time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Register registers the collectors. It is safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		registry.MustRegister(sequenceSteps, sequenceRollbacks, cacheLookups, commands, commandDuration)
	})
}

// Registry returns the registry holding the control-core collectors.
func Registry() *prometheus.Registry {
	Register()
	return registry
}

// RecordStep counts a finished sequence step.
func RecordStep(sequence, step string, ok bool) {
	Register()
	sequenceSteps.WithLabelValues(sequence, step, outcome(ok)).Inc()
}

// RecordRollback counts a finished rollback handler.
func RecordRollback(sequence, step string, ok bool) {
	Register()
	sequenceRollbacks.WithLabelValues(sequence, step, outcome(ok)).Inc()
}

// RecordCacheLookup counts a command cache lookup.
func RecordCacheLookup(cache, result string) {
	Register()
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordCommand records a completed backend command.
func RecordCommand(kind string, ok bool, duration time.Duration) {
	Register()
	commands.WithLabelValues(kind, outcome(ok)).Inc()
	commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
