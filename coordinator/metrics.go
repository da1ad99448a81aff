package coordinator

import (
	"sync"
	"time"
)

// Metrics provides hooks for collecting coordinator metrics.
type Metrics interface {
	// RecordPass records the duration of a complete drain pass.
	RecordPass(duration time.Duration)
	// RecordPush records the outcome of one pushed action.
	RecordPush(outcome SendOutcome)
	// RecordPulled records the number of applied server patches.
	RecordPulled(n int)
	// RecordError records a failure by operation and error kind.
	RecordError(op, kind string)
}

// NoOpMetrics is the default implementation that does nothing.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordPass(time.Duration)   {}
func (NoOpMetrics) RecordPush(SendOutcome)     {}
func (NoOpMetrics) RecordPulled(int)           {}
func (NoOpMetrics) RecordError(string, string) {}

// MetricsSnapshot is a point-in-time copy of CounterMetrics.
type MetricsSnapshot struct {
	Passes   int                 `json:"passes"`
	LastPass time.Duration       `json:"last_pass"`
	Pushes   map[SendOutcome]int `json:"pushes"`
	Pulled   int                 `json:"pulled"`
	Errors   map[string]int      `json:"errors"`
}

// CounterMetrics keeps running totals in memory.
type CounterMetrics struct {
	mu   sync.Mutex
	snap MetricsSnapshot
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{snap: MetricsSnapshot{Pushes: map[SendOutcome]int{}, Errors: map[string]int{}}}
}

func (m *CounterMetrics) RecordPass(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Passes++
	m.snap.LastPass = d
}

func (m *CounterMetrics) RecordPush(o SendOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Pushes[o]++
}

func (m *CounterMetrics) RecordPulled(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Pulled += n
}

func (m *CounterMetrics) RecordError(op, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Errors[op+"/"+kind]++
}

// Snapshot returns a copy of the totals.
func (m *CounterMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snap
	out.Pushes = make(map[SendOutcome]int, len(m.snap.Pushes))
	for k, v := range m.snap.Pushes {
		out.Pushes[k] = v
	}
	out.Errors = make(map[string]int, len(m.snap.Errors))
	for k, v := range m.snap.Errors {
		out.Errors[k] = v
	}
	return out
}
