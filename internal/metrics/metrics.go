// Package metrics holds the process-wide atomic counters the control
// surface snapshots for Stats(). Snapshot returns a by-value struct;
// readers get no cross-field coherence and must not assume any.
package metrics

import "sync/atomic"

// Snapshot is a point-in-time, eventually-consistent read of all counters.
type Snapshot struct {
	TrackedSessions uint64 `json:"trackedSessions"`
	PendingSessions uint64 `json:"pendingSessions"`
	QueueDepth      uint64 `json:"queueDepth"`
}

// Metrics is the set of atomics backing Stats().
type Metrics struct {
	trackedSessions atomic.Uint64
	pendingSessions atomic.Uint64
	queueDepth      atomic.Uint64
}

// New returns a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

// SetTrackedSessions stores the current tracked-session count.
func (m *Metrics) SetTrackedSessions(v uint64) { m.trackedSessions.Store(v) }

// SetPendingSessions stores the current pending-session count.
func (m *Metrics) SetPendingSessions(v uint64) { m.pendingSessions.Store(v) }

// SetQueueDepth stores the current spawn-queue depth.
func (m *Metrics) SetQueueDepth(v uint64) { m.queueDepth.Store(v) }

// Snapshot returns a by-value copy of all three counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TrackedSessions: m.trackedSessions.Load(),
		PendingSessions: m.pendingSessions.Load(),
		QueueDepth:      m.queueDepth.Load(),
	}
}
