package session

import "sync/atomic"

// Metrics is a live, per-session counter set updated as the session's
// wire loop runs.
type Metrics struct {
	bytesIn        atomic.Uint64
	bytesOut       atomic.Uint64
	tasksCompleted atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read
// without racing the session goroutine.
type MetricsSnapshot struct {
	BytesIn        uint64
	BytesOut       uint64
	TasksCompleted uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BytesIn:        m.bytesIn.Load(),
		BytesOut:       m.bytesOut.Load(),
		TasksCompleted: m.tasksCompleted.Load(),
	}
}
