package metrics

import "sync/atomic"

// Metrics captures shared operational stats for sync cycles and
// deliveries.
type Metrics struct {
	cyclesRun     int64
	lastCycleUnix int64

	delivered int64
	failed    int64
	skipped   int64
}

// Snapshot provides a consistent view of the current metrics.
type Snapshot struct {
	CyclesRun     int64 `json:"cycles_run"`
	LastCycleUnix int64 `json:"last_cycle_unix"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Skipped       int64 `json:"skipped"`
}

// New creates a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// RecordCycle folds one completed sync cycle into the counters.
func (m *Metrics) RecordCycle(completedUnix int64, delivered, failed, skipped int) {
	atomic.AddInt64(&m.cyclesRun, 1)
	atomic.StoreInt64(&m.lastCycleUnix, completedUnix)
	atomic.AddInt64(&m.delivered, int64(delivered))
	atomic.AddInt64(&m.failed, int64(failed))
	atomic.AddInt64(&m.skipped, int64(skipped))
}

// Snapshot returns a read-only view of metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CyclesRun:     atomic.LoadInt64(&m.cyclesRun),
		LastCycleUnix: atomic.LoadInt64(&m.lastCycleUnix),
		Delivered:     atomic.LoadInt64(&m.delivered),
		Failed:        atomic.LoadInt64(&m.failed),
		Skipped:       atomic.LoadInt64(&m.skipped),
	}
}
