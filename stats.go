package chm

import "go.uber.org/atomic"

// Stats are running totals of the generation-chain lifecycle events;
// grounded on the teacher's resizeState bookkeeping (mapof.go tracked
// resize counts for its own diagnostics) but widened to cover the whole
// retire/reclaim path this design adds.
type Stats struct {
	tablesCreated atomic.Uint64
	tablesRetired atomic.Uint64
	tablesDeleted atomic.Uint64
}

func newStats() *Stats {
	return &Stats{}
}

// Snapshot is a point-in-time copy of Stats suitable for logging or
// assertions in tests.
type Snapshot struct {
	TablesCreated uint64
	TablesRetired uint64
	TablesDeleted uint64
}

// Stats returns a snapshot of the map's generation-chain lifecycle
// counters.
func (m *Map[K, V]) Stats() Snapshot {
	return Snapshot{
		TablesCreated: m.stats.tablesCreated.Load(),
		TablesRetired: m.stats.tablesRetired.Load(),
		TablesDeleted: m.stats.tablesDeleted.Load(),
	}
}
