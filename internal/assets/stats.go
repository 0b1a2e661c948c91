package assets

import "sync/atomic"

// Stats counts cache activity. Counters are updated lock-free.
type Stats struct {
	Hits           atomic.Int64
	Misses         atomic.Int64
	Fetches        atomic.Int64
	VerifyFailures atomic.Int64
	Errors         atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Fetches        int64 `json:"fetches"`
	VerifyFailures int64 `json:"verify_failures"`
	Errors         int64 `json:"errors"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:           s.Hits.Load(),
		Misses:         s.Misses.Load(),
		Fetches:        s.Fetches.Load(),
		VerifyFailures: s.VerifyFailures.Load(),
		Errors:         s.Errors.Load(),
	}
}
