package daemon

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Stats are the daemon counters readable from other goroutines while the
// loop runs.
type Stats struct {
	Knocks         *xsync.Counter
	KnocksDropped  *xsync.Counter
	Granted        *xsync.Counter
	Rejected       *xsync.Counter
	SessionsActive *xsync.Counter

	trackedAddresses atomic.Int64
	listeners        atomic.Int64
	ready            atomic.Bool
	closing          atomic.Bool
}

// NewStats returns zeroed counters; the daemon owns the ready flags.
func NewStats() *Stats {
	return &Stats{
		Knocks:         xsync.NewCounter(),
		KnocksDropped:  xsync.NewCounter(),
		Granted:        xsync.NewCounter(),
		Rejected:       xsync.NewCounter(),
		SessionsActive: xsync.NewCounter(),
	}
}

// Ready reports whether every listener is bound and registered.
func (s *Stats) Ready() bool { return s.ready.Load() }

// Closing reports whether the loop is shutting down.
func (s *Stats) Closing() bool { return s.closing.Load() }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Knocks           int64 `json:"knocks"`
	KnocksDropped    int64 `json:"knocks_dropped"`
	Granted          int64 `json:"granted"`
	Rejected         int64 `json:"rejected"`
	SessionsActive   int64 `json:"sessions_active"`
	TrackedAddresses int64 `json:"tracked_addresses"`
	Listeners        int64 `json:"listeners"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Knocks:           s.Knocks.Value(),
		KnocksDropped:    s.KnocksDropped.Value(),
		Granted:          s.Granted.Value(),
		Rejected:         s.Rejected.Value(),
		SessionsActive:   s.SessionsActive.Value(),
		TrackedAddresses: s.trackedAddresses.Load(),
		Listeners:        s.listeners.Load(),
	}
}
