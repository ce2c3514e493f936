//go:build unix

package main

import (
	"time"

	"github.com/matst80/knockd/internal/daemon"
)

// State is the /api/state document.
type State struct {
	daemon.Snapshot
	Ready bool   `json:"ready"`
	Now   string `json:"now"`
}

func collectState(s *daemon.Stats) State {
	return State{Snapshot: s.Snapshot(), Ready: s.Ready() && !s.Closing(), Now: time.Now().UTC().Format(time.RFC3339)}
}
