// Package builtin holds the job kinds pollsched ships with.
package builtin

import (
	"errors"

	"pollsched/internal/jobs"
)

const (
	KindHeartbeat    = "heartbeat"
	KindHTTPCheck    = "http_check"
	KindExec         = "exec"
	KindSpeedtest    = "speedtest"
	KindSystemdUnit  = "systemd_unit"
	KindSysStats     = "sysstats"
	KindHistoryPrune = "history_prune"
)

// ErrThreshold marks a check that ran but observed an out-of-bounds value.
var ErrThreshold = errors.New("threshold exceeded")

// Register adds every built-in kind to r.
func Register(r *jobs.Registry) {
	r.MustRegister(KindHeartbeat, newHeartbeat)
	r.MustRegister(KindHTTPCheck, newHTTPCheck)
	r.MustRegister(KindExec, newExec)
	r.MustRegister(KindSpeedtest, newSpeedtest)
	r.MustRegister(KindSystemdUnit, newSystemdUnit)
	r.MustRegister(KindSysStats, newSysStats)
	r.MustRegister(KindHistoryPrune, newHistoryPrune)
}

// Default returns a registry with the built-in kinds.
func Default() *jobs.Registry {
	r := jobs.NewRegistry()
	Register(r)
	return r
}
