package scheduler

import "time"

type Snapshot struct {
	PollInterval time.Duration `json:"poll_interval"`
	Ticks        uint64        `json:"ticks"`
	LastTick     time.Time     `json:"last_tick"`
	Running      bool          `json:"running"`
	Jobs         []JobInfo     `json:"jobs"`
	Rejected     []Rejection   `json:"rejected,omitempty"`
}

type JobInfo struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	Running      bool          `json:"running"`
	RunningSince time.Time     `json:"running_since,omitempty"`
	RunID        string        `json:"run_id,omitempty"`
	LastRunAt    time.Time     `json:"last_run_at"`
	NextDueAt    time.Time     `json:"next_due_at"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
}

// Snapshot returns a point-in-time view of the scheduler and its jobs.
// NextDueAt is zero for a job that is due on the next poll.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		PollInterval: s.poll,
		Ticks:        s.ticks,
		LastTick:     s.lastTick,
		Running:      s.loopCancel != nil,
		Jobs:         make([]JobInfo, 0, len(s.jobs)),
		Rejected:     append([]Rejection(nil), s.rejected...),
	}
	for _, d := range s.jobs {
		info := JobInfo{
			Name:         d.job.Name,
			Interval:     d.job.Interval,
			Timeout:      d.job.Timeout,
			Running:      d.running,
			LastRunAt:    d.lastRunAt,
			Runs:         d.runs,
			Failures:     d.failures,
			LastError:    d.lastErr,
			LastDuration: d.lastDuration,
		}
		if d.running {
			info.RunningSince = d.startedAt
			info.RunID = d.runID
		}
		if !d.lastRunAt.IsZero() {
			info.NextDueAt = d.lastRunAt.Add(d.job.Interval)
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	return snap
}
