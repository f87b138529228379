package storage

import (
	"context"
	"time"

	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

// HistoryObserver persists every finished run. It implements
// scheduler.Observer.
type HistoryObserver struct {
	store   Store
	log     logx.Logger
	timeout time.Duration
}

var _ scheduler.Observer = (*HistoryObserver)(nil)

// NewHistoryObserver bounds each write by timeout (2s if zero).
func NewHistoryObserver(store Store, log logx.Logger, timeout time.Duration) *HistoryObserver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HistoryObserver{store: store, log: log, timeout: timeout}
}

func (h *HistoryObserver) JobStarted(string, time.Time) {}

func (h *HistoryObserver) JobFinished(res scheduler.RunResult) {
	if h == nil || h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.store.AppendRun(ctx, RecordFromResult(res)); err != nil {
		h.log.Warn("run history write failed", logx.String("job", res.Job), logx.Err(err))
	}
}

// RecordFromResult converts a scheduler result to its stored form.
func RecordFromResult(res scheduler.RunResult) RunRecord {
	r := RunRecord{
		ID:         res.RunID,
		Job:        res.Job,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		DurationMS: res.Duration.Milliseconds(),
		OK:         res.OK(),
		Panicked:   res.Panicked,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	return r
}
