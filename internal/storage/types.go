package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished job invocation. Keep it compact and schema-stable.
type RunRecord struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	Panicked   bool      `json:"panicked,omitempty"`
}

// Store is the run-history persistence API.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first. An empty job
	// matches every job; limit <= 0 means 50.
	RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error)
	// PruneRuns deletes records that finished before cutoff.
	PruneRuns(ctx context.Context, before time.Time) (int, error)
	Close() error
}

const defaultLimit = 50
