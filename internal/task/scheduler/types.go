package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pollsched/internal/clock"
	"pollsched/internal/eventbus"
	logx "pollsched/pkg/logx"
)

const (
	// MinInterval is the shortest interval a job may be registered with.
	MinInterval = time.Second
	// DefaultPollInterval is used when Config.PollInterval is zero.
	DefaultPollInterval = 10 * time.Second
)

// Event types published on the bus.
const (
	EventTick         = "scheduler.tick"
	EventJobStarted   = "job.started"
	EventJobFinished  = "job.finished"
	EventJobFailed    = "job.failed"
	EventJobRejected  = "job.rejected"
	EventDispatchFail = "job.dispatch_failed"
)

// Runnable is the unit of work behind a job. cfg is the job's opaque
// configuration, forwarded verbatim on every run.
type Runnable interface {
	Run(ctx context.Context, cfg json.RawMessage) error
}

type RunnableFunc func(ctx context.Context, cfg json.RawMessage) error

func (f RunnableFunc) Run(ctx context.Context, cfg json.RawMessage) error { return f(ctx, cfg) }

// Job is a registration request.
type Job struct {
	Name     string
	Runnable Runnable
	Config   json.RawMessage
	Interval time.Duration
	// Timeout bounds a single run through its context. Zero means none.
	Timeout time.Duration
}

type Config struct {
	PollInterval time.Duration
}

// Spawner starts fn asynchronously. *supervisor.Supervisor satisfies it.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

type goSpawner struct{}

func (goSpawner) Go0(_ string, fn func(ctx context.Context)) { go fn(context.Background()) }

// RunResult describes one finished invocation.
type RunResult struct {
	RunID      string
	Job        string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Err        error
	Panicked   bool
}

// OK reports whether the run succeeded.
func (r RunResult) OK() bool { return r.Err == nil }

// Observer receives synchronous lifecycle callbacks. Implementations must be
// fast and must not block; they run on the job goroutine.
type Observer interface {
	JobStarted(job string, at time.Time)
	JobFinished(res RunResult)
}

// Rejection records a job that was excluded at registration.
type Rejection struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// descriptor is the per-job scheduling state. Guarded by Scheduler.mu.
type descriptor struct {
	job Job

	lastRunAt time.Time // zero: never run
	running   bool
	startedAt time.Time
	runID     string

	runs         uint64
	failures     uint64
	lastErr      string
	lastDuration time.Duration
}

func (d *descriptor) due(now time.Time) bool {
	if d.running {
		return false
	}
	if d.lastRunAt.IsZero() {
		return true
	}
	return !now.Before(d.lastRunAt.Add(d.job.Interval))
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithSpawner(sp Spawner) Option {
	return func(s *Scheduler) {
		if sp != nil {
			s.spawner = sp
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithObserver(obs ...Observer) Option {
	return func(s *Scheduler) {
		for _, o := range obs {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// withRunID overrides run ID generation (tests).
func withRunID(fn func() string) Option {
	return func(s *Scheduler) { s.newRunID = fn }
}

type Scheduler struct {
	log       logx.Logger
	clock     clock.Clock
	spawner   Spawner
	bus       eventbus.Bus
	observers []Observer
	newRunID  func() string

	poll     time.Duration
	rejected []Rejection

	mu       sync.Mutex
	jobs     []*descriptor
	ticks    uint64
	lastTick time.Time

	// keep-alive: non-nil while the loop may tick
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc

	inflight sync.WaitGroup
}
