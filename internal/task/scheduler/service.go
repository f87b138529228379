package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pollsched/internal/clock"
	"pollsched/internal/eventbus"
	logx "pollsched/pkg/logx"
)

// TickObserver is an optional Observer extension notified once per poll.
type TickObserver interface {
	Tick(at time.Time)
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	Job      string        `json:"job"`
	RunID    string        `json:"run_id,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      string        `json:"err,omitempty"`
}

// TickEvent is the payload of scheduler.tick events.
type TickEvent struct {
	Seq        uint64 `json:"seq"`
	Dispatched int    `json:"dispatched"`
}

// New registers jobs in order. Invalid jobs are logged and excluded; the
// returned Scheduler always starts with the valid remainder.
func New(cfg Config, jobs []Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock.Real(),
		spawner:  goSpawner{},
		bus:      eventbus.Nop{},
		newRunID: uuid.NewString,
		poll:     cfg.PollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))

	for _, j := range jobs {
		if err := validateJob(j); err != nil {
			rej := Rejection{Name: j.Name, Reason: rejectReason(err), Err: err}
			s.rejected = append(s.rejected, rej)
			s.log.Warn("Bad service configuration provided",
				logx.String("job", j.Name),
				logx.Duration("interval", j.Interval),
				logx.Err(err),
			)
			s.bus.Publish(eventbus.Event{Type: EventJobRejected, Data: rej})
			continue
		}
		s.jobs = append(s.jobs, &descriptor{job: j})
	}
	return s
}

func validateJob(j Job) error {
	if j.Name == "" {
		return ErrNameRequired
	}
	if j.Runnable == nil {
		return ErrNoRunnable
	}
	if j.Interval < MinInterval {
		return fmt.Errorf("%w: %s < %s", ErrIntervalTooShort, j.Interval, MinInterval)
	}
	return nil
}

// Rejected lists the jobs excluded at registration, in input order.
func (s *Scheduler) Rejected() []Rejection {
	return append([]Rejection(nil), s.rejected...)
}

// PollInterval is the effective poll interval.
func (s *Scheduler) PollInterval() time.Duration { return s.poll }

// Start runs the poll loop in the background. The first poll happens
// immediately. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, done, ok := s.begin(ctx)
	if !ok {
		return
	}
	go func() {
		defer close(done)
		defer s.end(done)
		s.loop(loopCtx)
	}()
}

// Run is the blocking form of Start. It returns ctx.Err() when ctx ends, or
// nil after Stop.
func (s *Scheduler) Run(ctx context.Context) error {
	loopCtx, done, ok := s.begin(ctx)
	if !ok {
		return ErrAlreadyRunning
	}
	defer close(done)
	defer s.end(done)
	s.loop(loopCtx)
	return ctx.Err()
}

func (s *Scheduler) begin(ctx context.Context) (context.Context, chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopCancel != nil {
		return nil, nil, false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	return loopCtx, s.loopDone, true
}

// end clears the keep-alive state of the loop that owns done. It is a no-op
// when Stop already took it.
func (s *Scheduler) end(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopDone != done {
		return
	}
	s.loopCancel()
	s.runCancel()
	s.loopCancel, s.loopDone, s.runCancel = nil, nil, nil
}

// Stop ends the poll loop, cancels the context of in-flight jobs and waits
// for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done, runCancel := s.loopCancel, s.loopDone, s.runCancel
	s.loopCancel, s.loopDone, s.runCancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if runCancel != nil {
		runCancel()
	}

	waited := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		s.inflight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs in flight", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)), logx.Duration("poll", s.poll))

	t := s.clock.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
		}
		if ctx.Err() != nil {
			return
		}
		s.tick()
		t.Reset(s.poll)
	}
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// tick evaluates every registered job once.
func (s *Scheduler) tick() {
	now := s.clock.Now()
	ctx := s.jobContext()

	s.mu.Lock()
	s.ticks++
	s.lastTick = now
	seq := s.ticks
	jobs := append([]*descriptor(nil), s.jobs...)
	s.mu.Unlock()

	for _, o := range s.observers {
		if to, ok := o.(TickObserver); ok {
			s.guardObserver("tick", func() { to.Tick(now) })
		}
	}

	dispatched := 0
	for _, d := range jobs {
		if s.evaluate(ctx, d, now) {
			dispatched++
		}
	}
	s.bus.Publish(eventbus.Event{Type: EventTick, Time: now, Data: TickEvent{Seq: seq, Dispatched: dispatched}})
}

// evaluate dispatches d when due. A panic while dispatching is contained to
// d. The running flag is reset only if the run never started; otherwise the
// run's own completion clears it.
func (s *Scheduler) evaluate(ctx context.Context, d *descriptor, now time.Time) (dispatched bool) {
	var (
		finish  func()
		claimed atomic.Bool // owner of the run: the job goroutine or the panic handler
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.mu.Lock()
		name := d.job.Name
		s.mu.Unlock()
		if claimed.CompareAndSwap(false, true) {
			dispatched = false
			s.mu.Lock()
			d.running = false
			d.startedAt = time.Time{}
			s.mu.Unlock()
			if finish != nil {
				finish()
			}
		} else {
			dispatched = true
		}
		s.log.Error("job dispatch panicked",
			logx.String("job", name),
			logx.Any("panic", r),
			logx.Stack(string(debug.Stack())),
		)
		s.bus.Publish(eventbus.Event{Type: EventJobFailed, Time: now, Data: JobEvent{Job: name, Err: fmt.Sprint(r)}})
	}()

	s.mu.Lock()
	if !d.due(now) {
		s.mu.Unlock()
		return false
	}
	d.running = true
	d.startedAt = now
	s.mu.Unlock()

	runID := s.newRunID()
	s.mu.Lock()
	d.runID = runID
	job := d.job
	s.mu.Unlock()

	s.inflight.Add(1)
	finish = sync.OnceFunc(s.inflight.Done)
	s.spawner.Go0("job:"+job.Name, func(context.Context) {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		defer finish()
		s.execute(ctx, d, job, runID, now)
	})
	return true
}

func (s *Scheduler) execute(ctx context.Context, d *descriptor, job Job, runID string, startedAt time.Time) {
	log := s.log.With(logx.String("job", job.Name), logx.String("run_id", runID))

	for _, o := range s.observers {
		s.guardObserver(job.Name, func() { o.JobStarted(job.Name, startedAt) })
	}
	s.bus.Publish(eventbus.Event{Type: EventJobStarted, Time: startedAt, Data: JobEvent{Job: job.Name, RunID: runID}})

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	err, panicked := invoke(runCtx, job, log)

	finished := s.clock.Now()
	dur := finished.Sub(startedAt)

	s.mu.Lock()
	d.lastRunAt = finished
	d.running = false
	d.startedAt = time.Time{}
	d.runs++
	d.lastDuration = dur
	if err != nil {
		d.failures++
		d.lastErr = err.Error()
	} else {
		d.lastErr = ""
	}
	s.mu.Unlock()

	res := RunResult{
		RunID:      runID,
		Job:        job.Name,
		StartedAt:  startedAt,
		FinishedAt: finished,
		Duration:   dur,
		Err:        err,
		Panicked:   panicked,
	}
	ev := JobEvent{Job: job.Name, RunID: runID, Duration: dur}
	if err != nil {
		log.Warn("job failed", logx.Duration("took", dur), logx.Err(err))
		ev.Err = err.Error()
		s.bus.Publish(eventbus.Event{Type: EventJobFailed, Time: finished, Data: ev})
	} else {
		log.Debug("job ran", logx.Duration("took", dur))
		s.bus.Publish(eventbus.Event{Type: EventJobFinished, Time: finished, Data: ev})
	}
	for _, o := range s.observers {
		s.guardObserver(job.Name, func() { o.JobFinished(res) })
	}
}

func invoke(ctx context.Context, job Job, log logx.Logger) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			panicked = true
		}
	}()
	return job.Runnable.Run(ctx, job.Config), false
}

func (s *Scheduler) guardObserver(job string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panicked", logx.String("job", job), logx.Any("panic", r))
		}
	}()
	fn()
}
