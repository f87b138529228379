package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsched/internal/eventbus"
	"pollsched/internal/testutil"
)

var epoch = time.Unix(1_700_000_000, 0)

type counter struct {
	calls atomic.Int32
	err   error
}

func (c *counter) Run(context.Context, json.RawMessage) error {
	c.calls.Add(1)
	return c.err
}

func newTestScheduler(t *testing.T, poll time.Duration, jobs []Job, opts ...Option) (*Scheduler, *testutil.MockClock) {
	t.Helper()
	clk := testutil.NewMockClock(epoch)
	log, _ := testutil.NewLogger()
	opts = append([]Option{WithClock(clk), WithLogger(log)}, opts...)
	return New(Config{PollInterval: poll}, jobs, opts...), clk
}

// step runs one poll at the clock's current time and waits for the jobs it
// dispatched.
func step(s *Scheduler) {
	s.tick()
	s.inflight.Wait()
}

func job(name string, every time.Duration, r Runnable) Job {
	return Job{Name: name, Interval: every, Runnable: r}
}

func TestNewRejectsShortIntervalWithWarning(t *testing.T) {
	clk := testutil.NewMockClock(epoch)
	log, logs := testutil.NewLogger()
	ok := &counter{}
	s := New(Config{}, []Job{
		job("fast", 999*time.Millisecond, &counter{}),
		job("", time.Second, &counter{}),
		{Name: "nil-runnable", Interval: time.Second},
		job("ok", time.Second, ok),
	}, WithClock(clk), WithLogger(log))

	rej := s.Rejected()
	require.Len(t, rej, 3)
	assert.Equal(t, "fast", rej[0].Name)
	assert.ErrorIs(t, rej[0].Err, ErrIntervalTooShort)
	assert.ErrorIs(t, rej[1].Err, ErrNameRequired)
	assert.ErrorIs(t, rej[2].Err, ErrNoRunnable)
	assert.Len(t, logs.Find("warn", "Bad service configuration"), 3)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, "ok", snap.Jobs[0].Name)
	assert.Equal(t, DefaultPollInterval, snap.PollInterval)

	step(s)
	assert.Equal(t, int32(1), ok.calls.Load())
}

func TestMinimumIntervalIsAccepted(t *testing.T) {
	s, _ := newTestScheduler(t, 0, []Job{job("edge", MinInterval, &counter{})})
	assert.Empty(t, s.Rejected())
	assert.Len(t, s.Snapshot().Jobs, 1)
}

func TestFirstPollRunsEveryJob(t *testing.T) {
	a, b := &counter{}, &counter{}
	s, _ := newTestScheduler(t, time.Second, []Job{
		job("a", time.Hour, a),
		job("b", 24*time.Hour, b),
	})
	step(s)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestDueBoundaryIsInclusive(t *testing.T) {
	c := &counter{}
	s, clk := newTestScheduler(t, 100*time.Millisecond, []Job{job("a", time.Second, c)})

	step(s)
	require.Equal(t, int32(1), c.calls.Load())

	clk.Advance(999 * time.Millisecond)
	step(s)
	assert.Equal(t, int32(1), c.calls.Load(), "not due before interval")

	clk.Advance(time.Millisecond)
	step(s)
	assert.Equal(t, int32(2), c.calls.Load(), "due exactly at interval")
}

func TestOncePerWindowWithFastPoll(t *testing.T) {
	c := &counter{}
	s, clk := newTestScheduler(t, 200*time.Millisecond, []Job{job("a", time.Second, c)})

	for i := 0; i <= 10; i++ { // 0..2000ms
		step(s)
		clk.Advance(200 * time.Millisecond)
	}
	assert.Equal(t, int32(3), c.calls.Load())
}

func TestIndependentIntervals(t *testing.T) {
	a, b := &counter{}, &counter{}
	s, clk := newTestScheduler(t, 500*time.Millisecond, []Job{
		job("A", time.Second, a),
		job("B", 5*time.Second, b),
	})

	for i := 0; i < 10; i++ { // 0..4500ms
		step(s)
		clk.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, int32(5), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
}

type blocker struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blocker) Run(ctx context.Context, _ json.RawMessage) error {
	b.calls.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestNoOverlapWhileRunning(t *testing.T) {
	b := newBlocker()
	s, clk := newTestScheduler(t, time.Second, []Job{job("slow", time.Second, b)})

	s.tick()
	<-b.started
	for i := 0; i < 5; i++ {
		clk.Advance(2 * time.Second)
		s.tick()
	}
	assert.Equal(t, int32(1), b.calls.Load())

	snap := s.Snapshot()
	require.True(t, snap.Jobs[0].Running)
	assert.Equal(t, epoch, snap.Jobs[0].RunningSince)

	close(b.release)
	s.inflight.Wait()
	assert.False(t, s.Snapshot().Jobs[0].Running)

	clk.Advance(time.Second)
	s.tick()
	<-b.started
	s.inflight.Wait()
	assert.Equal(t, int32(2), b.calls.Load())
}

func TestFailedJobRetriesOnNextDueTick(t *testing.T) {
	c := &counter{err: errors.New("upstream down")}
	clk := testutil.NewMockClock(epoch)
	log, logs := testutil.NewLogger()
	s := New(Config{PollInterval: time.Second}, []Job{job("flaky", time.Second, c)}, WithClock(clk), WithLogger(log))

	step(s)
	clk.Advance(time.Second)
	step(s)

	assert.Equal(t, int32(2), c.calls.Load())
	warns := logs.Find("warn", "job failed")
	require.Len(t, warns, 2)
	assert.Equal(t, "flaky", warns[0]["job"])
	assert.Equal(t, "upstream down", warns[0]["err"])

	info := s.Snapshot().Jobs[0]
	assert.Equal(t, uint64(2), info.Failures)
	assert.Equal(t, "upstream down", info.LastError)
	assert.Equal(t, epoch.Add(time.Second), info.LastRunAt)
	assert.False(t, info.Running)
}

type panicSpawner struct {
	target string
	calls  atomic.Int32
}

func (p *panicSpawner) Go0(name string, fn func(ctx context.Context)) {
	if name == "job:"+p.target {
		p.calls.Add(1)
		panic("spawn failed")
	}
	go fn(context.Background())
}

func TestDispatchPanicDoesNotStopOtherJobs(t *testing.T) {
	b := &counter{}
	sp := &panicSpawner{target: "A"}
	clk := testutil.NewMockClock(epoch)
	log, logs := testutil.NewLogger()
	s := New(Config{PollInterval: time.Second}, []Job{
		job("A", time.Second, &counter{}),
		job("B", time.Second, b),
	}, WithClock(clk), WithLogger(log), WithSpawner(sp))

	step(s)
	assert.Equal(t, int32(1), b.calls.Load())
	assert.False(t, s.Snapshot().Jobs[0].Running, "running flag reset after dispatch panic")
	assert.NotEmpty(t, logs.Find("error", "dispatch panicked"))

	// A was never completed, so it stays due and is retried on the next poll.
	step(s)
	assert.Equal(t, int32(2), sp.calls.Load())
}

func TestJobPanicIsAFailure(t *testing.T) {
	s, clk := newTestScheduler(t, time.Second, []Job{
		job("bad", time.Second, RunnableFunc(func(context.Context, json.RawMessage) error { panic("boom") })),
	})

	step(s)
	info := s.Snapshot().Jobs[0]
	assert.False(t, info.Running)
	assert.Equal(t, uint64(1), info.Failures)
	assert.Contains(t, info.LastError, "boom")

	clk.Advance(time.Second)
	step(s)
	assert.Equal(t, uint64(2), s.Snapshot().Jobs[0].Runs)
}

func TestConfigForwardedVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"url": "http://example.invalid", "n": 3}`)
	var got json.RawMessage
	s, _ := newTestScheduler(t, time.Second, []Job{{
		Name:     "cfg",
		Interval: time.Second,
		Config:   raw,
		Runnable: RunnableFunc(func(_ context.Context, cfg json.RawMessage) error {
			got = cfg
			return nil
		}),
	}})
	step(s)
	assert.Equal(t, string(raw), string(got))
}

func TestTimeoutSetsDeadline(t *testing.T) {
	var hadDeadline bool
	s, _ := newTestScheduler(t, time.Second, []Job{{
		Name:     "bounded",
		Interval: time.Second,
		Timeout:  time.Minute,
		Runnable: RunnableFunc(func(ctx context.Context, _ json.RawMessage) error {
			_, hadDeadline = ctx.Deadline()
			return nil
		}),
	}})
	step(s)
	assert.True(t, hadDeadline)
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []RunResult
	ticks    int
}

func (r *recordingObserver) JobStarted(job string, _ time.Time) {
	r.mu.Lock()
	r.started = append(r.started, job)
	r.mu.Unlock()
}

func (r *recordingObserver) JobFinished(res RunResult) {
	r.mu.Lock()
	r.finished = append(r.finished, res)
	r.mu.Unlock()
}

func (r *recordingObserver) Tick(time.Time) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	ids := 0
	s, _ := newTestScheduler(t, time.Second, []Job{
		job("ok", time.Second, &counter{}),
		job("bad", time.Second, &counter{err: errors.New("x")}),
	}, WithObserver(obs), withRunID(func() string {
		ids++
		return "run-" + string(rune('0'+ids))
	}))

	step(s)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.ticks)
	assert.ElementsMatch(t, []string{"ok", "bad"}, obs.started)
	require.Len(t, obs.finished, 2)
	for _, res := range obs.finished {
		assert.NotEmpty(t, res.RunID)
		assert.Equal(t, res.Job == "ok", res.OK())
	}
}

func TestRunLoopTicksAndStops(t *testing.T) {
	bus := eventbus.New()
	ticks, unsub := bus.Subscribe(64)
	defer unsub()

	c := &counter{}
	s, clk := newTestScheduler(t, 500*time.Millisecond, []Job{job("a", time.Second, c)}, WithBus(bus))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)
	s.Start(ctx) // no-op

	waitTick := func() {
		t.Helper()
		for {
			select {
			case e := <-ticks:
				if e.Type == EventTick {
					return
				}
			case <-ctx.Done():
				t.Fatal("timed out waiting for tick")
			}
		}
	}

	waitTick() // immediate first poll
	for i := 0; i < 3; i++ {
		require.True(t, clk.WaitForTimers(1, 2*time.Second))
		clk.Advance(500 * time.Millisecond)
		waitTick()
	}
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, uint64(4), s.Snapshot().Ticks)
	assert.False(t, s.Snapshot().Running)

	clk.Advance(10 * time.Second)
	assert.Equal(t, uint64(4), s.Snapshot().Ticks, "no polls after Stop")
	assert.GreaterOrEqual(t, c.calls.Load(), int32(1))
}

func TestRunReturnsOnContextEnd(t *testing.T) {
	s, _ := newTestScheduler(t, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStopCancelsInFlightJobs(t *testing.T) {
	b := newBlocker()
	s, _ := newTestScheduler(t, time.Second, []Job{job("slow", time.Second, b)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Start(ctx)
	<-b.started

	require.NoError(t, s.Stop(ctx))
	info := s.Snapshot().Jobs[0]
	assert.False(t, info.Running)
	assert.Contains(t, info.LastError, "context canceled")
}

func TestRunContextEndReleasesLoop(t *testing.T) {
	s, _ := newTestScheduler(t, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Snapshot().Running }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, s.Snapshot().Running)

	// The scheduler can be run again once the previous loop ended.
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.Snapshot().Running }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second Run did not return")
	}
	assert.False(t, s.Snapshot().Running)
	assert.NoError(t, s.Stop(context.Background()), "Stop after the loop ended")
}

func TestStartContextEndReleasesLoop(t *testing.T) {
	s, _ := newTestScheduler(t, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.True(t, s.Snapshot().Running)

	cancel()
	require.Eventually(t, func() bool { return !s.Snapshot().Running }, 2*time.Second, 5*time.Millisecond)

	s.Start(context.Background())
	assert.True(t, s.Snapshot().Running)
	require.NoError(t, s.Stop(context.Background()))
}

// lateFailSpawner starts fn and panics once the job is already executing.
type lateFailSpawner struct {
	started <-chan struct{}
}

func (sp lateFailSpawner) Go0(_ string, fn func(ctx context.Context)) {
	go fn(context.Background())
	<-sp.started
	panic("spawner failed after start")
}

func TestDispatchPanicAfterStartKeepsRunning(t *testing.T) {
	b := newBlocker()
	s, clk := newTestScheduler(t, time.Second, []Job{job("slow", time.Second, b)},
		WithSpawner(lateFailSpawner{started: b.started}))

	s.tick()
	require.True(t, s.Snapshot().Jobs[0].Running, "the run is still in flight")

	clk.Advance(2 * time.Second)
	s.tick()
	assert.Equal(t, int32(1), b.calls.Load(), "no second invocation while the first runs")

	close(b.release)
	s.inflight.Wait()
	info := s.Snapshot().Jobs[0]
	assert.False(t, info.Running)
	assert.Equal(t, uint64(1), info.Runs)
}
