package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsched/internal/config"
	"pollsched/internal/jobs"
	"pollsched/internal/jobs/builtin"
	"pollsched/internal/task/scheduler"
	"pollsched/internal/testutil"
	logx "pollsched/pkg/logx"
)

func services(t *testing.T, raw string) *config.SchedulerConfig {
	t.Helper()
	cfg, err := config.ParseBytes("inline.json", []byte(`{"scheduler": {"services": `+raw+`}}`))
	require.NoError(t, err)
	return cfg.Scheduler
}

func TestPlanJobs(t *testing.T) {
	log, buf := testutil.NewLogger()
	sc := services(t, `[
		{"name": "beat", "kind": "heartbeat", "interval_ms": 1000, "config": {"message": "hi"}},
		{"name": "legacy", "file": "jobs/heartbeat.js", "interval": 2000},
		{"name": "every", "kind": "heartbeat", "every": "@every 90s", "timeout": "5s"},
		{"name": "off", "kind": "heartbeat", "interval_ms": 1000, "enabled": false},
		{"name": "ghost", "kind": "nope", "interval_ms": 1000},
		{"name": "cron", "kind": "heartbeat", "every": "*/5 * * * *"},
		{"name": "fast", "kind": "heartbeat", "interval_ms": 10}
	]`)

	planned, rejected := PlanJobs(sc, builtin.Default(), jobs.Deps{Log: log}, log)

	names := make([]string, 0, len(planned))
	for _, j := range planned {
		names = append(names, j.Name)
	}
	// "fast" is left for the scheduler to reject on its interval.
	assert.Equal(t, []string{"beat", "legacy", "every", "fast"}, names)
	assert.Equal(t, time.Second, planned[0].Interval)
	assert.JSONEq(t, `{"message": "hi"}`, string(planned[0].Config))
	assert.Equal(t, 2*time.Second, planned[1].Interval)
	assert.Equal(t, 90*time.Second, planned[2].Interval)
	assert.Equal(t, 5*time.Second, planned[2].Timeout)

	require.Len(t, rejected, 2)
	assert.Equal(t, "ghost", rejected[0].Name)
	assert.Equal(t, ReasonUnknownKind, rejected[0].Reason)
	assert.ErrorIs(t, rejected[0].Err, jobs.ErrUnknownKind)
	assert.Equal(t, "cron", rejected[1].Name)
	assert.ErrorIs(t, rejected[1].Err, scheduler.ErrNotInterval)
	assert.Len(t, buf.Find("warn", "Bad service configuration provided"), 2)

	s := scheduler.New(scheduler.Config{}, planned, scheduler.WithLogger(logx.Nop()))
	require.Len(t, s.Rejected(), 1)
	assert.Equal(t, "fast", s.Rejected()[0].Name)

	none, rej := PlanJobs(nil, builtin.Default(), jobs.Deps{}, log)
	assert.Nil(t, none)
	assert.Nil(t, rej)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "pollsched.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestAppRunsJobsAndServesDebug(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, `{
		"logging": {"level": "debug"},
		"scheduler": {
			"interval_ms": 200,
			"shutdown_timeout": "2s",
			"services": [
				{"name": "beat", "kind": "heartbeat", "interval_ms": 1000},
				{"name": "ghost", "kind": "nope", "interval_ms": 1000},
				{"name": "fast", "kind": "heartbeat", "interval_ms": 5}
			]
		},
		"storage": {"driver": "file", "path": "`+filepath.ToSlash(filepath.Join(dir, "hist"))+`"},
		"debug": {"enabled": true, "addr": "127.0.0.1:0"}
	}`)

	log, buf := testutil.NewLogger()
	a, err := New(cfgPath, WithLogger(log))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		runs, err := a.Store().RecentRuns(context.Background(), "beat", 5)
		return err == nil && len(runs) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.True(t, a.Healthy())

	var addr string
	require.Eventually(t, func() bool {
		addr = a.DebugAddr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/jobs")
	require.NoError(t, err)
	var view struct {
		Scheduler scheduler.Snapshot `json:"scheduler"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_ = resp.Body.Close()
	require.Len(t, view.Scheduler.Jobs, 1)
	assert.Equal(t, "beat", view.Scheduler.Jobs[0].Name)
	assert.Len(t, view.Scheduler.Rejected, 1)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `pollsched_job_runs_total{job="beat",outcome="ok"}`)
	assert.Contains(t, string(body), `pollsched_jobs_rejected_total{reason="unknown_kind"} 1`)
	assert.Contains(t, string(body), `pollsched_jobs_rejected_total{reason="interval_too_short"} 1`)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.False(t, a.Healthy())
	assert.NotEmpty(t, buf.Find("info", "stopped"))
}

func TestAppWithoutScheduler(t *testing.T) {
	cfgPath := writeConfig(t, `{"logging": {"level": "info"}}`)
	log, buf := testutil.NewLogger()
	a, err := New(cfgPath, WithLogger(log))
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Healthy())
	assert.NotEmpty(t, buf.Find("info", "scheduler not configured"))
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(writeConfig(t, `{"scheduler": {"poll_interval": "soon"}}`), WithLogger(logx.Nop()))
	require.Error(t, err)

	_, err = New(writeConfig(t, `{"logging": {"telegram": {"enabled": true}}}`), WithLogger(logx.Nop()))
	require.Error(t, err)
}

func TestWatchdogStatus(t *testing.T) {
	assert.Equal(t, "0 jobs, 0 running, last tick never", watchdogStatus(scheduler.Snapshot{}))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := scheduler.Snapshot{
		LastTick: at,
		Jobs:     []scheduler.JobInfo{{Name: "a", Running: true}, {Name: "b"}},
	}
	assert.Equal(t, "2 jobs, 1 running, last tick 2026-01-02T03:04:05Z", watchdogStatus(snap))
}
