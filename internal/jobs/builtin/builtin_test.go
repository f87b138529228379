package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsched/internal/jobs"
	"pollsched/internal/storage"
	"pollsched/internal/task/scheduler"
	"pollsched/internal/testutil"
	logx "pollsched/pkg/logx"
	"pollsched/pkg/speedtest"
	"pollsched/pkg/systemd"
)

func build(t *testing.T, kind string, d jobs.Deps) scheduler.Runnable {
	t.Helper()
	rn, err := Default().Build(kind, d)
	require.NoError(t, err)
	return rn
}

func run(rn scheduler.Runnable, cfg string) error {
	var raw json.RawMessage
	if cfg != "" {
		raw = json.RawMessage(cfg)
	}
	return rn.Run(context.Background(), raw)
}

func TestDefaultKinds(t *testing.T) {
	assert.Equal(t, []string{
		KindExec, KindHeartbeat, KindHistoryPrune, KindHTTPCheck,
		KindSpeedtest, KindSysStats, KindSystemdUnit,
	}, Default().Kinds())
}

func TestHeartbeat(t *testing.T) {
	log, buf := testutil.NewLogger()
	rn := build(t, KindHeartbeat, jobs.Deps{Log: log})

	require.NoError(t, run(rn, ""))
	require.NoError(t, run(rn, `{"message": "still here", "level": "warn"}`))
	assert.Len(t, buf.Find("info", "heartbeat"), 1)
	assert.Len(t, buf.Find("warn", "still here"), 1)

	require.Error(t, run(rn, `{"msg": "typo"}`))
}

func TestHTTPCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("service ready"))
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		case "/truncated":
			w.Header().Set("Content-Length", "100")
			_, _ = w.Write([]byte("service re"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rn := build(t, KindHTTPCheck, jobs.Deps{HTTP: srv.Client()})

	require.NoError(t, run(rn, `{"url": "`+srv.URL+`/ok"}`))
	require.NoError(t, run(rn, `{"url": "`+srv.URL+`/ok", "contains": "ready"}`))
	require.NoError(t, run(rn, `{"url": "`+srv.URL+`/teapot", "expect_status": [418]}`))

	err := run(rn, `{"url": "`+srv.URL+`/missing"}`)
	require.ErrorIs(t, err, ErrThreshold)
	assert.Contains(t, err.Error(), "404")

	require.ErrorIs(t, run(rn, `{"url": "`+srv.URL+`/ok", "contains": "nope"}`), ErrThreshold)

	// A body cut short is a read failure, not a missing substring.
	err = run(rn, `{"url": "`+srv.URL+`/truncated", "contains": "ready"}`)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrThreshold)
	assert.Contains(t, err.Error(), "read body")
	require.NoError(t, run(rn, `{"url": "`+srv.URL+`/truncated"}`), "body is not read without contains")
	require.Error(t, run(rn, `{}`))
	require.Error(t, run(rn, `{"url": "`+srv.URL+`/ok", "timeout": "soon"}`))
}

func TestExec(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell commands")
	}
	rn := build(t, KindExec, jobs.Deps{})

	require.NoError(t, run(rn, `{"command": "true"}`))

	err := run(rn, `{"command": "sh -c 'echo boom >&2; exit 3'"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "exit status 3")

	require.Error(t, run(rn, `{"command": ""}`))
	require.Error(t, run(rn, `{"command": "echo 'unterminated"}`))
}

func TestExecHonorsContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell commands")
	}
	rn := build(t, KindExec, jobs.Deps{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rn.Run(ctx, json.RawMessage(`{"command": "sleep 5"}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTailString(t *testing.T) {
	assert.Equal(t, "world", tailString([]byte("hello world\n"), 6))
	assert.Equal(t, "hi", tailString([]byte(" hi "), 100))
}

type fakeMeasurer struct {
	res *speedtest.Result
	err error
	cfg speedtest.RunConfig
}

func (f *fakeMeasurer) Run(context.Context) (*speedtest.Result, error) { return f.res, f.err }

func TestSpeedtestThresholds(t *testing.T) {
	fm := &fakeMeasurer{res: &speedtest.Result{DownloadMbps: 80, UploadMbps: 20, PingMs: 15}}
	prev := newMeasurer
	newMeasurer = func(cfg speedtest.RunConfig, _ speedtest.Spawner) measurer {
		fm.cfg = cfg
		return fm
	}
	t.Cleanup(func() { newMeasurer = prev })

	rn := build(t, KindSpeedtest, jobs.Deps{})

	require.NoError(t, run(rn, `{"server_count": 3, "min_download_mbps": 50}`))
	assert.Equal(t, 3, fm.cfg.ServerCount)

	require.ErrorIs(t, run(rn, `{"min_download_mbps": 100}`), ErrThreshold)
	require.ErrorIs(t, run(rn, `{"min_upload_mbps": 25}`), ErrThreshold)
	require.ErrorIs(t, run(rn, `{"max_ping_ms": 10}`), ErrThreshold)

	fm.err = errors.New("no servers available")
	require.ErrorContains(t, run(rn, ""), "no servers available")
}

func TestSpeedtestLogsResult(t *testing.T) {
	fm := &fakeMeasurer{res: &speedtest.Result{
		DownloadMbps:  80,
		UploadMbps:    20,
		PingMs:        15,
		Jitter:        1.5,
		ISP:           "Example Net",
		ServerName:    "Example POP",
		ServerCountry: "Indonesia",
	}}
	prev := newMeasurer
	newMeasurer = func(speedtest.RunConfig, speedtest.Spawner) measurer { return fm }
	t.Cleanup(func() { newMeasurer = prev })

	log, logs := testutil.NewLogger()
	require.NoError(t, run(build(t, KindSpeedtest, jobs.Deps{Log: log}), ""))

	entries := logs.Find("info", "speedtest result")
	require.Len(t, entries, 1)
	assert.Equal(t, 1.5, entries[0]["jitter_ms"])
	assert.Equal(t, "Indonesia", entries[0]["country"])
	assert.Equal(t, "Example Net", entries[0]["isp"])
	assert.Equal(t, "Example POP", entries[0]["server"])
}

type fakeUnits struct {
	states    map[string]systemd.UnitState
	restarted []string
	closed    int
}

func (f *fakeUnits) State(_ context.Context, name string) (systemd.UnitState, error) {
	st, ok := f.states[name]
	if !ok {
		return systemd.UnitState{}, errors.New("dbus: no such unit " + name)
	}
	return st, nil
}

func (f *fakeUnits) Restart(_ context.Context, name string) error {
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakeUnits) Close() { f.closed++ }

func TestSystemdUnit(t *testing.T) {
	fu := &fakeUnits{states: map[string]systemd.UnitState{
		"nginx":   {Name: "nginx.service", LoadState: "loaded", ActiveState: "active"},
		"worker":  {Name: "worker.service", LoadState: "loaded", ActiveState: "failed"},
		"missing": {Name: "missing.service", LoadState: "not-found", ActiveState: "inactive"},
	}}
	prev := connectSystemd
	connectSystemd = func(context.Context) (unitManager, error) { return fu, nil }
	t.Cleanup(func() { connectSystemd = prev })

	rn := build(t, KindSystemdUnit, jobs.Deps{})

	require.NoError(t, run(rn, `{"units": ["nginx"]}`))

	err := run(rn, `{"units": ["nginx", "worker"]}`)
	require.ErrorIs(t, err, ErrThreshold)
	assert.Contains(t, err.Error(), "worker.service=failed")
	assert.Empty(t, fu.restarted)

	require.NoError(t, run(rn, `{"units": ["worker"], "restart": true}`))
	assert.Equal(t, []string{"worker"}, fu.restarted)

	require.ErrorContains(t, run(rn, `{"units": ["missing"], "restart": true}`), "not found")
	require.ErrorContains(t, run(rn, `{"units": ["ghost"]}`), "no such unit")
	require.Error(t, run(rn, `{}`))
	assert.Equal(t, 5, fu.closed)
}

func TestSysStats(t *testing.T) {
	prevMem, prevLoad := virtualMemory, loadAvg
	virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 72.5, Available: 1 << 30}, nil
	}
	loadAvg = func(context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 3.2, Load5: 2.0}, nil
	}
	t.Cleanup(func() { virtualMemory, loadAvg = prevMem, prevLoad })

	rn := build(t, KindSysStats, jobs.Deps{})

	require.NoError(t, run(rn, ""))
	require.NoError(t, run(rn, `{"max_mem_percent": 90, "max_load1": 4}`))
	require.ErrorIs(t, run(rn, `{"max_mem_percent": 70}`), ErrThreshold)
	require.ErrorIs(t, run(rn, `{"max_load1": 3}`), ErrThreshold)

	loadAvg = func(context.Context) (*load.AvgStat, error) { return nil, errors.New("not implemented") }
	require.NoError(t, run(rn, ""))
	require.ErrorContains(t, run(rn, `{"max_load1": 3}`), "not implemented")
}

func TestHistoryPrune(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	prev := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = prev })

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "hist")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for i, age := range []time.Duration{48 * time.Hour, 2 * time.Hour, time.Minute} {
		fin := now.Add(-age)
		require.NoError(t, st.AppendRun(ctx, storage.RunRecord{
			ID: string(rune('a' + i)), Job: "j", StartedAt: fin, FinishedAt: fin, OK: true,
		}))
	}

	rn := build(t, KindHistoryPrune, jobs.Deps{Store: st, Retention: 24 * time.Hour})
	require.NoError(t, run(rn, ""))
	left, err := st.RecentRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, left, 2)

	require.NoError(t, run(rn, `{"max_age": "1h"}`))
	left, err = st.RecentRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c", left[0].ID)

	noStore := build(t, KindHistoryPrune, jobs.Deps{})
	require.ErrorIs(t, run(noStore, ""), storage.ErrDisabled)
}
