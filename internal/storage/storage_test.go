package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

var base = time.UnixMilli(1_700_000_000_000)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	ext := map[string]string{"file": ".jsonl", "sqlite": ".db"}[driver]
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "runs"+ext)}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func rec(id, job string, finishedOffset time.Duration, ok bool) RunRecord {
	r := RunRecord{
		ID:         id,
		Job:        job,
		StartedAt:  base.Add(finishedOffset - time.Second),
		FinishedAt: base.Add(finishedOffset),
		DurationMS: 1000,
		OK:         ok,
	}
	if !ok {
		r.Error = "failed"
	}
	return r
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestStoreDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st := openDriver(t, driver)

			require.NoError(t, st.AppendRun(ctx, rec("1", "a", 0, true)))
			require.NoError(t, st.AppendRun(ctx, rec("2", "b", time.Second, false)))
			require.NoError(t, st.AppendRun(ctx, rec("3", "a", 2*time.Second, true)))

			all, err := st.RecentRuns(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"3", "2", "1"}, []string{all[0].ID, all[1].ID, all[2].ID})
			assert.Equal(t, "failed", all[1].Error)
			assert.False(t, all[1].OK)
			assert.True(t, all[0].FinishedAt.Equal(base.Add(2*time.Second)))

			onlyA, err := st.RecentRuns(ctx, "a", 1)
			require.NoError(t, err)
			require.Len(t, onlyA, 1)
			assert.Equal(t, "3", onlyA[0].ID)

			n, err := st.PruneRuns(ctx, base.Add(1500*time.Millisecond))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			left, err := st.RecentRuns(ctx, "", 10)
			require.NoError(t, err)
			require.Len(t, left, 1)
			assert.Equal(t, "3", left[0].ID)

			// Appends keep working after a prune.
			require.NoError(t, st.AppendRun(ctx, rec("4", "a", 3*time.Second, true)))
			left, err = st.RecentRuns(ctx, "a", 10)
			require.NoError(t, err)
			assert.Len(t, left, 2)
		})
	}
}

func TestClosedFileStore(t *testing.T) {
	st := openDriver(t, "file")
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.AppendRun(context.Background(), rec("1", "a", 0, true)), ErrDisabled)
}

func TestHistoryObserverPersists(t *testing.T) {
	st := openDriver(t, "file")
	obs := NewHistoryObserver(st, logx.Nop(), 0)

	obs.JobFinished(scheduler.RunResult{
		RunID:      "r1",
		Job:        "ping",
		StartedAt:  base,
		FinishedAt: base.Add(250 * time.Millisecond),
		Duration:   250 * time.Millisecond,
		Err:        errors.New("timeout"),
	})

	runs, err := st.RecentRuns(context.Background(), "ping", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.Equal(t, int64(250), runs[0].DurationMS)
	assert.Equal(t, "timeout", runs[0].Error)
	assert.False(t, runs[0].OK)
}
