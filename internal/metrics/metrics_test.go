package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollsched/internal/task/scheduler"
)

func value(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	fams, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
	next:
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestObserverCounts(t *testing.T) {
	m := New(false)
	m.Registration(2, []scheduler.Rejection{{Name: "fast", Reason: "interval_too_short"}})
	m.Tick(time.Now())
	m.Tick(time.Now())

	m.JobStarted("a", time.Now())
	assert.Equal(t, 1.0, value(t, m, "pollsched_job_running", map[string]string{"job": "a"}))

	m.JobFinished(scheduler.RunResult{Job: "a", Duration: 20 * time.Millisecond})
	m.JobFinished(scheduler.RunResult{Job: "a", Err: errors.New("x")})
	m.JobFinished(scheduler.RunResult{Job: "a", Err: errors.New("p"), Panicked: true})

	assert.Equal(t, 0.0, value(t, m, "pollsched_job_running", map[string]string{"job": "a"}))
	assert.Equal(t, 1.0, value(t, m, "pollsched_job_runs_total", map[string]string{"job": "a", "outcome": "ok"}))
	assert.Equal(t, 1.0, value(t, m, "pollsched_job_runs_total", map[string]string{"job": "a", "outcome": "error"}))
	assert.Equal(t, 1.0, value(t, m, "pollsched_job_runs_total", map[string]string{"job": "a", "outcome": "panic"}))
	assert.Equal(t, 3.0, value(t, m, "pollsched_job_duration_seconds", map[string]string{"job": "a"}))
	assert.Equal(t, 2.0, value(t, m, "pollsched_ticks_total", nil))
	assert.Equal(t, 2.0, value(t, m, "pollsched_jobs_registered", nil))
	assert.Equal(t, 1.0, value(t, m, "pollsched_jobs_rejected_total", map[string]string{"reason": "interval_too_short"}))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New(true)
	m.Tick(time.Now())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "pollsched_ticks_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
