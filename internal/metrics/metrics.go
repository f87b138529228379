// Package metrics exposes scheduler activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pollsched/internal/task/scheduler"
)

// Metrics owns a private registry so several schedulers (tests, embedded
// use) never collide on the global one.
type Metrics struct {
	reg *prometheus.Registry

	runs       *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	running    *prometheus.GaugeVec
	ticks      prometheus.Counter
	registered prometheus.Gauge
	rejected   *prometheus.CounterVec
}

var _ scheduler.Observer = (*Metrics)(nil)
var _ scheduler.TickObserver = (*Metrics)(nil)

// New builds the collectors. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pollsched_job_runs_total",
			Help: "Finished job runs by job and outcome (ok, error, panic).",
		}, []string{"job", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pollsched_job_duration_seconds",
			Help:    "Job run duration in seconds.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"job"}),
		running: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pollsched_job_running",
			Help: "1 while a run of the job is in flight.",
		}, []string{"job"}),
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "pollsched_ticks_total",
			Help: "Poll loop iterations.",
		}),
		registered: f.NewGauge(prometheus.GaugeOpts{
			Name: "pollsched_jobs_registered",
			Help: "Jobs accepted at registration.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pollsched_jobs_rejected_total",
			Help: "Jobs excluded at registration by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registration records the outcome of scheduler registration and of job
// construction (unknown kinds etc.), which never reaches the scheduler.
func (m *Metrics) Registration(accepted int, rejected []scheduler.Rejection) {
	m.registered.Set(float64(accepted))
	for _, r := range rejected {
		m.rejected.WithLabelValues(r.Reason).Inc()
	}
}

func (m *Metrics) Tick(time.Time) { m.ticks.Inc() }

func (m *Metrics) JobStarted(job string, _ time.Time) {
	m.running.WithLabelValues(job).Set(1)
}

func (m *Metrics) JobFinished(res scheduler.RunResult) {
	outcome := "ok"
	switch {
	case res.Panicked:
		outcome = "panic"
	case res.Err != nil:
		outcome = "error"
	}
	m.runs.WithLabelValues(res.Job, outcome).Inc()
	m.duration.WithLabelValues(res.Job).Observe(res.Duration.Seconds())
	m.running.WithLabelValues(res.Job).Set(0)
}
