package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pollsched/internal/config"
	"pollsched/internal/debug"
	"pollsched/internal/eventbus"
	"pollsched/internal/jobs"
	"pollsched/internal/jobs/builtin"
	"pollsched/internal/metrics"
	rtsup "pollsched/internal/runtime/supervisor"
	"pollsched/internal/storage"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
	"pollsched/pkg/systemd"
)

const defaultShutdownTimeout = 10 * time.Second

type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Metrics
	sched   *scheduler.Scheduler
	debug   *debug.Server
	notify  *systemd.Notifier

	// sup owns app loops; jobSup owns job goroutines and never cancels the app.
	sup    *rtsup.Supervisor
	jobSup *rtsup.Supervisor

	schedEnabled bool
	shutdown     time.Duration
}

// Option customizes New (tests).
type Option func(*options)

type options struct {
	registry *jobs.Registry
	log      *logx.Logger
}

// WithRegistry replaces the built-in job kinds.
func WithRegistry(r *jobs.Registry) Option { return func(o *options) { o.registry = r } }

// WithLogger bypasses the logging service, for tests that capture output.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = &l } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.registry == nil {
		o.registry = builtin.Default()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.log != nil {
		log = *o.log
	} else {
		sender, err := newAlertSender(cfg)
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		logSvc, log = logx.New(mapLoggingConfig(cfg), sender)
	}
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, retention, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	m := metrics.New(true)

	shutdown, err := cfg.Scheduler.ShutdownTimeoutOr(defaultShutdownTimeout)
	if err != nil {
		return nil, err
	}
	poll, err := cfg.Scheduler.PollIntervalOr(scheduler.DefaultPollInterval)
	if err != nil {
		return nil, err
	}

	jobSup := rtsup.New(context.Background(),
		rtsup.WithLogger(log.With(logx.String("comp", "jobs"))),
		rtsup.WithCancelOnError(false),
	)
	deps := jobs.Deps{
		Log:       log.With(logx.String("comp", "job")),
		Store:     store,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Spawner:   jobSup,
		Retention: retention,
	}
	planned, unresolved := PlanJobs(cfg.Scheduler, o.registry, deps, log.With(logx.String("comp", "scheduler")))

	observers := []scheduler.Observer{m}
	if store != nil {
		observers = append(observers, storage.NewHistoryObserver(store, log.With(logx.String("comp", "history")), 0))
	}
	sched := scheduler.New(scheduler.Config{PollInterval: poll}, planned,
		scheduler.WithLogger(log),
		scheduler.WithBus(bus),
		scheduler.WithSpawner(jobSup),
		scheduler.WithObserver(observers...),
	)
	rejected := append(unresolved, sched.Rejected()...)
	m.Registration(len(sched.Snapshot().Jobs), rejected)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		metrics:      m,
		sched:        sched,
		notify:       systemd.NewNotifier(),
		jobSup:       jobSup,
		schedEnabled: cfg.Scheduler != nil,
		shutdown:     shutdown,
	}
	a.debug = debug.New(dcfg, debug.Sources{
		Metrics: m.Handler(),
		Jobs:    a.jobsView,
		Healthy: a.Healthy,
	}, log)
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// DebugAddr is the debug server's bound address ("" when disabled).
func (a *App) DebugAddr() string { return a.debug.Addr() }

// Done is closed when the app supervisor is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Healthy reports whether the poll loop is alive: it ticked within three
// poll intervals. An unconfigured scheduler is always healthy.
func (a *App) Healthy() bool {
	if !a.schedEnabled {
		return true
	}
	snap := a.sched.Snapshot()
	if !snap.Running {
		return false
	}
	if snap.LastTick.IsZero() {
		return true
	}
	return time.Since(snap.LastTick) <= 3*snap.PollInterval
}

// watchdogStatus is the one-line summary shown by `systemctl status`.
func watchdogStatus(snap scheduler.Snapshot) string {
	running := 0
	for _, j := range snap.Jobs {
		if j.Running {
			running++
		}
	}
	last := "never"
	if !snap.LastTick.IsZero() {
		last = snap.LastTick.Format(time.RFC3339)
	}
	return fmt.Sprintf("%d jobs, %d running, last tick %s", len(snap.Jobs), running, last)
}

type jobsView struct {
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Goroutines rtsup.Snapshot     `json:"goroutines"`
	Jobs       rtsup.Snapshot     `json:"job_goroutines"`
}

func (a *App) jobsView() any {
	v := jobsView{Scheduler: a.sched.Snapshot(), Jobs: a.jobSup.Snapshot()}
	if a.sup != nil {
		v.Goroutines = a.sup.Snapshot()
	}
	return v
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapDebugConfig(cfg)
		return err
	})

	if a.schedEnabled {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Info("scheduler not configured; no jobs will run")
	}

	a.debug.Start(a.sup.Context())

	// Bus events go to trace; a fast poller would flood debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := a.notify.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	if wd := a.notify.WatchdogInterval(); wd > 0 {
		a.log.Info("systemd watchdog enabled", logx.Duration("every", wd))
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return a.notify.RunWatchdog(c, a.Healthy, func() string { return watchdogStatus(a.sched.Snapshot()) })
		})
	}

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies logging and the debug server. Everything else is
// read once at startup.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Apply(ctx, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if restart {
		a.log.Warn("config change requires restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.notify.Stopping()

	a.sup.Cancel()

	// step bounds each shutdown phase; a stuck component only costs its slot.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", a.shutdown, a.sched.Stop)
	step("jobs", time.Second, a.jobSup.Stop)
	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}
