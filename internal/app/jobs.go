package app

import (
	"errors"
	"fmt"
	"time"

	"pollsched/internal/config"
	"pollsched/internal/jobs"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

// Rejection reasons added on top of the scheduler's own.
const (
	ReasonUnknownKind = "unknown_kind"
	ReasonBuildFailed = "build_failed"
	ReasonBadConfig   = "invalid"
)

// PlanJobs resolves the configured services into scheduler jobs. Services
// that cannot be resolved (unknown kind, bad interval syntax) are returned
// as rejections; interval bounds are left to the scheduler. Disabled
// services are skipped silently.
func PlanJobs(sc *config.SchedulerConfig, reg *jobs.Registry, deps jobs.Deps, log logx.Logger) ([]scheduler.Job, []scheduler.Rejection) {
	if sc == nil {
		return nil, nil
	}
	var (
		out      []scheduler.Job
		rejected []scheduler.Rejection
	)
	reject := func(name, reason string, err error) {
		rejected = append(rejected, scheduler.Rejection{Name: name, Reason: reason, Err: err})
		log.Warn("Bad service configuration provided", logx.String("job", name), logx.String("reason", reason), logx.Err(err))
	}

	for i, svc := range sc.Services {
		if !svc.IsEnabled() {
			log.Debug("service disabled", logx.String("job", svc.Name))
			continue
		}
		path := fmt.Sprintf("scheduler.services[%d]", i)

		kind := svc.ResolvedKind()
		rn, err := reg.Build(kind, deps.ForJob(svc.Name))
		if err != nil {
			reason := ReasonBuildFailed
			if errors.Is(err, jobs.ErrUnknownKind) {
				reason = ReasonUnknownKind
			}
			reject(svc.Name, reason, err)
			continue
		}

		interval, err := serviceInterval(path, svc)
		if err != nil {
			reject(svc.Name, ReasonBadConfig, err)
			continue
		}
		timeout, err := config.ParseDurationField(path+".timeout", svc.Timeout)
		if err != nil {
			reject(svc.Name, ReasonBadConfig, err)
			continue
		}

		out = append(out, scheduler.Job{
			Name:     svc.Name,
			Runnable: rn,
			Config:   svc.Config,
			Interval: interval,
			Timeout:  timeout,
		})
	}
	return out, rejected
}

func serviceInterval(path string, svc config.ServiceConfig) (time.Duration, error) {
	if ms := svc.IntervalMillis(); ms != 0 {
		return config.Millis(path+".interval_ms", ms)
	}
	if svc.Every == "" {
		return 0, nil
	}
	d, err := scheduler.ParseEvery(svc.Every)
	if err != nil {
		return 0, fmt.Errorf("%s.every: %w", path, err)
	}
	return d, nil
}
