package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"pollsched/internal/jobs"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

type sysStatsConfig struct {
	MaxMemPercent float64 `json:"max_mem_percent"`
	MaxLoad1      float64 `json:"max_load1"`
}

// Probes are package vars so tests can stub the host.
var (
	virtualMemory = mem.VirtualMemoryWithContext
	loadAvg       = load.AvgWithContext
)

func newSysStats(d jobs.Deps) (scheduler.Runnable, error) {
	log := d.Log.With(logx.String("kind", KindSysStats))
	return scheduler.RunnableFunc(func(ctx context.Context, raw json.RawMessage) error {
		var cfg sysStatsConfig
		if err := jobs.DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		vm, err := virtualMemory(ctx)
		if err != nil {
			return fmt.Errorf("sysstats: memory: %w", err)
		}
		fields := []logx.Field{
			logx.Float64("mem_used_percent", vm.UsedPercent),
			logx.Uint64("mem_available", vm.Available),
		}
		var errs []error
		la, lerr := loadAvg(ctx)
		if lerr == nil {
			fields = append(fields, logx.Float64("load1", la.Load1), logx.Float64("load5", la.Load5))
		} else if cfg.MaxLoad1 > 0 {
			errs = append(errs, fmt.Errorf("sysstats: load: %w", lerr))
		}
		log.Debug("system stats", fields...)

		if cfg.MaxMemPercent > 0 && vm.UsedPercent > cfg.MaxMemPercent {
			errs = append(errs, fmt.Errorf("%w: memory %.1f%% > %.1f%%", ErrThreshold, vm.UsedPercent, cfg.MaxMemPercent))
		}
		if lerr == nil && cfg.MaxLoad1 > 0 && la.Load1 > cfg.MaxLoad1 {
			errs = append(errs, fmt.Errorf("%w: load1 %.2f > %.2f", ErrThreshold, la.Load1, cfg.MaxLoad1))
		}
		return errors.Join(errs...)
	}), nil
}
