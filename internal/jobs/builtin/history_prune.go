package builtin

import (
	"context"
	"encoding/json"
	"time"

	"pollsched/internal/config"
	"pollsched/internal/jobs"
	"pollsched/internal/storage"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

type historyPruneConfig struct {
	MaxAge string `json:"max_age"`
}

const defaultRetention = 30 * 24 * time.Hour

// nowFunc is swapped in tests.
var nowFunc = time.Now

func newHistoryPrune(d jobs.Deps) (scheduler.Runnable, error) {
	log := d.Log.With(logx.String("kind", KindHistoryPrune))
	def := d.Retention
	if def <= 0 {
		def = defaultRetention
	}
	st := d.Store
	return scheduler.RunnableFunc(func(ctx context.Context, raw json.RawMessage) error {
		if st == nil {
			return storage.ErrDisabled
		}
		var cfg historyPruneConfig
		if err := jobs.DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		age, err := config.ParseDurationOrDefault("max_age", cfg.MaxAge, def)
		if err != nil {
			return err
		}
		n, err := st.PruneRuns(ctx, nowFunc().Add(-age))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("run history pruned", logx.Int("removed", n), logx.Duration("max_age", age))
		}
		return nil
	}), nil
}
