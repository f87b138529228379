package builtin

import (
	"context"
	"encoding/json"
	"strings"

	"pollsched/internal/jobs"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

type heartbeatConfig struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// heartbeat logs a line every run. Useful to prove the loop is alive.
func newHeartbeat(d jobs.Deps) (scheduler.Runnable, error) {
	log := d.Log.With(logx.String("kind", KindHeartbeat))
	return scheduler.RunnableFunc(func(ctx context.Context, raw json.RawMessage) error {
		cfg := heartbeatConfig{Message: "heartbeat"}
		if err := jobs.DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
		case "debug":
			log.Debug(cfg.Message)
		case "warn":
			log.Warn(cfg.Message)
		default:
			log.Info(cfg.Message)
		}
		return ctx.Err()
	}), nil
}
