package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"pollsched/internal/jobs"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
	"pollsched/pkg/speedtest"
)

type speedtestConfig struct {
	ServerCount     int     `json:"server_count"`
	FullTestServers int     `json:"full_test_servers"`
	SavingMode      bool    `json:"saving_mode"`
	MaxConnections  int     `json:"max_connections"`
	MinDownloadMbps float64 `json:"min_download_mbps"`
	MinUploadMbps   float64 `json:"min_upload_mbps"`
	MaxPingMs       float64 `json:"max_ping_ms"`
}

type measurer interface {
	Run(ctx context.Context) (*speedtest.Result, error)
}

// newMeasurer is swapped in tests.
var newMeasurer = func(cfg speedtest.RunConfig, sp speedtest.Spawner) measurer {
	var opts []speedtest.Option
	if sp != nil {
		opts = append(opts, speedtest.WithSpawner(sp))
	}
	return speedtest.NewRunner(cfg, opts...)
}

func newSpeedtest(d jobs.Deps) (scheduler.Runnable, error) {
	log := d.Log.With(logx.String("kind", KindSpeedtest))
	var sp speedtest.Spawner
	if d.Spawner != nil {
		sp = speedtest.SpawnerFunc(func(name string, fn func()) {
			d.Spawner.Go0(name, func(context.Context) { fn() })
		})
	}
	return scheduler.RunnableFunc(func(ctx context.Context, raw json.RawMessage) error {
		var cfg speedtestConfig
		if err := jobs.DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		m := newMeasurer(speedtest.RunConfig{
			ServerCount:     cfg.ServerCount,
			FullTestServers: cfg.FullTestServers,
			SavingMode:      cfg.SavingMode,
			MaxConnections:  cfg.MaxConnections,
		}, sp)
		res, err := m.Run(ctx)
		if err != nil {
			return fmt.Errorf("speedtest: %w", err)
		}
		log.Info("speedtest result",
			logx.Float64("download_mbps", res.DownloadMbps),
			logx.Float64("upload_mbps", res.UploadMbps),
			logx.Float64("ping_ms", res.PingMs),
			logx.Float64("jitter_ms", res.Jitter),
			logx.String("server", res.ServerName),
			logx.String("country", res.ServerCountry),
			logx.String("isp", res.ISP),
		)
		switch {
		case cfg.MinDownloadMbps > 0 && res.DownloadMbps < cfg.MinDownloadMbps:
			return fmt.Errorf("%w: download %.1f < %.1f Mbps", ErrThreshold, res.DownloadMbps, cfg.MinDownloadMbps)
		case cfg.MinUploadMbps > 0 && res.UploadMbps < cfg.MinUploadMbps:
			return fmt.Errorf("%w: upload %.1f < %.1f Mbps", ErrThreshold, res.UploadMbps, cfg.MinUploadMbps)
		case cfg.MaxPingMs > 0 && res.PingMs > cfg.MaxPingMs:
			return fmt.Errorf("%w: ping %.0f > %.0f ms", ErrThreshold, res.PingMs, cfg.MaxPingMs)
		}
		return nil
	}), nil
}
