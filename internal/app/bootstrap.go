package app

import (
	"pollsched/internal/config"
	"pollsched/internal/debug"
	"pollsched/internal/notify"
	logx "pollsched/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

// newAlertSender returns nil when Telegram alerts are off. The token and
// chat are read once; changing them needs a restart.
func newAlertSender(cfg *config.Config) (logx.Sender, error) {
	tc := cfg.Logging.Telegram
	if !tc.Enabled {
		return nil, nil
	}
	tg, err := notify.NewTelegram(notify.Config{
		Token:    cfg.Telegram.Token,
		ChatID:   tc.ChatID,
		ThreadID: tc.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	return tg, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	read, err := config.ParseDurationField("debug.read_timeout", dc.ReadTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationField("debug.idle_timeout", dc.IdleTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       dc.Enabled,
		Addr:          dc.Addr,
		Token:         dc.Token,
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}
