package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	logx "pollsched/pkg/logx"
)

// Validate performs static checks that do not depend on the job registry.
// Per-job problems (short interval, unknown kind) are not errors here: the
// scheduler excludes those jobs with a warning and keeps the rest.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if tg := cfg.Logging.Telegram; tg.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required when logging.telegram.enabled"))
		}
		if tg.ChatID == 0 {
			errs = append(errs, errors.New("logging.telegram.chat_id: required when enabled"))
		}
		if _, ok := logx.ParseLevel(tg.MinLevel); !ok {
			errs = append(errs, fmt.Errorf("logging.telegram.min_level: unknown level %q", tg.MinLevel))
		}
	}

	if sc := cfg.Scheduler; sc != nil {
		if _, err := sc.PollIntervalOr(0); err != nil {
			errs = append(errs, err)
		}
		if _, err := sc.ShutdownTimeoutOr(0); err != nil {
			errs = append(errs, err)
		}
		for i, svc := range sc.Services {
			path := fmt.Sprintf("scheduler.services[%d]", i)
			if _, err := ParseDurationField(path+".timeout", svc.Timeout); err != nil {
				errs = append(errs, err)
			}
			if svc.IntervalMillis() < 0 {
				errs = append(errs, fmt.Errorf("%s.interval_ms: must be >= 0", path))
			}
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q (use none|file|sqlite)", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			errs = append(errs, err)
		}
	}

	if d := cfg.Debug; d.Enabled {
		if addr := strings.TrimSpace(d.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("debug.addr: %w", err))
			}
		}
		if _, err := ParseDurationField("debug.read_timeout", d.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("debug.idle_timeout", d.IdleTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
