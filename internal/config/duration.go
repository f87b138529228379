package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Millis converts a millisecond count from config. Negative values are errors.
func Millis(path string, ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", path)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// PollIntervalOr resolves interval_ms (or legacy interval), then
// poll_interval, then def.
func (s *SchedulerConfig) PollIntervalOr(def time.Duration) (time.Duration, error) {
	if s == nil {
		return def, nil
	}
	ms := s.IntervalMS
	if ms == 0 {
		ms = s.LegacyInterval
	}
	if ms != 0 {
		return Millis("scheduler.interval_ms", ms)
	}
	return ParseDurationOrDefault("scheduler.poll_interval", s.PollInterval, def)
}

func (s *SchedulerConfig) ShutdownTimeoutOr(def time.Duration) (time.Duration, error) {
	if s == nil {
		return def, nil
	}
	return ParseDurationOrDefault("scheduler.shutdown_timeout", s.ShutdownTimeout, def)
}
