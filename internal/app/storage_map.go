package app

import (
	"time"

	"pollsched/internal/config"
	"pollsched/internal/storage"
)

// mapStorageConfig returns the store config and the history retention.
// Bounds were already checked by config.Validate.
func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, 0, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	ret, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, 0, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, ret, nil
}
