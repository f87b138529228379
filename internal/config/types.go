package config

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`

	// Scheduler is optional. When omitted the scheduler is a no-op and the
	// process only runs the ambient services (debug server, config watch).
	Scheduler *SchedulerConfig `json:"scheduler,omitempty"`

	// Storage persists run history. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Debug DebugConfig `json:"debug,omitempty"`
}

// SchedulerConfig holds the poll loop and the static job list.
//
// Durations are Go duration strings (e.g. "500ms", "10s", "1m"); the *_ms
// fields take milliseconds.
//
// Legacy note: "interval" (milliseconds) is the original spelling of
// interval_ms and is still accepted.
type SchedulerConfig struct {
	IntervalMS     int64  `json:"interval_ms,omitempty"`
	LegacyInterval int64  `json:"interval,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`

	// ShutdownTimeout bounds how long Stop waits for in-flight jobs.
	// Default: 10s.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	Services []ServiceConfig `json:"services"`
}

// ServiceConfig is one entry of the job list.
//
// Example:
//
//	{ "name": "ping-api", "kind": "http_check", "interval_ms": 30000,
//	  "config": { "url": "https://api.example.com/healthz" } }
type ServiceConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	// File is the legacy locator ("jobs/http_check.js"); its base name without
	// extension is used as the kind when Kind is empty.
	File string `json:"file,omitempty"`

	IntervalMS     int64  `json:"interval_ms,omitempty"`
	LegacyInterval int64  `json:"interval,omitempty"`
	Every          string `json:"every,omitempty"`
	Timeout        string `json:"timeout,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`

	// Config is forwarded verbatim to the job on every run.
	Config json.RawMessage `json:"config,omitempty"`
}

// ResolvedKind returns Kind, or the base name of File without extension.
func (s ServiceConfig) ResolvedKind() string {
	if k := strings.TrimSpace(s.Kind); k != "" {
		return k
	}
	f := strings.TrimSpace(s.File)
	if f == "" {
		return ""
	}
	base := filepath.Base(filepath.ToSlash(f))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IntervalMillis returns interval_ms, falling back to the legacy key.
func (s ServiceConfig) IntervalMillis() int64 {
	if s.IntervalMS != 0 {
		return s.IntervalMS
	}
	return s.LegacyInterval
}

func (s ServiceConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// UnmarshalJSON keeps the raw job config byte-for-byte (json.RawMessage)
// while rejecting unknown keys at the service level.
func (s *ServiceConfig) UnmarshalJSON(b []byte) error {
	type plain ServiceConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*s = ServiceConfig(p)
	return nil
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pollsched.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	// Retention is the default max age for the history_prune job.
	Retention string `json:"retention,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (/debug/pprof/,
// /metrics, /jobs, /healthz).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// TelegramConfig is only needed when logging.telegram is enabled.
type TelegramConfig struct {
	Token string `json:"token"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log events (job failures) to a chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
