// Package jobs resolves configured job kinds to runnables.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"pollsched/internal/storage"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

var (
	ErrUnknownKind = errors.New("unknown job kind")
	ErrKindTaken   = errors.New("job kind already registered")
)

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	Log   logx.Logger
	Store storage.Store // nil when storage is disabled
	HTTP  *http.Client
	// Spawner owns helper goroutines a job starts (speedtest pings).
	Spawner scheduler.Spawner
	// Retention is the default max age for history_prune.
	Retention time.Duration
}

// Factory builds the runnable for one configured job. It is called once per
// job at startup; the job's config is parsed by the runnable on every run.
type Factory func(d Deps) (scheduler.Runnable, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(kind string, f Factory) error {
	if kind == "" || f == nil {
		return errors.New("jobs: kind and factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrKindTaken, kind)
	}
	r.factories[kind] = f
	return nil
}

func (r *Registry) MustRegister(kind string, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// Build constructs a runnable of the given kind.
func (r *Registry) Build(kind string, d Deps) (scheduler.Runnable, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.HTTP == nil {
		d.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	rn, err := f(d)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", kind, err)
	}
	return rn, nil
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DecodeConfig strictly decodes a job's raw config into v. Empty or null
// config leaves v untouched.
func DecodeConfig(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("job config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("job config: trailing data")
	}
	return nil
}

// ForJob returns d with the logger scoped to one job.
func (d Deps) ForJob(name string) Deps {
	if !d.Log.IsZero() {
		d.Log = d.Log.With(logx.String("job", name))
	}
	return d
}
