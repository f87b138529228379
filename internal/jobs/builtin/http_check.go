package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"pollsched/internal/config"
	"pollsched/internal/jobs"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

type httpCheckConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	// ExpectStatus lists accepted codes; empty means any 2xx.
	ExpectStatus []int `json:"expect_status"`
	// Contains, when set, must appear in the first 64KiB of the body.
	Contains string `json:"contains"`
	Timeout  string `json:"timeout"`
}

const httpBodyLimit = 64 << 10

func newHTTPCheck(d jobs.Deps) (scheduler.Runnable, error) {
	hc := d.HTTP
	log := d.Log.With(logx.String("kind", KindHTTPCheck))
	return scheduler.RunnableFunc(func(ctx context.Context, raw json.RawMessage) error {
		var cfg httpCheckConfig
		if err := jobs.DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.URL) == "" {
			return errors.New("http_check: url is required")
		}
		method := strings.ToUpper(strings.TrimSpace(cfg.Method))
		if method == "" {
			method = http.MethodGet
		}
		timeout, err := config.ParseDurationOrDefault("timeout", cfg.Timeout, 10*time.Second)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, nil)
		if err != nil {
			return fmt.Errorf("http_check: %w", err)
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := hc.Do(req)
		if err != nil {
			return fmt.Errorf("http_check %s: %w", cfg.URL, err)
		}
		defer resp.Body.Close()

		if !statusAccepted(resp.StatusCode, cfg.ExpectStatus) {
			return fmt.Errorf("%w: %s returned %d", ErrThreshold, cfg.URL, resp.StatusCode)
		}
		if cfg.Contains != "" {
			body, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyLimit))
			if err != nil {
				return fmt.Errorf("http_check %s: read body: %w", cfg.URL, err)
			}
			if !strings.Contains(string(body), cfg.Contains) {
				return fmt.Errorf("%w: %s body missing %q", ErrThreshold, cfg.URL, cfg.Contains)
			}
		}
		log.Debug("http check ok",
			logx.String("url", cfg.URL),
			logx.Int("status", resp.StatusCode),
			logx.Duration("took", time.Since(start)),
		)
		return nil
	}), nil
}

func statusAccepted(code int, want []int) bool {
	if len(want) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(want, code)
}
