package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"pollsched/internal/jobs"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
)

type execConfig struct {
	// Command is split with POSIX shell quoting rules; no shell is invoked.
	Command string   `json:"command"`
	Dir     string   `json:"dir"`
	Env     []string `json:"env"`
	// MaxOutput caps the captured output tail in bytes. Default 4096.
	MaxOutput int `json:"max_output"`
}

func newExec(d jobs.Deps) (scheduler.Runnable, error) {
	log := d.Log.With(logx.String("kind", KindExec))
	return scheduler.RunnableFunc(func(ctx context.Context, raw json.RawMessage) error {
		var cfg execConfig
		if err := jobs.DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		argv, err := shellquote.Split(cfg.Command)
		if err != nil {
			return fmt.Errorf("exec: parse command: %w", err)
		}
		if len(argv) == 0 {
			return errors.New("exec: command is required")
		}
		limit := cfg.MaxOutput
		if limit <= 0 {
			limit = 4096
		}

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = cfg.Dir
		if len(cfg.Env) > 0 {
			cmd.Env = append(os.Environ(), cfg.Env...)
		}
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err = cmd.Run()
		tail := tailString(out.Bytes(), limit)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("exec %s: %w", argv[0], ctx.Err())
			}
			if tail != "" {
				return fmt.Errorf("exec %s: %w: %s", argv[0], err, tail)
			}
			return fmt.Errorf("exec %s: %w", argv[0], err)
		}
		log.Debug("command finished", logx.String("cmd", argv[0]), logx.String("output", tail))
		return nil
	}), nil
}

// tailString returns the last n bytes of b, trimmed.
func tailString(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
