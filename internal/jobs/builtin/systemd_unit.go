package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pollsched/internal/jobs"
	"pollsched/internal/task/scheduler"
	logx "pollsched/pkg/logx"
	"pollsched/pkg/systemd"
)

type systemdUnitConfig struct {
	Units []string `json:"units"`
	// Restart tries to restart every inactive unit once per run.
	Restart bool `json:"restart"`
}

type unitManager interface {
	State(ctx context.Context, name string) (systemd.UnitState, error)
	Restart(ctx context.Context, name string) error
	Close()
}

var connectSystemd = func(ctx context.Context) (unitManager, error) {
	m, err := systemd.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func newSystemdUnit(d jobs.Deps) (scheduler.Runnable, error) {
	log := d.Log.With(logx.String("kind", KindSystemdUnit))
	return scheduler.RunnableFunc(func(ctx context.Context, raw json.RawMessage) error {
		var cfg systemdUnitConfig
		if err := jobs.DecodeConfig(raw, &cfg); err != nil {
			return err
		}
		if len(cfg.Units) == 0 {
			return errors.New("systemd_unit: units is required")
		}
		mgr, err := connectSystemd(ctx)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var down []string
		var errs []error
		for _, u := range cfg.Units {
			st, err := mgr.State(ctx, u)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if st.Active() {
				continue
			}
			if st.LoadState == "not-found" {
				errs = append(errs, fmt.Errorf("unit %s not found", st.Name))
				continue
			}
			if cfg.Restart {
				log.Warn("unit inactive, restarting", logx.String("unit", st.Name), logx.String("state", st.ActiveState))
				if err := mgr.Restart(ctx, u); err != nil {
					errs = append(errs, err)
					continue
				}
				log.Info("unit restarted", logx.String("unit", st.Name))
				continue
			}
			down = append(down, st.Name+"="+st.ActiveState)
		}
		if len(down) > 0 {
			errs = append(errs, fmt.Errorf("%w: inactive units: %s", ErrThreshold, strings.Join(down, ", ")))
		}
		return errors.Join(errs...)
	}), nil
}
