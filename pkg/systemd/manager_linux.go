//go:build linux

package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager is a D-Bus connection to the system manager.
type Manager struct {
	conn *dbus.Conn
}

func Connect(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd dbus connect: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() {
	if m != nil && m.conn != nil {
		m.conn.Close()
	}
}

func (m *Manager) State(ctx context.Context, name string) (UnitState, error) {
	unit := UnitName(name)
	props, err := m.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return UnitState{}, fmt.Errorf("unit %s: %w", unit, err)
	}
	st := UnitState{
		Name:        unit,
		LoadState:   str(props, "LoadState"),
		ActiveState: str(props, "ActiveState"),
		SubState:    str(props, "SubState"),
	}
	if us, ok := props["StateChangeTimestamp"].(uint64); ok && us > 0 {
		st.Since = time.UnixMicro(int64(us))
	}
	return st, nil
}

// Restart restarts the unit and waits for the job result.
func (m *Manager) Restart(ctx context.Context, name string) error {
	unit := UnitName(name)
	done := make(chan string, 1)
	if _, err := m.conn.RestartUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func str(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}
