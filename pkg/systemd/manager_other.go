//go:build !linux

package systemd

import "context"

type Manager struct{}

func Connect(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() {}

func (m *Manager) State(context.Context, string) (UnitState, error) {
	return UnitState{}, ErrUnsupported
}

func (m *Manager) Restart(context.Context, string) error { return ErrUnsupported }
