// Package systemd talks to the systemd manager over D-Bus and to the service
// manager notification socket.
package systemd

import (
	"errors"
	"strings"
	"time"
)

var ErrUnsupported = errors.New("systemd: unsupported OS (linux only)")

// UnitState is the subset of unit properties pollsched checks.
type UnitState struct {
	Name        string    `json:"name"`
	LoadState   string    `json:"load_state"`
	ActiveState string    `json:"active_state"`
	SubState    string    `json:"sub_state"`
	Since       time.Time `json:"since"`
}

// Active reports ActiveState == "active".
func (u UnitState) Active() bool { return u.ActiveState == "active" }

// UnitName appends ".service" when name carries no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}
