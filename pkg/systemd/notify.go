package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports lifecycle to the service manager (Type=notify units).
// Every call is a no-op when NOTIFY_SOCKET is unset.
type Notifier struct {
	unsetEnv bool
}

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Ready() (bool, error) { return daemon.SdNotify(n.unsetEnv, daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) {
	return daemon.SdNotify(n.unsetEnv, daemon.SdNotifyStopping)
}

func (n *Notifier) Status(s string) (bool, error) { return daemon.SdNotify(n.unsetEnv, "STATUS="+s) }

// WatchdogInterval returns half of WATCHDOG_USEC, or 0 when the watchdog is
// not enabled for this process.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(n.unsetEnv)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings the watchdog until ctx is done. healthy gates each ping
// so a wedged poll loop lets systemd restart the service. When status is set,
// its text is published as the unit's STATUS= line on every tick.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool, status func() string) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy == nil || healthy() {
				_, _ = daemon.SdNotify(n.unsetEnv, daemon.SdNotifyWatchdog)
			}
			if status != nil {
				_, _ = n.Status(status())
			}
		}
	}
}
