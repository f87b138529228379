package scheduler

import "errors"

var (
	ErrIntervalTooShort = errors.New("interval below minimum")
	ErrNameRequired     = errors.New("job name required")
	ErrNoRunnable       = errors.New("job has no runnable")
	ErrNotInterval      = errors.New("schedule is not a fixed interval")
	ErrAlreadyRunning   = errors.New("scheduler already running")
	ErrJobPanicked      = errors.New("job panicked")
)

// rejectReason maps a registration error to a short stable label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrIntervalTooShort):
		return "interval_too_short"
	case errors.Is(err, ErrNameRequired):
		return "name_required"
	case errors.Is(err, ErrNoRunnable):
		return "no_runnable"
	default:
		return "invalid"
	}
}
