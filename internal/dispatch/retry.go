package dispatch

import "time"

// DefaultRetrySchedule is the fixed backoff applied between failed send
// attempts. The first entry delays the second attempt, and so on. With
// the default attempt ceiling of 3 only the first two entries are ever
// used; the 120s entry kicks in when max_attempts is raised above 3.
var DefaultRetrySchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

// DefaultMaxAttempts bounds how many times a task is handed to the
// transport before it is marked terminally failed.
const DefaultMaxAttempts = 3

// RetryController decides, after a failed send attempt, whether a task
// gets another try and how long to wait before it does.
type RetryController struct {
	maxAttempts int
	schedule    []time.Duration
}

// NewRetryController creates a controller with the given attempt ceiling
// and backoff schedule. Zero or nil arguments fall back to the defaults.
func NewRetryController(maxAttempts int, schedule []time.Duration) *RetryController {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	return &RetryController{maxAttempts: maxAttempts, schedule: schedule}
}

// NextDelay reports whether a task that has consumed the given number of
// attempts should be retried, and the backoff to apply before the retry.
// Attempts past the end of the schedule reuse its last entry.
func (rc *RetryController) NextDelay(attempts int) (time.Duration, bool) {
	if attempts >= rc.maxAttempts {
		return 0, false
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(rc.schedule) {
		idx = len(rc.schedule) - 1
	}
	return rc.schedule[idx], true
}

// MaxAttempts returns the attempt ceiling.
func (rc *RetryController) MaxAttempts() int {
	return rc.maxAttempts
}
