package campaign

import "fmt"

// ErrBadTransition is returned when a campaign status change is not allowed
type ErrBadTransition struct {
	From Status
	To   Status
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("illegal campaign transition %s -> %s", e.From, e.To)
}

// transitions is the allowed status graph. A campaign can never move back to
// draft once recipient tasks exist; that guard lives in Service because it
// needs the task count.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusRunning},
	StatusScheduled: {StatusRunning, StatusFailed},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:    {StatusRunning, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransition reports whether from -> to is an allowed status change
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition mutates the campaign status after validating the change
func Transition(c *Campaign, to Status) error {
	if !CanTransition(c.Status, to) {
		return &ErrBadTransition{From: c.Status, To: to}
	}
	c.Status = to
	return nil
}

// Terminal reports whether a status admits no further transitions
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Editable reports whether campaign content and recipients may be changed
func Editable(s Status) bool {
	return s == StatusDraft
}
