package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryControllerDefaults(t *testing.T) {
	rc := NewRetryController(0, nil)
	assert.Equal(t, DefaultMaxAttempts, rc.MaxAttempts())

	delay, ok := rc.NextDelay(1)
	assert.True(t, ok)
	assert.Equal(t, DefaultRetrySchedule[0], delay)
}

func TestRetryControllerSchedule(t *testing.T) {
	rc := NewRetryController(3, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second})

	delay, ok := rc.NextDelay(1)
	assert.True(t, ok)
	assert.Equal(t, time.Second, delay)

	delay, ok = rc.NextDelay(2)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)

	// Ceiling reached: no further retries.
	_, ok = rc.NextDelay(3)
	assert.False(t, ok)
	_, ok = rc.NextDelay(7)
	assert.False(t, ok)
}

func TestRetryControllerClampsToLastEntry(t *testing.T) {
	rc := NewRetryController(5, []time.Duration{time.Second, 2 * time.Second})

	delay, ok := rc.NextDelay(4)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, delay, "attempts past the schedule reuse its last entry")
}
