package campaign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusScheduled},
		{StatusDraft, StatusRunning},
		{StatusScheduled, StatusRunning},
		{StatusScheduled, StatusFailed},
		{StatusRunning, StatusPaused},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusPaused, StatusRunning},
		{StatusPaused, StatusFailed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to Status }{
		{StatusDraft, StatusCompleted},
		{StatusDraft, StatusPaused},
		{StatusScheduled, StatusPaused},
		{StatusScheduled, StatusDraft},
		{StatusRunning, StatusDraft},
		{StatusRunning, StatusScheduled},
		{StatusPaused, StatusCompleted},
		{StatusPaused, StatusDraft},
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusRunning},
		{StatusFailed, StatusDraft},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestTransition(t *testing.T) {
	c := NewCampaign("tenant-1", "launch", "session-1", MessageText, "hi", "")
	require.Equal(t, StatusDraft, c.Status)

	require.NoError(t, Transition(c, StatusRunning))
	assert.Equal(t, StatusRunning, c.Status)

	err := Transition(c, StatusScheduled)
	require.Error(t, err)
	assert.Equal(t, StatusRunning, c.Status, "failed transition must not mutate status")

	var bad *ErrBadTransition
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, StatusRunning, bad.From)
	assert.Equal(t, StatusScheduled, bad.To)
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StatusCompleted))
	assert.True(t, Terminal(StatusFailed))
	assert.False(t, Terminal(StatusDraft))
	assert.False(t, Terminal(StatusScheduled))
	assert.False(t, Terminal(StatusRunning))
	assert.False(t, Terminal(StatusPaused))
}

func TestEditable(t *testing.T) {
	assert.True(t, Editable(StatusDraft))
	assert.False(t, Editable(StatusScheduled))
	assert.False(t, Editable(StatusRunning))
	assert.False(t, Editable(StatusPaused))
	assert.False(t, Editable(StatusCompleted))
	assert.False(t, Editable(StatusFailed))
}

func TestCampaignDone(t *testing.T) {
	c := &Campaign{TotalRecipients: 10, Sent: 7, Failed: 3}
	assert.True(t, c.Done())
	assert.Equal(t, 0, c.Pending())

	c = &Campaign{TotalRecipients: 10, Sent: 7, Failed: 2}
	assert.False(t, c.Done())
	assert.Equal(t, 1, c.Pending())

	c = &Campaign{TotalRecipients: 0}
	assert.False(t, c.Done(), "a campaign with no recipients never completes on its own")
}
