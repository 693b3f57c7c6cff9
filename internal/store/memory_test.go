package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/quota"
)

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.Connect())
	t.Cleanup(func() { m.Close() })
	return m
}

func testCampaign(tenantID, name string) *campaign.Campaign {
	return campaign.NewCampaign(tenantID, name, "session-1", campaign.MessageText, "hello", "")
}

func TestCampaignCRUD(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	c := testCampaign("t1", "launch")
	require.NoError(t, m.CreateCampaign(ctx, c))
	assert.ErrorIs(t, m.CreateCampaign(ctx, c), campaign.ErrAlreadyExists)

	got, err := m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "launch", got.Name)

	// The store hands out copies, not aliases.
	got.Name = "mutated"
	again, err := m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "launch", again.Name)

	got.Name = "renamed"
	require.NoError(t, m.UpdateCampaign(ctx, got))
	again, err = m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", again.Name)

	require.NoError(t, m.DeleteCampaign(ctx, c.ID))
	_, err = m.GetCampaign(ctx, c.ID)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestListCampaignsFiltersByTenant(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, m.CreateCampaign(ctx, testCampaign("t1", "a")))
	require.NoError(t, m.CreateCampaign(ctx, testCampaign("t1", "b")))
	require.NoError(t, m.CreateCampaign(ctx, testCampaign("t2", "c")))

	got, err := m.ListCampaigns(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSetStatusCompareAndSwap(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	c := testCampaign("t1", "launch")
	require.NoError(t, m.CreateCampaign(ctx, c))

	require.NoError(t, m.SetStatus(ctx, c.ID, campaign.StatusDraft, campaign.StatusRunning))

	// The from-status no longer matches: conflict, not silent overwrite.
	err := m.SetStatus(ctx, c.ID, campaign.StatusDraft, campaign.StatusRunning)
	assert.ErrorIs(t, err, campaign.ErrConflict)

	got, err := m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusRunning, got.Status)

	assert.ErrorIs(t, m.SetStatus(ctx, "missing", campaign.StatusDraft, campaign.StatusRunning),
		campaign.ErrNotFound)
}

func TestCounterBound(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	c := testCampaign("t1", "launch")
	require.NoError(t, m.CreateCampaign(ctx, c))
	require.NoError(t, m.SetTotalRecipients(ctx, c.ID, 2))

	require.NoError(t, m.IncrSent(ctx, c.ID))
	require.NoError(t, m.IncrFailed(ctx, c.ID))

	// sent + failed can never exceed the recipient total.
	assert.Error(t, m.IncrSent(ctx, c.ID))
	assert.Error(t, m.IncrFailed(ctx, c.ID))

	got, err := m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Sent)
	assert.Equal(t, 1, got.Failed)
	assert.True(t, got.Done())
}

func TestListDue(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := testCampaign("t1", "due")
	past := now.Add(-time.Minute)
	due.Status = campaign.StatusScheduled
	due.ScheduledAt = &past
	require.NoError(t, m.CreateCampaign(ctx, due))

	future := testCampaign("t1", "future")
	later := now.Add(time.Hour)
	future.Status = campaign.StatusScheduled
	future.ScheduledAt = &later
	require.NoError(t, m.CreateCampaign(ctx, future))

	draft := testCampaign("t1", "draft")
	require.NoError(t, m.CreateCampaign(ctx, draft))

	got, err := m.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestListByStatus(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	running := testCampaign("t1", "running")
	running.Status = campaign.StatusRunning
	require.NoError(t, m.CreateCampaign(ctx, running))
	require.NoError(t, m.CreateCampaign(ctx, testCampaign("t1", "draft")))

	got, err := m.ListByStatus(ctx, campaign.StatusRunning)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestTaskLifecycle(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	c := testCampaign("t1", "launch")
	require.NoError(t, m.CreateCampaign(ctx, c))

	tasks := []*campaign.Task{
		campaign.NewTask(c, campaign.Recipient{Address: "5511999990001"}),
		campaign.NewTask(c, campaign.Recipient{Address: "5511999990002"}),
	}
	require.NoError(t, m.CreateTasks(ctx, tasks))

	// Same campaign + recipient pair is rejected.
	dup := []*campaign.Task{campaign.NewTask(c, campaign.Recipient{Address: "5511999990001"})}
	assert.ErrorIs(t, m.CreateTasks(ctx, dup), campaign.ErrAlreadyExists)

	require.NoError(t, m.RecordAttempt(ctx, tasks[0].ID, 1, "gateway timeout"))
	got, err := m.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "gateway timeout", got.LastError)
	assert.Equal(t, campaign.TaskPending, got.Status, "a retryable failure keeps the task pending")

	require.NoError(t, m.MarkSent(ctx, tasks[0].ID, "wamid-1"))
	got, err = m.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskDelivered, got.Status)
	assert.Equal(t, "wamid-1", got.MessageID)
	assert.Empty(t, got.LastError)
	require.NotNil(t, got.SentAt)

	require.NoError(t, m.MarkFailed(ctx, tasks[1].ID, "number not on whatsapp"))
	got, err = m.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskFailed, got.Status)
	assert.Equal(t, "number not on whatsapp", got.LastError)

	pending, err := m.ListTasks(ctx, c.ID, campaign.TaskPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := m.ListTasks(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRequeueFailed(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	c := testCampaign("t1", "launch")
	require.NoError(t, m.CreateCampaign(ctx, c))
	require.NoError(t, m.SetTotalRecipients(ctx, c.ID, 3))

	tasks := []*campaign.Task{
		campaign.NewTask(c, campaign.Recipient{Address: "5511999990001"}),
		campaign.NewTask(c, campaign.Recipient{Address: "5511999990002"}),
		campaign.NewTask(c, campaign.Recipient{Address: "5511999990003"}),
	}
	require.NoError(t, m.CreateTasks(ctx, tasks))

	require.NoError(t, m.MarkSent(ctx, tasks[0].ID, "wamid-1"))
	require.NoError(t, m.IncrSent(ctx, c.ID))
	require.NoError(t, m.RecordAttempt(ctx, tasks[1].ID, 3, "recipient unreachable"))
	require.NoError(t, m.MarkFailed(ctx, tasks[1].ID, "recipient unreachable"))
	require.NoError(t, m.IncrFailed(ctx, c.ID))

	n, err := m.RequeueFailed(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LastError)

	// Delivered and untouched tasks keep their state.
	sent, err := m.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskDelivered, sent.Status)

	fresh, err := m.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.Failed)
	assert.Equal(t, 1, fresh.Sent)

	// No failed tasks left is a no-op, not an error.
	n, err = m.RequeueFailed(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.RequeueFailed(ctx, "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestDeleteCampaignCascades(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	c := testCampaign("t1", "launch")
	require.NoError(t, m.CreateCampaign(ctx, c))
	require.NoError(t, m.CreateTasks(ctx, []*campaign.Task{
		campaign.NewTask(c, campaign.Recipient{Address: "5511999990001"}),
	}))

	require.NoError(t, m.DeleteCampaign(ctx, c.ID))
	tasks, err := m.ListTasks(ctx, c.ID, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestAddUsageConditional(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	period := quota.Period(time.Now())

	ok, err := m.AddUsage(ctx, "t1", period, quota.KindMessages, 8, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	// 8 used, limit 10: a batch of 3 must be rejected whole.
	ok, err = m.AddUsage(ctx, "t1", period, quota.KindMessages, 3, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	usage, err := m.GetUsage(ctx, "t1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(8), usage.Messages)

	ok, err = m.AddUsage(ctx, "t1", period, quota.KindMessages, 2, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	// Negative limit means unbounded.
	ok, err = m.AddUsage(ctx, "t1", period, quota.KindMessages, 1_000_000, quota.Unlimited)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseUsageFloorsAtZero(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	period := quota.Period(time.Now())

	_, err := m.AddUsage(ctx, "t1", period, quota.KindChannels, 2, 10)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseUsage(ctx, "t1", period, quota.KindChannels, 5))
	usage, err := m.GetUsage(ctx, "t1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Channels)
}

func TestUsagePeriodsAreIsolated(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	_, err := m.AddUsage(ctx, "t1", "2024-03", quota.KindMessages, 10, 10)
	require.NoError(t, err)

	ok, err := m.AddUsage(ctx, "t1", "2024-04", quota.KindMessages, 10, 10)
	require.NoError(t, err)
	assert.True(t, ok, "a new period starts from zero")
}

func TestNotConnected(t *testing.T) {
	m := NewMemory()
	_, err := m.GetCampaign(context.Background(), "any")
	assert.ErrorIs(t, err, campaign.ErrNotConnected)
}
