package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/zapcast/internal/quota"
	"github.com/busybox42/zapcast/internal/store"
)

func newTracker(t *testing.T, plans map[string]quota.Subscription) *quota.Tracker {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })
	return quota.NewTracker(quota.NewStaticSource(plans), st)
}

func TestPeriod(t *testing.T) {
	at := time.Date(2024, time.March, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2024-03", quota.Period(at))

	// Period boundaries are UTC, not local.
	loc := time.FixedZone("UTC-3", -3*3600)
	assert.Equal(t, "2024-04", quota.Period(time.Date(2024, time.March, 31, 22, 0, 0, 0, loc)))
}

func TestLimitsForTier(t *testing.T) {
	assert.Equal(t, quota.Unlimited, quota.LimitsForTier("enterprise").Messages)
	assert.Equal(t, int64(10000), quota.LimitsForTier("pro").Messages)
	assert.Equal(t, int64(1000), quota.LimitsForTier("starter").Messages)
	assert.Equal(t, int64(1000), quota.LimitsForTier("unknown-tier").Messages)
}

func TestConsumeWithinLimit(t *testing.T) {
	tr := newTracker(t, map[string]quota.Subscription{
		"t1": {Tier: "starter", Limits: quota.Limits{Messages: 10, Validations: 10, Channels: 1, Templates: 1}},
	})
	ctx := context.Background()

	require.NoError(t, tr.Consume(ctx, "t1", quota.KindMessages, 7))

	remaining, unlimited, err := tr.Remaining(ctx, "t1", quota.KindMessages)
	require.NoError(t, err)
	assert.False(t, unlimited)
	assert.Equal(t, int64(3), remaining)

	exceeded, err := tr.WouldExceed(ctx, "t1", quota.KindMessages, 3)
	require.NoError(t, err)
	assert.False(t, exceeded)

	exceeded, err = tr.WouldExceed(ctx, "t1", quota.KindMessages, 4)
	require.NoError(t, err)
	assert.True(t, exceeded)
}

func TestConsumeRejectsOverrun(t *testing.T) {
	tr := newTracker(t, map[string]quota.Subscription{
		"t1": {Tier: "starter", Limits: quota.Limits{Messages: 5, Validations: 5, Channels: 1, Templates: 1}},
	})
	ctx := context.Background()

	require.NoError(t, tr.Consume(ctx, "t1", quota.KindMessages, 5))
	assert.ErrorIs(t, tr.Consume(ctx, "t1", quota.KindMessages, 1), quota.ErrExceeded)

	// A rejected consume leaves usage untouched.
	remaining, _, err := tr.Remaining(ctx, "t1", quota.KindMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestConsumeAllOrNothing(t *testing.T) {
	tr := newTracker(t, map[string]quota.Subscription{
		"t1": {Tier: "starter", Limits: quota.Limits{Messages: 5, Validations: 5, Channels: 1, Templates: 1}},
	})
	ctx := context.Background()

	require.NoError(t, tr.Consume(ctx, "t1", quota.KindMessages, 3))
	// 2 left: a batch of 3 is rejected whole, never partially applied.
	assert.ErrorIs(t, tr.Consume(ctx, "t1", quota.KindMessages, 3), quota.ErrExceeded)

	remaining, _, err := tr.Remaining(ctx, "t1", quota.KindMessages)
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
}

func TestUnlimitedTier(t *testing.T) {
	tr := newTracker(t, map[string]quota.Subscription{
		"t1": {Tier: "enterprise"},
	})
	ctx := context.Background()

	require.NoError(t, tr.Consume(ctx, "t1", quota.KindMessages, 1_000_000))

	remaining, unlimited, err := tr.Remaining(ctx, "t1", quota.KindMessages)
	require.NoError(t, err)
	assert.True(t, unlimited)
	assert.Equal(t, int64(0), remaining)

	exceeded, err := tr.WouldExceed(ctx, "t1", quota.KindMessages, 1_000_000_000)
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestNoSubscriptionFailsClosed(t *testing.T) {
	tr := newTracker(t, map[string]quota.Subscription{})
	ctx := context.Background()

	assert.ErrorIs(t, tr.Consume(ctx, "ghost", quota.KindMessages, 1), quota.ErrNoSubscription)

	remaining, unlimited, err := tr.Remaining(ctx, "ghost", quota.KindMessages)
	require.NoError(t, err)
	assert.False(t, unlimited)
	assert.Equal(t, int64(0), remaining)

	exceeded, err := tr.WouldExceed(ctx, "ghost", quota.KindMessages, 1)
	require.NoError(t, err)
	assert.True(t, exceeded)
}

func TestRelease(t *testing.T) {
	tr := newTracker(t, map[string]quota.Subscription{
		"t1": {Tier: "starter", Limits: quota.Limits{Messages: 5, Validations: 5, Channels: 2, Templates: 2}},
	})
	ctx := context.Background()

	require.NoError(t, tr.Consume(ctx, "t1", quota.KindChannels, 2))
	assert.ErrorIs(t, tr.Consume(ctx, "t1", quota.KindChannels, 1), quota.ErrExceeded)

	require.NoError(t, tr.Release(ctx, "t1", quota.KindChannels, 1))
	require.NoError(t, tr.Consume(ctx, "t1", quota.KindChannels, 1))

	// Releasing more than was consumed floors at zero instead of going
	// negative.
	require.NoError(t, tr.Release(ctx, "t1", quota.KindChannels, 100))
	remaining, _, err := tr.Remaining(ctx, "t1", quota.KindChannels)
	require.NoError(t, err)
	assert.Equal(t, int64(2), remaining)
}

func TestKindsAreIndependent(t *testing.T) {
	tr := newTracker(t, map[string]quota.Subscription{
		"t1": {Tier: "starter", Limits: quota.Limits{Messages: 5, Validations: 5, Channels: 1, Templates: 1}},
	})
	ctx := context.Background()

	require.NoError(t, tr.Consume(ctx, "t1", quota.KindMessages, 5))
	require.NoError(t, tr.Consume(ctx, "t1", quota.KindValidations, 5))
	assert.ErrorIs(t, tr.Consume(ctx, "t1", quota.KindMessages, 1), quota.ErrExceeded)
}

func TestStaticSourceDefaultsAndUpdates(t *testing.T) {
	src := quota.NewStaticSource(map[string]quota.Subscription{
		"t1": {Tier: "pro"},
	})
	ctx := context.Background()

	sub, err := src.Active(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, quota.LimitsForTier("pro"), sub.Limits, "zero limits fill from the tier defaults")

	sub, err = src.Active(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, sub)

	src.Set("t2", quota.Subscription{Tier: "enterprise"})
	sub, err = src.Active(ctx, "t2")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "enterprise", sub.Tier)
}
