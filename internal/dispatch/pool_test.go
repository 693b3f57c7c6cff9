package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/zapcast/internal/cache"
	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/metrics"
	"github.com/busybox42/zapcast/internal/quota"
	"github.com/busybox42/zapcast/internal/ratelimit"
	"github.com/busybox42/zapcast/internal/scheduler"
	"github.com/busybox42/zapcast/internal/store"
	"github.com/busybox42/zapcast/internal/transport"
)

type poolEnv struct {
	pool    *Pool
	sched   *scheduler.Scheduler
	st      *store.Memory
	gateway *transport.Mock
	stats   *metrics.MemoryStats
	tracker *quota.Tracker
}

type poolOptions struct {
	limits    *quota.Limits
	rateLimit int64
	rateWin   time.Duration
	workers   int
}

func newPoolEnv(t *testing.T, opts poolOptions) *poolEnv {
	t.Helper()

	st := store.NewMemory()
	require.NoError(t, st.Connect())
	t.Cleanup(func() { st.Close() })

	limits := quota.Limits{Messages: 1000, Validations: 1000, Channels: 10, Templates: 10}
	if opts.limits != nil {
		limits = *opts.limits
	}
	tracker := quota.NewTracker(quota.NewStaticSource(map[string]quota.Subscription{
		"tenant-1": {Tier: "pro", Limits: limits},
	}), st)

	counter := cache.NewMemory(cache.Config{Type: "memory"})
	require.NoError(t, counter.Connect())
	t.Cleanup(func() { counter.Close() })

	rateLimit, rateWin := int64(1000), time.Minute
	if opts.rateLimit > 0 {
		rateLimit, rateWin = opts.rateLimit, opts.rateWin
	}

	workers := 2
	if opts.workers > 0 {
		workers = opts.workers
	}

	sched := scheduler.New(nil)
	gateway := transport.NewMock()
	stats := metrics.NewMemoryStats()
	pool := NewPool(Config{
		Workers:     workers,
		SendTimeout: time.Second,
		DeferDelay:  10 * time.Millisecond,
		MaxAttempts: 3,
		Schedule:    []time.Duration{5 * time.Millisecond},
	}, sched, st, st, tracker, ratelimit.NewLimiter(counter, rateLimit, rateWin), gateway, stats)

	pool.Start()
	t.Cleanup(func() { pool.Stop() })

	return &poolEnv{pool: pool, sched: sched, st: st, gateway: gateway, stats: stats, tracker: tracker}
}

// seedCampaign creates a running campaign with one pending task per address
// and feeds the tasks to the scheduler.
func (e *poolEnv) seedCampaign(t *testing.T, addresses ...string) *campaign.Campaign {
	t.Helper()
	ctx := context.Background()

	c := campaign.NewCampaign("tenant-1", "blast", "session-1", campaign.MessageText, "hi {{name}}", "")
	c.Status = campaign.StatusRunning
	c.TotalRecipients = len(addresses)
	require.NoError(t, e.st.CreateCampaign(ctx, c))

	tasks := make([]*campaign.Task, 0, len(addresses))
	for _, addr := range addresses {
		tasks = append(tasks, campaign.NewTask(c, campaign.Recipient{
			Address:    addr,
			Attributes: map[string]string{"name": "Ana"},
		}))
	}
	require.NoError(t, e.st.CreateTasks(ctx, tasks))
	e.sched.Submit("pro", tasks)
	return c
}

func (e *poolEnv) waitForStatus(t *testing.T, id string, want campaign.Status) *campaign.Campaign {
	t.Helper()
	var got *campaign.Campaign
	require.Eventually(t, func() bool {
		c, err := e.st.GetCampaign(context.Background(), id)
		if err != nil {
			return false
		}
		got = c
		return c.Status == want
	}, 3*time.Second, 5*time.Millisecond, "campaign never reached %s", want)
	return got
}

func TestPoolDeliversCampaign(t *testing.T) {
	env := newPoolEnv(t, poolOptions{})
	c := env.seedCampaign(t, "5511999990001", "5511999990002", "5511999990003")

	got := env.waitForStatus(t, c.ID, campaign.StatusCompleted)
	assert.Equal(t, 3, got.Sent)
	assert.Equal(t, 0, got.Failed)

	tasks, err := env.st.ListTasks(context.Background(), c.ID, campaign.TaskDelivered)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.NotEmpty(t, task.MessageID)
	}

	// The rendered body reaches the gateway, not the raw template.
	for _, req := range env.gateway.Sends() {
		assert.Equal(t, "hi Ana", req.Body)
		assert.Equal(t, "session-1", req.SessionID)
	}

	ds, err := env.stats.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), ds.TotalSent)
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	env := newPoolEnv(t, poolOptions{})
	env.gateway.FailFirst("5511999990001", 1)
	c := env.seedCampaign(t, "5511999990001")

	got := env.waitForStatus(t, c.ID, campaign.StatusCompleted)
	assert.Equal(t, 1, got.Sent)
	assert.Equal(t, 0, got.Failed)
	assert.GreaterOrEqual(t, env.gateway.SendCount(), 2, "the failed attempt was retried")

	tasks, err := env.st.ListTasks(context.Background(), c.ID, campaign.TaskDelivered)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].Attempts, "one attempt was consumed before the successful send")
}

func TestPoolExhaustsRetries(t *testing.T) {
	env := newPoolEnv(t, poolOptions{})
	env.gateway.FailWith("5511999990001", errors.New("number not on whatsapp"))
	c := env.seedCampaign(t, "5511999990001", "5511999990002")

	got := env.waitForStatus(t, c.ID, campaign.StatusCompleted)
	assert.Equal(t, 1, got.Sent)
	assert.Equal(t, 1, got.Failed)

	failed, err := env.st.ListTasks(context.Background(), c.ID, campaign.TaskFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "number not on whatsapp")

	errs, err := env.stats.GetRecentErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
}

func TestPoolQuotaBoundsDelivery(t *testing.T) {
	env := newPoolEnv(t, poolOptions{
		limits: &quota.Limits{Messages: 1, Validations: 100, Channels: 1, Templates: 1},
	})
	c := env.seedCampaign(t, "5511999990001", "5511999990002")

	got := env.waitForStatus(t, c.ID, campaign.StatusCompleted)
	assert.Equal(t, 1, got.Sent, "exactly one send fits the quota")
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 1, env.gateway.SendCount(), "the over-quota task never reaches the gateway")

	failed, err := env.st.ListTasks(context.Background(), c.ID, campaign.TaskFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "monthly message quota exceeded", failed[0].LastError)
	assert.Equal(t, 0, failed[0].Attempts, "a quota rejection is not a send attempt")
}

func TestPoolRateLimitDefersNotFails(t *testing.T) {
	// One send per 30ms window; three tasks must all get through via
	// deferrals, never consuming attempts.
	env := newPoolEnv(t, poolOptions{rateLimit: 1, rateWin: 30 * time.Millisecond})
	c := env.seedCampaign(t, "5511999990001", "5511999990002", "5511999990003")

	got := env.waitForStatus(t, c.ID, campaign.StatusCompleted)
	assert.Equal(t, 3, got.Sent)
	assert.Equal(t, 0, got.Failed)

	tasks, err := env.st.ListTasks(context.Background(), c.ID, campaign.TaskDelivered)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, 0, task.Attempts, "rate-limit deferrals never consume attempts")
	}
}

func TestPoolLeavesNonRunningCampaignPending(t *testing.T) {
	env := newPoolEnv(t, poolOptions{})
	ctx := context.Background()

	c := campaign.NewCampaign("tenant-1", "blast", "session-1", campaign.MessageText, "hi", "")
	c.Status = campaign.StatusPaused
	c.TotalRecipients = 1
	require.NoError(t, env.st.CreateCampaign(ctx, c))

	task := campaign.NewTask(c, campaign.Recipient{Address: "5511999990001"})
	require.NoError(t, env.st.CreateTasks(ctx, []*campaign.Task{task}))
	env.sched.Submit("pro", []*campaign.Task{task})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, env.gateway.SendCount(), "paused campaigns never send")

	got, err := env.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskPending, got.Status, "the task survives for a later resume")
}

func TestPoolDropsTasksOfDeletedCampaign(t *testing.T) {
	env := newPoolEnv(t, poolOptions{})

	c := campaign.NewCampaign("tenant-1", "blast", "session-1", campaign.MessageText, "hi", "")
	task := campaign.NewTask(c, campaign.Recipient{Address: "5511999990001"})
	// The campaign was never persisted: lookups fail with not-found.
	env.sched.Submit("pro", []*campaign.Task{task})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, env.gateway.SendCount())
	assert.Equal(t, 0, env.sched.Len(), "orphaned tasks are dropped, not requeued")
}

func TestPoolStopDrainsInFlightSend(t *testing.T) {
	env := newPoolEnv(t, poolOptions{workers: 1})
	env.gateway.Hold("5511999990001")
	c := env.seedCampaign(t, "5511999990001")
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return env.gateway.SendCount() == 1
	}, 2*time.Second, time.Millisecond, "the send never reached the gateway")

	stopped := make(chan error, 1)
	go func() { stopped <- env.pool.Stop() }()

	// The gateway holds the send; its outcome must stay open rather than
	// being aborted and counted as a failed attempt.
	time.Sleep(50 * time.Millisecond)
	tasks, err := env.st.ListTasks(ctx, c.ID, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, campaign.TaskPending, tasks[0].Status)
	assert.Equal(t, 0, tasks[0].Attempts, "shutdown never burns an attempt")

	env.gateway.Release("5511999990001")
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after the held send was released")
	}

	// The accepted send was committed on the way out.
	got, err := env.st.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskDelivered, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 1, env.gateway.SendCount(), "the drained send is not re-sent")

	fresh, err := env.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, fresh.Status)
	assert.Equal(t, 1, fresh.Sent)
}

func TestPoolNoDoubleDispatchUnderConcurrency(t *testing.T) {
	env := newPoolEnv(t, poolOptions{workers: 8})

	addresses := make([]string, 40)
	for i := range addresses {
		addresses[i] = fmt.Sprintf("55119999%04d", i)
	}
	c := env.seedCampaign(t, addresses...)

	got := env.waitForStatus(t, c.ID, campaign.StatusCompleted)
	assert.Equal(t, len(addresses), got.Sent)
	assert.Equal(t, 0, got.Failed)
	assert.Equal(t, len(addresses), env.gateway.SendCount())

	seen := make(map[string]int)
	for _, req := range env.gateway.Sends() {
		seen[req.Recipient]++
	}
	assert.Len(t, seen, len(addresses))
	for addr, n := range seen {
		assert.Equal(t, 1, n, "recipient %s was sent %d times", addr, n)
	}
}

func TestPoolPauseLetsInFlightSendFinish(t *testing.T) {
	env := newPoolEnv(t, poolOptions{workers: 1})
	env.gateway.Hold("5511999990001")
	c := env.seedCampaign(t, "5511999990001", "5511999990002")
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return env.gateway.SendCount() == 1
	}, 2*time.Second, time.Millisecond, "the send never reached the gateway")

	// Pause while the first send is parked inside the gateway.
	require.NoError(t, env.st.SetStatus(ctx, c.ID, campaign.StatusRunning, campaign.StatusPaused))
	env.sched.Remove(c.ID)
	env.gateway.Release("5511999990001")

	tasks, err := env.st.ListTasks(ctx, c.ID, "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Eventually(t, func() bool {
		got, err := env.st.GetTask(ctx, tasks[0].ID)
		return err == nil && got.Status == campaign.TaskDelivered
	}, 2*time.Second, time.Millisecond, "the in-flight send was not committed")

	// The queued task was pulled back out and never sent.
	second, err := env.st.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.TaskPending, second.Status)
	assert.Equal(t, 1, env.gateway.SendCount())

	fresh, err := env.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusPaused, fresh.Status)
	assert.Equal(t, 1, fresh.Sent)
}
