package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/logging"
	"github.com/busybox42/zapcast/internal/metrics"
	"github.com/busybox42/zapcast/internal/quota"
	"github.com/busybox42/zapcast/internal/ratelimit"
	"github.com/busybox42/zapcast/internal/scheduler"
	"github.com/busybox42/zapcast/internal/template"
	"github.com/busybox42/zapcast/internal/transport"
)

// Quota is the slice of the quota tracker the pool needs: charging a
// message against the tenant's monthly allowance and handing it back when
// a charged task is deferred instead of sent.
type Quota interface {
	Consume(ctx context.Context, tenantID string, kind quota.LimitKind, amount int64) error
	Release(ctx context.Context, tenantID string, kind quota.LimitKind, amount int64) error
}

// Config configures the dispatch worker pool.
type Config struct {
	Workers     int
	SendTimeout time.Duration
	DeferDelay  time.Duration
	GlobalRate  float64 // messages per second across all tenants, 0 disables pacing
	MaxAttempts int
	Schedule    []time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		SendTimeout: 120 * time.Second,
		DeferDelay:  5 * time.Second,
		MaxAttempts: DefaultMaxAttempts,
		Schedule:    DefaultRetrySchedule,
	}
}

// Pool pulls tasks from the scheduler and drives them through the send
// pipeline: campaign status guard, tenant rate limit, quota charge,
// template rendering, and finally the gateway transport. Each worker
// commits one task outcome before claiming the next.
type Pool struct {
	cfg       Config
	sched     *scheduler.Scheduler
	campaigns campaign.CampaignStore
	tasks     campaign.TaskStore
	quota     Quota
	limiter   *ratelimit.Limiter
	gateway   transport.Transport
	retry     *RetryController
	breaker   *gobreaker.CircuitBreaker
	pacer     *rate.Limiter
	stats     metrics.StatsStore
	metrics   *metrics.Metrics
	logger    *slog.Logger
	events    *logging.MessageLogger

	// ctx governs in-flight work and outcome commits; claimCtx governs
	// claiming new tasks. Stop cancels claimCtx first so workers drain
	// their current task before ctx goes away.
	ctx         context.Context
	cancel      context.CancelFunc
	claimCtx    context.Context
	claimCancel context.CancelFunc
	errGroup    *errgroup.Group
}

// NewPool creates a dispatch pool. The stats store may be nil when no
// delivery statistics backend is configured.
func NewPool(cfg Config, sched *scheduler.Scheduler, campaigns campaign.CampaignStore,
	tasks campaign.TaskStore, q Quota, limiter *ratelimit.Limiter,
	gateway transport.Transport, stats metrics.StatsStore) *Pool {

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = DefaultConfig().DeferDelay
	}

	logger := slog.Default().With("component", "dispatch")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway-send",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Gateway circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	var pacer *rate.Limiter
	if cfg.GlobalRate > 0 {
		burst := int(cfg.GlobalRate)
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.GlobalRate), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	claimCtx, claimCancel := context.WithCancel(ctx)

	return &Pool{
		cfg:       cfg,
		sched:     sched,
		campaigns: campaigns,
		tasks:     tasks,
		quota:     q,
		limiter:   limiter,
		gateway:   gateway,
		retry:     NewRetryController(cfg.MaxAttempts, cfg.Schedule),
		breaker:   cb,
		pacer:     pacer,
		stats:     stats,
		metrics:   metrics.Get(),
		logger:    logger,
		events:    logging.NewMessageLogger(slog.Default()),
		ctx:         ctx,
		cancel:      cancel,
		claimCtx:    claimCtx,
		claimCancel: claimCancel,
		errGroup:    new(errgroup.Group),
	}
}

// Start launches the workers and the lane depth reporter.
func (p *Pool) Start() {
	p.logger.Info("Starting dispatch pool",
		"workers", p.cfg.Workers,
		"send_timeout", p.cfg.SendTimeout,
		"transport", p.gateway.Name(),
	)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := i
		p.errGroup.Go(func() error {
			return p.worker(workerID)
		})
	}
	p.errGroup.Go(p.depthReporter)
}

// Stop drains the pool: workers stop claiming immediately, but a task
// already in flight finishes its send and commits its outcome before the
// work context is cancelled. A send the gateway accepted is never
// abandoned half-recorded, and no attempt is burned on shutdown.
func (p *Pool) Stop() error {
	p.logger.Info("Stopping dispatch pool, draining in-flight sends")
	p.claimCancel()
	err := p.errGroup.Wait()
	p.cancel()
	p.logger.Info("Dispatch pool stopped")
	return err
}

func (p *Pool) worker(workerID int) error {
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("Dispatch worker started")
	defer logger.Debug("Dispatch worker stopped")

	for {
		task, lane := p.sched.Next(p.claimCtx)
		if task == nil {
			return nil
		}
		p.process(task, lane, logger)
	}
}

// process drives a single claimed task to an outcome. Deferrals (rate
// limit, paused campaign, open breaker) do not consume a send attempt.
func (p *Pool) process(task *campaign.Task, lane scheduler.Lane, logger *slog.Logger) {
	p.metrics.TasksDispatched.Inc()
	p.metrics.ActiveWorkers.Inc()
	defer p.metrics.ActiveWorkers.Dec()

	ctx := p.ctx

	c, err := p.campaigns.GetCampaign(ctx, task.CampaignID)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			logger.Debug("Campaign gone, dropping task",
				"task_id", task.ID,
				"campaign_id", task.CampaignID,
			)
			return
		}
		logger.Warn("Campaign lookup failed, deferring task",
			"task_id", task.ID,
			"error", err,
		)
		p.park(task, lane, "store_error")
		return
	}

	if c.Status != campaign.StatusRunning {
		// Pause or terminal state raced with the claim. Leave the task
		// pending in the store; a resume re-submits it.
		logger.Debug("Campaign not running, task stays pending",
			"task_id", task.ID,
			"campaign_id", c.ID,
			"status", string(c.Status),
		)
		return
	}

	if !p.limiter.TryAcquire(ctx, task.TenantID) {
		p.metrics.RateLimitDeferrals.Inc()
		if p.stats != nil {
			p.stats.IncrDeferred(ctx)
		}
		logger.Debug("Tenant rate limit hit, deferring task",
			"task_id", task.ID,
			"tenant_id", task.TenantID,
		)
		p.park(task, lane, "rate_limited")
		return
	}

	// A task is charged against the monthly quota once, on its first
	// attempt. Retries ride on the original charge.
	charged := false
	if task.Attempts == 0 {
		if err := p.quota.Consume(ctx, task.TenantID, quota.KindMessages, 1); err != nil {
			if errors.Is(err, quota.ErrExceeded) || errors.Is(err, quota.ErrNoSubscription) {
				p.metrics.QuotaRejections.Inc()
				p.fail(ctx, task, c.ID, "monthly message quota exceeded", logger)
				return
			}
			logger.Warn("Quota charge failed, deferring task",
				"task_id", task.ID,
				"error", err,
			)
			p.park(task, lane, "quota_error")
			return
		}
		charged = true
	}

	body := template.Render(c.Body, task.Recipient, task.Attributes)

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	result, err := p.send(sendCtx, transport.SendRequest{
		SessionID: c.SessionID,
		Recipient: task.Recipient,
		Type:      string(c.Type),
		Body:      body,
		MediaURL:  c.MediaURL,
	})
	cancel()
	p.metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker is shielding the gateway. Back off without
			// burning an attempt, and hand back the quota charge so
			// the redispatch charges cleanly.
			if charged {
				if rerr := p.quota.Release(ctx, task.TenantID, quota.KindMessages, 1); rerr != nil {
					logger.Warn("Quota release failed", "task_id", task.ID, "error", rerr)
				}
			}
			logger.Debug("Circuit breaker open, deferring task", "task_id", task.ID)
			p.park(task, lane, "breaker_open")
			return
		}
		p.handleSendFailure(ctx, task, c.ID, lane, err, logger)
		return
	}

	if err := p.tasks.MarkSent(ctx, task.ID, result.MessageID); err != nil {
		logger.Error("Failed to mark task sent",
			"task_id", task.ID,
			"message_id", result.MessageID,
			"error", err,
		)
		return
	}
	if err := p.campaigns.IncrSent(ctx, c.ID); err != nil {
		logger.Error("Failed to bump campaign sent counter",
			"campaign_id", c.ID,
			"error", err,
		)
	}
	p.metrics.TasksSent.Inc()
	if p.stats != nil {
		p.stats.IncrSent(ctx)
	}
	p.events.LogSent(logging.MessageContext{
		TaskID:     task.ID,
		CampaignID: c.ID,
		TenantID:   task.TenantID,
		Recipient:  task.Recipient,
		MessageID:  result.MessageID,
		Attempt:    task.Attempts + 1,
		Duration:   time.Since(start),
	})

	p.checkCompletion(ctx, c.ID)
}

// send runs the transport call through the circuit breaker.
func (p *Pool) send(ctx context.Context, req transport.SendRequest) (*transport.SendResult, error) {
	if p.pacer != nil {
		if err := p.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.gateway.Send(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*transport.SendResult), nil
}

// handleSendFailure consumes an attempt and either schedules a retry or
// marks the task terminally failed.
func (p *Pool) handleSendFailure(ctx context.Context, task *campaign.Task, campaignID string,
	lane scheduler.Lane, sendErr error, logger *slog.Logger) {

	task.Attempts++
	task.LastError = sendErr.Error()

	if delay, ok := p.retry.NextDelay(task.Attempts); ok {
		if err := p.tasks.RecordAttempt(ctx, task.ID, task.Attempts, task.LastError); err != nil {
			logger.Error("Failed to record attempt",
				"task_id", task.ID,
				"error", err,
			)
		}
		p.metrics.TasksRetried.Inc()
		p.events.LogRetry(logging.MessageContext{
			TaskID:     task.ID,
			CampaignID: campaignID,
			TenantID:   task.TenantID,
			Recipient:  task.Recipient,
			Attempt:    task.Attempts,
			RetryIn:    delay,
			Error:      task.LastError,
		})
		p.sched.SubmitAfter(task, lane, delay)
		return
	}

	// Persist the final attempt count before the terminal mark.
	if err := p.tasks.RecordAttempt(ctx, task.ID, task.Attempts, task.LastError); err != nil {
		logger.Error("Failed to record attempt",
			"task_id", task.ID,
			"error", err,
		)
	}
	p.fail(ctx, task, campaignID, task.LastError, logger)
}

// fail records a terminal task failure exactly once and re-evaluates
// campaign completion.
func (p *Pool) fail(ctx context.Context, task *campaign.Task, campaignID, lastError string, logger *slog.Logger) {
	if err := p.tasks.MarkFailed(ctx, task.ID, lastError); err != nil {
		logger.Error("Failed to mark task failed",
			"task_id", task.ID,
			"error", err,
		)
		return
	}
	if err := p.campaigns.IncrFailed(ctx, campaignID); err != nil {
		logger.Error("Failed to bump campaign failed counter",
			"campaign_id", campaignID,
			"error", err,
		)
	}
	p.metrics.TasksFailed.Inc()
	if p.stats != nil {
		p.stats.IncrFailed(ctx)
		p.stats.AddRecentError(ctx, task.ID, campaignID, task.Recipient, lastError)
	}
	p.events.LogFailed(logging.MessageContext{
		TaskID:     task.ID,
		CampaignID: campaignID,
		TenantID:   task.TenantID,
		Recipient:  task.Recipient,
		Attempt:    task.Attempts,
		Error:      lastError,
	})
	p.checkCompletion(ctx, campaignID)
}

// park re-enqueues a task at the tail of its lane after the defer delay,
// without consuming an attempt.
func (p *Pool) park(task *campaign.Task, lane scheduler.Lane, reason string) {
	p.metrics.TasksDeferred.Inc()
	p.events.LogDeferred(logging.MessageContext{
		TaskID:     task.ID,
		CampaignID: task.CampaignID,
		TenantID:   task.TenantID,
		Recipient:  task.Recipient,
		RetryIn:    p.cfg.DeferDelay,
	}, reason)
	p.sched.SubmitAfter(task, lane, p.cfg.DeferDelay)
}

// depthReporter periodically publishes per-lane queue depths.
func (p *Pool) depthReporter() error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.claimCtx.Done():
			return nil
		case <-ticker.C:
			depths := p.sched.Depths()
			for lane, depth := range depths {
				p.metrics.LaneDepth.WithLabelValues(scheduler.Lane(lane).String()).Set(float64(depth))
			}
		}
	}
}

// checkCompletion flips a running campaign to completed once every
// recipient has a terminal outcome. The conditional status update makes
// the transition exactly-once across workers.
func (p *Pool) checkCompletion(ctx context.Context, campaignID string) {
	c, err := p.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return
	}
	if !c.Done() || c.Status != campaign.StatusRunning {
		return
	}
	if err := p.campaigns.SetStatus(ctx, c.ID, campaign.StatusRunning, campaign.StatusCompleted); err != nil {
		return
	}
	p.metrics.CampaignsCompleted.Inc()
	p.events.LogCampaignCompleted(c.ID, c.TenantID, c.Sent, c.Failed, c.TotalRecipients)
}
