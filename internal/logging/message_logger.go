package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for message lifecycle events.
// Every outcome a task can reach emits exactly one event here, so the log
// stream doubles as an audit trail of the pipeline.
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext carries everything about a dispatch outcome worth logging
type MessageContext struct {
	TaskID     string
	CampaignID string
	TenantID   string
	Recipient  string
	MessageID  string
	Attempt    int
	Duration   time.Duration
	RetryIn    time.Duration
	Error      string
}

// LogSent logs a successful send acknowledged by the gateway
func (ml *MessageLogger) LogSent(ctx MessageContext) {
	ml.logger.Info("message_sent",
		"event_type", "sent",
		"task_id", ctx.TaskID,
		"campaign_id", ctx.CampaignID,
		"tenant_id", ctx.TenantID,
		"recipient", ctx.Recipient,
		"message_id", ctx.MessageID,
		"attempt", ctx.Attempt,
		"duration_ms", ctx.Duration.Milliseconds(),
	)
}

// LogDeferred logs a task pushed back without consuming an attempt
func (ml *MessageLogger) LogDeferred(ctx MessageContext, reason string) {
	ml.logger.Info("message_deferred",
		"event_type", "deferred",
		"task_id", ctx.TaskID,
		"campaign_id", ctx.CampaignID,
		"tenant_id", ctx.TenantID,
		"recipient", ctx.Recipient,
		"reason", reason,
		"retry_in_ms", ctx.RetryIn.Milliseconds(),
	)
}

// LogRetry logs a failed attempt that will be retried
func (ml *MessageLogger) LogRetry(ctx MessageContext) {
	ml.logger.Warn("message_retry",
		"event_type", "retry",
		"task_id", ctx.TaskID,
		"campaign_id", ctx.CampaignID,
		"tenant_id", ctx.TenantID,
		"recipient", ctx.Recipient,
		"attempt", ctx.Attempt,
		"retry_in_ms", ctx.RetryIn.Milliseconds(),
		"error", Sanitize(ctx.Error),
	)
}

// LogFailed logs a terminal task failure
func (ml *MessageLogger) LogFailed(ctx MessageContext) {
	ml.logger.Error("message_failed",
		"event_type", "failed",
		"task_id", ctx.TaskID,
		"campaign_id", ctx.CampaignID,
		"tenant_id", ctx.TenantID,
		"recipient", ctx.Recipient,
		"attempts", ctx.Attempt,
		"error", Sanitize(ctx.Error),
	)
}

// LogCampaignCompleted logs a campaign reaching its terminal success state
func (ml *MessageLogger) LogCampaignCompleted(campaignID, tenantID string, sent, failed, total int) {
	ml.logger.Info("campaign_completed",
		"event_type", "campaign_completed",
		"campaign_id", campaignID,
		"tenant_id", tenantID,
		"sent", sent,
		"failed", failed,
		"total", total,
	)
}
