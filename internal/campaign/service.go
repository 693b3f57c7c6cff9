package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/busybox42/zapcast/internal/quota"
	"github.com/busybox42/zapcast/internal/template"
)

// Service errors surfaced to the authoring layer.
var (
	ErrInvalid        = errors.New("invalid campaign")
	ErrNotEditable    = errors.New("campaign is not editable")
	ErrNoRecipients   = errors.New("campaign has no recipients")
	ErrQuotaExceeded  = errors.New("monthly quota exceeded")
	ErrStillRunning   = errors.New("campaign is running, pause it first")
	ErrNoSubscription = errors.New("tenant has no active subscription")
)

// Address bounds after normalization, digits only.
const (
	minAddressDigits = 8
	maxAddressDigits = 15
)

// Dispatcher is the slice of the scheduler the service drives: feeding
// pending tasks in by tier and pulling a campaign's tasks back out.
type Dispatcher interface {
	Submit(tier string, tasks []*Task)
	Remove(campaignID string) int
}

// QuotaGate is the slice of the quota tracker the service needs for
// admission checks and recipient-validation accounting.
type QuotaGate interface {
	WouldExceed(ctx context.Context, tenantID string, kind quota.LimitKind, amount int64) (bool, error)
	Consume(ctx context.Context, tenantID string, kind quota.LimitKind, amount int64) error
}

// RejectedRecipient records one recipient dropped during validation,
// with the reason preserved for the authoring layer.
type RejectedRecipient struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// RecipientReport summarizes a SetRecipients call.
type RecipientReport struct {
	Accepted int                 `json:"accepted"`
	Rejected []RejectedRecipient `json:"rejected,omitempty"`
}

// Service implements the campaign lifecycle: authoring, recipient
// validation, quota-gated submission, pause and resume, and activation of
// scheduled campaigns.
type Service struct {
	campaigns CampaignStore
	tasks     TaskStore
	quota     QuotaGate
	subs      quota.SubscriptionSource
	sched     Dispatcher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates the campaign service.
func NewService(campaigns CampaignStore, tasks TaskStore, q QuotaGate,
	subs quota.SubscriptionSource, sched Dispatcher) *Service {
	return &Service{
		campaigns: campaigns,
		tasks:     tasks,
		quota:     q,
		subs:      subs,
		sched:     sched,
		logger:    slog.Default().With("component", "campaign"),
		now:       time.Now,
	}
}

// Create validates the message body and stores a new draft campaign.
func (s *Service) Create(ctx context.Context, tenantID, name, sessionID string,
	msgType MessageType, body, mediaURL string) (*Campaign, error) {

	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalid)
	}
	switch msgType {
	case MessageText:
		if body == "" {
			return nil, fmt.Errorf("%w: text campaigns require a body", ErrInvalid)
		}
	case MessageImage, MessageDocument:
		if mediaURL == "" {
			return nil, fmt.Errorf("%w: %s campaigns require a media url", ErrInvalid, msgType)
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalid, msgType)
	}
	if err := template.Validate(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	c := NewCampaign(tenantID, name, sessionID, msgType, body, mediaURL)
	if err := s.campaigns.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("Campaign created",
		"campaign_id", c.ID,
		"tenant_id", tenantID,
		"name", name,
	)
	return c, nil
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	return s.campaigns.GetCampaign(ctx, id)
}

// List returns a tenant's campaigns, newest first.
func (s *Service) List(ctx context.Context, tenantID string) ([]*Campaign, error) {
	return s.campaigns.ListCampaigns(ctx, tenantID)
}

// Update persists edits to a draft campaign's message and session fields.
func (s *Service) Update(ctx context.Context, c *Campaign) error {
	cur, err := s.campaigns.GetCampaign(ctx, c.ID)
	if err != nil {
		return err
	}
	if !Editable(cur.Status) {
		return ErrNotEditable
	}
	if err := template.Validate(c.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s.campaigns.UpdateCampaign(ctx, c)
}

// SetRecipients replaces a draft campaign's recipient list. Invalid
// addresses are rejected with a recorded reason, duplicates within the
// list collapse to one task, and each accepted recipient is charged
// against the tenant's validation quota.
func (s *Service) SetRecipients(ctx context.Context, id string, recipients []Recipient) (*RecipientReport, error) {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Editable(c.Status) {
		return nil, ErrNotEditable
	}

	report := &RecipientReport{}
	seen := make(map[string]bool, len(recipients))
	tasks := make([]*Task, 0, len(recipients))
	for _, r := range recipients {
		addr, reason := normalizeAddress(r.Address)
		if reason != "" {
			report.Rejected = append(report.Rejected, RejectedRecipient{Address: r.Address, Reason: reason})
			continue
		}
		if seen[addr] {
			report.Rejected = append(report.Rejected, RejectedRecipient{Address: r.Address, Reason: "duplicate recipient"})
			continue
		}
		seen[addr] = true
		tasks = append(tasks, NewTask(c, Recipient{Address: addr, Attributes: r.Attributes}))
	}

	if exceeded, err := s.quota.WouldExceed(ctx, c.TenantID, quota.KindValidations, int64(len(tasks))); err != nil {
		return nil, err
	} else if exceeded {
		return nil, fmt.Errorf("%w: validations", ErrQuotaExceeded)
	}

	// Re-editing a draft discards the previous recipient set entirely.
	if err := s.tasks.DeleteTasks(ctx, id); err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		if err := s.tasks.CreateTasks(ctx, tasks); err != nil {
			return nil, err
		}
	}
	if err := s.campaigns.SetTotalRecipients(ctx, id, len(tasks)); err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		if err := s.quota.Consume(ctx, c.TenantID, quota.KindValidations, int64(len(tasks))); err != nil {
			s.logger.Warn("Validation quota charge failed",
				"campaign_id", id,
				"error", err,
			)
		}
	}

	report.Accepted = len(tasks)
	s.logger.Info("Recipients set",
		"campaign_id", id,
		"accepted", report.Accepted,
		"rejected", len(report.Rejected),
	)
	return report, nil
}

// Submit moves a draft campaign into the pipeline. With a future
// scheduledAt the campaign parks as scheduled until the activation sweep
// picks it up; otherwise it starts running immediately. The tenant's
// message quota must cover the full recipient count or the call fails
// with no side effects.
func (s *Service) Submit(ctx context.Context, id string, scheduledAt *time.Time) (*Campaign, error) {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDraft {
		return nil, &ErrBadTransition{From: c.Status, To: StatusRunning}
	}
	if c.TotalRecipients == 0 {
		return nil, ErrNoRecipients
	}

	if exceeded, err := s.quota.WouldExceed(ctx, c.TenantID, quota.KindMessages, int64(c.TotalRecipients)); err != nil {
		return nil, err
	} else if exceeded {
		return nil, fmt.Errorf("%w: messages", ErrQuotaExceeded)
	}

	if scheduledAt != nil && scheduledAt.After(s.now()) {
		at := scheduledAt.UTC()
		c.ScheduledAt = &at
		if err := s.campaigns.UpdateCampaign(ctx, c); err != nil {
			return nil, err
		}
		if err := s.campaigns.SetStatus(ctx, id, StatusDraft, StatusScheduled); err != nil {
			return nil, err
		}
		c.Status = StatusScheduled
		s.logger.Info("Campaign scheduled",
			"campaign_id", id,
			"tenant_id", c.TenantID,
			"scheduled_at", at,
		)
		return c, nil
	}

	if err := s.start(ctx, c, StatusDraft); err != nil {
		return nil, err
	}
	c.Status = StatusRunning
	return c, nil
}

// Activate moves a due scheduled campaign to running. The activation
// sweep calls this; a campaign whose status changed underneath is left
// alone.
func (s *Service) Activate(ctx context.Context, id string) error {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != StatusScheduled {
		return nil
	}
	return s.start(ctx, c, StatusScheduled)
}

// ActivateDue finds scheduled campaigns whose time has arrived and starts
// each one. Returns the number activated.
func (s *Service) ActivateDue(ctx context.Context) (int, error) {
	due, err := s.campaigns.ListDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, c := range due {
		if err := s.Activate(ctx, c.ID); err != nil {
			s.logger.Error("Failed to activate scheduled campaign",
				"campaign_id", c.ID,
				"error", err,
			)
			if serr := s.campaigns.SetStatus(ctx, c.ID, StatusScheduled, StatusFailed); serr != nil {
				s.logger.Error("Failed to mark campaign failed", "campaign_id", c.ID, "error", serr)
			}
			continue
		}
		activated++
	}
	return activated, nil
}

// start transitions a campaign to running and feeds its pending tasks to
// the scheduler under the tenant's subscription tier.
func (s *Service) start(ctx context.Context, c *Campaign, from Status) error {
	sub, err := s.subs.Active(ctx, c.TenantID)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNoSubscription
	}

	if err := s.campaigns.SetStatus(ctx, c.ID, from, StatusRunning); err != nil {
		return err
	}

	pending, err := s.tasks.ListTasks(ctx, c.ID, TaskPending)
	if err != nil {
		return err
	}
	s.sched.Submit(sub.Tier, pending)
	s.logger.Info("Campaign running",
		"campaign_id", c.ID,
		"tenant_id", c.TenantID,
		"tier", sub.Tier,
		"pending", len(pending),
	)
	return nil
}

// Recover re-feeds the scheduler after a restart: every running
// campaign's pending tasks go back on their lane. Tasks already sent or
// failed keep their terminal state, so a crash never re-sends.
func (s *Service) Recover(ctx context.Context) error {
	running, err := s.campaigns.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return err
	}
	for _, c := range running {
		sub, err := s.subs.Active(ctx, c.TenantID)
		if err != nil {
			return err
		}
		tier := ""
		if sub != nil {
			tier = sub.Tier
		}
		pending, err := s.tasks.ListTasks(ctx, c.ID, TaskPending)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			continue
		}
		s.sched.Submit(tier, pending)
		s.logger.Info("Recovered running campaign",
			"campaign_id", c.ID,
			"tenant_id", c.TenantID,
			"pending", len(pending),
		)
	}
	return nil
}

// Pause halts dispatch for a running campaign. Claimed tasks already in
// flight finish; everything queued is pulled out of the scheduler and
// stays pending in the store.
func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.campaigns.SetStatus(ctx, id, StatusRunning, StatusPaused); err != nil {
		return err
	}
	removed := s.sched.Remove(id)
	s.logger.Info("Campaign paused",
		"campaign_id", id,
		"dequeued", removed,
	)
	return nil
}

// Resume puts a paused campaign back on the air, re-submitting its
// pending tasks. A campaign whose last in-flight tasks finished while it
// was paused completes immediately.
func (s *Service) Resume(ctx context.Context, id string) error {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if err := s.start(ctx, c, StatusPaused); err != nil {
		return err
	}
	if c.Done() {
		if err := s.campaigns.SetStatus(ctx, id, StatusRunning, StatusCompleted); err == nil {
			s.logger.Info("Campaign completed", "campaign_id", id)
		}
	}
	return nil
}

// Cancel terminally fails a scheduled, running, or paused campaign and
// pulls its queued tasks out of the scheduler. In-flight tasks finish;
// the remainder stays pending in the store under the failed campaign.
func (s *Service) Cancel(ctx context.Context, id string) error {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, StatusFailed) {
		return &ErrBadTransition{From: c.Status, To: StatusFailed}
	}
	if err := s.campaigns.SetStatus(ctx, id, c.Status, StatusFailed); err != nil {
		return err
	}
	removed := s.sched.Remove(id)
	s.logger.Info("Campaign cancelled",
		"campaign_id", id,
		"dequeued", removed,
	)
	return nil
}

// FlushFailed gives a paused campaign's failed tasks another full attempt
// budget, moving them back to pending. Resume picks them up with the rest
// of the backlog. Returns the number of tasks requeued.
func (s *Service) FlushFailed(ctx context.Context, id string) (int, error) {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status != StatusPaused {
		return 0, fmt.Errorf("%w: campaign must be paused to flush failed tasks", ErrConflict)
	}
	n, err := s.tasks.RequeueFailed(ctx, id)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Failed tasks requeued",
		"campaign_id", id,
		"requeued", n,
	)
	return n, nil
}

// Delete removes a campaign and its tasks. Running campaigns must be
// paused first so no worker is mid-send on a task being deleted.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == StatusRunning {
		return ErrStillRunning
	}
	s.sched.Remove(id)
	return s.campaigns.DeleteCampaign(ctx, id)
}

// normalizeAddress canonicalizes a phone address to bare digits with the
// country code retained. Returns a non-empty reason when the address is
// unusable.
func normalizeAddress(addr string) (string, string) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return "", "empty address"
	}
	trimmed = strings.TrimPrefix(trimmed, "+")

	var digits strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators are tolerated and dropped
		default:
			return "", "invalid characters in address"
		}
	}
	out := digits.String()
	if len(out) < minAddressDigits {
		return "", "address too short"
	}
	if len(out) > maxAddressDigits {
		return "", "address too long"
	}
	return out, ""
}
