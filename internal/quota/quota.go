package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Unlimited marks a limit with no upper bound
const Unlimited int64 = -1

// Common errors
var (
	// ErrExceeded is returned when a consume would push usage past the limit
	ErrExceeded = errors.New("quota exceeded")
	// ErrNoSubscription is returned for tenants without an active subscription
	ErrNoSubscription = errors.New("no active subscription")
)

// LimitKind identifies one of the per-tenant usage limits
type LimitKind string

const (
	KindMessages    LimitKind = "messages"
	KindValidations LimitKind = "validations"
	KindChannels    LimitKind = "channels"
	KindTemplates   LimitKind = "templates"
)

// Limits holds the per-period bounds of a subscription tier. A value of
// Unlimited disables the bound for that kind.
type Limits struct {
	Messages    int64 `json:"messages"`
	Validations int64 `json:"validations"`
	Channels    int64 `json:"channels"`
	Templates   int64 `json:"templates"`
}

// For returns the limit for a kind; unknown kinds are fully restricted
func (l Limits) For(kind LimitKind) int64 {
	switch kind {
	case KindMessages:
		return l.Messages
	case KindValidations:
		return l.Validations
	case KindChannels:
		return l.Channels
	case KindTemplates:
		return l.Templates
	default:
		return 0
	}
}

// Subscription is a tenant's active plan as reported by the billing system
type Subscription struct {
	Tier   string `json:"tier"`
	Limits Limits `json:"limits"`
}

// SubscriptionSource resolves a tenant's active subscription. Returns nil
// with no error when the tenant has none; the tracker then fails closed.
type SubscriptionSource interface {
	Active(ctx context.Context, tenantID string) (*Subscription, error)
}

// Usage is the accumulated consumption of one tenant in one period
type Usage struct {
	TenantID    string `json:"tenant_id"`
	Period      string `json:"period"`
	Messages    int64  `json:"messages"`
	Validations int64  `json:"validations"`
	Channels    int64  `json:"channels"`
	Templates   int64  `json:"templates"`
}

// For returns the usage counter for a kind
func (u *Usage) For(kind LimitKind) int64 {
	switch kind {
	case KindMessages:
		return u.Messages
	case KindValidations:
		return u.Validations
	case KindChannels:
		return u.Channels
	case KindTemplates:
		return u.Templates
	default:
		return 0
	}
}

// Store persists per-period usage rows, unique on (tenant, period).
// Rows are created lazily and never reset; a new period gets a new row.
type Store interface {
	// GetUsage returns the usage row for a tenant and period, or a zero
	// usage when no row exists yet.
	GetUsage(ctx context.Context, tenantID, period string) (*Usage, error)

	// AddUsage atomically adds amount to one counter, but only when the
	// result stays within limit (limit < 0 means unbounded). Returns false
	// when the addition was rejected. The check and the write are one
	// conditional update, never a read-modify-write in two statements.
	AddUsage(ctx context.Context, tenantID, period string, kind LimitKind, amount, limit int64) (bool, error)

	// ReleaseUsage subtracts amount from one counter, flooring at zero.
	// Only compensating actions (channel disconnect, template delete) call
	// this; delivery outcomes never decrement.
	ReleaseUsage(ctx context.Context, tenantID, period string, kind LimitKind, amount int64) error
}

// Period formats the calendar-month accounting period for a point in time
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Tracker answers "may this tenant consume N more of X right now". It
// resolves the subscription on every decision and holds no state of its own;
// usage lives in the Store.
type Tracker struct {
	subs   SubscriptionSource
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a quota tracker
func NewTracker(subs SubscriptionSource, store Store) *Tracker {
	return &Tracker{
		subs:   subs,
		store:  store,
		logger: slog.Default().With("component", "quota"),
		now:    time.Now,
	}
}

// Remaining returns how much of a limit is left this period. The second
// return is true when the tier places no bound on the kind. A tenant with no
// active subscription has zero remaining for every kind.
func (t *Tracker) Remaining(ctx context.Context, tenantID string, kind LimitKind) (int64, bool, error) {
	sub, err := t.subs.Active(ctx, tenantID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve subscription: %w", err)
	}
	if sub == nil {
		return 0, false, nil
	}

	limit := sub.Limits.For(kind)
	if limit < 0 {
		return 0, true, nil
	}

	usage, err := t.store.GetUsage(ctx, tenantID, Period(t.now()))
	if err != nil {
		return 0, false, fmt.Errorf("failed to load usage: %w", err)
	}

	remaining := limit - usage.For(kind)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, false, nil
}

// WouldExceed reports whether consuming amount would push the tenant past
// its limit for the kind
func (t *Tracker) WouldExceed(ctx context.Context, tenantID string, kind LimitKind, amount int64) (bool, error) {
	remaining, unlimited, err := t.Remaining(ctx, tenantID, kind)
	if err != nil {
		return true, err
	}
	if unlimited {
		return false, nil
	}
	return amount > remaining, nil
}

// Consume atomically checks and records consumption of amount. Returns
// ErrExceeded when the limit does not cover the amount and ErrNoSubscription
// for tenants without an active plan.
func (t *Tracker) Consume(ctx context.Context, tenantID string, kind LimitKind, amount int64) error {
	sub, err := t.subs.Active(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to resolve subscription: %w", err)
	}
	if sub == nil {
		return ErrNoSubscription
	}

	period := Period(t.now())
	ok, err := t.store.AddUsage(ctx, tenantID, period, kind, amount, sub.Limits.For(kind))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	if !ok {
		t.logger.Warn("quota consume rejected",
			"tenant_id", tenantID,
			"kind", kind,
			"amount", amount,
			"tier", sub.Tier)
		return ErrExceeded
	}
	return nil
}

// Release compensates a consume after an explicit disconnect or delete
func (t *Tracker) Release(ctx context.Context, tenantID string, kind LimitKind, amount int64) error {
	return t.store.ReleaseUsage(ctx, tenantID, Period(t.now()), kind, amount)
}
