package campaign

import (
	"context"
	"errors"
	"time"
)

// Common store errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotConnected  = errors.New("not connected to store")
	ErrConflict      = errors.New("status changed concurrently")
)

// CampaignStore persists campaigns. Counter updates must be atomic
// read-modify-writes: two workers finishing concurrently for the same
// campaign must not lose an increment.
type CampaignStore interface {
	// CreateCampaign inserts a new campaign
	CreateCampaign(ctx context.Context, c *Campaign) error

	// GetCampaign retrieves a campaign by ID
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	// ListCampaigns lists campaigns for a tenant, newest first
	ListCampaigns(ctx context.Context, tenantID string) ([]*Campaign, error)

	// ListDue lists scheduled campaigns whose dispatch time has arrived
	ListDue(ctx context.Context, before time.Time) ([]*Campaign, error)

	// ListByStatus lists campaigns in one status across all tenants
	ListByStatus(ctx context.Context, status Status) ([]*Campaign, error)

	// UpdateCampaign persists mutable campaign fields (draft edits)
	UpdateCampaign(ctx context.Context, c *Campaign) error

	// SetStatus transitions a campaign from one status to another. The update
	// is conditional on the current status; if the campaign is no longer in
	// `from` the call returns ErrConflict and nothing changes.
	SetStatus(ctx context.Context, id string, from, to Status) error

	// SetTotalRecipients fixes the recipient count after task creation
	SetTotalRecipients(ctx context.Context, id string, total int) error

	// IncrSent atomically increments the sent and delivered counters.
	// The increment is rejected once sent+failed reaches total_recipients.
	IncrSent(ctx context.Context, id string) error

	// IncrFailed atomically increments the failed counter under the same bound
	IncrFailed(ctx context.Context, id string) error

	// DeleteCampaign removes a campaign and cascades to its tasks
	DeleteCampaign(ctx context.Context, id string) error
}

// TaskStore persists recipient tasks. A task row is only ever written by the
// one worker currently holding the task, so per-row updates need no
// conditional guard beyond status.
type TaskStore interface {
	// CreateTasks bulk-inserts tasks. A duplicate (campaign, recipient) pair
	// fails the whole batch with ErrAlreadyExists.
	CreateTasks(ctx context.Context, tasks []*Task) error

	// DeleteTasks removes every task of a campaign (draft re-edit)
	DeleteTasks(ctx context.Context, campaignID string) error

	// GetTask retrieves a task by ID
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks lists tasks of a campaign, optionally filtered by status.
	// An empty status lists all tasks, FIFO by creation time.
	ListTasks(ctx context.Context, campaignID string, status TaskStatus) ([]*Task, error)

	// MarkSent records a successful send: status sent->delivered (optimistic
	// delivery model), external message ID, timestamps.
	MarkSent(ctx context.Context, id, messageID string) error

	// MarkFailed records a terminal failure with the last error preserved
	MarkFailed(ctx context.Context, id, lastError string) error

	// RecordAttempt bumps the attempt counter and last error after a
	// retryable failure, leaving the task pending.
	RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error

	// RequeueFailed resets a campaign's failed tasks to pending with a
	// fresh attempt budget and subtracts them from the campaign's failed
	// counter. Returns the number of tasks requeued.
	RequeueFailed(ctx context.Context, campaignID string) (int, error)
}
