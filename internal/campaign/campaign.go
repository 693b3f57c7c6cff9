package campaign

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a campaign
type Status string

const (
	// StatusDraft is an editable campaign with no dispatched tasks
	StatusDraft Status = "draft"
	// StatusScheduled has a future dispatch time and waits for activation
	StatusScheduled Status = "scheduled"
	// StatusRunning has tasks actively claimed by dispatch workers
	StatusRunning Status = "running"
	// StatusPaused has dispatch halted; in-flight tasks finish, no new claims
	StatusPaused Status = "paused"
	// StatusCompleted is terminal: every task reached a terminal state
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: the campaign was aborted catastrophically
	StatusFailed Status = "failed"
)

// TaskStatus represents the delivery state of a single recipient task
type TaskStatus string

const (
	// TaskPending is waiting to be claimed by a dispatch worker
	TaskPending TaskStatus = "pending"
	// TaskSent was accepted by the outbound transport
	TaskSent TaskStatus = "sent"
	// TaskDelivered was confirmed delivered (optimistic, set with sent)
	TaskDelivered TaskStatus = "delivered"
	// TaskFailed exhausted all delivery attempts
	TaskFailed TaskStatus = "failed"
)

// MessageType represents the payload type of a campaign message
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

// Campaign represents one outbound blast owned by a tenant
type Campaign struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	Name            string      `json:"name"`
	SessionID       string      `json:"session_id"`
	Type            MessageType `json:"type"`
	Body            string      `json:"body"`
	MediaURL        string      `json:"media_url,omitempty"`
	Status          Status      `json:"status"`
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
	TotalRecipients int         `json:"total_recipients"`
	Sent            int         `json:"sent"`
	Delivered       int         `json:"delivered"`
	Failed          int         `json:"failed"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Pending returns the number of recipients with no terminal outcome yet
func (c *Campaign) Pending() int {
	return c.TotalRecipients - c.Sent - c.Failed
}

// Done reports whether every recipient task reached a terminal state
func (c *Campaign) Done() bool {
	return c.TotalRecipients > 0 && c.Sent+c.Failed >= c.TotalRecipients
}

// Task represents one (campaign, recipient) delivery unit
type Task struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	TenantID    string            `json:"tenant_id"`
	Recipient   string            `json:"recipient"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Status      TaskStatus        `json:"status"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Recipient is one target of a campaign as supplied by the authoring layer
type Recipient struct {
	Address    string            `json:"address"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewCampaign creates a draft campaign for the given tenant
func NewCampaign(tenantID, name, sessionID string, msgType MessageType, body, mediaURL string) *Campaign {
	now := time.Now().UTC()
	return &Campaign{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		SessionID: sessionID,
		Type:      msgType,
		Body:      body,
		MediaURL:  mediaURL,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTask creates a pending task for one recipient of a campaign
func NewTask(c *Campaign, r Recipient) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         uuid.NewString(),
		CampaignID: c.ID,
		TenantID:   c.TenantID,
		Recipient:  r.Address,
		Attributes: r.Attributes,
		Status:     TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
