package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/quota"
)

// Memory implements the Store interface in-process. It mirrors the SQL
// backends' conditional-update semantics exactly so pipeline tests exercise
// the same guarantees the production stores give.
type Memory struct {
	mu        sync.Mutex
	connected bool
	campaigns map[string]*campaign.Campaign
	tasks     map[string]*campaign.Task
	taskOrder []string // insertion order for FIFO listing
	usage     map[string]*quota.Usage
}

// NewMemory creates a new in-memory store
func NewMemory() *Memory {
	return &Memory{
		campaigns: make(map[string]*campaign.Campaign),
		tasks:     make(map[string]*campaign.Task),
		usage:     make(map[string]*quota.Usage),
	}
}

// Connect marks the store ready
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close clears all state
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.campaigns = make(map[string]*campaign.Campaign)
	m.tasks = make(map[string]*campaign.Task)
	m.taskOrder = nil
	m.usage = make(map[string]*quota.Usage)
	return nil
}

// IsConnected returns true if Connect was called
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Type returns the backend type
func (m *Memory) Type() string {
	return "memory"
}

// --- campaigns ---

// CreateCampaign inserts a new campaign
func (m *Memory) CreateCampaign(_ context.Context, c *campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	if _, ok := m.campaigns[c.ID]; ok {
		return campaign.ErrAlreadyExists
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

// GetCampaign retrieves a campaign by ID
func (m *Memory) GetCampaign(_ context.Context, id string) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, campaign.ErrNotConnected
	}
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCampaigns lists campaigns for a tenant, newest first
func (m *Memory) ListCampaigns(_ context.Context, tenantID string) ([]*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, campaign.ErrNotConnected
	}

	var out []*campaign.Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListDue returns scheduled campaigns whose dispatch time has passed.
func (m *Memory) ListDue(_ context.Context, before time.Time) ([]*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, campaign.ErrNotConnected
	}

	var out []*campaign.Campaign
	for _, c := range m.campaigns {
		if c.Status == campaign.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(before) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(*out[j].ScheduledAt)
	})
	return out, nil
}

// ListByStatus returns campaigns in one status across all tenants.
func (m *Memory) ListByStatus(_ context.Context, status campaign.Status) ([]*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, campaign.ErrNotConnected
	}

	var out []*campaign.Campaign
	for _, c := range m.campaigns {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateCampaign persists mutable campaign fields
func (m *Memory) UpdateCampaign(_ context.Context, c *campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return campaign.ErrNotFound
	}
	cur.Name = c.Name
	cur.SessionID = c.SessionID
	cur.Type = c.Type
	cur.Body = c.Body
	cur.MediaURL = c.MediaURL
	cur.ScheduledAt = c.ScheduledAt
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus transitions a campaign conditionally on its current status
func (m *Memory) SetStatus(_ context.Context, id string, from, to campaign.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != from {
		return campaign.ErrConflict
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTotalRecipients fixes the recipient count after task creation
func (m *Memory) SetTotalRecipients(_ context.Context, id string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	c.TotalRecipients = total
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrSent atomically increments sent and delivered within the bound
func (m *Memory) IncrSent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	c, ok := m.campaigns[id]
	if !ok || c.Sent+c.Failed >= c.TotalRecipients {
		return campaign.ErrNotFound
	}
	c.Sent++
	c.Delivered++
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// IncrFailed atomically increments the failed counter within the bound
func (m *Memory) IncrFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	c, ok := m.campaigns[id]
	if !ok || c.Sent+c.Failed >= c.TotalRecipients {
		return campaign.ErrNotFound
	}
	c.Failed++
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteCampaign removes a campaign and cascades to its tasks
func (m *Memory) DeleteCampaign(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	if _, ok := m.campaigns[id]; !ok {
		return campaign.ErrNotFound
	}
	delete(m.campaigns, id)
	m.removeTasks(id)
	return nil
}

// --- tasks ---

// CreateTasks bulk-inserts tasks; duplicates fail the whole batch
func (m *Memory) CreateTasks(_ context.Context, tasks []*campaign.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}

	seen := make(map[string]bool)
	for _, t := range tasks {
		key := t.CampaignID + "\x00" + t.Recipient
		if seen[key] {
			return campaign.ErrAlreadyExists
		}
		seen[key] = true
	}
	for _, existing := range m.tasks {
		if seen[existing.CampaignID+"\x00"+existing.Recipient] {
			return campaign.ErrAlreadyExists
		}
	}

	for _, t := range tasks {
		cp := *t
		m.tasks[t.ID] = &cp
		m.taskOrder = append(m.taskOrder, t.ID)
	}
	return nil
}

// DeleteTasks removes every task of a campaign
func (m *Memory) DeleteTasks(_ context.Context, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	m.removeTasks(campaignID)
	return nil
}

// GetTask retrieves a task by ID
func (m *Memory) GetTask(_ context.Context, id string) (*campaign.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, campaign.ErrNotConnected
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTasks lists tasks of a campaign FIFO; empty status lists all
func (m *Memory) ListTasks(_ context.Context, campaignID string, status campaign.TaskStatus) ([]*campaign.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, campaign.ErrNotConnected
	}

	var out []*campaign.Task
	for _, id := range m.taskOrder {
		t, ok := m.tasks[id]
		if !ok || t.CampaignID != campaignID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// MarkSent records a successful send (optimistic delivered)
func (m *Memory) MarkSent(_ context.Context, id, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	t, ok := m.tasks[id]
	if !ok {
		return campaign.ErrNotFound
	}
	now := time.Now().UTC()
	t.Status = campaign.TaskDelivered
	t.MessageID = messageID
	t.SentAt = &now
	t.DeliveredAt = &now
	t.LastError = ""
	t.UpdatedAt = now
	return nil
}

// MarkFailed records a terminal failure
func (m *Memory) MarkFailed(_ context.Context, id, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	t, ok := m.tasks[id]
	if !ok {
		return campaign.ErrNotFound
	}
	t.Status = campaign.TaskFailed
	t.LastError = lastError
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordAttempt bumps the attempt counter after a retryable failure
func (m *Memory) RecordAttempt(_ context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}
	t, ok := m.tasks[id]
	if !ok {
		return campaign.ErrNotFound
	}
	t.Attempts = attempts
	t.LastError = lastError
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// RequeueFailed resets a campaign's failed tasks to pending
func (m *Memory) RequeueFailed(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return 0, campaign.ErrNotConnected
	}
	c, ok := m.campaigns[campaignID]
	if !ok {
		return 0, campaign.ErrNotFound
	}
	now := time.Now().UTC()
	n := 0
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t == nil || t.CampaignID != campaignID || t.Status != campaign.TaskFailed {
			continue
		}
		t.Status = campaign.TaskPending
		t.Attempts = 0
		t.LastError = ""
		t.UpdatedAt = now
		n++
	}
	if n > 0 {
		c.Failed -= n
		c.UpdatedAt = now
	}
	return n, nil
}

// --- quota usage ---

// GetUsage returns the usage row for a tenant and period, zero when absent
func (m *Memory) GetUsage(_ context.Context, tenantID, period string) (*quota.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, campaign.ErrNotConnected
	}
	u, ok := m.usage[tenantID+"\x00"+period]
	if !ok {
		return &quota.Usage{TenantID: tenantID, Period: period}, nil
	}
	cp := *u
	return &cp, nil
}

// AddUsage atomically adds amount within limit; limit < 0 means unbounded
func (m *Memory) AddUsage(_ context.Context, tenantID, period string, kind quota.LimitKind, amount, limit int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, campaign.ErrNotConnected
	}

	key := tenantID + "\x00" + period
	u, ok := m.usage[key]
	if !ok {
		u = &quota.Usage{TenantID: tenantID, Period: period}
		m.usage[key] = u
	}

	cur := counterFor(u, kind)
	if cur == nil {
		return false, campaign.ErrNotFound
	}
	if limit >= 0 && *cur+amount > limit {
		return false, nil
	}
	*cur += amount
	return true, nil
}

// ReleaseUsage subtracts amount, flooring at zero
func (m *Memory) ReleaseUsage(_ context.Context, tenantID, period string, kind quota.LimitKind, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return campaign.ErrNotConnected
	}

	u, ok := m.usage[tenantID+"\x00"+period]
	if !ok {
		return nil
	}
	cur := counterFor(u, kind)
	if cur == nil {
		return campaign.ErrNotFound
	}
	*cur -= amount
	if *cur < 0 {
		*cur = 0
	}
	return nil
}

// removeTasks drops every task of a campaign; callers hold m.mu
func (m *Memory) removeTasks(campaignID string) {
	kept := m.taskOrder[:0]
	for _, id := range m.taskOrder {
		t, ok := m.tasks[id]
		if ok && t.CampaignID == campaignID {
			delete(m.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	m.taskOrder = kept
}

func counterFor(u *quota.Usage, kind quota.LimitKind) *int64 {
	switch kind {
	case quota.KindMessages:
		return &u.Messages
	case quota.KindValidations:
		return &u.Validations
	case quota.KindChannels:
		return &u.Channels
	case quota.KindTemplates:
		return &u.Templates
	default:
		return nil
	}
}
