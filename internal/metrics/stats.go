package metrics

import (
	"context"
	"sync"
	"time"
)

// DeliveryStats holds aggregate delivery statistics for the ops API
type DeliveryStats struct {
	TotalSent     int64     `json:"total_sent"`
	TotalFailed   int64     `json:"total_failed"`
	TotalDeferred int64     `json:"total_deferred"`
	LastUpdated   time.Time `json:"last_updated"`
}

// HourlyStats holds delivery counts for one hour bucket
type HourlyStats struct {
	Hour     string `json:"hour"`
	Sent     int64  `json:"sent"`
	Failed   int64  `json:"failed"`
	Deferred int64  `json:"deferred"`
}

// RecentError is one preserved failure reason for operator visibility
type RecentError struct {
	TaskID     string `json:"task_id"`
	CampaignID string `json:"campaign_id"`
	Recipient  string `json:"recipient"`
	Error      string `json:"error"`
	Timestamp  string `json:"timestamp"`
}

// StatsStore records aggregate delivery outcomes. The dispatch pool writes
// into it on every disposition; the ops API reads it for tenant-facing
// counters. Recording failures must never block dispatch.
type StatsStore interface {
	IncrSent(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrDeferred(ctx context.Context) error
	AddRecentError(ctx context.Context, taskID, campaignID, recipient, errorMsg string) error
	GetStats(ctx context.Context) (*DeliveryStats, error)
	GetHourlyStats(ctx context.Context) ([]HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]RecentError, error)
}

// MemoryStats is the in-process StatsStore used when no Valkey endpoint is
// configured. Hourly buckets are kept for the trailing 24 hours.
type MemoryStats struct {
	mu     sync.Mutex
	stats  DeliveryStats
	hourly map[string]*HourlyStats
	recent []RecentError
}

// NewMemoryStats creates an in-memory stats store
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{
		hourly: make(map[string]*HourlyStats),
	}
}

func (m *MemoryStats) bucket(now time.Time) *HourlyStats {
	key := now.Format("2006-01-02:15")
	b, ok := m.hourly[key]
	if !ok {
		b = &HourlyStats{Hour: now.Format("15:00")}
		m.hourly[key] = b
	}
	return b
}

// IncrSent increments the sent counters
func (m *MemoryStats) IncrSent(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.stats.TotalSent++
	m.stats.LastUpdated = now
	m.bucket(now).Sent++
	return nil
}

// IncrFailed increments the failed counters
func (m *MemoryStats) IncrFailed(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.stats.TotalFailed++
	m.stats.LastUpdated = now
	m.bucket(now).Failed++
	return nil
}

// IncrDeferred increments the deferred counters
func (m *MemoryStats) IncrDeferred(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.stats.TotalDeferred++
	m.stats.LastUpdated = now
	m.bucket(now).Deferred++
	return nil
}

// AddRecentError records a failure reason, keeping the last 100
func (m *MemoryStats) AddRecentError(_ context.Context, taskID, campaignID, recipient, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append([]RecentError{{
		TaskID:     taskID,
		CampaignID: campaignID,
		Recipient:  recipient,
		Error:      errorMsg,
		Timestamp:  time.Now().Format(time.RFC3339),
	}}, m.recent...)
	if len(m.recent) > 100 {
		m.recent = m.recent[:100]
	}
	return nil
}

// GetStats returns the aggregate counters
func (m *MemoryStats) GetStats(_ context.Context) (*DeliveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.stats
	return &stats, nil
}

// GetHourlyStats returns the trailing 24 hour buckets
func (m *MemoryStats) GetHourlyStats(_ context.Context) ([]HourlyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]HourlyStats, 24)
	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		out[i] = HourlyStats{Hour: hour.Format("15:00")}
		if b, ok := m.hourly[hour.Format("2006-01-02:15")]; ok {
			out[i].Sent = b.Sent
			out[i].Failed = b.Failed
			out[i].Deferred = b.Deferred
		}
	}
	return out, nil
}

// GetRecentErrors returns up to limit preserved failure reasons
func (m *MemoryStats) GetRecentErrors(_ context.Context, limit int64) ([]RecentError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.recent))
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RecentError, n)
	copy(out, m.recent[:n])
	return out, nil
}
