package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStats provides delivery stats storage on Valkey, shared between
// zapcast nodes and surviving restarts. Hourly keys expire after 24 hours.
type ValkeyStats struct {
	client valkey.Client
	prefix string
}

// NewValkeyStats creates a Valkey-backed stats store
func NewValkeyStats(addr string) (*ValkeyStats, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, err
	}

	return &ValkeyStats{
		client: client,
		prefix: "zapcast:stats:",
	}, nil
}

// Close closes the Valkey connection
func (s *ValkeyStats) Close() {
	s.client.Close()
}

// incrCounter increments a total counter along with its hourly bucket
func (s *ValkeyStats) incrCounter(ctx context.Context, counterName string) error {
	key := s.prefix + counterName
	hourKey := s.prefix + "hourly:" + time.Now().Format("2006-01-02:15") + ":" + counterName

	cmds := []valkey.Completed{
		s.client.B().Incr().Key(key).Build(),
		s.client.B().Incr().Key(hourKey).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(86400).Build(),
		s.client.B().Set().Key(s.prefix + "last_updated").Value(time.Now().Format(time.RFC3339)).Build(),
	}

	for _, cmd := range cmds {
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	return nil
}

// IncrSent increments the sent counter
func (s *ValkeyStats) IncrSent(ctx context.Context) error {
	return s.incrCounter(ctx, "sent")
}

// IncrFailed increments the failed counter
func (s *ValkeyStats) IncrFailed(ctx context.Context) error {
	return s.incrCounter(ctx, "failed")
}

// IncrDeferred increments the deferred counter
func (s *ValkeyStats) IncrDeferred(ctx context.Context) error {
	return s.incrCounter(ctx, "deferred")
}

// GetStats retrieves the aggregate delivery counters
func (s *ValkeyStats) GetStats(ctx context.Context) (*DeliveryStats, error) {
	stats := &DeliveryStats{}

	sent, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"sent").Build()).ToString()
	failed, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"failed").Build()).ToString()
	deferred, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"deferred").Build()).ToString()
	lastUpdated, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()

	stats.TotalSent, _ = strconv.ParseInt(sent, 10, 64)
	stats.TotalFailed, _ = strconv.ParseInt(failed, 10, 64)
	stats.TotalDeferred, _ = strconv.ParseInt(deferred, 10, 64)
	stats.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)

	return stats, nil
}

// GetHourlyStats retrieves hourly statistics for the last 24 hours
func (s *ValkeyStats) GetHourlyStats(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := time.Now()

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		hourStr := hour.Format("2006-01-02:15")

		sent, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"hourly:"+hourStr+":sent").Build()).ToString()
		failed, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"hourly:"+hourStr+":failed").Build()).ToString()
		deferred, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"hourly:"+hourStr+":deferred").Build()).ToString()

		stats[i] = HourlyStats{Hour: hour.Format("15:00")}
		stats[i].Sent, _ = strconv.ParseInt(sent, 10, 64)
		stats[i].Failed, _ = strconv.ParseInt(failed, 10, 64)
		stats[i].Deferred, _ = strconv.ParseInt(deferred, 10, 64)
	}

	return stats, nil
}

// AddRecentError stores a delivery error, keeping the last 100
func (s *ValkeyStats) AddRecentError(ctx context.Context, taskID, campaignID, recipient, errorMsg string) error {
	data, err := json.Marshal(RecentError{
		TaskID:     taskID,
		CampaignID: campaignID,
		Recipient:  recipient,
		Error:      errorMsg,
		Timestamp:  time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := []valkey.Completed{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(99).Build(),
	}

	for _, cmd := range cmds {
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentErrors retrieves up to limit recent delivery errors
func (s *ValkeyStats) GetRecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]RecentError, 0, len(result))
	for _, item := range result {
		var re RecentError
		if err := json.Unmarshal([]byte(item), &re); err != nil {
			continue
		}
		out = append(out, re)
	}
	return out, nil
}
