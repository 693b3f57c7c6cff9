package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/zapcast/internal/cache"
)

const (
	// DefaultLimit is the per-tenant send budget within one window
	DefaultLimit = 30
	// DefaultWindow is the fixed-window length
	DefaultWindow = 60 * time.Second
)

// Limiter is the short-window throughput governor, independent of monthly
// quota. It is a fixed-window counter: the counter key is created with the
// window's expiry and a fresh window starts at zero once it lapses. Brief
// bursts right after a window boundary can exceed the limit; exact
// sliding-window accuracy is not required here.
type Limiter struct {
	cache  cache.Cache
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// NewLimiter creates a rate limiter backed by the shared counter cache
func NewLimiter(c cache.Cache, limit int64, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		cache:  c,
		limit:  limit,
		window: window,
		logger: slog.Default().With("component", "ratelimit"),
	}
}

// Limit returns the per-window send budget
func (l *Limiter) Limit() int64 {
	return l.limit
}

// Window returns the fixed-window length
func (l *Limiter) Window() time.Duration {
	return l.window
}

// TryAcquire consumes one send slot for the tenant in the current window.
// A false return is flow control, not an error: the caller defers the task
// and tries again later. Cache outages fail open so a degraded counter
// backend slows nothing down; the monthly quota still bounds total volume.
func (l *Limiter) TryAcquire(ctx context.Context, tenantID string) bool {
	key := fmt.Sprintf("ratelimit:send:%s", tenantID)

	count, err := l.cache.IncrementWindow(ctx, key, 1, l.window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, allowing send",
			"tenant_id", tenantID,
			"error", err)
		return true
	}

	if count > l.limit {
		l.logger.Debug("rate limit window exhausted",
			"tenant_id", tenantID,
			"count", count,
			"limit", l.limit)
		return false
	}
	return true
}
