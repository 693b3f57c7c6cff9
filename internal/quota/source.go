package quota

import (
	"context"
	"sync"
)

// LimitsForTier returns the stock limits bundled with a subscription tier.
// Unknown tiers get the starter limits.
func LimitsForTier(tier string) Limits {
	switch tier {
	case "enterprise":
		return Limits{Messages: Unlimited, Validations: Unlimited, Channels: 50, Templates: Unlimited}
	case "business":
		return Limits{Messages: 100000, Validations: 200000, Channels: 10, Templates: 500}
	case "pro":
		return Limits{Messages: 10000, Validations: 20000, Channels: 3, Templates: 100}
	default:
		return Limits{Messages: 1000, Validations: 2000, Channels: 1, Templates: 20}
	}
}

// StaticSource serves subscriptions from an in-memory table, typically
// loaded from configuration. Tenants absent from the table have no
// subscription and fail closed.
type StaticSource struct {
	mu    sync.RWMutex
	plans map[string]Subscription
}

// NewStaticSource creates a source over a tenant -> subscription table.
// Zero-valued limits in an entry are filled from the tier defaults.
func NewStaticSource(plans map[string]Subscription) *StaticSource {
	filled := make(map[string]Subscription, len(plans))
	for tenant, sub := range plans {
		defaults := LimitsForTier(sub.Tier)
		if sub.Limits.Messages == 0 {
			sub.Limits.Messages = defaults.Messages
		}
		if sub.Limits.Validations == 0 {
			sub.Limits.Validations = defaults.Validations
		}
		if sub.Limits.Channels == 0 {
			sub.Limits.Channels = defaults.Channels
		}
		if sub.Limits.Templates == 0 {
			sub.Limits.Templates = defaults.Templates
		}
		filled[tenant] = sub
	}
	return &StaticSource{plans: filled}
}

// Active returns the tenant's subscription, or nil when it has none.
func (s *StaticSource) Active(_ context.Context, tenantID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.plans[tenantID]
	if !ok {
		return nil, nil
	}
	cp := sub
	return &cp, nil
}

// Set adds or replaces a tenant's subscription at runtime.
func (s *StaticSource) Set(tenantID string, sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[tenantID] = sub
}
