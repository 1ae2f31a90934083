// Package quota enforces per-client daily send limits on a shared
// Redis counter so every gateway instance sees the same count.
package quota

import (
	"context"
	"fmt"
	"time"
)

// Counter is the Redis subset the enforcer needs
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Enforcer counts admissions per client per UTC day
type Enforcer struct {
	counter Counter
	prefix  string
	window  time.Duration
}

// NewEnforcer creates a quota enforcer. The window bounds the counter
// key's lifetime; counting always buckets by UTC calendar date.
func NewEnforcer(counter Counter, prefix string, window time.Duration) *Enforcer {
	return &Enforcer{counter: counter, prefix: prefix, window: window}
}

// Key returns the counter key for a client on a given day
func (e *Enforcer) Key(apiKey string, day time.Time) string {
	return fmt.Sprintf("%s:%s:%s", e.prefix, apiKey, day.UTC().Format("2006-01-02"))
}

// Check counts this request against the client's daily quota and reports
// whether it may proceed. The increment happens before the comparison
// and is never rolled back, so a rejected request still consumes nothing
// beyond its own increment slot. A non-positive quota disables the check.
func (e *Enforcer) Check(ctx context.Context, apiKey string, dailyQuota int) (bool, error) {
	if dailyQuota <= 0 {
		return true, nil
	}

	key := e.Key(apiKey, time.Now())
	count, err := e.counter.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to increment quota counter: %w", err)
	}

	// First increment of the day creates the key; bound its lifetime so
	// stale counters do not accumulate
	if count == 1 {
		if err := e.counter.Expire(ctx, key, e.window); err != nil {
			return false, fmt.Errorf("failed to set quota counter expiry: %w", err)
		}
	}

	return count <= int64(dailyQuota), nil
}
