package engine

import (
	"sync"
	"time"

	"memoryengine/internal/config"
	"memoryengine/internal/engerr"
)

// OpKind names a rate-limited operation class. Exactly one limiter exists
// per kind, owned by the engine handle.
type OpKind string

const (
	OpInsert      OpKind = "insert"
	OpRetrieve    OpKind = "retrieve"
	OpConsolidate OpKind = "consolidate"
	OpEmbed       OpKind = "embed"
	OpValidate    OpKind = "validate"
)

// limiter is a simple sliding-window counter: at most limit calls per
// minute. Zero limit means unlimited.
type limiter struct {
	mu     sync.Mutex
	limit  int
	window []time.Time
}

func (l *limiter) allow(now time.Time) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	kept := l.window[:0]
	for _, t := range l.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.window = kept

	if len(l.window) >= l.limit {
		retryAfter := l.window[0].Add(time.Minute).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}
	l.window = append(l.window, now)
	return true, 0
}

// RateLimits is the per-operation-kind quota manager, owned by the engine
// handle.
type RateLimits struct {
	limiters map[OpKind]*limiter
}

func newRateLimits(cfg config.RateLimitConfig) *RateLimits {
	return &RateLimits{limiters: map[OpKind]*limiter{
		OpInsert:      {limit: cfg.InsertPerMinute},
		OpRetrieve:    {limit: cfg.RetrievePerMinute},
		OpConsolidate: {limit: cfg.ConsolidatePerMinute},
		OpEmbed:       {limit: cfg.EmbedPerMinute},
		OpValidate:    {limit: cfg.ValidatePerMinute},
	}}
}

// Check consumes one quota unit for op, or returns KindRateLimited with a
// retry-after hint.
func (r *RateLimits) Check(op OpKind) error {
	l, ok := r.limiters[op]
	if !ok {
		return nil
	}
	allowed, retryAfter := l.allow(time.Now())
	if !allowed {
		return engerr.RateLimitedf("engine."+string(op), retryAfter)
	}
	return nil
}
