// Package ratelimit gates provider calls with a token bucket per
// (sending identity, channel).
package ratelimit

import (
	"context"
	"math"
	"time"

	appErrors "github.com/unclebandit/campaign-delivery/internal/errors"
	"github.com/unclebandit/campaign-delivery/internal/model"
)

// Limit configures one bucket. Rate is tokens per second, Burst the capacity.
type Limit struct {
	Rate  float64
	Burst int
}

// validate rejects limits no bucket can ever satisfy. These are setup faults,
// so they come back as configuration errors.
func (l Limit) validate(cost int) error {
	if l.Rate <= 0 || l.Burst < 1 {
		return appErrors.NewConfiguration("ratelimit", "invalid limit rate=%v burst=%d", l.Rate, l.Burst)
	}
	if cost < 1 || cost > l.Burst {
		return appErrors.NewConfiguration("ratelimit", "cost %d outside [1, %d]", cost, l.Burst)
	}
	return nil
}

// Decision is the result of TryAcquire. A denial is not an error; RetryAfter
// is when enough tokens will have accrued.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	TryAcquire(ctx context.Context, identity string, channel model.Channel, cost int, limit Limit) (Decision, error)
}

// Key is the bucket key shared by every worker.
func Key(identity string, channel model.Channel) string {
	return "ratelimit:" + identity + ":" + string(channel)
}

type bucket struct {
	tokens float64
	last   time.Time
}

// take refills b up to now and withdraws cost tokens if available.
func take(b bucket, now time.Time, cost int, limit Limit) (bucket, Decision) {
	if b.last.IsZero() {
		b = bucket{tokens: float64(limit.Burst), last: now}
	}
	if elapsed := now.Sub(b.last); elapsed > 0 {
		b.tokens = math.Min(float64(limit.Burst), b.tokens+elapsed.Seconds()*limit.Rate)
		b.last = now
	}
	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return b, Decision{Allowed: true}
	}
	need := (float64(cost) - b.tokens) / limit.Rate
	return b, Decision{RetryAfter: time.Duration(math.Ceil(need * float64(time.Second)))}
}
