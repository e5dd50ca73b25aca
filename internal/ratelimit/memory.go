package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/unclebandit/campaign-delivery/internal/model"
)

// MemoryLimiter keeps buckets in process. It is only correct for a single
// worker process; deployments with several workers use RedisLimiter.
type MemoryLimiter struct {
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*memBucket
}

type memBucket struct {
	mu sync.Mutex
	b  bucket
}

func NewMemoryLimiter(now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{now: now, buckets: map[string]*memBucket{}}
}

func (l *MemoryLimiter) TryAcquire(_ context.Context, identity string, channel model.Channel, cost int, limit Limit) (Decision, error) {
	if err := limit.validate(cost); err != nil {
		return Decision{}, err
	}
	key := Key(identity, channel)

	l.mu.Lock()
	mb, ok := l.buckets[key]
	if !ok {
		mb = &memBucket{}
		l.buckets[key] = mb
	}
	l.mu.Unlock()

	mb.mu.Lock()
	defer mb.mu.Unlock()
	var d Decision
	mb.b, d = take(mb.b, l.now(), cost, limit)
	return d, nil
}
