package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/kv"
	"go.uber.org/zap"
)

const rateKeyPrefix = "federation_rate:"

// RateLimiter counts accepted activities per origin host in fixed windows.
type RateLimiter struct {
	store   kv.Store
	window  time.Duration
	max     int64
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

func NewRateLimiter(store kv.Store, window time.Duration, max int64, logger *zap.Logger, metrics *Metrics) *RateLimiter {
	return &RateLimiter{
		store:   store,
		window:  window,
		max:     max,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

func (l *RateLimiter) windowStart(now time.Time) time.Time {
	return now.Truncate(l.window)
}

// Allow increments the host's counter for the current window and reports
// whether it is still within the limit. A failing store allows the request.
func (l *RateLimiter) Allow(ctx context.Context, host string) bool {
	counter, err := l.Count(ctx, host)
	if err != nil {
		l.logger.Warn("Rate limit store failed, allowing request", zap.String("host", host), zap.Error(err))
		l.metrics.observeFailOpen()
		return true
	}
	return counter.Count <= l.max
}

// Count increments and returns the counter of host for the current window.
func (l *RateLimiter) Count(ctx context.Context, host string) (domain.RateLimitCounter, error) {
	start := l.windowStart(l.now())
	key := fmt.Sprintf("%s%s:%d", rateKeyPrefix, host, start.Unix())
	n, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return domain.RateLimitCounter{}, err
	}
	return domain.RateLimitCounter{Host: host, WindowStart: start, Count: n}, nil
}

// RetryAfter returns the time until the current window ends.
func (l *RateLimiter) RetryAfter() time.Duration {
	now := l.now()
	return l.windowStart(now).Add(l.window).Sub(now)
}
