package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/threadscout/internal/config"
	obsmetrics "github.com/smallbiznis/threadscout/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyFetchBucket = "ratelimit:scraper:global"

const minFetchWait = 50 * time.Millisecond

// FetchLimiter gates every scraping API call behind one global budget.
// When Redis is unreachable it degrades to a process-local limiter with the same budget.
type FetchLimiter struct {
	bucket *TokenBucket
	local  *rate.Limiter
	log    *zap.Logger

	ratePerSecond float64
	burst         int
}

func NewFetchLimiter(client *redis.Client, cfg config.Config, log *zap.Logger) *FetchLimiter {
	limit := cfg.Scraper.RateLimit
	if limit <= 0 {
		limit = 30
	}
	window := cfg.Scraper.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	perSecond := float64(limit) / window.Seconds()

	return &FetchLimiter{
		bucket:        NewTokenBucket(client),
		local:         rate.NewLimiter(rate.Limit(perSecond), limit),
		log:           log.Named("ratelimit.fetch"),
		ratePerSecond: perSecond,
		burst:         limit,
	}
}

// Wait blocks until a request slot is available or ctx is done.
func (l *FetchLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	start := time.Now()
	defer func() {
		obsmetrics.Pipeline().ObserveFetchLimiterWait(time.Since(start))
	}()

	for {
		if l.bucket == nil {
			return l.local.Wait(ctx)
		}
		res, err := l.bucket.Allow(ctx, keyFetchBucket, l.ratePerSecond, l.burst)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("shared rate limiter unavailable, using local limiter", zap.Error(err))
			return l.local.Wait(ctx)
		}
		if res.Allowed {
			return nil
		}

		wait := res.RetryAfter
		if wait < minFetchWait {
			wait = minFetchWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
