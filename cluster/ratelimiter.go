package cluster

import (
	"context"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter is a Redis-backed sliding-window counter shared across
// the cluster.
//
// Local fallback: while MarkDegraded(true) is in effect, Check consults
// a per-resource in-process token bucket instead of the broker, so that
// a degraded broker doesn't silently remove rate limiting altogether,
// grounded on control_plane/scheduler/limiter.go's TokenBucketLimiter.
// A broker error during a non-degraded Check fails open without
// consulting the bucket.
type RateLimiter struct {
	client *redis.Client
	prefix string

	localMu  sync.Mutex
	local    map[string]*rate.Limiter
	degraded atomic.Bool

	checks  atomic.Int64
	allowed atomic.Int64
	denied  atomic.Int64
}

func NewRateLimiter(client *redis.Client, prefix string) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		local:  make(map[string]*rate.Limiter),
	}
}

// MarkDegraded flips whether the limiter should prefer its local
// fallback bucket over the broker round trip. ClusterManager's
// connectivity watcher calls this when a broker ping fails, and again
// with false once a ping succeeds again.
func (l *RateLimiter) MarkDegraded(degraded bool) {
	l.degraded.Store(degraded)
}

func (l *RateLimiter) localLimiter(resource string, limit int, window time.Duration) *rate.Limiter {
	l.localMu.Lock()
	defer l.localMu.Unlock()
	lim, ok := l.local[resource]
	if !ok {
		perSecond := rate.Limit(float64(limit) / window.Seconds())
		lim = rate.NewLimiter(perSecond, limit)
		l.local[resource] = lim
	}
	return lim
}

// Check reports whether a request against resource is allowed under a
// limit-per-window sliding counter. cost <= 0 is treated as 1.
func (l *RateLimiter) Check(ctx context.Context, resource string, limit int, window time.Duration, cost int) bool {
	l.checks.Add(1)
	if cost <= 0 {
		cost = 1
	}

	if l.degraded.Load() {
		ok := l.localLimiter(resource, limit, window).AllowN(time.Now(), cost)
		l.record(ok)
		return ok
	}

	now := time.Now()
	windowSecs := int64(window.Seconds())
	if windowSecs <= 0 {
		windowSecs = 1
	}
	currentStart := (now.Unix() / windowSecs) * windowSecs
	previousStart := currentStart - windowSecs
	position := float64(now.Unix()-currentStart) / float64(windowSecs)

	currentKey := rateLimitWindowKey(l.prefix, resource, currentStart)
	previousKey := rateLimitWindowKey(l.prefix, resource, previousStart)

	pipe := l.client.Pipeline()
	currentCmd := pipe.Get(ctx, currentKey)
	previousCmd := pipe.Get(ctx, previousKey)
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		log.Printf("RateLimiter: Redis error (fail-open): %v", err)
		l.allowed.Add(1)
		return true
	}

	currentCount := parseCountOrZero(currentCmd)
	previousCount := parseCountOrZero(previousCmd)
	weighted := float64(previousCount)*(1.0-position) + float64(currentCount)

	if weighted+float64(cost) > float64(limit) {
		l.denied.Add(1)
		log.Printf("Rate limited: %s (%.1f+%d/%d per %v)", resource, weighted, cost, limit, window)
		return false
	}

	incrPipe := l.client.Pipeline()
	incrPipe.IncrBy(ctx, currentKey, int64(cost))
	incrPipe.Expire(ctx, currentKey, window*2)
	if _, err := incrPipe.Exec(ctx); err != nil {
		log.Printf("RateLimiter: increment error (fail-open, already allowed): %v", err)
	}

	l.allowed.Add(1)
	return true
}

func (l *RateLimiter) record(allowed bool) {
	if allowed {
		l.allowed.Add(1)
	} else {
		l.denied.Add(1)
	}
}

func parseCountOrZero(cmd *redis.StringCmd) int64 {
	v, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return v
}

// Usage reports the current window usage for a resource.
type Usage struct {
	CurrentWindowCount  int64
	PreviousWindowCount int64
	WeightedCount       float64
	WindowPosition      float64
	WindowSeconds       int64
}

func (l *RateLimiter) GetUsage(ctx context.Context, resource string, window time.Duration) (Usage, error) {
	now := time.Now()
	windowSecs := int64(window.Seconds())
	if windowSecs <= 0 {
		windowSecs = 1
	}
	currentStart := (now.Unix() / windowSecs) * windowSecs
	previousStart := currentStart - windowSecs
	position := float64(now.Unix()-currentStart) / float64(windowSecs)

	pipe := l.client.Pipeline()
	currentCmd := pipe.Get(ctx, rateLimitWindowKey(l.prefix, resource, currentStart))
	previousCmd := pipe.Get(ctx, rateLimitWindowKey(l.prefix, resource, previousStart))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Usage{}, err
	}

	currentCount := parseCountOrZero(currentCmd)
	previousCount := parseCountOrZero(previousCmd)
	weighted := float64(previousCount)*(1.0-position) + float64(currentCount)

	return Usage{
		CurrentWindowCount:  currentCount,
		PreviousWindowCount: previousCount,
		WeightedCount:       weighted,
		WindowPosition:      position,
		WindowSeconds:       windowSecs,
	}, nil
}

// Reset deletes both window counters for a resource.
func (l *RateLimiter) Reset(ctx context.Context, resource string, window time.Duration) error {
	windowSecs := int64(window.Seconds())
	now := time.Now().Unix()
	currentStart := (now / windowSecs) * windowSecs
	previousStart := currentStart - windowSecs

	pipe := l.client.Pipeline()
	pipe.Del(ctx, rateLimitWindowKey(l.prefix, resource, currentStart))
	pipe.Del(ctx, rateLimitWindowKey(l.prefix, resource, previousStart))
	_, err := pipe.Exec(ctx)
	if err == nil {
		log.Printf("Rate limit reset: %s", resource)
	}
	return err
}

// GetAllUsage is an admin/metrics operation: scan all rate-limit keys
// and return current-window usage per resource. Not for hot paths.
func (l *RateLimiter) GetAllUsage(ctx context.Context, window time.Duration) (map[string]Usage, error) {
	results := make(map[string]Usage)
	windowSecs := int64(window.Seconds())
	currentStart := (time.Now().Unix() / windowSecs) * windowSecs

	iter := l.client.Scan(ctx, 0, rateLimitPattern(l.prefix), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		resource, ts, ok := parseRateLimitKey(key)
		if !ok || ts != currentStart {
			continue
		}
		if _, seen := results[resource]; seen {
			continue
		}
		usage, err := l.GetUsage(ctx, resource, window)
		if err != nil {
			continue
		}
		results[resource] = usage
	}
	if err := iter.Err(); err != nil {
		log.Printf("RateLimiter: scan error: %v", err)
	}
	return results, nil
}

func parseRateLimitKey(key string) (resource string, windowStart int64, ok bool) {
	// key shape: {prefix}ratelimit:{resource}:{window_start}
	lastColon := lastIndexByte(key, ':')
	if lastColon < 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(key[lastColon+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	rest := key[:lastColon]
	secondColon := lastIndexByte(rest, ':')
	if secondColon < 0 {
		return "", 0, false
	}
	return rest[secondColon+1:], ts, true
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// RateLimiterStats summarizes RateLimiter activity for status reporting.
type RateLimiterStats struct {
	Checks  int64
	Allowed int64
	Denied  int64
}

func (l *RateLimiter) GetStats() RateLimiterStats {
	return RateLimiterStats{
		Checks:  l.checks.Load(),
		Allowed: l.allowed.Load(),
		Denied:  l.denied.Load(),
	}
}
