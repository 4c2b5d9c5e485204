// Package rate enforces per-identity sliding-window request limits backed by
// a shared redis, so limits hold across stateless process instances.
package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Bucket classifies traffic into independently tuned windows.
type Bucket string

const (
	// BucketAuth is the tightest bucket, covering /api/auth traffic.
	BucketAuth Bucket = "auth"
	// BucketCheckout covers checkout traffic.
	BucketCheckout Bucket = "checkout"
	// BucketAPI covers all remaining API traffic.
	BucketAPI Bucket = "api"
)

// Limit is a request budget over a sliding window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Config carries one Limit per bucket.
type Config struct {
	Auth     Limit
	Checkout Limit
	API      Limit
}

// DefaultConfig mirrors the production limits: 10/10s for auth routes,
// 5/60s for checkout, 30/60s for general API.
func DefaultConfig() Config {
	return Config{
		Auth:     Limit{Requests: 10, Window: 10 * time.Second},
		Checkout: Limit{Requests: 5, Window: 60 * time.Second},
		API:      Limit{Requests: 30, Window: 60 * time.Second},
	}
}

// Result reports one sliding-window decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests in redis sorted sets, one per (bucket, identity).
// All mutation happens inside a single MULTI/EXEC pipeline; there is no
// read-modify-write window between processes.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
	prefix string
	now    func() time.Time
}

func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
		prefix: "storefront:ratelimit",
		now:    time.Now,
	}
}

// NewAt is like New but with an injectable clock, for tests.
func NewAt(redisClient redis.UniversalClient, cfg Config, now func() time.Time) *Limiter {
	l := New(redisClient, cfg)
	l.now = now
	return l
}

func (l *Limiter) limit(bucket Bucket) Limit {
	switch bucket {
	case BucketAuth:
		return l.config.Auth
	case BucketCheckout:
		return l.config.Checkout
	default:
		return l.config.API
	}
}

func (l *Limiter) key(bucket Bucket, identity string) string {
	return l.prefix + ":" + string(bucket) + ":" + identity
}

// Check records the request and reports whether it fits the window. The
// request is counted even when denied, matching the smoothing behavior of a
// sliding window: sustained abuse keeps the identity saturated.
func (l *Limiter) Check(ctx context.Context, bucket Bucket, identity string) (Result, error) {
	limit := l.limit(bucket)
	if limit.Requests <= 0 || limit.Window <= 0 {
		return Result{Allowed: true, Remaining: 0, ResetAt: l.now()}, nil
	}

	key := l.key(bucket, identity)
	now := l.now()
	windowStart := now.Add(-limit.Window)

	pipe := l.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMilli(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: uuid.NewString(),
	})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, limit.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter backend: %w", err)
	}

	count := int(countCmd.Val())
	remaining := limit.Requests - count
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(limit.Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(limit.Window)
	}

	return Result{
		Allowed:   count <= limit.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
