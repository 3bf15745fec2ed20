package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"botrelay/internal/domain"
)

// RedisRecorder keeps cumulative outcome counters in a hash, per-day
// buckets that expire after the TTL, and optionally per-account hashes.
//
// Keys (prefix "botrelay:stats"):
//
//	<prefix>:total              outcome -> count
//	<prefix>:day:20260310       outcome -> count (expires)
//	<prefix>:account:<id>       outcome -> count (expires)
type RedisRecorder struct {
	rdb *redis.Client

	prefix       string
	ttl          time.Duration
	trackAccount bool
}

type RedisOption func(*RedisRecorder)

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) { r.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

func WithAccountTracking(track bool) RedisOption {
	return func(r *RedisRecorder) { r.trackAccount = track }
}

func NewRedisRecorder(rdb *redis.Client, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:          rdb,
		prefix:       "botrelay:stats",
		ttl:          7 * 24 * time.Hour,
		trackAccount: true,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *RedisRecorder) Record(ctx context.Context, a domain.DispatchAttempt) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(a.Outcome)

	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, r.prefix+":total", field, 1)

	dayKey := fmt.Sprintf("%s:day:%s", r.prefix, at.UTC().Format("20060102"))
	pipe.HIncrBy(ctx, dayKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, dayKey, r.ttl)
	}

	if r.trackAccount && a.AccountID != "" {
		accKey := r.prefix + ":account:" + string(a.AccountID)
		pipe.HIncrBy(ctx, accKey, field, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, accKey, r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Totals reads the cumulative counters.
func (r *RedisRecorder) Totals(ctx context.Context) (Counts, error) {
	m, err := r.rdb.HGetAll(ctx, r.prefix+":total").Result()
	if err != nil {
		return Counts{}, fmt.Errorf("read totals: %w", err)
	}
	var c Counts
	for k, v := range m {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch domain.Outcome(k) {
		case domain.OutcomeSent:
			c.Sent = n
		case domain.OutcomeSkipped:
			c.Skipped = n
		case domain.OutcomeTransportError:
			c.TransportError = n
		}
	}
	return c, nil
}

func (r *RedisRecorder) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
