package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oggyb/muzz-live/internal/config"
)

const (
	keyWaitingSet  = "queue:waiting"
	keyActiveCalls = "calls:active"
	keyPremium     = "subscriptions:premium"
)

type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr:        cfg.Redis.Addr,
		DialTimeout: 5 * time.Second,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisCache{Client: redis.NewClient(opts)}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.Client.Close()
}

// KeyForWaitingSet is the ordered set of WAITING users scored by entered_at (unix millis).
func (c *RedisCache) KeyForWaitingSet() string { return keyWaitingSet }

// AddWaiting inserts or refreshes a user in the waiting set.
func (c *RedisCache) AddWaiting(ctx context.Context, userID string, enteredAt time.Time) error {
	return c.Client.ZAdd(ctx, keyWaitingSet, redis.Z{
		Score:  float64(enteredAt.UnixMilli()),
		Member: userID,
	}).Err()
}

// RemoveWaiting drops users from the waiting set. Missing members are ignored.
func (c *RedisCache) RemoveWaiting(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]any, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	return c.Client.ZRem(ctx, keyWaitingSet, members...).Err()
}

// WaitingRank returns the 1-based FIFO position of userID.
// found is false when the user is not in the set.
func (c *RedisCache) WaitingRank(ctx context.Context, userID string) (rank int64, found bool, err error) {
	r, err := c.Client.ZRank(ctx, keyWaitingSet, userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil // cache miss
	} else if err != nil {
		return 0, false, err
	}
	return r + 1, true, nil
}

// WaitingCount is the cardinality of the waiting set.
func (c *RedisCache) WaitingCount(ctx context.Context) (int64, error) {
	return c.Client.ZCard(ctx, keyWaitingSet).Result()
}

// WaitingMembers lists every member of the waiting set in FIFO order.
func (c *RedisCache) WaitingMembers(ctx context.Context) ([]string, error) {
	return c.Client.ZRange(ctx, keyWaitingSet, 0, -1).Result()
}

// MarkActive adds users to the active-call set.
func (c *RedisCache) MarkActive(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return c.Client.SAdd(ctx, keyActiveCalls, toAny(userIDs)...).Err()
}

// UnmarkActive removes users from the active-call set.
func (c *RedisCache) UnmarkActive(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	return c.Client.SRem(ctx, keyActiveCalls, toAny(userIDs)...).Err()
}

func (c *RedisCache) IsActive(ctx context.Context, userID string) (bool, error) {
	return c.Client.SIsMember(ctx, keyActiveCalls, userID).Result()
}

func (c *RedisCache) ActiveMembers(ctx context.Context) ([]string, error) {
	return c.Client.SMembers(ctx, keyActiveCalls).Result()
}

// IsPremium checks the subscription mirror maintained by the billing service.
func (c *RedisCache) IsPremium(ctx context.Context, userID string) (bool, error) {
	return c.Client.SIsMember(ctx, keyPremium, userID).Result()
}

// SetPremium is used by seeding and tests; production writes come from billing.
func (c *RedisCache) SetPremium(ctx context.Context, userID string, premium bool) error {
	if premium {
		return c.Client.SAdd(ctx, keyPremium, userID).Err()
	}
	return c.Client.SRem(ctx, keyPremium, userID).Err()
}

// KeyForMatchCounter generates the Redis key for the hourly accepted-match counter.
func (c *RedisCache) KeyForMatchCounter(t time.Time) string {
	return fmt.Sprintf("matches:accepted:%s", t.UTC().Format("2006010215"))
}

// IncrMatchCounter bumps the current hour bucket and keeps it for a day.
func (c *RedisCache) IncrMatchCounter(ctx context.Context, now time.Time) error {
	key := c.KeyForMatchCounter(now)
	pipe := c.Client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 25*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// SumMatchCounters adds up the hourly counters covering the last `hours` hours, current hour included.
func (c *RedisCache) SumMatchCounters(ctx context.Context, now time.Time, hours int) (int64, error) {
	keys := make([]string, 0, hours)
	for i := 0; i < hours; i++ {
		keys = append(keys, c.KeyForMatchCounter(now.Add(-time.Duration(i)*time.Hour)))
	}
	vals, err := c.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
