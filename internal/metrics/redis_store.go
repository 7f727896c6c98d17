package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore mirrors campaign counters into Redis so an external
// dashboard can watch a long run without scraping the process. Counters
// are kept as running totals plus per-hour keys with a 24h TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects a Redis-backed metrics recorder. The prefix
// scopes keys per campaign.
func NewRedisStore(addr, campaignID string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{
		client: client,
		prefix: "mailrun:" + campaignID + ":",
		logger: slog.Default().With("component", "redis-metrics"),
	}, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// incrCounter bumps a running total and its hourly bucket
func (s *RedisStore) incrCounter(ctx context.Context, name string) {
	hourKey := s.prefix + "hourly:" + time.Now().Format("2006-01-02:15") + ":" + name

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, s.prefix+name)
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 24*time.Hour)
	pipe.Set(ctx, s.prefix+"last_updated", time.Now().Format(time.RFC3339), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Debug("failed to record metric", "name", name, "error", err)
	}
}

// IncrSent counts a successful delivery
func (s *RedisStore) IncrSent(ctx context.Context, senderID string) {
	s.incrCounter(ctx, "sent")
	s.incrCounter(ctx, "sent:"+senderID)
}

// IncrRetried counts a transient failure scheduled for retry
func (s *RedisStore) IncrRetried(ctx context.Context, senderID string) {
	s.incrCounter(ctx, "retried")
	s.incrCounter(ctx, "retried:"+senderID)
}

// IncrDeadLettered counts an abandoned task
func (s *RedisStore) IncrDeadLettered(ctx context.Context, senderID, _ string) {
	s.incrCounter(ctx, "dead_lettered")
	s.incrCounter(ctx, "dead_lettered:"+senderID)
}

// IncrReleased counts a task released back for reassignment
func (s *RedisStore) IncrReleased(ctx context.Context, senderID string) {
	s.incrCounter(ctx, "released")
	s.incrCounter(ctx, "released:"+senderID)
}

// Totals reads back the campaign's running totals
func (s *RedisStore) Totals(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, name := range []string{"sent", "retried", "dead_lettered", "released"} {
		v, err := s.client.Get(ctx, s.prefix+name).Result()
		if err == redis.Nil {
			out[name] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}
