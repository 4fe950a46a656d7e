package orphan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"herald/internal/domain/notification"

	"github.com/redis/go-redis/v9"
)

var _ notification.OrphanStore = (*RedisStore)(nil)

// RedisStore parks orphaned webhooks in Redis so every server and worker
// process shares them. A sorted set scored by next-attempt time indexes a
// hash of JSON-encoded orphans.
type RedisStore struct {
	client  *redis.Client
	dueKey  string
	dataKey string
}

// NewRedisStore creates a Redis-backed orphan store. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "herald"
	}
	return &RedisStore{
		client:  client,
		dueKey:  prefix + ":orphans:due",
		dataKey: prefix + ":orphans:data",
	}
}

// Park inserts or replaces an orphan.
func (s *RedisStore) Park(ctx context.Context, o *notification.OrphanedWebhook) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling orphan: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey, o.ID, raw)
		pipe.ZAdd(ctx, s.dueKey, redis.Z{
			Score:  float64(o.NextAttempt.UnixMilli()),
			Member: o.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("parking orphan: %w", err)
	}
	return nil
}

// Due returns up to limit orphans whose next attempt is not after now.
func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]*notification.OrphanedWebhook, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due orphans: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading due orphans: %w", err)
	}

	out := make([]*notification.OrphanedWebhook, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without data; drop it so it is not returned again.
			s.client.ZRem(ctx, s.dueKey, ids[i])
			continue
		}
		var o notification.OrphanedWebhook
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decoding orphan %s: %w", ids[i], err)
		}
		out = append(out, &o)
	}
	return out, nil
}

// Remove deletes an orphan.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.dueKey, id)
		pipe.HDel(ctx, s.dataKey, id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("removing orphan: %w", err)
	}
	return nil
}

// Count returns how many orphans are parked.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.dueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("counting orphans: %w", err)
	}
	return int(n), nil
}
