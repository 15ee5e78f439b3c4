package review

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisKey is the list escalations are pushed onto.
const DefaultRedisKey = "escrowflow:review:escalations"

// Lister is the subset of redis.Cmdable the queue needs.
type Lister interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

// RedisQueue pushes escalations as JSON onto a Redis list. Reviewers pop
// from the other end.
type RedisQueue struct {
	client Lister
	key    string
}

func NewRedisQueue(client Lister, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Escalate(ctx context.Context, e Escalation) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("review: encode escalation: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("review: lpush %s: %w", q.key, err)
	}
	return nil
}

// Close removes every queued escalation of the slice. Entries that do not
// decode are left for a reviewer to inspect.
func (q *RedisQueue) Close(ctx context.Context, sliceID string, _ time.Time) (int64, error) {
	items, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("review: lrange %s: %w", q.key, err)
	}
	seen := make(map[string]bool)
	var removed int64
	for _, raw := range items {
		if seen[raw] {
			continue
		}
		var e Escalation
		if json.Unmarshal([]byte(raw), &e) != nil || e.SliceID != sliceID {
			continue
		}
		seen[raw] = true
		n, err := q.client.LRem(ctx, q.key, 0, raw).Result()
		if err != nil {
			return removed, fmt.Errorf("review: lrem %s: %w", q.key, err)
		}
		removed += n
	}
	return removed, nil
}

// Len reports how many escalations are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("review: llen %s: %w", q.key, err)
	}
	return n, nil
}
