package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists transcripts in Redis: a per-session set of idempotency
// keys guards against re-delivery, and the segments live in a per-session
// list in append order.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func keysKey(sessionID string) string     { return "transcript:" + sessionID + ":keys" }
func segmentsKey(sessionID string) string { return "transcript:" + sessionID + ":segments" }

func (r *RedisStore) Append(ctx context.Context, seg Segment) error {
	added, err := r.client.SAdd(ctx, keysKey(seg.SessionID), seg.IdempotencyKey).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if added == 0 {
		return ErrDuplicate
	}

	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("failed to marshal segment: %w", err)
	}
	if err := r.client.RPush(ctx, segmentsKey(seg.SessionID), data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisStore) ReadFrom(ctx context.Context, sessionID string, afterSequence int64) ([]Segment, error) {
	raw, err := r.client.LRange(ctx, segmentsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []Segment
	for _, item := range raw {
		var seg Segment
		if err := json.Unmarshal([]byte(item), &seg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal segment: %w", err)
		}
		if seg.Sequence > afterSequence {
			out = append(out, seg)
		}
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
