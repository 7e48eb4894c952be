package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/multibot-io/multibot/internal/errs"
)

// RedisStore keeps dialog state in Redis so flows survive restarts
// and can be shared when more than one supervisor replica runs.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the given redis:// URL and verifies the
// server answers before returning. A zero ttl keeps entries forever,
// otherwise every write refreshes the expiry.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", errs.ErrStoreUnavailable, err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func stateKey(key string) string { return "fsm:" + key + ":state" }
func dataKey(key string) string  { return "fsm:" + key + ":data" }

func (r *RedisStore) SetState(ctx context.Context, key, state string) error {
	if state == "" {
		if err := r.client.Del(ctx, stateKey(key)).Err(); err != nil {
			return fmt.Errorf("%w: clear state: %v", errs.ErrStoreUnavailable, err)
		}
		return nil
	}
	if err := r.client.Set(ctx, stateKey(key), state, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set state: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) State(ctx context.Context, key string) (string, error) {
	state, err := r.client.Get(ctx, stateKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get state: %v", errs.ErrStoreUnavailable, err)
	}
	return state, nil
}

func (r *RedisStore) SetData(ctx context.Context, key string, data map[string]any) error {
	if len(data) == 0 {
		if err := r.client.Del(ctx, dataKey(key)).Err(); err != nil {
			return fmt.Errorf("%w: clear data: %v", errs.ErrStoreUnavailable, err)
		}
		return nil
	}
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	if err := r.client.Set(ctx, dataKey(key), blob, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set data: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) Data(ctx context.Context, key string) (map[string]any, error) {
	blob, err := r.client.Get(ctx, dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get data: %v", errs.ErrStoreUnavailable, err)
	}
	data := map[string]any{}
	if err := json.Unmarshal(blob, &data); err != nil {
		return nil, fmt.Errorf("unmarshal session data: %w", err)
	}
	return data, nil
}

func (r *RedisStore) Clear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, stateKey(key), dataKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: clear session: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
