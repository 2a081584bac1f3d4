package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/frostdev-ops/trustgate/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// LevelStore is a shared second-level cache so that several gateway
// instances agree on levels without each hitting the database.
type LevelStore interface {
	Get(ctx context.Context, key string) (CachedLevel, bool, error)
	Set(ctx context.Context, key string, value CachedLevel, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisLevelStore implements LevelStore on Redis. Calls go through a
// circuit breaker so an unreachable Redis costs one failed call per reset
// window instead of one per request.
type RedisLevelStore struct {
	client  redis.UniversalClient
	prefix  string
	breaker *apperrors.CircuitBreaker
}

// NewRedisLevelStore wraps client. prefix namespaces every key.
func NewRedisLevelStore(client redis.UniversalClient, prefix string, logger *logrus.Logger) *RedisLevelStore {
	return &RedisLevelStore{
		client: client,
		prefix: prefix,
		breaker: apperrors.NewCircuitBreaker(apperrors.CircuitBreakerConfig{
			Name:         "redis_level_store",
			MaxFailures:  3,
			ResetTimeout: 15 * time.Second,
			Logger:       logger,
		}),
	}
}

func (s *RedisLevelStore) Get(ctx context.Context, key string) (CachedLevel, bool, error) {
	var (
		value CachedLevel
		found bool
	)
	err := s.breaker.Execute(func() error {
		raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("failed to decode cached level: %w", err)
		}
		found = true
		return nil
	})
	if err != nil {
		return CachedLevel{}, false, err
	}
	return value, found, nil
}

func (s *RedisLevelStore) Set(ctx context.Context, key string, value CachedLevel, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cached level: %w", err)
	}
	return s.breaker.Execute(func() error {
		return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
	})
}

func (s *RedisLevelStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	return s.breaker.Execute(func() error {
		return s.client.Del(ctx, full...).Err()
	})
}
