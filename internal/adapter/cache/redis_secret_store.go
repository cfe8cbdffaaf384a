package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/repository"
)

const secretKeyPrefix = "appguard:secret:"

// RedisSecretStore implements SecretStore backed by Redis.
type RedisSecretStore struct {
	client redis.UniversalClient
}

var _ repository.SecretStore = (*RedisSecretStore)(nil)

// NewRedisSecretStore constructs a Redis-backed secret store.
func NewRedisSecretStore(client redis.UniversalClient) *RedisSecretStore {
	return &RedisSecretStore{client: client}
}

// Init verifies the server is reachable.
func (s *RedisSecretStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get loads the secret value.
func (s *RedisSecretStore) Get(ctx context.Context, kind domain.SecretKind) (string, bool, error) {
	value, err := s.client.Get(ctx, secretKey(kind)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("load secret %s: %w", kind, err)
	}
	return value, true, nil
}

// Set persists the secret without expiry.
func (s *RedisSecretStore) Set(ctx context.Context, kind domain.SecretKind, value string) error {
	if err := s.client.Set(ctx, secretKey(kind), value, 0).Err(); err != nil {
		return fmt.Errorf("persist secret %s: %w", kind, err)
	}
	return nil
}

// Delete removes the persisted secret key.
func (s *RedisSecretStore) Delete(ctx context.Context, kind domain.SecretKind) error {
	if err := s.client.Del(ctx, secretKey(kind)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete secret %s: %w", kind, err)
	}
	return nil
}

func secretKey(kind domain.SecretKind) string {
	return secretKeyPrefix + kind.Key()
}
