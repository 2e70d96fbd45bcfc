package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each scope in a hash named <prefix><scope>.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.SugaredLogger
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.SugaredLogger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pushrelay:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("redis store connected", "addr", cfg.Addr, "keyPrefix", cfg.KeyPrefix)
	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix, logger: logger}, nil
}

func (s *RedisStore) hashKey(scope string) string {
	return s.keyPrefix + scope
}

func (s *RedisStore) Get(ctx context.Context, scope, key string, dst any) (bool, error) {
	raw, err := s.client.HGet(ctx, s.hashKey(scope), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s/%s: %w", scope, key, err)
	}
	return true, decode(scope, key, raw, dst)
}

// Set writes value. Redis acknowledges each write, so sync needs no
// extra handling.
func (s *RedisStore) Set(ctx context.Context, scope, key string, value any, _ bool) error {
	raw, err := encode(scope, key, value)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.hashKey(scope), key, raw).Err(); err != nil {
		return fmt.Errorf("redis set %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
