// Package storage implements the scoped key-value store used for crash
// recovery on top of sqlite, redis or process memory.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"pushrelay/pkg/database"
	"pushrelay/pkg/interfaces"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config selects and configures a store driver.
type Config struct {
	Driver string
	SQLite *database.Config
	Redis  RedisConfig
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (interfaces.Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		dbCfg := cfg.SQLite
		if dbCfg == nil {
			dbCfg = database.DefaultConfig()
		}
		return NewSQLiteStore(dbCfg, logger)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// GetOrInit decodes the value at (scope, key) into dst. When nothing is
// stored, def is copied into dst and, with persist, written back
// synchronously.
func GetOrInit(ctx context.Context, s interfaces.Store, scope, key string, dst, def any, persist bool) error {
	found, err := s.Get(ctx, scope, key, dst)
	if err != nil {
		return err
	}
	if found {
		return nil
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode default %s/%s: %w", scope, key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode default %s/%s: %w", scope, key, err)
	}
	if persist {
		return s.Set(ctx, scope, key, def, true)
	}
	return nil
}

func encode(scope, key string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", scope, key, err)
	}
	return raw, nil
}

func decode(scope, key string, raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s/%s: %w", scope, key, err)
	}
	return nil
}
