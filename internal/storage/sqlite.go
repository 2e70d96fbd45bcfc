package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"pushrelay/pkg/database"
	"pushrelay/pkg/interfaces"
)

const (
	writeBuffer       = 100
	writeTimeout      = 30 * time.Second
	defaultRetryDelay = 5 * time.Second
)

// kvRow is one row of the kv table.
type kvRow struct {
	Scope string `db:"scope"`
	Key   string `db:"key"`
	Value string `db:"value"`
}

const upsertKV = `
	INSERT INTO kv (scope, key, value, updated_at)
	VALUES (:scope, :key, :value, CURRENT_TIMESTAMP)
	ON CONFLICT (scope, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
`

// SQLiteStore implements interfaces.Store on a sqlite kv table
// ARCHITECTURAL DISCOVERY: Reads go straight to the pool while every write
// is funneled through one goroutine to avoid SQLite write contention
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.SugaredLogger

	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed

	// last written encoding per scope/key, used to skip unchanged writes
	cacheMu sync.Mutex
	cache   map[string][]byte

	retryDelay time.Duration
}

// writeOperation represents a database write operation. A nil result
// channel marks a deferred write nobody waits for.
type writeOperation struct {
	operation func(*sqlx.DB) error
	result    chan error
}

// NewSQLiteStore opens the database, applies pragmas and migrations, and
// starts the writer goroutine.
func NewSQLiteStore(config *database.Config, logger *zap.SugaredLogger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := database.ApplyPragmas(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := database.NewMigrationManager(db.DB, database.EmbeddedMigrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := database.NewSchemaValidator(db.DB).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		logger:       logger,
		writeChannel: make(chan writeOperation, writeBuffer),
		shutdown:     make(chan struct{}),
		cache:        make(map[string][]byte),
		retryDelay:   defaultRetryDelay,
	}

	s.wg.Add(1)
	go s.writeLoop()

	logger.Infow("sqlite store opened", "path", config.DatabasePath)
	return s, nil
}

// writeLoop processes all write operations in a single goroutine. On
// shutdown it drains the queue so deferred writes still land.
func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			s.apply(op)
		case <-s.shutdown:
			for {
				select {
				case op := <-s.writeChannel:
					s.apply(op)
				default:
					s.logger.Debug("sqlite write loop shutting down")
					return
				}
			}
		}
	}
}

// apply runs op, retrying exactly once after retryDelay.
func (s *SQLiteStore) apply(op writeOperation) {
	err := op.operation(s.db)
	if err != nil {
		s.logger.Warnw("database write failed, retrying", "delay", s.retryDelay, "error", err)
		time.Sleep(s.retryDelay)
		if err = op.operation(s.db); err != nil {
			s.logger.Errorw("database write failed after retry", "error", err)
		}
	}
	if op.result != nil {
		op.result <- err
	}
}

// executeWrite queues a write operation. With wait it blocks until the
// operation has run.
func (s *SQLiteStore) executeWrite(ctx context.Context, operation func(*sqlx.DB) error, wait bool) error {
	op := writeOperation{operation: operation}
	if wait {
		op.result = make(chan error, 1)
	}

	// The read lock is held while enqueuing so Close cannot stop the loop
	// between the closed check and the send.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	select {
	case s.writeChannel <- op:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	case <-time.After(writeTimeout):
		s.mu.RUnlock()
		return ErrWriteTimeout
	}
	s.mu.RUnlock()

	if !wait {
		return nil
	}
	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cacheKey(scope, key string) string {
	return scope + "\x00" + key
}

// Get decodes the value at (scope, key). A deferred write that has not
// reached the database yet is served from the cache.
func (s *SQLiteStore) Get(ctx context.Context, scope, key string, dst any) (bool, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return false, interfaces.ErrStoreClosed
	}

	s.cacheMu.Lock()
	cached, ok := s.cache[cacheKey(scope, key)]
	s.cacheMu.Unlock()
	if ok {
		return true, decode(scope, key, cached, dst)
	}

	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM kv WHERE scope = ? AND key = ?", scope, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query %s/%s: %w", scope, key, err)
	}
	return true, decode(scope, key, []byte(value), dst)
}

// Set upserts value. Writes whose encoding matches the last write are
// skipped unless sync is requested.
func (s *SQLiteStore) Set(ctx context.Context, scope, key string, value any, sync bool) error {
	raw, err := encode(scope, key, value)
	if err != nil {
		return err
	}

	ck := cacheKey(scope, key)
	s.cacheMu.Lock()
	unchanged := bytes.Equal(s.cache[ck], raw)
	s.cache[ck] = raw
	s.cacheMu.Unlock()
	if unchanged && !sync {
		return nil
	}

	row := kvRow{Scope: scope, Key: key, Value: string(raw)}
	return s.executeWrite(ctx, func(db *sqlx.DB) error {
		if _, err := db.NamedExec(upsertKV, row); err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", scope, key, err)
		}
		return nil
	}, sync)
}

// HealthCheck validates database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM kv"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close drains pending writes and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
