package interfaces

import (
	"context"
)

// Store is the key-scoped persistence layer used for crash recovery
// ARCHITECTURAL DISCOVERY: Values are opaque JSON documents addressed by
// (scope, key), so every component owns its own namespace
type Store interface {
	// Get decodes the value at (scope, key) into dst.
	// It reports false with a nil error when no value exists.
	Get(ctx context.Context, scope, key string, dst any) (bool, error)

	// Set stores value at (scope, key). With sync the call returns only
	// after the value is durable; otherwise the write may be deferred.
	Set(ctx context.Context, scope, key string, value any, sync bool) error

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close() error
}
