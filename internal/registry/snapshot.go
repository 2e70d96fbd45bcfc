package registry

import (
	"context"
	"fmt"

	"pushrelay/internal/delivery"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// Snapshot captures every client as a persisted entry.
func (r *Registry) Snapshot() Snapshot {
	snap := make(Snapshot)
	r.clients.Range(func(scope types.Scope, name string, c *delivery.Client) bool {
		entry := Entry{Name: name, Group: c.Group()}
		if s, ok := c.Endpoint().(interfaces.Snapshotter); ok {
			entry.Data = s.Snapshot()
		}
		snap[scope] = append(snap[scope], entry)
		return true
	})
	return snap
}

// Save writes the snapshot now.
func (r *Registry) Save(ctx context.Context, sync bool) error {
	if r.store == nil {
		return nil
	}
	return r.save(ctx, sync)
}

func (r *Registry) save(ctx context.Context, sync bool) error {
	if err := r.store.Set(ctx, StoreScope, StoreKey, r.Snapshot(), sync); err != nil {
		r.logger.Warnw("saving client snapshot failed", "error", err)
		return fmt.Errorf("save client snapshot: %w", err)
	}
	return nil
}

func (r *Registry) scheduleSave() {
	if r.saver != nil {
		r.saver.Trigger()
	}
}

// LoadSnapshot reads the persisted snapshot for later Recover calls.
// It performs store IO and may run outside the hub goroutine, before the
// registry is shared.
func (r *Registry) LoadSnapshot(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var snap Snapshot
	found, err := r.store.Get(ctx, StoreScope, StoreKey, &snap)
	if err != nil {
		return fmt.Errorf("load client snapshot: %w", err)
	}
	if found {
		r.snapshot = snap
	}
	return nil
}

// Recover registers the persisted clients of scope. With a nil decode the
// clients come back as placeholders that queue until the device
// reconnects. Names already registered are left alone. It returns the
// number of restored clients.
func (r *Registry) Recover(scope types.Scope, decode Decoder) int {
	restored := 0
	for _, entry := range r.snapshot[scope] {
		if entry.Name == "" {
			continue
		}
		if _, exists := r.clients.Get(scope, entry.Name); exists {
			continue
		}

		var ep interfaces.Endpoint
		if decode != nil {
			var err error
			ep, err = decode(entry)
			if err != nil {
				r.logger.Warnw("dropping unrecoverable client", "name", entry.Name, "scope", scope, "error", err)
				continue
			}
		}
		if _, err := r.Register(entry.Name, entry.Group, ep, scope); err != nil {
			r.logger.Warnw("recovering client failed", "name", entry.Name, "scope", scope, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		r.logger.Infow("clients recovered", "scope", scope, "count", restored)
	}
	return restored
}
