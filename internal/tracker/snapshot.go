package tracker

import (
	"context"
	"fmt"

	"pushrelay/internal/ebus"
	"pushrelay/pkg/types"
)

// Records returns a copy of every open record ordered by mid.
func (t *Tracker) Records() []Record {
	out := make([]Record, 0, len(t.records))
	for _, mid := range t.mids() {
		rec := t.records[mid]
		out = append(out, Record{Message: rec.Message, Status: rec.Status.Clone()})
	}
	return out
}

func (t *Tracker) scheduleSave() {
	if t.saver != nil {
		t.saver.Trigger()
	}
}

func (t *Tracker) save(ctx context.Context, sync bool) error {
	if err := t.store.Set(ctx, StoreScope, StoreKey, t.Records(), sync); err != nil {
		t.logger.Warnw("saving message records failed", "error", err)
		return fmt.Errorf("save message records: %w", err)
	}
	return nil
}

// LoadSnapshot reads the persisted records for a later Restore. It performs
// store IO and may run before the hub starts.
func (t *Tracker) LoadSnapshot(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	var records []Record
	found, err := t.store.Get(ctx, StoreScope, StoreKey, &records)
	if err != nil {
		return fmt.Errorf("load message records: %w", err)
	}
	if found {
		t.restored = records
	}
	return nil
}

// Restore re-seeds the loaded records. Invalid records are logged and
// dropped. Recipients that no longer exist in any scope are failed. It
// returns the records that still have pending recipients so the caller
// can deliver them again.
func (t *Tracker) Restore() []Record {
	var pending []Record
	for _, rec := range t.restored {
		if err := rec.Validate(); err != nil {
			t.logger.Warnw("dropping persisted record", "error", err)
			continue
		}
		if _, exists := t.records[rec.Message.MID]; exists {
			continue
		}

		status := rec.Status.Clone()
		for name, s := range status {
			if !s.IsTerminal() && !t.dir.HasClient(name) {
				status[name] = types.StatusNo
			}
		}
		if status.Complete() {
			t.bus.EmitMessageEnd(ebus.MessageEnd{Message: rec.Message, Status: status})
			continue
		}

		t.records[rec.Message.MID] = &Record{Message: rec.Message, Status: status}
		pending = append(pending, Record{Message: rec.Message, Status: status.Clone()})
	}
	t.restored = nil
	if len(pending) > 0 {
		t.logger.Infow("message records restored", "count", len(pending))
		t.scheduleSave()
	}
	return pending
}

// Shutdown flushes the open records synchronously.
func (t *Tracker) Shutdown(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	if t.saver != nil {
		t.saver.Stop()
	}
	return t.save(ctx, true)
}
