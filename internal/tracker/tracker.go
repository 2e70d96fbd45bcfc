// Package tracker follows every in-flight message from message-start until
// all of its recipients reach a terminal status.
//
// All methods except LoadSnapshot must run on the hub goroutine.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"pushrelay/internal/ebus"
	"pushrelay/internal/hub"
	"pushrelay/internal/throttle"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// Persistence location of the open records.
const (
	StoreScope = "MessageManager"
	StoreKey   = "records"
)

// Directory resolves recipients. The registry implements it.
type Directory interface {
	HasClient(name string, scopes ...types.Scope) bool
	GroupMembers(group string) []string
}

// Executor runs tasks on the hub goroutine.
type Executor interface {
	Submit(task hub.Task) error
}

// Record is one open message and the status of each recipient.
type Record struct {
	Message *types.Message  `json:"message"`
	Status  types.StatusMap `json:"status"`
}

// Validate rejects records that cannot be tracked.
func (r Record) Validate() error {
	if r.Message == nil {
		return fmt.Errorf("%w: missing message", ErrInvalidRecord)
	}
	if err := r.Message.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(r.Status) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidRecord)
	}
	return nil
}

// Pending returns the recipients that are not terminal yet, sorted.
func (r Record) Pending() []string {
	var names []string
	for name, s := range r.Status {
		if !s.IsTerminal() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Tracker owns the mid -> recipient status records.
type Tracker struct {
	records map[string]*Record
	bus     *ebus.Bus
	dir     Directory
	store   interfaces.Store
	logger  *zap.SugaredLogger

	saver    *throttle.Throttle
	restored []Record
}

// New creates a tracker and subscribes it to the lifecycle events. It has
// to be created before the registry so recipients are seeded before the
// registry routes a message.
func New(bus *ebus.Bus, exec Executor, store interfaces.Store, saveDelay time.Duration, logger *zap.SugaredLogger) *Tracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := &Tracker{
		records: make(map[string]*Record),
		bus:     bus,
		store:   store,
		logger:  logger,
	}
	if store != nil && saveDelay > 0 {
		t.saver = throttle.New(saveDelay, func() {
			if err := exec.Submit(func() { _ = t.save(context.Background(), false) }); err != nil {
				t.logger.Debugw("record save dropped", "error", err)
			}
		})
	}

	bus.OnMessageStart(t.onMessageStart)
	bus.OnMessageClientStatus(t.onMessageClientStatus)
	bus.OnUnregisterClient(t.onUnregisterClient)
	bus.OnMessageEnd(t.onMessageEnd)
	return t
}

// SetDirectory installs the recipient directory. Call it before the first
// message is started.
func (t *Tracker) SetDirectory(dir Directory) {
	t.dir = dir
}

func (t *Tracker) onMessageStart(m *types.Message) {
	if _, exists := t.records[m.MID]; exists {
		t.logger.Errorw("duplicate mid started, dropping", "mid", m.MID)
		return
	}

	status := make(types.StatusMap)
	if m.IsGroup() {
		for _, name := range t.dir.GroupMembers(m.Target) {
			status[name] = types.StatusReady
		}
		if len(status) == 0 {
			t.bus.EmitMessageEnd(ebus.MessageEnd{Message: m, Status: status})
			return
		}
	} else {
		if !t.dir.HasClient(m.Target) {
			t.bus.EmitMessageEnd(ebus.MessageEnd{
				Message: m,
				Status:  types.StatusMap{m.Target: types.StatusNo},
			})
			return
		}
		status[m.Target] = types.StatusReady
	}

	t.records[m.MID] = &Record{Message: m, Status: status}
	t.scheduleSave()
}

func (t *Tracker) onMessageClientStatus(s ebus.ClientStatus) {
	rec, ok := t.records[s.MID]
	if !ok {
		return
	}
	current, tracked := rec.Status[s.Name]
	if !tracked || current == s.Status {
		return
	}
	// ok is final; no only yields to a late ok
	if current.IsTerminal() && !(current == types.StatusNo && s.Status == types.StatusOK) {
		return
	}
	rec.Status[s.Name] = s.Status
	t.scheduleSave()
	t.checkComplete(rec)
}

// onUnregisterClient fails the open deliveries of a name that is gone from
// every scope.
func (t *Tracker) onUnregisterClient(c ebus.ClientRef) {
	if t.dir.HasClient(c.Name) {
		return
	}
	for _, mid := range t.mids() {
		rec, ok := t.records[mid]
		if !ok {
			continue
		}
		s, tracked := rec.Status[c.Name]
		if !tracked || s.IsTerminal() {
			continue
		}
		rec.Status[c.Name] = types.StatusNo
		t.scheduleSave()
		t.checkComplete(rec)
	}
}

func (t *Tracker) onMessageEnd(e ebus.MessageEnd) {
	if _, ok := t.records[e.Message.MID]; ok {
		delete(t.records, e.Message.MID)
		t.scheduleSave()
	}
}

func (t *Tracker) checkComplete(rec *Record) {
	if rec.Status.Complete() {
		t.bus.EmitMessageEnd(ebus.MessageEnd{Message: rec.Message, Status: rec.Status.Clone()})
	}
}

// mids returns the open mids in a stable order.
func (t *Tracker) mids() []string {
	out := make([]string, 0, len(t.records))
	for mid := range t.records {
		out = append(out, mid)
	}
	sort.Strings(out)
	return out
}

// Status returns a point-in-time copy of the recipient statuses of mid.
// The map is empty when mid is not tracked.
func (t *Tracker) Status(mid string) types.StatusMap {
	if rec, ok := t.records[mid]; ok {
		return rec.Status.Clone()
	}
	return types.StatusMap{}
}

// Has reports whether mid is being tracked.
func (t *Tracker) Has(mid string) bool {
	_, ok := t.records[mid]
	return ok
}

// Len returns the number of open records.
func (t *Tracker) Len() int {
	return len(t.records)
}
