// Package registry owns every delivery client, keyed by scope and name.
//
// All methods must run on the hub goroutine.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"pushrelay/internal/delivery"
	"pushrelay/internal/ebus"
	"pushrelay/internal/throttle"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// Persistence location of the client snapshot.
const (
	StoreScope = "ClientManager"
	StoreKey   = "clients"
)

// Target selects clients to unregister. Group takes precedence over Name.
type Target struct {
	Name  string
	Group string
}

// Entry is the persisted form of one client.
type Entry struct {
	Name  string          `json:"name"`
	Group string          `json:"group,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Snapshot is the persisted form of the whole registry.
type Snapshot map[types.Scope][]Entry

// Decoder rebuilds an endpoint from a persisted entry.
type Decoder func(Entry) (interfaces.Endpoint, error)

// Options configure a Registry.
type Options struct {
	// RetryTimeouts holds the delivery retry interval per scope.
	RetryTimeouts map[types.Scope]time.Duration

	// SaveDelay throttles snapshot writes. Zero disables persistence.
	SaveDelay time.Duration

	Observer delivery.Observer
}

// Registry manages delivery clients
// ARCHITECTURAL DISCOVERY: Replace-on-reconnect keeps exactly one client per
// (scope, name) while the new client inherits the old undelivered queue
type Registry struct {
	clients *ScopedMap[*delivery.Client]
	bus     *ebus.Bus
	exec    delivery.Executor
	store   interfaces.Store
	opts    Options
	logger  *zap.SugaredLogger

	saver    *throttle.Throttle
	snapshot Snapshot
}

// New creates a registry and subscribes it to message-start.
// Subscribe the tracker before calling New so recipients are seeded before
// routing starts.
func New(bus *ebus.Bus, exec delivery.Executor, store interfaces.Store, opts Options, logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{
		clients: NewScopedMap[*delivery.Client](),
		bus:     bus,
		exec:    exec,
		store:   store,
		opts:    opts,
		logger:  logger,
	}
	if store != nil && opts.SaveDelay > 0 {
		r.saver = throttle.New(opts.SaveDelay, func() {
			if err := exec.Submit(func() { r.save(context.Background(), false) }); err != nil {
				r.logger.Debugw("snapshot save dropped", "error", err)
			}
		})
	}
	bus.OnMessageStart(func(m *types.Message) { r.Route(m, nil) })
	return r
}

// Register adds ep under (scope, name). An existing client at the same key
// hands its pending queue to the new one and is unregistered without an
// unregister-client event.
func (r *Registry) Register(name, group string, ep interfaces.Endpoint, scope types.Scope) (*delivery.Client, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if !scope.IsValid() {
		return nil, ErrInvalidScope
	}

	c := delivery.NewClient(ep, delivery.Options{
		Name:         name,
		Group:        group,
		Scope:        scope,
		Kind:         defaultKind(scope),
		RetryTimeout: r.opts.RetryTimeouts[scope],
		Observer:     r.opts.Observer,
	}, r.bus, r.exec, r.logger.Named("client"))

	// FUNCTIONAL DISCOVERY: Set the new client before inheriting so a status
	// emitted by the first send already resolves to the current client
	old, replaced := r.clients.Get(scope, name)
	r.clients.Set(scope, name, c)
	if replaced {
		c.Inherit(old)
		r.logger.Debugw("client replaced", "name", name, "scope", scope, "inherited", c.Len())
	} else {
		r.logger.Debugw("client registered", "name", name, "scope", scope, "group", group)
	}

	r.scheduleSave()
	return c, nil
}

// Unregister removes the clients selected by t within scopes, or within
// every scope when none are given. It returns how many were removed.
func (r *Registry) Unregister(t Target, scopes ...types.Scope) int {
	var victims []*delivery.Client
	switch {
	case t.Group != "":
		victims = r.GetClientsByGroup(t.Group, scopes...)
	case t.Name != "":
		r.clients.Range(func(_ types.Scope, name string, c *delivery.Client) bool {
			if name == t.Name {
				victims = append(victims, c)
			}
			return true
		}, scopes...)
	}

	for _, c := range victims {
		r.remove(c)
	}
	if len(victims) > 0 {
		r.scheduleSave()
	}
	return len(victims)
}

// UnregisterClient removes c only if it is still the registered instance.
// RACE CONDITION FIX: a replaced client must not remove its successor
func (r *Registry) UnregisterClient(c *delivery.Client) bool {
	if c == nil {
		return false
	}
	current, ok := r.clients.Get(c.Scope(), c.Name())
	if !ok || current != c {
		return false
	}
	r.remove(c)
	r.scheduleSave()
	return true
}

func (r *Registry) remove(c *delivery.Client) {
	r.clients.Delete(c.Scope(), c.Name())
	c.Unregister()
	r.logger.Debugw("client unregistered", "name", c.Name(), "scope", c.Scope())
	r.bus.EmitUnregisterClient(ebus.ClientRef{
		Name:  c.Name(),
		Group: c.Group(),
		Scope: c.Scope(),
		Kind:  c.Kind(),
	})
}

// HasClient reports whether name is registered in any of scopes, or in any
// scope when none are given.
func (r *Registry) HasClient(name string, scopes ...types.Scope) bool {
	if len(scopes) == 0 {
		scopes = types.Scopes
	}
	for _, scope := range scopes {
		if _, ok := r.clients.Get(scope, name); ok {
			return true
		}
	}
	return false
}

// GetClient returns the client at (scope, name) or nil.
func (r *Registry) GetClient(name string, scope types.Scope) *delivery.Client {
	c, _ := r.clients.Get(scope, name)
	return c
}

// GetClients returns every client named name, one per scope.
func (r *Registry) GetClients(name string) []*delivery.Client {
	var out []*delivery.Client
	for _, scope := range types.Scopes {
		if c, ok := r.clients.Get(scope, name); ok {
			out = append(out, c)
		}
	}
	return out
}

// GetClientsByGroup returns the members of group within scopes, or within
// every scope when none are given.
func (r *Registry) GetClientsByGroup(group string, scopes ...types.Scope) []*delivery.Client {
	if group == "" {
		return nil
	}
	var out []*delivery.Client
	r.clients.Range(func(_ types.Scope, _ string, c *delivery.Client) bool {
		if c.Group() == group {
			out = append(out, c)
		}
		return true
	}, scopes...)
	return out
}

// GroupMembers returns the distinct names registered in group, sorted.
func (r *Registry) GroupMembers(group string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range r.GetClientsByGroup(group) {
		if !seen[c.Name()] {
			seen[c.Name()] = true
			names = append(names, c.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Route hands m to every matching client. A non-nil filter limits
// delivery to the names it accepts. It returns the number of clients.
func (r *Registry) Route(m *types.Message, filter func(name string) bool) int {
	var targets []*delivery.Client
	if m.IsGroup() {
		targets = r.GetClientsByGroup(m.Target)
	} else {
		targets = r.GetClients(m.Target)
	}

	n := 0
	for _, c := range targets {
		if filter != nil && !filter(c.Name()) {
			continue
		}
		c.SendMessage(m)
		n++
	}
	return n
}

// Clients returns every registered client in iteration order.
func (r *Registry) Clients() []*delivery.Client {
	out := make([]*delivery.Client, 0, r.clients.Len())
	r.clients.Range(func(_ types.Scope, _ string, c *delivery.Client) bool {
		out = append(out, c)
		return true
	})
	return out
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	stats := map[string]int{
		"total_clients": r.clients.Len(),
		"placeholders":  0,
		"queued":        0,
	}
	for _, scope := range types.Scopes {
		stats["scope_"+string(scope)] = r.clients.LenScope(scope)
	}
	r.clients.Range(func(_ types.Scope, _ string, c *delivery.Client) bool {
		if c.IsPlaceholder() {
			stats["placeholders"]++
		}
		stats["queued"] += c.Len()
		return true
	})
	return stats
}

// Shutdown flushes the snapshot synchronously and releases every client
// without publishing unregister events.
func (r *Registry) Shutdown(ctx context.Context) error {
	var err error
	if r.saver != nil {
		r.saver.Stop()
	}
	if r.store != nil {
		err = r.save(ctx, true)
	}
	r.clients.Range(func(_ types.Scope, _ string, c *delivery.Client) bool {
		c.Unregister()
		return true
	})
	r.clients = NewScopedMap[*delivery.Client]()
	return err
}

func defaultKind(scope types.Scope) types.TransportKind {
	switch scope {
	case types.ScopeWebhook:
		return types.KindWebhook
	case types.ScopeWebPush:
		return types.KindWebPush
	case types.ScopeFCM:
		return types.KindFCM
	default:
		return types.KindSocket
	}
}
