// Package relay wires the hub, event bus, tracker and registry into the
// relay core used by every transport server.
//
// Core methods block on the hub and must not be called from a hub task or
// a bus handler; use the Registry and Tracker directly there.
package relay

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"pushrelay/internal/delivery"
	"pushrelay/internal/ebus"
	"pushrelay/internal/hub"
	"pushrelay/internal/registry"
	"pushrelay/internal/tracker"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// Options configure a Core.
type Options struct {
	HubBuffer       int
	ClientSaveDelay time.Duration
	RecordSaveDelay time.Duration
	RetryTimeouts   map[types.Scope]time.Duration
	Observer        delivery.Observer

	// Tracer records a span per Send. Nil disables tracing.
	Tracer trace.Tracer
}

// StartHook runs on the hub during Start, after persisted clients were
// loaded and before tracker records are delivered again. Transport servers
// use it to register configured clients and recover their scopes.
type StartHook func(reg *registry.Registry)

// Core is the serialized facade over relay state
// ARCHITECTURAL DISCOVERY: The tracker subscribes to message-start before the
// registry, so recipients are seeded before the first wait status arrives
type Core struct {
	hub      *hub.Hub
	bus      *ebus.Bus
	tracker  *tracker.Tracker
	registry *registry.Registry
	store    interfaces.Store
	tracer   trace.Tracer
	logger   *zap.SugaredLogger

	hooks   []StartHook
	waiters map[string]chan types.StatusMap // hub only
	started bool
}

// New builds the core. Nothing runs until Start.
func New(store interfaces.Store, opts Options, logger *zap.SugaredLogger) *Core {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := hub.NewHub(logger.Named("hub"), opts.HubBuffer)
	bus := ebus.New(logger.Named("ebus"))

	// STEP 1: tracker first so it sees message-start before routing
	tr := tracker.New(bus, h, store, opts.RecordSaveDelay, logger.Named("tracker"))

	// STEP 2: registry routes on message-start
	reg := registry.New(bus, h, store, registry.Options{
		RetryTimeouts: opts.RetryTimeouts,
		SaveDelay:     opts.ClientSaveDelay,
		Observer:      opts.Observer,
	}, logger.Named("registry"))
	tr.SetDirectory(reg)

	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pushrelay")
	}

	c := &Core{
		hub:      h,
		bus:      bus,
		tracker:  tr,
		registry: reg,
		store:    store,
		tracer:   tracer,
		logger:   logger,
		waiters:  make(map[string]chan types.StatusMap),
	}

	// STEP 3: reply waiters after the tracker removed the record
	bus.OnMessageEnd(c.onMessageEnd)
	return c
}

// Bus returns the event bus. Subscribe before Start.
func (c *Core) Bus() *ebus.Bus { return c.bus }

// Registry returns the registry. It may only be used on the hub, from bus
// handlers and start hooks.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Executor returns the hub for components that re-enter it from their own
// goroutines.
func (c *Core) Executor() delivery.Executor { return c.hub }

// OnStart adds a hook run during Start. Call it before Start.
func (c *Core) OnStart(hook StartHook) {
	c.hooks = append(c.hooks, hook)
}

// Start loads persisted state, starts the hub, restores the socket scope as
// placeholders, runs the start hooks and delivers restored records again.
func (c *Core) Start(ctx context.Context) error {
	if c.started {
		return ErrAlreadyStarted
	}
	if err := c.registry.LoadSnapshot(ctx); err != nil {
		c.logger.Warnw("client snapshot unavailable", "error", err)
	}
	if err := c.tracker.LoadSnapshot(ctx); err != nil {
		c.logger.Warnw("message records unavailable", "error", err)
	}

	// The hub outlives ctx; Stop ends it.
	if err := c.hub.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	c.started = true

	return c.hub.Do(ctx, func() {
		placeholders := c.registry.Recover(types.ScopeSocket, nil)
		for _, hook := range c.hooks {
			hook(c.registry)
		}

		redelivered := 0
		for _, rec := range c.tracker.Restore() {
			pending := make(map[string]bool)
			for _, name := range rec.Pending() {
				pending[name] = true
			}
			redelivered += c.registry.Route(rec.Message, func(name string) bool { return pending[name] })
		}
		c.logger.Infow("relay core started", "placeholders", placeholders, "redelivered", redelivered)
	})
}

// Stop flushes both snapshots synchronously and stops the hub.
func (c *Core) Stop(ctx context.Context) error {
	if !c.started {
		return nil
	}
	c.started = false
	var errs []error
	err := c.hub.Do(ctx, func() {
		if err := c.tracker.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.registry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	})
	if err != nil {
		errs = append(errs, err)
	}
	if err := c.hub.Stop(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop relay core: %v", errs)
	}
	return nil
}

// Do runs fn on the hub with access to the registry and tracker.
func (c *Core) Do(ctx context.Context, fn func(reg *registry.Registry, tr *tracker.Tracker)) error {
	return c.hub.Do(ctx, func() { fn(c.registry, c.tracker) })
}

// Publish runs fn on the hub so it can emit events on the bus.
func (c *Core) Publish(ctx context.Context, fn func(bus *ebus.Bus)) error {
	return c.hub.Do(ctx, func() { fn(c.bus) })
}

// Send starts msg and waits up to wait for every recipient to become
// terminal. On timeout the reply carries the current status snapshot;
// delivery keeps retrying in the background. A zero wait replies right
// after the message was routed.
func (c *Core) Send(ctx context.Context, msg *types.Message, wait time.Duration) (reply types.MessageReply, err error) {
	ctx, span := c.tracer.Start(ctx, "relay.send", trace.WithAttributes(
		attribute.String("pushrelay.message.id", msg.MID),
		attribute.String("pushrelay.send_type", string(msg.SendType)),
		attribute.String("pushrelay.target", msg.Target),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("pushrelay.recipients", len(reply.Status)),
				attribute.Bool("pushrelay.complete", reply.Status.Complete()),
			)
		}
		span.End()
	}()

	reply = types.MessageReply{MID: msg.MID}
	if err := msg.Validate(); err != nil {
		return reply, err
	}

	done := make(chan types.StatusMap, 1)
	duplicate := false
	err = c.hub.Do(ctx, func() {
		if ctx.Err() != nil {
			return
		}
		if c.tracker.Has(msg.MID) {
			duplicate = true
			return
		}
		c.waiters[msg.MID] = done
		c.bus.EmitMessageStart(msg)
	})
	if err != nil {
		// The task may still run after Do gave up on ctx
		_ = c.hub.Do(context.WithoutCancel(ctx), func() {
			if c.waiters[msg.MID] == done {
				delete(c.waiters, msg.MID)
			}
		})
		return reply, err
	}
	if duplicate {
		return reply, fmt.Errorf("%w: %s", ErrDuplicateMID, msg.MID)
	}

	var ctxErr error
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case status := <-done:
			reply.Status = status
			return reply, nil
		case <-timer.C:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
	}

	// FUNCTIONAL DISCOVERY: Read the snapshot and drop the waiter in one hub
	// task so a message-end racing the timeout is never lost
	err = c.hub.Do(context.WithoutCancel(ctx), func() {
		delete(c.waiters, msg.MID)
		select {
		case reply.Status = <-done:
		default:
			reply.Status = c.tracker.Status(msg.MID)
		}
	})
	if err != nil {
		return reply, err
	}
	return reply, ctxErr
}

func (c *Core) onMessageEnd(e ebus.MessageEnd) {
	done, ok := c.waiters[e.Message.MID]
	if !ok {
		return
	}
	delete(c.waiters, e.Message.MID)
	done <- e.Status.Clone()
}

// Register adds ep under (scope, name), replacing and inheriting from any
// previous client at that key.
func (c *Core) Register(ctx context.Context, name, group string, ep interfaces.Endpoint, scope types.Scope) (*delivery.Client, error) {
	var (
		client *delivery.Client
		regErr error
	)
	if err := c.hub.Do(ctx, func() {
		client, regErr = c.registry.Register(name, group, ep, scope)
	}); err != nil {
		return nil, err
	}
	return client, regErr
}

// Unregister removes the clients selected by t. It returns the number
// removed.
func (c *Core) Unregister(ctx context.Context, t registry.Target, scopes ...types.Scope) (int, error) {
	n := 0
	err := c.hub.Do(ctx, func() { n = c.registry.Unregister(t, scopes...) })
	return n, err
}

// UnregisterClient removes client if it is still the registered instance.
func (c *Core) UnregisterClient(ctx context.Context, client *delivery.Client) (bool, error) {
	removed := false
	err := c.hub.Do(ctx, func() { removed = c.registry.UnregisterClient(client) })
	return removed, err
}

// Acknowledge records that name received mid. The socket queue of name is
// confirmed and other transports react to the ok status.
func (c *Core) Acknowledge(ctx context.Context, name, mid string) error {
	return c.hub.Do(ctx, func() {
		c.bus.EmitMessageClientStatus(ebus.ClientStatus{MID: mid, Name: name, Status: types.StatusOK})
		if sock := c.registry.GetClient(name, types.ScopeSocket); sock != nil {
			sock.Confirm(mid)
			sock.Discard(mid)
		}
	})
}

// Status returns the current recipient statuses of mid.
func (c *Core) Status(ctx context.Context, mid string) (types.StatusMap, error) {
	var status types.StatusMap
	err := c.hub.Do(ctx, func() { status = c.tracker.Status(mid) })
	return status, err
}

// HasClient reports whether name is registered in any of scopes.
func (c *Core) HasClient(ctx context.Context, name string, scopes ...types.Scope) (bool, error) {
	found := false
	err := c.hub.Do(ctx, func() { found = c.registry.HasClient(name, scopes...) })
	return found, err
}

// Group returns the group of the first client registered as name.
func (c *Core) Group(ctx context.Context, name string) (string, error) {
	var clients []*delivery.Client
	if err := c.hub.Do(ctx, func() { clients = c.registry.GetClients(name) }); err != nil {
		return "", err
	}
	if len(clients) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return clients[0].Group(), nil
}

// Stats returns registry statistics plus the open record count.
func (c *Core) Stats(ctx context.Context) (map[string]int, error) {
	var stats map[string]int
	err := c.hub.Do(ctx, func() {
		stats = c.registry.GetStats()
		stats["open_records"] = c.tracker.Len()
	})
	return stats, err
}

// HealthCheck verifies the store and that the hub is serving tasks.
func (c *Core) HealthCheck(ctx context.Context) error {
	if err := c.hub.Do(ctx, func() {}); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	if c.store != nil {
		if err := c.store.HealthCheck(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	return nil
}
