// Package ebus is the in-process event bus connecting the relay components.
//
// Handlers run synchronously in the goroutine that calls Emit, in the order
// they were registered. The relay only emits from the hub goroutine, so a
// handler never races with another handler or with a registry mutation.
package ebus

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"pushrelay/pkg/types"
)

// Event names a lifecycle event.
type Event string

const (
	EventMessageStart        Event = "message-start"
	EventMessageClientStatus Event = "message-client-status"
	EventMessageEnd          Event = "message-end"
	EventUnregisterClient    Event = "unregister-client"
	EventRegisterWebPush     Event = "register-webpush"
	EventRegisterFCM         Event = "register-fcm"
	EventWebPushCallback     Event = "webpush-callback"
	EventFCMCallback         Event = "fcm-callback"
)

// ClientStatus is the payload of EventMessageClientStatus.
type ClientStatus struct {
	MID    string
	Name   string
	Status types.Status
}

// MessageEnd is the payload of EventMessageEnd.
type MessageEnd struct {
	Message *types.Message
	Status  types.StatusMap
}

// ClientRef identifies a client removed from the registry.
type ClientRef struct {
	Name  string
	Group string
	Scope types.Scope
	Kind  types.TransportKind
}

// RegisterWebPush is the payload of EventRegisterWebPush.
type RegisterWebPush struct {
	Name         string
	Group        string
	Subscription json.RawMessage
}

// RegisterFCM is the payload of EventRegisterFCM.
type RegisterFCM struct {
	Name  string
	Group string
	Token string
}

// Callback is the payload of the push callback events.
type Callback struct {
	MID  string
	Name string
}

// Handler receives an event payload.
type Handler func(payload any)

// Bus dispatches events to registered handlers.
type Bus struct {
	handlers map[Event][]Handler
	logger   *zap.SugaredLogger
}

// New creates an empty bus.
func New(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		handlers: make(map[Event][]Handler),
		logger:   logger,
	}
}

// On appends h to the handlers of e.
func (b *Bus) On(e Event, h Handler) {
	b.handlers[e] = append(b.handlers[e], h)
}

// Emit calls every handler of e in registration order.
// A panicking handler is logged and does not stop the remaining handlers.
func (b *Bus) Emit(e Event, payload any) {
	for _, h := range b.handlers[e] {
		b.call(e, h, payload)
	}
}

// HandlerCount returns how many handlers are registered for e.
func (b *Bus) HandlerCount(e Event) int {
	return len(b.handlers[e])
}

func (b *Bus) call(e Event, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event handler panicked", "event", e, "panic", fmt.Sprint(r))
		}
	}()
	h(payload)
}
