package interfaces

import (
	"encoding/json"

	"pushrelay/pkg/types"
)

// Endpoint is one registered delivery target
// ARCHITECTURAL DISCOVERY: Transports only know how to attempt a delivery;
// queueing, retry and status bookkeeping live in the delivery client that wraps them
type Endpoint interface {
	// Kind identifies the transport and selects the wait status
	// reported when an attempt starts.
	Kind() types.TransportKind

	// Send makes exactly one delivery attempt and must not block.
	// Asynchronous outcomes are reported through r, from any goroutine.
	Send(msg *types.Message, r Reporter)

	// Close releases the transport. Called once when the endpoint is
	// replaced or unregistered.
	Close() error
}

// Reporter carries the outcome of a delivery attempt back into the relay.
// Implementations are safe for concurrent use.
type Reporter interface {
	// Status publishes a per-recipient status for mid.
	Status(mid string, status types.Status)

	// Confirm acknowledges the transport attempt for mid so the next
	// queued message can be sent.
	Confirm(mid string)
}

// Snapshotter is implemented by endpoints whose transport state must
// survive a restart, such as push subscriptions and device tokens.
type Snapshotter interface {
	Snapshot() json.RawMessage
}
