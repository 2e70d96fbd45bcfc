// Package delivery wraps an endpoint with a single-outstanding-message
// retry queue.
//
// Every method except the Reporter handed to the endpoint must be called on
// the hub goroutine.
package delivery

import (
	"time"

	"go.uber.org/zap"

	"pushrelay/internal/ebus"
	"pushrelay/internal/hub"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// DefaultRetryTimeout replaces a zero RetryTimeout.
const DefaultRetryTimeout = 5 * time.Second

// Executor runs tasks on the hub goroutine.
type Executor interface {
	Submit(task hub.Task) error
}

// Observer is notified of every delivery attempt.
type Observer interface {
	DeliveryAttempt(kind types.TransportKind, retry bool)
}

// Options configure a Client.
type Options struct {
	Name  string
	Group string
	Scope types.Scope

	// Kind is used when Endpoint is nil.
	Kind types.TransportKind

	// RetryTimeout is the fixed interval between attempts of the same
	// message. Zero means DefaultRetryTimeout; a negative value sends each
	// message once and moves on.
	RetryTimeout time.Duration

	Observer Observer
}

// Client is a registered endpoint plus its pending queue
// ARCHITECTURAL DISCOVERY: One generic queue wraps every transport, so
// retry and confirmation rules are identical for sockets, webhooks and push
type Client struct {
	name         string
	group        string
	scope        types.Scope
	kind         types.TransportKind
	endpoint     interfaces.Endpoint
	retryTimeout time.Duration

	bus      *ebus.Bus
	exec     Executor
	observer Observer
	logger   *zap.SugaredLogger

	queue        []*types.Message
	sending      bool
	retrying     bool
	timer        *time.Timer
	generation   uint64
	unregistered bool
}

// NewClient wraps ep. A nil ep creates a placeholder that queues messages
// without sending them until a real client inherits the queue.
func NewClient(ep interfaces.Endpoint, opts Options, bus *ebus.Bus, exec Executor, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	kind := opts.Kind
	if ep != nil {
		kind = ep.Kind()
	}
	retry := opts.RetryTimeout
	if retry == 0 {
		retry = DefaultRetryTimeout
	}
	return &Client{
		name:         opts.Name,
		group:        opts.Group,
		scope:        opts.Scope,
		kind:         kind,
		endpoint:     ep,
		retryTimeout: retry,
		bus:          bus,
		exec:         exec,
		observer:     opts.Observer,
		logger:       logger.With("client", opts.Name, "scope", opts.Scope),
	}
}

func (c *Client) Name() string                  { return c.name }
func (c *Client) Group() string                 { return c.group }
func (c *Client) Scope() types.Scope            { return c.scope }
func (c *Client) Kind() types.TransportKind     { return c.kind }
func (c *Client) Endpoint() interfaces.Endpoint { return c.endpoint }

// IsPlaceholder reports whether the client has no transport.
func (c *Client) IsPlaceholder() bool { return c.endpoint == nil }

// Unregistered reports whether the client was removed or replaced.
func (c *Client) Unregistered() bool { return c.unregistered }

// Sending reports whether the head message is awaiting confirmation.
func (c *Client) Sending() bool { return c.sending }

// Len returns the number of queued messages, including the one in flight.
func (c *Client) Len() int { return len(c.queue) }

// Pending returns a copy of the queue in delivery order.
func (c *Client) Pending() []*types.Message {
	out := make([]*types.Message, len(c.queue))
	copy(out, c.queue)
	return out
}

// SendMessage enqueues msg and starts sending if the client is idle.
func (c *Client) SendMessage(msg *types.Message) {
	if c.unregistered {
		c.logger.Debugw("dropping message for unregistered client", "mid", msg.MID)
		return
	}
	c.queue = append(c.queue, msg)
	c.next()
}

// Confirm pops the head message if its mid matches and sends the next one.
// It reports whether anything was popped.
func (c *Client) Confirm(mid string) bool {
	if len(c.queue) == 0 || c.queue[0].MID != mid {
		return false
	}
	c.stopTimer()
	c.queue[0] = nil
	c.queue = c.queue[1:]
	c.sending = false
	c.retrying = false
	c.next()
	return true
}

// Discard removes queued copies of mid that are not in flight.
// It is used once a message was confirmed through another transport.
func (c *Client) Discard(mid string) int {
	kept := c.queue[:0]
	removed := 0
	for i, m := range c.queue {
		if m.MID == mid && !(i == 0 && c.sending) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = kept
	if removed > 0 {
		c.next()
	}
	return removed
}

// Inherit takes over the undelivered queue of old, which is then
// unregistered. Inherited messages keep their order and go ahead of
// anything already queued on c.
func (c *Client) Inherit(old *Client) {
	if old == nil || old == c {
		return
	}
	if len(old.queue) > 0 {
		merged := make([]*types.Message, 0, len(old.queue)+len(c.queue))
		merged = append(merged, old.queue...)
		merged = append(merged, c.queue...)
		c.queue = merged
	}
	old.queue = nil
	old.Unregister()
	c.next()
}

// Unregister stops delivery, drops the queue and closes the transport.
// No further status events are published for this client.
func (c *Client) Unregister() {
	if c.unregistered {
		return
	}
	c.unregistered = true
	c.stopTimer()
	c.queue = nil
	c.sending = false

	if c.endpoint != nil {
		ep := c.endpoint
		// FUNCTIONAL DISCOVERY: Close asynchronously so a slow transport
		// never stalls the hub goroutine
		go func() {
			if err := ep.Close(); err != nil {
				c.logger.Debugw("endpoint close failed", "error", err)
			}
		}()
	}
}

// next starts an attempt for the head message when the client is idle.
func (c *Client) next() {
	for !c.sending && !c.unregistered && c.endpoint != nil && len(c.queue) > 0 {
		head := c.queue[0]
		c.sending = true
		c.attempt(head)

		if c.retryTimeout >= 0 {
			c.armTimer(head.MID)
			return
		}
		// Fire-and-forget: the attempt is final.
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.sending = false
	}
}

func (c *Client) attempt(msg *types.Message) {
	if c.observer != nil {
		c.observer.DeliveryAttempt(c.kind, c.retrying)
	}
	c.bus.EmitMessageClientStatus(ebus.ClientStatus{
		MID:    msg.MID,
		Name:   c.name,
		Status: c.kind.WaitStatus(),
	})
	c.endpoint.Send(msg, reporter{c: c})
}

func (c *Client) armTimer(mid string) {
	c.stopTimer()
	c.generation++
	gen := c.generation
	c.timer = time.AfterFunc(c.retryTimeout, func() {
		err := c.exec.Submit(func() { c.onRetryTimeout(gen, mid) })
		if err != nil {
			c.logger.Debugw("retry dropped", "mid", mid, "error", err)
		}
	})
}

func (c *Client) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	// Invalidates callbacks that fired but have not run on the hub yet.
	c.generation++
}

func (c *Client) onRetryTimeout(gen uint64, mid string) {
	if gen != c.generation || !c.sending || c.unregistered {
		return
	}
	if len(c.queue) == 0 || c.queue[0].MID != mid {
		return
	}
	c.logger.Debugw("retrying delivery", "mid", mid)
	c.timer = nil
	c.sending = false
	c.retrying = true
	c.next()
}

// reporter re-enters the hub on behalf of an endpoint.
// Endpoints call it from their own goroutines, never from inside Send.
type reporter struct {
	c *Client
}

func (r reporter) Status(mid string, status types.Status) {
	c := r.c
	r.submit(func() {
		if c.unregistered {
			return
		}
		c.bus.EmitMessageClientStatus(ebus.ClientStatus{MID: mid, Name: c.name, Status: status})
	})
}

func (r reporter) Confirm(mid string) {
	c := r.c
	r.submit(func() {
		if c.unregistered {
			return
		}
		c.Confirm(mid)
	})
}

func (r reporter) submit(task hub.Task) {
	if err := r.c.exec.Submit(task); err != nil {
		r.c.logger.Debugw("report dropped", "error", err)
	}
}
