package types

// Status is the delivery state of one recipient name for one message.
type Status string

const (
	StatusReady Status = "ready"
	StatusWait  Status = "wait"
	StatusOK    Status = "ok"
	StatusNo    Status = "no"
)

// IsTerminal reports whether s ends tracking for its recipient.
func (s Status) IsTerminal() bool {
	return s == StatusOK || s == StatusNo
}

// TransportKind names the delivery mechanism of an endpoint.
type TransportKind string

const (
	KindSocket  TransportKind = "socket"
	KindWebhook TransportKind = "webhook"
	KindWebPush TransportKind = "webpush"
	KindFCM     TransportKind = "fcm"
)

// WaitStatus is reported each time a delivery attempt is started.
// Push transports use a prefixed status so senders can tell a pending push
// from a pending socket write.
func (k TransportKind) WaitStatus() Status {
	switch k {
	case KindWebPush, KindFCM:
		return Status(string(k) + "-wait")
	default:
		return StatusWait
	}
}

// SendStatus is reported when a push gateway has accepted the message but
// the device has not confirmed it yet.
func (k TransportKind) SendStatus() Status {
	return Status(string(k) + "-send")
}

// StatusMap maps recipient names to their delivery status.
type StatusMap map[string]Status

// Complete reports whether every recipient reached a terminal status.
// An empty map is not complete.
func (m StatusMap) Complete() bool {
	if len(m) == 0 {
		return false
	}
	for _, s := range m {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a copy safe to hand outside the hub goroutine.
func (m StatusMap) Clone() StatusMap {
	out := make(StatusMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
