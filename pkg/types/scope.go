package types

// Scope is a registry partition. A name is unique within a scope.
type Scope string

const (
	// ScopeSocket holds interactive sockets. A reconnecting device replaces
	// its previous socket, and the scope is restored as placeholders on
	// startup so messages queue until the device comes back.
	ScopeSocket Scope = "socket"

	ScopeWebhook Scope = "webhook"
	ScopeWebPush Scope = "webpush"
	ScopeFCM     Scope = "fcm"
)

// Scopes lists every scope in lookup order.
var Scopes = []Scope{ScopeSocket, ScopeWebhook, ScopeWebPush, ScopeFCM}

// Exclusive reports whether registrants in s replace each other on
// reconnect and are restored as placeholders.
func (s Scope) Exclusive() bool {
	return s == ScopeSocket
}

// IsValid reports whether s is one of the known scopes.
func (s Scope) IsValid() bool {
	for _, known := range Scopes {
		if s == known {
			return true
		}
	}
	return false
}
