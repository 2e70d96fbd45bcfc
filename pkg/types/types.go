package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SendType selects how a message target is resolved.
type SendType string

const (
	SendTypePersonal SendType = "personal"
	SendTypeGroup    SendType = "group"
)

// Ingress methods recorded in From.Method.
const (
	MethodHTTP      = "http"
	MethodWebSocket = "websocket"
)

// From records where a message entered the relay.
type From struct {
	Method string `json:"method"`
	Name   string `json:"name,omitempty"`
}

// Body is the user-visible payload. At least one of Text or Desp is set.
type Body struct {
	Text  string         `json:"text,omitempty"`
	Desp  string         `json:"desp,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

// Message is one logical push request.
// ARCHITECTURAL DISCOVERY: Message is never mutated after NewMessage returns,
// so delivery clients and the tracker can share the same pointer
type Message struct {
	MID       string    `json:"mid"`
	SendType  SendType  `json:"sendType"`
	Target    string    `json:"target"`
	From      From      `json:"from"`
	Body      Body      `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage builds a validated message with a fresh mid.
// The mid is a UUIDv7, so ids are ordered by creation time.
func NewMessage(sendType SendType, target string, from From, body Body) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate mid: %w", err)
	}

	m := &Message{
		MID:       id.String(),
		SendType:  sendType,
		Target:    target,
		From:      from,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// IsGroup reports whether the target names a group.
func (m *Message) IsGroup() bool {
	return m.SendType == SendTypeGroup
}
