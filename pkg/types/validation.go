package types

import (
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var nameRegex = regexp.MustCompile(`^[^\s/?#]+$`)

// Validate checks the structural invariants of a message.
// Messages rebuilt from persistence go through the same check.
func (m *Message) Validate() error {
	if m.MID == "" {
		return ErrMissingMID
	}
	if !IsValidSendType(m.SendType) {
		return ErrInvalidSendType
	}
	if m.Target == "" {
		return ErrMissingTarget
	}
	return m.Body.Validate()
}

// Validate requires at least one of Text or Desp.
func (b Body) Validate() error {
	if b.Text == "" && b.Desp == "" {
		return ErrEmptyBody
	}
	return nil
}

// IsValidSendType reports whether t is personal or group.
func IsValidSendType(t SendType) bool {
	switch t {
	case SendTypePersonal, SendTypeGroup:
		return true
	default:
		return false
	}
}

// IsValidName checks a client or group name used in URLs and registry keys.
// Names must be 1-100 characters with no whitespace or URL delimiters.
func IsValidName(name string) bool {
	if len(name) < 1 || len(name) > 100 {
		return false
	}
	return nameRegex.MatchString(name)
}
