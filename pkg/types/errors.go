package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types let transports map
// validation failures onto INFO packets and HTTP 400 responses
var (
	ErrMissingMID      = errors.New("message id is required")
	ErrInvalidSendType = errors.New("sendType must be personal or group")
	ErrMissingTarget   = errors.New("target is required")
	ErrEmptyBody       = errors.New("message text or desp is required")
	ErrInvalidPacket   = errors.New("invalid packet")
	ErrUnknownCommand  = errors.New("unknown command")
)
