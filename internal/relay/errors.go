package relay

import "errors"

var (
	ErrDuplicateMID   = errors.New("message id already in flight")
	ErrAlreadyStarted = errors.New("relay core already started")
	ErrNotRegistered  = errors.New("client is not registered")
)
