package registry

import "errors"

var (
	ErrEmptyName    = errors.New("the name is required")
	ErrInvalidScope = errors.New("unknown registry scope")
)
