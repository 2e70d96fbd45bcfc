package auth

import "errors"

var (
	ErrMissingSecret = errors.New("signing secret is required")
	ErrMissingToken  = errors.New("auth token is required")
	ErrInvalidToken  = errors.New("auth token is invalid")
	ErrMissingName   = errors.New("auth token has no name")
)
