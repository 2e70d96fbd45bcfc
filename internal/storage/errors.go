package storage

import "errors"

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrShuttingDown  = errors.New("store is shutting down")
)
