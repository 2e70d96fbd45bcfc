package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrHubStopped        = errors.New("hub cannot be restarted")
	ErrNilTask           = errors.New("task cannot be nil")
)
