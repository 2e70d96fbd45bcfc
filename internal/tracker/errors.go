package tracker

import "errors"

var ErrInvalidRecord = errors.New("invalid message record")
