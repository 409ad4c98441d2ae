package session

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrSinkFailure       = errors.New("sink failure")
	ErrInvalidState      = errors.New("invalid session state")
	ErrInvalidConfig     = errors.New("invalid session config")
)
