package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorUnauthorized = errors.New("unauthorized")
	ErrUnavailable    = errors.New("server unavailable")

	// Scheduler errors.
	ErrSchedulerStopped = errors.New("scheduler stopped")
	ErrInvalidRequest   = errors.New("invalid request")
)
