package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrRateLimited    = errors.New("rate limited")
	ErrOverloaded     = errors.New("gateway overloaded")
	ErrQueueFull      = errors.New("queue full")
	ErrNotCancellable = errors.New("request not cancellable")
	ErrProviderError  = errors.New("provider error")
	ErrBadRequest     = errors.New("bad request")
	ErrKeyDisabled    = errors.New("api key disabled")
	ErrAuthRequired   = errors.New("provider authentication required")
)
