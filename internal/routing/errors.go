package routing

import "errors"

// Sentinel errors for session handling.
var (
	ErrDuplicateSession   = errors.New("session already registered")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session closed")
	ErrInvalidTransition  = errors.New("event not valid in current state")
	ErrNormalization      = errors.New("number normalization failed")
	ErrMissingReferTarget = errors.New("transfer request has no target")
	ErrUnknownTrunk       = errors.New("unknown trunk")
	ErrUnknownEvent       = errors.New("unknown event")
)
