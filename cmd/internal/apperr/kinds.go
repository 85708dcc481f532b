package apperr

import "errors"

// Sentinel error kinds (stable for errors.Is and for deciding what the user is told).
var (
	// ErrNetwork covers unreachable hosts, resets and timeouts. Never retried at the transport layer.
	ErrNetwork = errors.New("network_error")

	// ErrRemote is a non-2xx response that is neither a rejection nor an expiry.
	ErrRemote = errors.New("remote_error")

	// ErrAuthRejected is a failed login/signup attempt. Session state is left untouched.
	ErrAuthRejected = errors.New("auth_rejected")

	// ErrSessionExpired is a 401 on an authenticated call. It forces local teardown.
	ErrSessionExpired = errors.New("session_expired")

	// ErrLinkFailure means the realtime link gave up reconnecting.
	ErrLinkFailure = errors.New("link_failure")

	// ErrValidation is malformed local input, rejected before any state change.
	ErrValidation = errors.New("validation_error")

	// ErrInProgress rejects a call while the same operation is pending.
	ErrInProgress = errors.New("in_progress")
)
