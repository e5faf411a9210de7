package auth

import "errors"

var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned for malformed, tampered, or otherwise
	// unverifiable tokens. Deliberately coarse so callers cannot leak the
	// precise failure mode to the client.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrAgentMismatch is returned when a token is valid but bound to a
	// different agent than the one the request claims to be.
	ErrAgentMismatch = errors.New("auth: token agent mismatch")
)
