// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidToken indicates a bearer token that was never issued or was revoked.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired indicates a bearer token whose ttl has elapsed.
	ErrTokenExpired = errors.New("token expired")

	// ErrForbidden indicates an authenticated caller acting on someone else's data.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument indicates a request field with an unacceptable value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed indicates an operation on a component that has been shut down.
	ErrClosed = errors.New("closed")

	// ErrPortsExhausted indicates the transport pool could not find a free local port.
	ErrPortsExhausted = errors.New("no free ephemeral port")
)
