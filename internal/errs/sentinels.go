// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., api key token taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary handshake lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrNonceReused indicates a nonce that is not strictly greater than the last accepted one.
	ErrNonceReused = errors.New("nonce already used")
)

// Handshake taxonomy. All of these are recovered per connection.
var (
	// ErrMalformedPayload indicates the handshake message could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMissingField indicates a required handshake field is absent.
	ErrMissingField = errors.New("missing field")

	// ErrInvalidField indicates a handshake field is present but has the wrong shape.
	ErrInvalidField = errors.New("invalid field")

	// ErrAuthenticationFailed indicates the authenticator rejected the claim.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnknownConnection indicates a lookup for a connection that was never registered.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Lifecycle and configuration sentinels.
var (
	// ErrAlreadyRunning indicates Start was called while the supervised task is running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrMissingSetting indicates a vital configuration value is absent.
	ErrMissingSetting = errors.New("missing vital setting")
)

// FieldError names the handshake field that failed validation.
// Err is ErrMissingField or ErrInvalidField.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %v", e.Field, e.Err) }

func (e *FieldError) Unwrap() error { return e.Err }

// Missing returns a FieldError for an absent field.
func Missing(field string) error { return &FieldError{Field: field, Err: ErrMissingField} }

// Invalid returns a FieldError for a malformed field.
func Invalid(field string) error { return &FieldError{Field: field, Err: ErrInvalidField} }
