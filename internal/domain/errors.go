package domain

import "errors"

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrNotRegistered means an authenticated call was attempted without
	// credentials while auto-registration is disabled.
	ErrNotRegistered = errors.New("no API key configured and auto registration is disabled")

	// ErrUnknownEndpoint is returned for an action missing from the endpoint table.
	ErrUnknownEndpoint = errors.New("unknown API endpoint")

	// ErrNoAction is returned for a command without an action.
	ErrNoAction = errors.New("no action received")

	// ErrUnsupportedAction is returned when no handler serves the action.
	ErrUnsupportedAction = errors.New("unsupported action")

	// ErrUnauthenticated rejects non-bootstrap actions received before the
	// device holds credentials.
	ErrUnauthenticated = errors.New("system has no credentials")

	// ErrInvalidSignature wraps a signature verification failure.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNothingToUpdate is returned by status updates without any field.
	ErrNothingToUpdate = errors.New("no data to update")
)
