package session

import "errors"

var (
	// ErrInvalidTransition is returned when a lifecycle change skips or
	// reverses a state.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrDuplicateRole is returned when a second service registers a role.
	ErrDuplicateRole = errors.New("service role already registered")

	// ErrDisposed is returned for operations on a destroyed session.
	ErrDisposed = errors.New("session disposed")
)
