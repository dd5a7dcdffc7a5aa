package sequence

import "errors"

// Sentinel errors for sequence resolution.
var (
	// ErrUnknownStep is returned when an order edit names a step that is not in the order.
	ErrUnknownStep = errors.New("unknown step")

	// ErrMissingHandler is returned when a step in the order has no execute handler.
	ErrMissingHandler = errors.New("step has no execute handler")

	// ErrDuplicateStep is returned when a step name appears twice in an order.
	ErrDuplicateStep = errors.New("duplicate step")

	// ErrAlreadyStarted is returned when a sequence is started twice.
	ErrAlreadyStarted = errors.New("sequence already started")
)
