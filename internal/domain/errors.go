package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the adapter, the lifecycle service and the API.
var (
	// ErrMalformedEvent is returned when a raw event lacks required fields
	// or carries an unparseable timestamp. The event is dropped.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrDuplicateEvent is returned when an event ID was already seen inside
	// the dedup window. It is not a failure at the transport boundary.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrIllegalTransition is returned when the state machine does not permit
	// the requested transition, including any move out of a terminal status.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrValidation is returned when a command's input fails validation,
	// e.g. closing notes that are too short.
	ErrValidation = errors.New("validation error")

	// ErrDownstreamUnavailable is returned when the report generator or the
	// persistence layer cannot be reached.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")

	// ErrTransportDisconnected is reported by the push channel when its
	// connection drops.
	ErrTransportDisconnected = errors.New("transport disconnected")

	// ErrAlertNotFound is returned when an alert cannot be found.
	ErrAlertNotFound = errors.New("alert not found")
)

// MalformedEventError describes which field made a raw event unusable.
type MalformedEventError struct {
	Field  string
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedEvent.
func (e *MalformedEventError) Unwrap() error { return ErrMalformedEvent }

func malformed(field, reason string) error {
	return &MalformedEventError{Field: field, Reason: reason}
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s -> %s", e.From, e.To)
}

// Unwrap lets errors.Is match ErrIllegalTransition.
func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// ValidationError describes a rejected command input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }
