package alarm

import "errors"

var (
	// ErrInvalidTransition is returned when the alarm is not in a valid source state for the operation
	ErrInvalidTransition = errors.New("invalid alarm transition")

	// ErrInvalidState is returned when an alarm is deleted before it was cleared
	ErrInvalidState = errors.New("invalid alarm state")

	// ErrConflict is returned when a concurrent operation changed the alarm first
	ErrConflict = errors.New("alarm changed concurrently")

	// ErrNotFound is returned when the alarm does not exist in the bound tenant
	ErrNotFound = errors.New("alarm not found")

	// ErrInvalidInput is returned for malformed manual alarms and filters
	ErrInvalidInput = errors.New("invalid alarm input")
)
