package ingest

import "errors"

var (
	// ErrInvalidPayload is returned when a message cannot be parsed into a reading
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrTopicIdentityMismatch is returned when the topic and payload disagree on tenant or device
	ErrTopicIdentityMismatch = errors.New("topic identity mismatch")
)

// Reason maps a validation error to its rejection label
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrTopicIdentityMismatch):
		return "topic_identity_mismatch"
	default:
		return "unknown"
	}
}
