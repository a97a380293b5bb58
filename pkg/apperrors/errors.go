package apperrors

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrSequence is returned when a turn arrives with a round number that is
	// not exactly one past the last persisted round for the session. The turn
	// is rejected before any side effect.
	ErrSequence = errors.New("round number out of sequence")

	// ErrEmptyModelResponse is returned when the model stream completes
	// without producing any think or answer content.
	ErrEmptyModelResponse = errors.New("model returned no content")

	// ErrVersionConflict is returned when a concurrent revision raced past
	// the stamp-then-insert window for the same story uuid.
	ErrVersionConflict = errors.New("story version conflict")

	// ErrUpstream covers transport failures against the model gateway or the
	// knowledge retriever.
	ErrUpstream = errors.New("upstream transport error")

	// ErrPersistence covers store failures after the model has already
	// produced an answer; the answer is still delivered to the caller.
	ErrPersistence = errors.New("persistence failure")
)
