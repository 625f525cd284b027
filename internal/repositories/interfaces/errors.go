package interfaces

import "errors"

var (
	// ErrNotFound is returned when no document has the requested id.
	ErrNotFound = errors.New("document not found")
	// ErrConditionFailed is returned when a document exists but the guard of
	// a conditional update did not match it.
	ErrConditionFailed = errors.New("update condition not met")
	// ErrStoreUnavailable wraps timeouts and connectivity failures. Callers
	// may retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
)
