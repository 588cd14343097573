package registry

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError wraps a user-facing message about malformed or missing
// input. No state is mutated when one is returned.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// ConflictError reports a uniqueness violation that is not expected to be
// benign (e.g. renaming a source to a name already in use).
type ConflictError struct{ Msg string }

func (e *ConflictError) Error() string { return e.Msg }

// ProviderError reports a failed outbound call: network error, non-2xx
// response, or a malformed body. Err carries the underlying cause.
type ProviderError struct {
	Op         string // "fetch profile", "list candidates", ...
	StatusCode int    // 0 when the request never completed
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: provider returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProviderDataError reports a provider response that arrived but cannot be
// used (e.g. no profile identifier in the document). Recoverable: the target
// person is marked failed so a retry has somewhere to land.
type ProviderDataError struct {
	Key    string // canonical identity key the fetch was made for
	Reason string
}

func (e *ProviderDataError) Error() string {
	return fmt.Sprintf("unusable provider data for %s: %s", e.Key, e.Reason)
}
