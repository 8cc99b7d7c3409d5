// Package ledgererr holds error types shared by the ledger domains.
package ledgererr

import "errors"

// ConflictError reports a transition refused because of the row's stored state.
// It unwraps to the domain sentinel so callers can match with errors.Is.
type ConflictError struct {
	Err           error
	CurrentStatus string
	Retryable     bool
}

func (e *ConflictError) Error() string {
	if e == nil || e.Err == nil {
		return "conflict"
	}
	return e.Err.Error()
}

func (e *ConflictError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Conflict wraps err with the status the row was found in.
func Conflict(err error, currentStatus string) error {
	return &ConflictError{Err: err, CurrentStatus: currentStatus}
}

// RetryableConflict marks a conflict caused by a concurrent writer.
func RetryableConflict(err error, currentStatus string) error {
	return &ConflictError{Err: err, CurrentStatus: currentStatus, Retryable: true}
}

// AsConflict extracts the conflict details, if err carries any.
func AsConflict(err error) (*ConflictError, bool) {
	var target *ConflictError
	if errors.As(err, &target) && target != nil {
		return target, true
	}
	return nil, false
}
