package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrOutputNotFound     = errors.New("finalized output not found")
	ErrEmptySubmission    = errors.New("no pending chunks to finalize")
	ErrNoValidChunks      = errors.New("no valid chunks found on disk")
	ErrMergeFailed        = errors.New("merge failed")
	ErrFinalizeInProgress = errors.New("finalize already in progress")
	ErrIO                 = errors.New("storage i/o failure")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTemporary          = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// MergeError is returned when the merge engine rejects a step. Reason is the
// engine's own diagnostic and is surfaced to callers verbatim.
type MergeError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *MergeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s: %v", ErrMergeFailed, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMergeFailed, e.Stage, e.Reason)
}

func (e *MergeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMergeFailed}
	}
	return []error{ErrMergeFailed, e.Err}
}

// MergeReason extracts the engine diagnostic from err, or "" when err is not a merge failure.
func MergeReason(err error) string {
	var mergeErr *MergeError
	if errors.As(err, &mergeErr) {
		if mergeErr.Reason != "" {
			return mergeErr.Reason
		}
		if mergeErr.Err != nil {
			return mergeErr.Err.Error()
		}
	}
	return ""
}

// ErrorCode is the stable machine-readable name of an error kind.
func ErrorCode(err error) string {
	switch {
	case IsKind(err, ErrInvalidInput):
		return "invalid_input"
	case IsKind(err, ErrSubmissionNotFound):
		return "submission_not_found"
	case IsKind(err, ErrOutputNotFound):
		return "output_not_found"
	case IsKind(err, ErrEmptySubmission):
		return "empty_submission"
	case IsKind(err, ErrNoValidChunks):
		return "no_valid_chunks"
	case IsKind(err, ErrFinalizeInProgress):
		return "finalize_in_progress"
	case IsKind(err, ErrMergeFailed):
		return "merge_failed"
	case IsKind(err, ErrIO):
		return "io_error"
	case IsKind(err, ErrTemporary):
		return "temporary"
	default:
		return "internal"
	}
}
