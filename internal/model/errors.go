package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the outcomes every component must distinguish.
// ErrNotFound is an expected outcome (unknown tenant, unseen format) and is
// never logged at error level by callers.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrJobCancelled     = errors.New("job cancelled")
)

// ValidationError reports a generated handler rejected by static checks or
// sandbox execution. It is retryable at the generator level (with the
// failure fed back as context) but never at the call site.
type ValidationError struct {
	Stage  string // "parse", "static", "sandbox"
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("handler validation failed at %s: %s", e.Stage, e.Reason)
}

// NewValidationError creates a ValidationError for the given stage.
func NewValidationError(stage, format string, args ...any) *ValidationError {
	return &ValidationError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err (or its chain) is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
