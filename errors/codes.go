package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout  ErrorCode = "TIMEOUT"  // Attempt exceeded its timeout
	ErrCodeIO       ErrorCode = "IO_ERROR" // Local file or directory access failed
	ErrCodeUpstream ErrorCode = "UPSTREAM" // Generation backend or network fault

	// Permanent errors
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"         // Resource does not exist
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"     // Malformed or missing parameters
	ErrCodeCanceled         ErrorCode = "CANCELED"          // Cancelled by the submitter
	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED" // Every allowed attempt failed

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic

	// ErrCodeAmbiguous marks a classification where several rules matched.
	// It is informational only and never becomes a task failure.
	ErrCodeAmbiguous ErrorCode = "CLASSIFICATION_AMBIGUOUS"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeIO, ErrCodeUpstream:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled,
		ErrCodeRetriesExhausted, ErrCodeAmbiguous:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}
