package domain

import "errors"

var (
	// ErrUnauthorized is returned when the server rejects the runner token
	ErrUnauthorized = errors.New("runner token rejected")

	// ErrForbidden is returned when the runner is locked or archived, or does
	// not own the job it addressed
	ErrForbidden = errors.New("runner forbidden")

	// ErrJobRejected is returned when the server refuses a job update or channel
	// because the job is not in a state this runner may touch
	ErrJobRejected = errors.New("job rejected by server")

	// ErrChannelClosed is returned when sending on a lifecycle channel that is gone
	ErrChannelClosed = errors.New("lifecycle channel closed")
)

// RetryableError wraps transient errors that should trigger another attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is worth another attempt after a pause
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
