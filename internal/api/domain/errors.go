package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrRunnerNotFound is returned when a runner cannot be found in the database
	ErrRunnerNotFound = errors.New("runner not found")

	// ErrInvalidTransition is returned when the requested status change is not allowed
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrRunnerMismatch is returned when a runner acts on a job it does not own
	ErrRunnerMismatch = errors.New("job is not owned by this runner")

	// ErrRunnerUnavailable is returned for locked or archived runners
	ErrRunnerUnavailable = errors.New("runner is locked or archived")

	// ErrUnauthorized is returned when a token does not match the runner
	ErrUnauthorized = errors.New("invalid runner token")

	// ErrStaleUpdate is returned when the row changed between read and conditional write
	ErrStaleUpdate = errors.New("job changed concurrently")

	// ErrTooManyPolls is returned when a runner exceeds its concurrent long-polls
	ErrTooManyPolls = errors.New("too many concurrent claim polls")
)
