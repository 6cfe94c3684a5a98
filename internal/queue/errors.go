package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueUnavailable wraps broker errors surfaced to submitters.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrUnknownJobType fails a job without retrying.
	ErrUnknownJobType = errors.New("unknown job type")
	ErrJobNotFound    = errors.New("job not found")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrUnknownJobType)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
}
