package syncspace

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrUnknownFlavour     = errors.New("unknown flavour")
	ErrUnknownBackend     = errors.New("unknown backend")
	ErrInvalidInput       = errors.New("invalid input")
	ErrBlobTooLarge       = errors.New("blob too large")
)

type UnavailableError struct {
	Backend string
	Op      string
	Cause   error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Cause)
	}
	return fmt.Sprintf("%s %s: storage unavailable", e.Backend, e.Op)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

func unavailable(backend, op string, cause error) error {
	return &UnavailableError{Backend: backend, Op: op, Cause: cause}
}

// retryable reports whether an error should be retried by the sync loop.
// Absence is never retried; it resolves by local creation instead.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	return errors.Is(err, ErrStorageUnavailable)
}
