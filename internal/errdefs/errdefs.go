// Package errdefs holds the error kinds shared by the gateway components.
// Callers classify with errors.Is against the sentinel values.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed address or payload. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrSessionUnavailable means there is no live, ready session handle.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrTransientSend is a failed send on a session believed healthy.
	ErrTransientSend = errors.New("transient send error")
	// ErrPersistence means the durable store or queue is unreachable.
	ErrPersistence = errors.New("persistence error")
	// ErrTerminalAuth means the session was logged out and needs an operator.
	ErrTerminalAuth = errors.New("session logged out")
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func TransientSend(err error) error {
	return fmt.Errorf("%w: %w", ErrTransientSend, err)
}

func SessionUnavailable(reason string) error {
	return fmt.Errorf("%w: %s", ErrSessionUnavailable, reason)
}

// Kind returns the sentinel an error belongs to, or nil when unclassified.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrSessionUnavailable, ErrTerminalAuth, ErrTransientSend, ErrPersistence, ErrNotFound} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
