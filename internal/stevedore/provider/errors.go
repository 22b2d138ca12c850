package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnreachable marks network/auth failures talking to a backend. Callers
// use IsUnreachable to decide between cache fallback (read-only paths) and a
// hard error (mutations).
var ErrUnreachable = errors.New("provider unreachable")

// ErrHostNotFound is returned when an operation names a host the backend
// does not know.
var ErrHostNotFound = errors.New("host not found")

// Unreachable wraps err as an unreachable-provider error for instance name.
func Unreachable(name string, err error) error {
	return fmt.Errorf("provider %s %w: %v", name, ErrUnreachable, err)
}

// IsUnreachable reports whether err means the backend could not be reached,
// as opposed to "reachable, zero hosts" or any other definitive answer.
// Deadline and cancellation errors count: a timed-out listing says nothing
// about the fleet.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
