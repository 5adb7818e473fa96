package member

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Error classification per spec §7. Transient I/O and protocol violations
// are both retried on the next Monitor tick, so both are represented as
// errdefs.ErrUnavailable / errdefs.ErrInvalidArgument respectively — the
// caller never needs to distinguish them beyond logging, but errors.Is lets
// tests assert on the class without string-matching messages.

// transientErr wraps err as a transient I/O failure (referee unreachable,
// store hiccup): retried on the next tick, never promoted.
func transientErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errdefs.ErrUnavailable, err)
}

// protocolErr wraps a malformed-but-survivable response (unexpected referee
// row shape, out-of-range winner id, unknown 3PC state string). Logged at
// warning level and treated as transient.
func protocolErr(op, detail string) error {
	return fmt.Errorf("%s: %s: %w", op, detail, errdefs.ErrInvalidArgument)
}

// IsTransient reports whether err should simply be retried on the next tick.
func IsTransient(err error) bool {
	return errdefs.IsUnavailable(err) || errdefs.IsInvalidArgument(err)
}

// invariantErr reports a majority-invariant failure while Online; the only
// valid response is demotion to Disabled, never a retry.
func invariantErr(reason string) error {
	return fmt.Errorf("%s: %w", reason, errdefs.ErrFailedPrecondition)
}

// IsInvariantViolation reports whether err demands demotion to Disabled.
func IsInvariantViolation(err error) bool {
	return errdefs.IsFailedPrecondition(err)
}

// FatalError wraps a NONRECOVERABLE_ERROR: the whole process group must
// shut down, not just report a status transition.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nonrecoverable error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("nonrecoverable error: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err demands terminating the process group.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
