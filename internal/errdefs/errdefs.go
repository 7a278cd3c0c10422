// Package errdefs defines the error classes shared by the allocator, the
// capacity planner and the lifecycle workflows.
//
// Errors are classified with cockroachdb/errors marks, so the class survives
// any number of Wrap calls and can be tested with the Is* predicates.
package errdefs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrResourceExhausted means no free IP or port (or not enough capacity)
	// is left on the requested host.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrNotFound means a referenced host, server, blueprint or allocation
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrHealthCheckTimeout means a server never reported healthy within the
	// polling budget.
	ErrHealthCheckTimeout = errors.New("health check timeout")

	// ErrDaemonCallFailed wraps transport and application errors returned by
	// a host daemon.
	ErrDaemonCallFailed = errors.New("daemon call failed")

	// ErrAllocationConflict signals a broken allocation invariant. Row locking
	// makes it unreachable; seeing it means a locking bug.
	ErrAllocationConflict = errors.New("allocation conflict")

	// ErrInvalidArgument rejects malformed requests before any side effect.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrFailedPrecondition rejects requests the current server state does
	// not allow.
	ErrFailedPrecondition = errors.New("failed precondition")
)

func mark(err, class error) error {
	return errors.Mark(err, class)
}

func ResourceExhausted(format string, args ...interface{}) error {
	return mark(errors.Newf(format, args...), ErrResourceExhausted)
}

func NotFound(format string, args ...interface{}) error {
	return mark(errors.Newf(format, args...), ErrNotFound)
}

func HealthCheckTimeout(format string, args ...interface{}) error {
	return mark(errors.Newf(format, args...), ErrHealthCheckTimeout)
}

// DaemonCallFailed wraps err (which may be nil) as a daemon failure.
func DaemonCallFailed(err error, format string, args ...interface{}) error {
	if err == nil {
		return mark(errors.Newf(format, args...), ErrDaemonCallFailed)
	}
	return mark(errors.Wrapf(err, format, args...), ErrDaemonCallFailed)
}

func AllocationConflict(format string, args ...interface{}) error {
	return mark(errors.Newf(format, args...), ErrAllocationConflict)
}

func InvalidArgument(format string, args ...interface{}) error {
	return mark(errors.Newf(format, args...), ErrInvalidArgument)
}

func FailedPrecondition(format string, args ...interface{}) error {
	return mark(errors.Newf(format, args...), ErrFailedPrecondition)
}

func IsResourceExhausted(err error) bool  { return errors.Is(err, ErrResourceExhausted) }
func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsHealthCheckTimeout(err error) bool { return errors.Is(err, ErrHealthCheckTimeout) }
func IsDaemonCallFailed(err error) bool   { return errors.Is(err, ErrDaemonCallFailed) }
func IsAllocationConflict(err error) bool { return errors.Is(err, ErrAllocationConflict) }
func IsInvalidArgument(err error) bool    { return errors.Is(err, ErrInvalidArgument) }
func IsFailedPrecondition(err error) bool { return errors.Is(err, ErrFailedPrecondition) }

// Reason returns the first user-facing hint attached to err, or its message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		return hints[0]
	}
	return err.Error()
}
