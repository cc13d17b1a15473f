package services

import (
	"errors"
	"fmt"
	"strings"

	"calendar-sync-server/storage"
)

// ConflictError means a mutation would break the day-status invariant. It is
// never retried automatically.
type ConflictError struct {
	PropertyID uint
	Dates      []string
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("calendar conflict on property %d (%s): %s", e.PropertyID, e.Reason, strings.Join(e.Dates, ", "))
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func notFound(resource string, id any) error {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

// TransientChannelError is a network, timeout or 5xx failure; the dispatcher retries it.
type TransientChannelError struct {
	Channel string
	Err     error
}

func (e *TransientChannelError) Error() string {
	return fmt.Sprintf("channel %s transient failure: %v", e.Channel, e.Err)
}

func (e *TransientChannelError) Unwrap() error { return e.Err }

// PermanentChannelError is a failure retrying cannot fix, such as a bad
// listing mapping or revoked credentials.
type PermanentChannelError struct {
	Channel string
	Err     error
}

func (e *PermanentChannelError) Error() string {
	return fmt.Sprintf("channel %s permanent failure: %v", e.Channel, e.Err)
}

func (e *PermanentChannelError) Unwrap() error { return e.Err }

// LockTimeoutError is returned when the property lock was not acquired in
// time. Nothing was mutated; the caller may retry.
type LockTimeoutError struct {
	PropertyID uint
	Err        error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("property %d is busy: %v", e.PropertyID, e.Err)
}

func (e *LockTimeoutError) Unwrap() error { return e.Err }

// ValidationError reports bad operation input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func wrapLockErr(propertyID uint, err error) error {
	if errors.Is(err, storage.ErrLockTimeout) {
		return &LockTimeoutError{PropertyID: propertyID, Err: err}
	}
	return fmt.Errorf("lock property %d: %w", propertyID, err)
}

// IsPermanent reports whether err should dead-letter an event immediately.
func IsPermanent(err error) bool {
	var permanent *PermanentChannelError
	return errors.As(err, &permanent)
}
