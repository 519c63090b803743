package models

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a malformed or unidentifiable inbound event.
// Such events are discarded and never stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// StorageError wraps an I/O failure of the event store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// TransientRemoteError is returned once a retryable remote call ran out of attempts.
// The group stays unprocessed and is picked up again by the next cycle.
type TransientRemoteError struct {
	Operation  string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientRemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure after %d attempts: status %d", e.Operation, e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("%s: transient failure after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *TransientRemoteError) Unwrap() error {
	return e.Err
}

// PermanentRemoteError is a non-retryable rejection (4xx other than 429).
type PermanentRemoteError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *PermanentRemoteError) Error() string {
	return fmt.Sprintf("%s: permanent failure: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// ConcurrencyGuardRejected is returned when a cycle is requested while one is in flight.
type ConcurrencyGuardRejected struct {
	RunningSince time.Time
}

func (e *ConcurrencyGuardRejected) Error() string {
	if e.RunningSince.IsZero() {
		return "sync cycle already in flight"
	}
	return fmt.Sprintf("sync cycle already in flight since %s", e.RunningSince.Format(time.RFC3339))
}

// IsPermanent reports whether err contains a PermanentRemoteError.
func IsPermanent(err error) bool {
	var perr *PermanentRemoteError
	return errors.As(err, &perr)
}

// IsTransient reports whether err contains a TransientRemoteError.
func IsTransient(err error) bool {
	var terr *TransientRemoteError
	return errors.As(err, &terr)
}

// IsValidation reports whether err contains a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsGuardRejected reports whether err contains a ConcurrencyGuardRejected.
func IsGuardRejected(err error) bool {
	var gerr *ConcurrencyGuardRejected
	return errors.As(err, &gerr)
}
