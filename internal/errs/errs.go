// Package errs classifies the failure modes the ingestion pipeline can hit so
// that callers can decide retry/terminal/fatal policy without string matching
// error messages.
package errs

import (
	"errors"
	"fmt"
)

// Class identifies a family of failure with a shared handling policy.
type Class string

const (
	// ClassConfigInvalid marks a malformed or missing configuration value.
	// Fatal at boot.
	ClassConfigInvalid Class = "config_invalid"
	// ClassAuthFailed marks rejected platform credentials. Fatal.
	ClassAuthFailed Class = "auth_failed"
	// ClassTransientNetwork marks a timeout, reset, or rate limit on an
	// upstream call. Retryable with backoff.
	ClassTransientNetwork Class = "transient_network"
	// ClassStorageIO marks a local filesystem failure (disk full,
	// permission denied). Job fails; worker continues.
	ClassStorageIO Class = "storage_io"
	// ClassDBTransient marks a recoverable database failure (deadlock,
	// dropped connection). The calling transaction may be retried.
	ClassDBTransient Class = "db_transient"
	// ClassDBConstraint marks a unique-constraint collision absorbed by an
	// ON CONFLICT clause. Never surfaced to callers.
	ClassDBConstraint Class = "db_constraint"
	// ClassUnsafeArchive marks a path-traversal or decompression-bomb
	// guard trip. Job fails with a diagnostic; worker continues.
	ClassUnsafeArchive Class = "unsafe_archive"
	// ClassPasswordRequired marks an encrypted archive member. Terminal,
	// non-fatal failure for the job.
	ClassPasswordRequired Class = "password_required"
	// ClassUnknown is the catch-all for anything not otherwise classified.
	ClassUnknown Class = "unknown"
)

// Error wraps an underlying error with a Class used for retry/fatal policy
// decisions.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given class. Returns nil if err is nil.
func New(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(class Class, format string, args ...any) error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassOf extracts the Class from err, defaulting to ClassUnknown when err
// was not produced by this package.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

// IsRetryable reports whether the error class is eligible for retry with
// backoff (network blips, transient database failures).
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransientNetwork, ClassDBTransient:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error class should terminate the process via
// the Supervisor rather than just failing the current job.
func IsFatal(err error) bool {
	switch ClassOf(err) {
	case ClassConfigInvalid, ClassAuthFailed:
		return true
	default:
		return false
	}
}
