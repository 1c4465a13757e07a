// Package orcherr defines the error taxonomy shared by every domain package:
// a fixed set of kinds the submission and polling components switch on to
// decide whether to retry, surface to the caller, or mark a job failed.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the error handling design.
// Kinds, not types: every domain error wraps one of these so callers can
// classify a failure with errors.As without a growing set of concrete types.
type Kind string

const (
	// KindValidation means the input violates a schema constraint. Never retried.
	KindValidation Kind = "validation"
	// KindAuthorization means a plan/quota/tool/expiry check denied the request.
	KindAuthorization Kind = "authorization"
	// KindNoTokensAvailable means every active token is in cooldown, or none exist.
	KindNoTokensAvailable Kind = "no_tokens_available"
	// KindTransientUpstream means a 5xx or network timeout/reset from the
	// upstream video API; retried internally with backoff.
	KindTransientUpstream Kind = "transient_upstream"
	// KindPermanentUpstream means the upstream responded with an error field
	// in an otherwise successful response; the job is marked failed.
	KindPermanentUpstream Kind = "permanent_upstream"
	// KindTransientDB means a connection-level database error, retried
	// transparently by the store's retry wrapper.
	KindTransientDB Kind = "transient_db"
	// KindMediaUploadFailure means rehosting generated media failed after
	// all retries.
	KindMediaUploadFailure Kind = "media_upload_failure"
	// KindInternal means a programming error; logged and the job marked failed.
	KindInternal Kind = "internal"
)

// Error is a classified domain error carrying a Kind plus an optional
// human-readable reason and wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no wrapped cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds a classified error around an existing cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err is
// not a classified *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a job failure of this kind should be retried by
// the caller (submission/polling retry loops) rather than surfaced as
// terminal.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTransientUpstream, KindTransientDB:
		return true
	default:
		return false
	}
}
