package attendance

import (
	"errors"
	"fmt"
)

// Kind is a stable error identifier surfaced to callers. Authentication,
// eligibility, and freshness failures are deliberately coalesced into
// KindNotAuthorized; the audit trail keeps the precise cause.
type Kind string

const (
	KindNotAuthorized     Kind = "ERR_NOT_AUTHORIZED"
	KindInvalidCode       Kind = "ERR_INVALID_CODE"
	KindOutOfRange        Kind = "ERR_OUT_OF_RANGE"
	KindDuplicate         Kind = "ERR_DUPLICATE"
	KindDeviceMismatch    Kind = "ERR_DEVICE_MISMATCH"
	KindAttestationFailed Kind = "ERR_ATTESTATION_FAILED"
	KindSessionLocked     Kind = "ERR_SESSION_LOCKED"
	KindEditWindowExpired Kind = "ERR_EDIT_WINDOW_EXPIRED"
	KindNotFound          Kind = "ERR_NOT_FOUND"
	KindInternal          Kind = "ERR_INTERNAL"
)

// Error is the pipeline's failure value: a kind plus a caller-facing
// message, optionally wrapping the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds an Error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds an Error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf extracts the caller-facing message, defaulting to a generic one.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
