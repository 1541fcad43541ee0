package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable, caller-visible category of a failure.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindProviderRejected    ErrorKind = "provider_rejected"
	KindDuplicateReference  ErrorKind = "duplicate_reference"
	KindUnknownReference    ErrorKind = "unknown_reference"
	KindConflictingSignal   ErrorKind = "conflicting_terminal_signal"
	KindLedgerUnavailable   ErrorKind = "ledger_unavailable"
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindUnsupportedRail     ErrorKind = "unsupported_rail"
	KindUnauthorized        ErrorKind = "unauthorized"
	KindForbidden           ErrorKind = "forbidden"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrProviderRejected    = &Error{Kind: KindProviderRejected}
	ErrDuplicateReference  = &Error{Kind: KindDuplicateReference}
	ErrUnknownReference    = &Error{Kind: KindUnknownReference}
	ErrConflictingSignal   = &Error{Kind: KindConflictingSignal}
	ErrLedgerUnavailable   = &Error{Kind: KindLedgerUnavailable}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrUnsupportedRail     = &Error{Kind: KindUnsupportedRail}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
)

type Error struct {
	Kind    ErrorKind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrValidation)
// works regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may safely retry the same operation.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindProviderUnavailable, KindLedgerUnavailable, KindUnknownReference:
		return true
	}
	return false
}

func NewValidationError(message string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

func NewProviderUnavailableError(rail Rail, err error) *Error {
	return &Error{Kind: KindProviderUnavailable, Message: fmt.Sprintf("%s provider unavailable", rail), Err: err}
}

func NewProviderRejectedError(rail Rail, reason string) *Error {
	return &Error{Kind: KindProviderRejected, Message: fmt.Sprintf("%s provider rejected payment: %s", rail, reason)}
}

func NewDuplicateReferenceError(reference string) *Error {
	return &Error{Kind: KindDuplicateReference, Message: fmt.Sprintf("provider reference %q already recorded", reference)}
}

func NewUnknownReferenceError(reference string) *Error {
	return &Error{Kind: KindUnknownReference, Message: fmt.Sprintf("provider reference %q not recorded", reference)}
}

func NewConflictingSignalError(reference string, existing, observed DonationStatus) *Error {
	return &Error{
		Kind:    KindConflictingSignal,
		Message: fmt.Sprintf("reference %q already %s, ignoring %s", reference, existing, observed),
	}
}

func NewLedgerUnavailableError(err error) *Error {
	return &Error{Kind: KindLedgerUnavailable, Message: "ledger write failed", Err: err}
}

func NewInvalidTransitionError(reference string, from, to DonationStatus) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("reference %q cannot move from %s to %s", reference, from, to),
	}
}

// KindOf extracts the kind of err, or "" when err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsRetryable reports whether err is a domain error the caller may retry.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// HTTPStatus maps an error onto the status code returned to callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindUnsupportedRail:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindProviderRejected:
		return http.StatusPaymentRequired
	case KindForbidden:
		return http.StatusForbidden
	case KindUnknownReference:
		return http.StatusNotFound
	case KindDuplicateReference, KindInvalidTransition:
		return http.StatusConflict
	case KindProviderUnavailable, KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
