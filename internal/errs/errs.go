// Package errs defines the error kinds shared by the billing core.
//
// Domain packages declare snake_case sentinels of a kind, for example
// errs.Validation("invalid_amount"). Callers test the kind with errors.Is
// against the Err* values below, or the exact sentinel.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
	KindTransientDelivery Kind = "transient_delivery"
	KindPermanentDelivery Kind = "permanent_delivery"
	KindStoreUnavailable  Kind = "store_unavailable"
	KindUnauthorized      Kind = "unauthorized"
)

// Error is a coded error of a known kind.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind-only targets (empty Code) by kind, and coded targets by kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrTransientDelivery = &Error{Kind: KindTransientDelivery}
	ErrPermanentDelivery = &Error{Kind: KindPermanentDelivery}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized, Code: "unauthorized"}
)

func Validation(code string) *Error        { return &Error{Kind: KindValidation, Code: code} }
func NotFound(code string) *Error          { return &Error{Kind: KindNotFound, Code: code} }
func InvalidTransition(code string) *Error { return &Error{Kind: KindInvalidTransition, Code: code} }
func Conflict(code string) *Error          { return &Error{Kind: KindConflict, Code: code} }

// Wrap attaches a cause to a sentinel while keeping its kind and code.
func Wrap(sentinel *Error, cause error) error {
	if sentinel == nil {
		return cause
	}
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Err: cause}
}

// TransientDelivery reports a retryable delivery failure.
func TransientDelivery(cause error) error {
	return &Error{Kind: KindTransientDelivery, Code: "delivery_failed", Err: cause}
}

// PermanentDelivery reports a delivery whose attempts are exhausted.
func PermanentDelivery(cause error) error {
	return &Error{Kind: KindPermanentDelivery, Code: "delivery_exhausted", Err: cause}
}

// StoreUnavailable reports that the ledger store could not be reached.
func StoreUnavailable(cause error) error {
	return &Error{Kind: KindStoreUnavailable, Code: "store_unavailable", Err: cause}
}

// KindOf returns the kind of the first coded error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// CodeOf returns the code of the first coded error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
