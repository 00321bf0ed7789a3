package identity

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// English comment:
// - Kind MUST be one of the sentinel kinds when applicable (ErrInvalidInput, ErrNotFound, ...).
// - Msg may include human-readable context; do not include secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// FieldError is a validation failure on one input field.
// Details lists rule identifiers (e.g. password strength violations).
type FieldError struct {
	Op      string
	Field   string
	Reason  string
	Details []string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %v: %s: %s", e.Op, ErrInvalidInput, e.Field, e.Reason)
}

func (e FieldError) Unwrap() error { return ErrInvalidInput }

// ConflictError reports a uniqueness/constraint conflict for a specific logical field.
// Field should be a stable logical name: "email", "wallet_address", "credential_id", "last_auth_method", ...
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing referenced resource or missing row.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// Unauthenticated returns the single indistinguishable authentication failure.
// English comment:
// - Every verifier returns this for wrong password, bad signature, stale challenge, unknown principal, ...
// - The real reason belongs in the audit log, never in the error returned to the caller.
func Unauthenticated(op string) error {
	return OpError{Op: op, Kind: ErrUnauthenticated, Msg: "authentication failed"}
}

// Forbidden returns a forbidden error with context.
func Forbidden(op, msg string) error {
	return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
}

// Invalid returns an ErrInvalidInput OpError.
func Invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// LastAuthMethodConflict is returned when a removal would leave a principal unusable.
func LastAuthMethodConflict(op string) error {
	return ConflictError{Op: op, Field: "last_auth_method"}
}

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// ConflictField returns the logical field of a ConflictError, if any.
func ConflictField(err error) (string, bool) {
	var ce ConflictError
	if !errors.As(err, &ce) {
		return "", false
	}
	return ce.Field, true
}

// AsFieldError extracts a FieldError.
func AsFieldError(err error) (FieldError, bool) {
	var fe FieldError
	if !errors.As(err, &fe) {
		return FieldError{}, false
	}
	return fe, true
}

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsUnauthenticated reports whether err represents ErrUnauthenticated.
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsNotActive reports whether err represents ErrNotActive.
func IsNotActive(err error) bool { return errors.Is(err, ErrNotActive) }

// IsStale reports whether err represents ErrStale.
func IsStale(err error) bool { return errors.Is(err, ErrStale) }
