package tokenerr

import (
	"errors"
	"fmt"
	"time"
)

// Stable machine-readable error codes. Callers branch on these (or on the
// concrete error types via errors.As); the string values are part of the
// public contract and must not change.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "TOKEN_NOT_FOUND"
	CodeAlreadyExists   = "TOKEN_EXISTS"
	CodeExpired         = "TOKEN_EXPIRED"
	CodeConfiguration   = "CONFIGURATION_ERROR"
	CodeOperationFailed = "OPERATION_FAILED"
	CodeTimeout         = "TIMEOUT_ERROR"
)

const prefixLen = 8

// Prefix truncates a token to a short diagnostic prefix. Full token values
// must never appear in errors, events, or log output.
func Prefix(token string) string {
	if len(token) <= prefixLen {
		return token
	}
	return token[:prefixLen] + "..."
}

// ValidationError reports malformed caller input or a corrupted stored
// payload discovered on read.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Code returns the stable error code.
func (e *ValidationError) Code() string { return CodeValidation }

// NotFoundError reports a revoke or rotate against a token absent from the
// store. Carries only the token prefix.
type NotFoundError struct {
	TokenPrefix string
}

func NewNotFound(token string) *NotFoundError {
	return &NotFoundError{TokenPrefix: Prefix(token)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("token %s not found", e.TokenPrefix)
}

func (e *NotFoundError) Code() string { return CodeNotFound }

// AlreadyExistsError reports a save against a token key already present.
// First-writer-wins: exactly one concurrent save observes success.
type AlreadyExistsError struct {
	TokenPrefix string
}

func NewAlreadyExists(token string) *AlreadyExistsError {
	return &AlreadyExistsError{TokenPrefix: Prefix(token)}
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("token %s already exists", e.TokenPrefix)
}

func (e *AlreadyExistsError) Code() string { return CodeAlreadyExists }

// ExpiredError reports a rotation attempted on a record past its expiry.
type ExpiredError struct {
	TokenPrefix string
	ExpiredAt   time.Time
}

func NewExpired(token string, expiredAt time.Time) *ExpiredError {
	return &ExpiredError{TokenPrefix: Prefix(token), ExpiredAt: expiredAt}
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("token %s expired at %s", e.TokenPrefix, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (e *ExpiredError) Code() string { return CodeExpired }

// ConfigurationError reports invalid configuration: TTLs out of bounds,
// duplicate plugin names, a missing store adapter.
type ConfigurationError struct {
	Reason string
}

func NewConfiguration(reason string) *ConfigurationError {
	return &ConfigurationError{Reason: reason}
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

func (e *ConfigurationError) Code() string { return CodeConfiguration }

// OperationFailedError wraps an unexpected infrastructure failure. Domain
// errors are never re-wrapped into it; they cross layers unchanged.
type OperationFailedError struct {
	Op      string
	Cause   error
	Context map[string]string
}

func NewOperationFailed(op string, cause error) *OperationFailedError {
	return &OperationFailedError{Op: op, Cause: cause}
}

func (e *OperationFailedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("operation %s failed", e.Op)
	}
	return fmt.Sprintf("operation %s failed: %v", e.Op, e.Cause)
}

func (e *OperationFailedError) Code() string { return CodeOperationFailed }

func (e *OperationFailedError) Unwrap() error { return e.Cause }

// WithContext attaches a structured diagnostic field and returns the error.
func (e *OperationFailedError) WithContext(key, value string) *OperationFailedError {
	if e.Context == nil {
		e.Context = make(map[string]string, 1)
	}
	e.Context[key] = value
	return e
}

// TimeoutError reports an operation exceeding its configured budget. The
// underlying call's eventual result is discarded, not cancelled.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func NewTimeout(op string, budget time.Duration) *TimeoutError {
	return &TimeoutError{Op: op, Budget: budget}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.Op, e.Budget)
}

func (e *TimeoutError) Code() string { return CodeTimeout }

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() string
}

// IsDomain reports whether err belongs to the typed taxonomy. The registry
// re-throws domain errors unchanged and wraps everything else.
func IsDomain(err error) bool {
	var coded Coded
	return errors.As(err, &coded)
}

// CodeOf returns the stable code for a domain error, or "" for anything else.
func CodeOf(err error) string {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return ""
}
