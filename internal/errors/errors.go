// Package errors provides structured error types for the Tidemark commit
// core. All errors include a category, code, message, and retryable flag so
// callers can distinguish fatal configuration/invariant violations from
// transient faults worth retrying.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryCommit   ErrorCategory = "COMMIT"
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryLedger   ErrorCategory = "LEDGER"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Commit codes
	CodeTableNotFound = "TABLE_NOT_FOUND"

	// Schema codes
	CodePrimaryKeyChanged   = "PRIMARY_KEY_CHANGED"
	CodeRangeKeyChanged     = "RANGE_KEY_CHANGED"
	CodeIncompatibleSchema  = "INCOMPATIBLE_SCHEMA"
	CodeSchemaDrift         = "SCHEMA_DRIFT"
	CodeSchemaWriteConflict = "SCHEMA_WRITE_CONFLICT"

	// Ledger codes
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeTableExists     = "TABLE_EXISTS"

	// Storage codes
	CodeLocationCreateFailed = "LOCATION_CREATE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// TidemarkError is the structured error type used throughout the system.
type TidemarkError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *TidemarkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TidemarkError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *TidemarkError) Is(target error) bool {
	var t *TidemarkError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new TidemarkError.
func New(category ErrorCategory, code, message string) *TidemarkError {
	return &TidemarkError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Wrap creates a new TidemarkError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *TidemarkError {
	return &TidemarkError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(code),
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Non-TidemarkError values are treated as non-retryable.
func IsRetryable(err error) bool {
	var te *TidemarkError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// IsFatal reports whether the error is a structured error that must abort
// the surrounding job rather than be retried.
func IsFatal(err error) bool {
	var te *TidemarkError
	if errors.As(err, &te) {
		return !te.Retryable
	}
	return false
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a TidemarkError.
func GetCode(err error) string {
	var te *TidemarkError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// isRetryable determines if an error code marks a transient fault.
// Key-set violations, structural incompatibilities, and missing tables are
// configuration errors: retrying without operator intervention cannot succeed.
func isRetryable(code string) bool {
	switch code {
	case CodeVersionConflict, CodeSchemaWriteConflict, CodeLocationCreateFailed, CodeSchemaDrift:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewCommitError(code, message string) *TidemarkError {
	return New(ErrCategoryCommit, code, message)
}

func NewSchemaError(code, message string) *TidemarkError {
	return New(ErrCategorySchema, code, message)
}

func NewLedgerError(code, message string, cause error) *TidemarkError {
	return Wrap(ErrCategoryLedger, code, message, cause)
}

func NewStorageError(code, message string, cause error) *TidemarkError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *TidemarkError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
