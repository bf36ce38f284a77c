// Package errors provides structured error types for the rollup services.
// All errors include a category, code, message, and retryable flag so that
// maintainers can tell transient storage failures from data-integrity
// failures that must be quarantined.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryLedger      ErrorCategory = "LEDGER"
	ErrCategoryMaintenance ErrorCategory = "MAINTENANCE"
	ErrCategoryAudit       ErrorCategory = "AUDIT"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInclusionPolicyAmbiguous = "INCLUSION_POLICY_AMBIGUOUS"
	CodeNegativeAmount           = "NEGATIVE_AMOUNT"
	CodeMalformedEvent           = "MALFORMED_EVENT"
	CodeInvalidRequest           = "INVALID_REQUEST"

	// Storage codes
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeNotFound         = "NOT_FOUND"
	CodeWriteConflict    = "WRITE_CONFLICT"

	// Ledger codes
	CodeOrderNotFound = "ORDER_NOT_FOUND"
	CodeOrderExists   = "ORDER_EXISTS"

	// Maintenance codes
	CodeOutOfOrderEvent  = "OUT_OF_ORDER_EVENT"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"

	// Audit codes
	CodeDiscrepancyDetected = "DISCREPANCY_DETECTED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// RollupError is the structured error type used throughout the system.
type RollupError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *RollupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *RollupError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *RollupError) Is(target error) bool {
	var t *RollupError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new RollupError.
func New(category ErrorCategory, code, message string) *RollupError {
	return &RollupError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new RollupError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *RollupError {
	return &RollupError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *RollupError) WithDetails(details map[string]interface{}) *RollupError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var re *RollupError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsDataIntegrity reports whether err is a validation failure of the event
// itself. Such events are quarantined instead of retried.
func IsDataIntegrity(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// IsNotFound reports whether err carries the NOT_FOUND or ORDER_NOT_FOUND code.
func IsNotFound(err error) bool {
	code := GetCode(err)
	return code == CodeNotFound || code == CodeOrderNotFound
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a RollupError.
func GetCategory(err error) ErrorCategory {
	var re *RollupError
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a RollupError.
func GetCode(err error) string {
	var re *RollupError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodeWriteConflict:
		return true
	case category == ErrCategoryLedger && code == CodeStoreUnavailable:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *RollupError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *RollupError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewLedgerError(code, message string, cause error) *RollupError {
	return Wrap(ErrCategoryLedger, code, message, cause)
}

func NewMaintenanceError(code, message string, cause error) *RollupError {
	return Wrap(ErrCategoryMaintenance, code, message, cause)
}

func NewAuditError(code, message string) *RollupError {
	return New(ErrCategoryAudit, code, message)
}

func NewInternalError(message string, cause error) *RollupError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
