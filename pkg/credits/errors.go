package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain-level error values returned by the credit service.
var (
	ErrResourceNotFound        = errors.New("resource not found")
	ErrPoolNotFound            = errors.New("credit pool not found")
	ErrPoolExists              = errors.New("credit pool already exists")
	ErrPoolInactive            = errors.New("credit pool inactive")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrTransactionNotFound     = errors.New("credit transaction not found")
	ErrInvalidPoolKind         = errors.New("invalid pool kind")
	ErrInvalidResourceID       = errors.New("invalid resource id")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidOperationType    = errors.New("invalid operation type")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidTier             = errors.New("invalid tier")
	ErrInvalidStorageLimit     = errors.New("invalid storage limit")
	ErrInvalidAllocation       = errors.New("invalid allocation")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// InsufficientCreditsError reports a denied debit together with the figures
// the caller needs to render a useful message. It matches
// ErrInsufficientCredits under errors.Is.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

// Error returns the formatted error message.
func (insufficientError InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s",
		insufficientError.Required.StringFixed(2), insufficientError.Available.StringFixed(2))
}

// Is reports whether target is the insufficient-credits sentinel.
func (insufficientError InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
