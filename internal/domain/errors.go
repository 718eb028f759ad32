package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned across package boundaries wraps one of
// these so callers can branch with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrMalformedCallback  = errors.New("malformed callback")
	ErrInvalidTarget      = errors.New("business is not accepting orders")
	ErrProductUnavailable = errors.New("one or more products are unavailable")
)

var (
	ErrOrderNotFound       = kind(ErrNotFound, "order not found")
	ErrBusinessNotFound    = kind(ErrNotFound, "business not found")
	ErrTransactionNotFound = kind(ErrNotFound, "transaction not found")
	ErrDiscountNotFound    = kind(ErrNotFound, "discount not found")
	ErrCallbackNotFound    = kind(ErrNotFound, "callback not found")

	ErrOrderAlreadyPaid      = kind(ErrConflict, "order already paid")
	ErrOrderCancelled        = kind(ErrConflict, "order is cancelled")
	ErrInvalidTransition     = kind(ErrConflict, "invalid status transition")
	ErrTransactionNotPending = kind(ErrConflict, "transaction is not pending")
	ErrCallbackProcessed     = kind(ErrConflict, "callback already processed")
	ErrDiscountExhausted     = kind(ErrConflict, "discount usage limit reached")

	ErrInvalidPhone  = kind(ErrValidation, "invalid phone number")
	ErrInvalidAmount = kind(ErrValidation, "amount out of range")
)

type kindError struct {
	kind error
	msg  string
}

func kind(k error, msg string) error {
	return &kindError{kind: k, msg: msg}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// Validation builds a validation error with a caller-facing message.
func Validation(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

type InsufficientStockError struct {
	ProductID string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ProviderError is a rejection reported by the payment provider.
type ProviderError struct {
	Operation string
	Code      string
	Message   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider rejected %s: %s %s", e.Operation, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return ErrGatewayUnavailable }
