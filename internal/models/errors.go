package models

import (
	"errors"
	"fmt"
)

// Common payment and settlement errors
var (
	// Payment request errors
	ErrPaymentNotFound    = errors.New("payment request not found")
	ErrPaymentExpired     = errors.New("payment request expired")
	ErrAlreadyProcessed   = errors.New("payment already processed")
	ErrForbidden          = errors.New("payment belongs to another user")
	ErrUnsupportedNetwork = errors.New("unsupported network")

	// Settlement errors
	ErrDuplicateTransactionHash = errors.New("transaction hash already settled")
	ErrInsufficientAmount       = errors.New("amount too small to purchase credits")
	ErrRateUnavailable          = errors.New("exchange rate unavailable")

	// Verification errors
	ErrVerificationFailed  = errors.New("transaction verification failed")
	ErrUpstreamUnavailable = errors.New("upstream chain or price feed unavailable")

	// Plan and user errors
	ErrPlanNotFound = errors.New("plan not found")
	ErrPlanInactive = errors.New("plan is not active")
	ErrUserNotFound = errors.New("user not found")

	// Ledger errors
	ErrTransactionNotFound = errors.New("ledger transaction not found")

	// Configuration errors
	ErrNetworkNotConfigured = errors.New("network has no configured receiving address")
)

// PaymentError represents a structured error with additional context
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// NewPaymentError creates a new PaymentError
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a detail to the error
func (e *PaymentError) WithDetail(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes for structured error handling
const (
	ErrCodePaymentNotFound    = "PAYMENT_NOT_FOUND"
	ErrCodePaymentExpired     = "PAYMENT_EXPIRED"
	ErrCodeAlreadyProcessed   = "PAYMENT_ALREADY_PROCESSED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeUnsupportedNetwork = "UNSUPPORTED_NETWORK"

	ErrCodeDuplicateHash      = "DUPLICATE_TRANSACTION_HASH"
	ErrCodeInsufficientAmount = "INSUFFICIENT_AMOUNT"
	ErrCodeRateUnavailable    = "RATE_UNAVAILABLE"

	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"

	ErrCodePlanNotFound = "PLAN_NOT_FOUND"
	ErrCodePlanInactive = "PLAN_INACTIVE"
	ErrCodeUserNotFound = "USER_NOT_FOUND"

	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeDatabaseError    = "DATABASE_ERROR"
	ErrCodeConfigError      = "CONFIGURATION_ERROR"
)

// Common error constructors

func NewPaymentNotFoundError(paymentID string) *PaymentError {
	return NewPaymentError(ErrCodePaymentNotFound, "Payment request not found", ErrPaymentNotFound).
		WithDetail("payment_id", paymentID)
}

func NewForbiddenError(paymentID string) *PaymentError {
	return NewPaymentError(ErrCodeForbidden, "Payment request belongs to another user", ErrForbidden).
		WithDetail("payment_id", paymentID)
}

func NewPaymentExpiredError(paymentID string) *PaymentError {
	return NewPaymentError(ErrCodePaymentExpired, "Payment request expired", ErrPaymentExpired).
		WithDetail("payment_id", paymentID)
}

func NewDuplicateHashError(txnHash string) *PaymentError {
	return NewPaymentError(ErrCodeDuplicateHash, "Transaction hash already used by another payment", ErrDuplicateTransactionHash).
		WithDetail("txn_hash", txnHash)
}

// NewVerificationFailedError carries the verifier's reason and whether the
// condition is recoverable (e.g. not enough confirmations yet)
func NewVerificationFailedError(reason string, retryable bool) *PaymentError {
	return NewPaymentError(ErrCodeVerificationFailed, "Transaction verification failed", ErrVerificationFailed).
		WithDetail("reason", reason).
		WithDetail("retryable", retryable)
}

func NewInsufficientAmountError(usdValue, minimum string) *PaymentError {
	return NewPaymentError(ErrCodeInsufficientAmount, "Received amount is below the minimum purchase", ErrInsufficientAmount).
		WithDetail("usd_value", usdValue).
		WithDetail("minimum", minimum)
}

func NewRateUnavailableError(asset string, cause error) *PaymentError {
	return NewPaymentError(ErrCodeRateUnavailable, "Exchange rate unavailable", errors.Join(ErrRateUnavailable, cause)).
		WithDetail("asset", asset)
}

func NewUpstreamUnavailableError(upstream string, cause error) *PaymentError {
	return NewPaymentError(ErrCodeUpstreamUnavailable, "Upstream service unavailable, try again later", errors.Join(ErrUpstreamUnavailable, cause)).
		WithDetail("upstream", upstream)
}

func NewValidationError(field, message string) *PaymentError {
	return NewPaymentError(ErrCodeValidationFailed, "Validation failed", nil).
		WithDetail("field", field).
		WithDetail("message", message)
}
