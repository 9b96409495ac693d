package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for recovery purposes.
type ErrorKind string

const (
	// ErrKindTransient covers HTTP 5xx, timeouts and rate limits; retryable.
	ErrKindTransient ErrorKind = "TRANSIENT_EXCHANGE"
	// ErrKindPermanent covers auth, invalid symbol, insufficient balance; not retryable.
	ErrKindPermanent ErrorKind = "PERMANENT_EXCHANGE"
	// ErrKindValidation covers exchange-rule violations.
	ErrKindValidation ErrorKind = "VALIDATION"
	// ErrKindRisk covers risk-manager rejections.
	ErrKindRisk ErrorKind = "RISK"
	// ErrKindSafety covers safety-limit rejections; the run continues.
	ErrKindSafety ErrorKind = "SAFETY"
	// ErrKindInternal covers assertions, DB constraints, invalid transitions.
	ErrKindInternal ErrorKind = "INTERNAL"
	// ErrKindConfig covers missing or mismatched configuration.
	ErrKindConfig ErrorKind = "CONFIG"
)

// Error codes surfaced on trade attempts and API responses.
const (
	CodeDailyLossLimit       = "DAILY_LOSS_LIMIT"
	CodePositionSizeAdjusted = "POSITION_SIZE_ADJUSTED"
	CodeStopLossRequired     = "STOP_LOSS_REQUIRED"
	CodeInvalidParams        = "INVALID_PARAMS"
	CodeRulesUnknown         = "RULES_UNKNOWN"
	CodeNoConfiguration      = "NO_CONFIGURATION_FOUND"
	CodeNoPosition           = "NO_POSITION"
	CodeInsufficientQty      = "INSUFFICIENT_QUANTITY"
	CodeInFlight             = "IN_FLIGHT"
	CodeBotAlreadyRunning    = "BOT_ALREADY_RUNNING"
	CodeBotNotRunning        = "BOT_NOT_RUNNING"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeMonitorRunning       = "MONITOR_ALREADY_RUNNING"
	CodeSafetyCheckError     = "SAFETY_CHECK_ERROR"
	CodeSafetyLimit          = "SAFETY_LIMIT"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeAuthFailed           = "AUTH_FAILED"
	CodeInvalidSymbol        = "INVALID_SYMBOL"
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeInvalidPrice         = "INVALID_PRICE"
	CodeSymbolNotEnabled     = "SYMBOL_NOT_ENABLED"
)

// TradeError is the tagged error carried through the trading pipeline.
type TradeError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *TradeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *TradeError) Unwrap() error { return e.Err }

// NewError builds a TradeError.
func NewError(kind ErrorKind, code, message string) *TradeError {
	return &TradeError{Kind: kind, Code: code, Message: message}
}

// WrapError builds a TradeError around an underlying cause.
func WrapError(kind ErrorKind, code string, err error) *TradeError {
	return &TradeError{Kind: kind, Code: code, Err: err}
}

// ErrKindOf extracts the kind from an error chain; unknown errors are internal.
func ErrKindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindInternal
}

// ErrCodeOf extracts the code from an error chain, or "" if untagged.
func ErrCodeOf(err error) string {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return ErrKindOf(err) == ErrKindTransient
}
