// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrCycleInProgress   = errors.New("trading cycle already in progress")
	ErrEmergencyActive   = errors.New("emergency close already in progress")
	ErrCooldownActive    = errors.New("cooldown active")
	ErrRateLimited       = errors.New("rate limited")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrAssetNotFound     = errors.New("asset not found")
	ErrAssetNotActive    = errors.New("asset not active")
	ErrStaleData         = errors.New("market data is stale")
	ErrNoPrice           = errors.New("no price available")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrInvalidLadder     = errors.New("invalid grid ladder")
	ErrDatabaseError     = errors.New("database error")
)

// ExchangeError represents an error from the exchange adapter.
type ExchangeError struct {
	Op        string
	Asset     string
	Retryable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error [%s] %s: %v", e.Op, e.Asset, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewExchangeError creates a new ExchangeError.
func NewExchangeError(op, asset string, retryable bool, err error) *ExchangeError {
	return &ExchangeError{
		Op:        op,
		Asset:     asset,
		Retryable: retryable,
		Err:       err,
	}
}

// IsRetryable reports whether err is marked as transient.
func IsRetryable(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrRateLimited)
}

// IsRejection reports whether the exchange refused the request itself, as
// opposed to failing to answer it.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrOrderNotFound)
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Asset   string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Asset, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Asset, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, asset, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Asset:   asset,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError represents a risk limit that blocked an operation.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// DataError represents a market data error.
type DataError struct {
	DataType string
	Asset    string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Asset, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Asset, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, asset, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Asset:    asset,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
