package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    []Violation `json:"details,omitempty"`
	HTTPStatus int         `json:"-"`
	Retryable  bool        `json:"retryable"`
	Err        error       `json:"-"` // Wrapped internal error (not exposed to client)
}

// Violation describes one failed validation rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// As extracts an *AppError from err.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// ---- Validation (VAL) ----

// Validation returns a VAL_001 error listing every violated rule.
func Validation(message string, violations ...Violation) *AppError {
	e := New("VAL_001", message, http.StatusBadRequest)
	e.Details = violations
	return e
}

// ---- Payment Business Logic (PAY) ----

func ErrInsufficientBalance() *AppError {
	return New("PAY_001", "Insufficient balance in wallet", http.StatusPaymentRequired)
}

func ErrUnsupportedNetwork(network string) *AppError {
	return New("PAY_002", fmt.Sprintf("Unsupported network %q", network), http.StatusBadRequest)
}

func ErrPaymentNotCancellable() *AppError {
	return New("PAY_003", "Payment has already been submitted and cannot be cancelled", http.StatusConflict)
}

func ErrPaymentCancelled() *AppError {
	return New("PAY_004", "Payment was cancelled before submission", http.StatusConflict)
}

func ErrMissingIdempotencyKey() *AppError {
	return New("PAY_005", "Idempotency-Key header is required", http.StatusBadRequest)
}

func ErrIdempotencyKeyReused() *AppError {
	return New("PAY_006", "Idempotency key was already used with a different request", http.StatusUnprocessableEntity)
}

func ErrRequestInProgress() *AppError {
	e := New("PAY_007", "A request with this idempotency key is still being processed", http.StatusConflict)
	e.Retryable = true
	return e
}

// ---- Blockchain execution (EXE) ----

// ErrExecutionRetryable is returned when the transfer failed for a transient reason.
// Callers may retry with a new idempotency key once the failed record is terminal.
func ErrExecutionRetryable(err error) *AppError {
	e := Wrap("EXE_001", "Blockchain submission failed, retry with a new idempotency key", http.StatusBadGateway, err)
	e.Retryable = true
	return e
}

func ErrExecutionRejected(err error) *AppError {
	return Wrap("EXE_002", "Blockchain submission was rejected", http.StatusUnprocessableEntity, err)
}

// ---- Settlement (STL) and dispatch (DSP) ----

func ErrNothingToSettle() *AppError {
	return New("STL_001", "No confirmed unsettled transactions", http.StatusUnprocessableEntity)
}

func ErrBelowMinimumSettlement(minimum string) *AppError {
	return New("STL_002", fmt.Sprintf("Settlement amount is below the minimum of %s", minimum), http.StatusUnprocessableEntity)
}

func ErrAssignmentConflict(err error) *AppError {
	e := Wrap("STL_003", "Transactions were assigned to another settlement", http.StatusConflict, err)
	e.Retryable = true
	return e
}

func ErrMerchantNotFound() *AppError {
	return New("STL_004", "Merchant not found", http.StatusNotFound)
}

func ErrMerchantSuspended() *AppError {
	return New("STL_005", "Merchant account is suspended", http.StatusForbidden)
}

func ErrSettlementAlreadyClaimed() *AppError {
	return New("STL_006", "Settlement is being dispatched by another worker", http.StatusConflict)
}

func ErrDispatchRetryScheduled(err error) *AppError {
	e := Wrap("DSP_001", "Settlement payout failed, retry scheduled", http.StatusBadGateway, err)
	e.Retryable = true
	return e
}

func ErrDispatchExhausted(err error) *AppError {
	return Wrap("DSP_002", "Settlement payout failed permanently, manual intervention required", http.StatusBadGateway, err)
}

// ---- Generic ----

func ErrNotFound(entity string) *AppError {
	return New("NF_001", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrInvalidState(err error) *AppError {
	return Wrap("STATE_001", "Operation not allowed in the current state", http.StatusConflict, err)
}

// ---- Authentication (AUTH) ----

func ErrInvalidToken() *AppError {
	return New("AUTH_001", "Invalid or expired token", http.StatusUnauthorized)
}

func ErrForbidden() *AppError {
	return New("AUTH_002", "Access to this resource is not allowed", http.StatusForbidden)
}

func ErrInvalidSignature() *AppError {
	return New("AUTH_003", "Invalid callback signature", http.StatusUnauthorized)
}

func ErrCallbackReplayed() *AppError {
	return New("AUTH_004", "Callback was already delivered", http.StatusConflict)
}

// ---- Rate limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	e := New("RATE_001", "Too many requests, slow down", http.StatusTooManyRequests)
	e.Retryable = true
	return e
}

// ---- System & Infrastructure (SYS) ----

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

func ErrServiceUnavailable(err error) *AppError {
	return Wrap("SYS_002", "Dependency unavailable", http.StatusServiceUnavailable, err)
}
