package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind groups error codes by how the caller should react.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"     // malformed input, rejected before the ledger
	KindPolicy         ErrorKind = "policy"         // spending limit or approval failure
	KindState          ErrorKind = "state"          // wrong lifecycle state, no side effects
	KindResource       ErrorKind = "resource"       // insufficient balance, no partial debit
	KindConflict       ErrorKind = "conflict"       // duplicate request id with mismatched payload
	KindNotFound       ErrorKind = "not_found"      // dependency lookup miss
	KindInfrastructure ErrorKind = "infrastructure" // storage failure, safe to retry
)

// ErrorCode is the stable machine-readable identifier for a failure.
type ErrorCode string

const (
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeCurrencyMismatch    ErrorCode = "CURRENCY_MISMATCH"
	CodeNotApproved         ErrorCode = "NOT_APPROVED"
	CodePerRequestLimit     ErrorCode = "PER_REQUEST_LIMIT"
	CodeDailyLimit          ErrorCode = "DAILY_LIMIT"
	CodeMonthlyLimit        ErrorCode = "MONTHLY_LIMIT"
	CodeRequiresApproval    ErrorCode = "REQUIRES_APPROVAL"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeAmountMismatch      ErrorCode = "AMOUNT_MISMATCH"
	CodeDuplicateInProgress ErrorCode = "DUPLICATE_IN_PROGRESS"
	CodeWalletNotFound      ErrorCode = "WALLET_NOT_FOUND"
	CodeEndpointNotFound    ErrorCode = "ENDPOINT_NOT_FOUND"
	CodeEndpointInactive    ErrorCode = "ENDPOINT_INACTIVE"
	CodeMandateNotFound     ErrorCode = "MANDATE_NOT_FOUND"
	CodeMandateExpired      ErrorCode = "MANDATE_EXPIRED"
	CodeMandateCancelled    ErrorCode = "MANDATE_CANCELLED"
	CodeMandateCompleted    ErrorCode = "MANDATE_COMPLETED"
	CodeMandateExceeded     ErrorCode = "MANDATE_EXCEEDED"
	CodeCheckoutNotFound    ErrorCode = "CHECKOUT_NOT_FOUND"
	CodeCheckoutNotPending  ErrorCode = "CHECKOUT_NOT_PENDING"
	CodeCheckoutExpired     ErrorCode = "CHECKOUT_EXPIRED"
	CodeTransferNotFound    ErrorCode = "TRANSFER_NOT_FOUND"
	CodeStoreUnavailable    ErrorCode = "STORE_UNAVAILABLE"
)

// Error is the structured failure payload every operation returns: a stable
// code plus human text, and for policy and resource failures the limiting
// amounts so the caller can remediate.
type Error struct {
	Kind      ErrorKind        `json:"kind"`
	Code      ErrorCode        `json:"code"`
	Message   string           `json:"message"`
	Limit     *decimal.Decimal `json:"limit,omitempty"`
	Requested *decimal.Decimal `json:"requested,omitempty"`
	Current   *decimal.Decimal `json:"current,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a structured failure.
func NewError(kind ErrorKind, code ErrorCode, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches the underlying error without leaking it to clients.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithAmounts attaches the limiting, requested and current amounts.
func (e *Error) WithAmounts(limit, requested, current decimal.Decimal) *Error {
	e.Limit = &limit
	e.Requested = &requested
	e.Current = &current
	return e
}

// CodeOf extracts the machine code from any error in the chain, falling back
// to STORE_UNAVAILABLE for untyped infrastructure failures.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeStoreUnavailable
}
