package sip

import (
	"errors"

	"github.com/ghettovoice/siptx/internal/errorutil"
)

// Error is a sentinel error type.
type Error = errorutil.Error

const (
	ErrInvalidArgument = errorutil.ErrInvalidArgument
	// ErrMalformedMessage is returned when a message lacks headers required to match it
	// to a transaction.
	ErrMalformedMessage Error = "malformed message"
	// ErrDuplicateTransaction is reported when a transaction key is registered twice.
	// [TransactionTable.Insert] panics with it, transaction constructors return it.
	ErrDuplicateTransaction Error = "duplicate transaction"
	// ErrTransactionTimedOut is returned when timer B, F or H fires.
	ErrTransactionTimedOut Error = "transaction timed out"
	// ErrTransactionTerminated is returned by operations on a terminated transaction,
	// and by receive methods once the transaction will not pass up anything else.
	ErrTransactionTerminated Error = "transaction terminated"
	// ErrEndpointClosed is returned by a closed endpoint.
	ErrEndpointClosed Error = "endpoint closed"
	// ErrMethodNotAllowed is returned when a transaction is created for a request method
	// it cannot handle.
	ErrMethodNotAllowed Error = "method not allowed"
	// ErrUnexpectedMessage is returned when an operation is not permitted in the
	// current transaction state.
	ErrUnexpectedMessage Error = "unexpected message"
)

// NewInvalidArgumentError creates or wraps an error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewMalformedMessageError creates or wraps an error with [ErrMalformedMessage].
func NewMalformedMessageError(args ...any) error {
	return errorutil.NewWrapperError(ErrMalformedMessage, args...) //errtrace:skip
}

func isTimeout(err error) bool { return errors.Is(err, ErrTransactionTimedOut) }
