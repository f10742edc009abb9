package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the fixed vocabulary of backing-store error codes that the
// retry and escalation logic switches on.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "not-found"
	CodePermissionDenied ErrorCode = "permission-denied"
	CodeConflict         ErrorCode = "conflict"
	CodeValidation       ErrorCode = "validation"

	// CodeUnavailable covers connectivity failures and timeouts. It is the
	// only transient code: everything else is terminal for the attempt.
	CodeUnavailable ErrorCode = "unavailable"
)

// StoreError is a classified failure from the backing store.
type StoreError struct {
	Code  ErrorCode
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s %s: %s: %v", e.Op, e.Table, e.Code, e.Err)
	}
	return fmt.Sprintf("store %s %s: %s", e.Op, e.Table, e.Code)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError builds a classified store error.
func NewStoreError(code ErrorCode, op, table string, err error) *StoreError {
	return &StoreError{Code: code, Op: op, Table: table, Err: err}
}

// CodeOf extracts the error code from err. Unclassified errors (plain
// network failures, context deadlines) map to CodeUnavailable so they enter
// the retry path rather than being silently dropped.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnavailable
}

// IsTransient reports whether err should re-enter the retry path.
func IsTransient(err error) bool {
	return err != nil && CodeOf(err) == CodeUnavailable
}

// IsTerminal reports whether err must bypass retry and surface immediately.
func IsTerminal(err error) bool {
	return err != nil && !IsTransient(err)
}
