package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")

	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrAlreadyPaid        = errors.New("order already paid")
	ErrNotPaid            = errors.New("order not paid")

	// ErrOrderChanged means the order lines changed after a saga read them.
	ErrOrderChanged = errors.New("order changed during checkout")

	// ErrInvariant marks programming errors. They fail immediately and are
	// never retried.
	ErrInvariant       = errors.New("invariant violation")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidAmount   = errors.New("amount must not be negative")
)

// FailureKind classifies an error for rollback and telemetry purposes.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureBusiness  FailureKind = "business"
	FailureTransport FailureKind = "transport"
	FailureInvariant FailureKind = "invariant"
)

var businessErrors = []error{
	ErrInsufficientStock,
	ErrInsufficientCredit,
	ErrAlreadyPaid,
	ErrNotPaid,
	ErrOrderChanged,
	ErrNotFound,
	ErrAlreadyExists,
}

// RegisterBusinessError adds err to the set of business failures. It is
// meant to be called from package init functions.
func RegisterBusinessError(err error) {
	businessErrors = append(businessErrors, err)
}

// Classify reports the failure kind of err.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrInvariant):
		return FailureInvariant
	case IsBusiness(err):
		return FailureBusiness
	default:
		return FailureTransport
	}
}

// IsBusiness reports whether err is an expected business rejection.
func IsBusiness(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsContextError reports whether err comes from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
