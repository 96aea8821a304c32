package participant

import (
	"context"
	"fmt"

	"cartwheel/internal/domain"

	"github.com/shopspring/decimal"
)

// PaymentName is the participant name of the credit domain.
const PaymentName = "payment"

// CreditStore is the credit domain's durable state.
type CreditStore interface {
	// Debit subtracts amount. When allowNegative is false it fails with
	// domain.ErrInsufficientCredit instead of going below zero.
	Debit(ctx context.Context, userID uint64, amount decimal.Decimal, allowNegative bool) error
	Credit(ctx context.Context, userID uint64, amount decimal.Decimal) error
}

// PaymentPolicy holds the payment participant's business rules.
type PaymentPolicy struct {
	// AllowNegativeCredit lets debits drive a balance below zero.
	AllowNegativeCredit bool
}

// NewPaymentParticipant exposes store as the payment participant.
func NewPaymentParticipant(store CreditStore, undo UndoLog, policy PaymentPolicy, opts ...Option) *Adapter {
	apply := func(ctx context.Context, req Request) error {
		switch req.Mutation {
		case MutationDebit:
			return store.Debit(ctx, req.UserID, req.Amount, policy.AllowNegativeCredit)
		case MutationCredit:
			return store.Credit(ctx, req.UserID, req.Amount)
		default:
			return fmt.Errorf("%w: %s: %w %q", domain.ErrInvariant, PaymentName, ErrUnsupportedMutation, req.Mutation)
		}
	}
	return NewAdapter(PaymentName, apply, undo, []Mutation{MutationDebit, MutationCredit}, opts...)
}
