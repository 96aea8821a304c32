package participant

import (
	"context"
	"fmt"

	"cartwheel/internal/domain"
)

// OrderName is the participant name of the order domain.
const OrderName = "order"

// OrderStore is the part of the order domain touched by sagas.
type OrderStore interface {
	// SetPaid flips the paid flag. It fails with domain.ErrAlreadyPaid or
	// domain.ErrNotPaid when the order is not in the expected state, and
	// with domain.ErrOrderChanged when its lines moved past version.
	SetPaid(ctx context.Context, orderID uint64, paid bool, version uint64) error
}

// NewOrderParticipant exposes store as the order participant.
func NewOrderParticipant(store OrderStore, undo UndoLog, opts ...Option) *Adapter {
	apply := func(ctx context.Context, req Request) error {
		switch req.Mutation {
		case MutationMarkPaid:
			return store.SetPaid(ctx, req.OrderID, true, req.Version)
		case MutationMarkUnpaid:
			return store.SetPaid(ctx, req.OrderID, false, req.Version)
		default:
			return fmt.Errorf("%w: %s: %w %q", domain.ErrInvariant, OrderName, ErrUnsupportedMutation, req.Mutation)
		}
	}
	return NewAdapter(OrderName, apply, undo, []Mutation{MutationMarkPaid, MutationMarkUnpaid}, opts...)
}
