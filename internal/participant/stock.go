package participant

import (
	"context"
	"fmt"

	"cartwheel/internal/domain"
)

// StockName is the participant name of the stock domain.
const StockName = "stock"

// StockStore is the stock domain's durable state.
type StockStore interface {
	// Reserve decrements stock, failing with domain.ErrInsufficientStock
	// rather than going below zero.
	Reserve(ctx context.Context, itemID uint64, qty int64) error
	Restock(ctx context.Context, itemID uint64, qty int64) error
}

// NewStockParticipant exposes store as the stock participant. Restock is a
// forward mutation too: cancellation restocks as a business operation.
func NewStockParticipant(store StockStore, undo UndoLog, opts ...Option) *Adapter {
	apply := func(ctx context.Context, req Request) error {
		switch req.Mutation {
		case MutationReserveStock:
			return store.Reserve(ctx, req.ItemID, req.Quantity)
		case MutationRestock:
			return store.Restock(ctx, req.ItemID, req.Quantity)
		default:
			return fmt.Errorf("%w: %s: %w %q", domain.ErrInvariant, StockName, ErrUnsupportedMutation, req.Mutation)
		}
	}
	return NewAdapter(StockName, apply, undo, []Mutation{MutationReserveStock, MutationRestock}, opts...)
}
