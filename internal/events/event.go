// Package events publishes saga outcomes to interested consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type names an event.
type Type string

const (
	OrderCheckedOut         Type = "order.checked_out"
	OrderCheckoutRolledBack Type = "order.checkout_rolled_back"
	OrderCancelled          Type = "order.cancelled"
	OrderCancelFailed       Type = "order.cancel_failed"
	SagaRollbackIncomplete  Type = "saga.rollback_incomplete"
)

// Event is the wire contract for saga outcome events.
type Event struct {
	ID         string          `json:"event_id"`
	Type       Type            `json:"type"`
	TxID       string          `json:"tx_id"`
	OrderID    uint64          `json:"order_id,string"`
	UserID     uint64          `json:"user_id,string"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// New stamps an event with a fresh id and the current time.
func New(typ Type, txID string, orderID, userID uint64, amount decimal.Decimal) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		TxID:       txID,
		OrderID:    orderID,
		UserID:     userID,
		Amount:     amount,
		OccurredAt: time.Now().UTC(),
	}
}

// Key is the partitioning key of the event.
func (e Event) Key() string {
	return e.TxID
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
