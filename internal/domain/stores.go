package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderStore owns the order domain's durable state.
type OrderStore interface {
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, orderID uint64) (Order, error)
	DeleteOrder(ctx context.Context, orderID uint64) error
	// AddItem inserts line, or bumps the quantity of an existing line for
	// the same item by one while keeping its captured price. It fails with
	// ErrAlreadyPaid on a paid order.
	AddItem(ctx context.Context, orderID uint64, line OrderItem) (OrderItem, error)
	// RemoveItem fails with ErrAlreadyPaid on a paid order.
	RemoveItem(ctx context.Context, orderID, itemID uint64) error
	// SetPaid flips the paid flag of an order still at version. It fails
	// with ErrOrderChanged when the lines changed since then.
	SetPaid(ctx context.Context, orderID uint64, paid bool, version uint64) error
}

// StockStore owns the stock domain's durable state.
type StockStore interface {
	CreateItem(ctx context.Context, item StockItem) error
	GetItem(ctx context.Context, itemID uint64) (StockItem, error)
	Reserve(ctx context.Context, itemID uint64, qty int64) error
	Restock(ctx context.Context, itemID uint64, qty int64) error
}

// CreditStore owns the credit domain's durable state.
type CreditStore interface {
	CreateAccount(ctx context.Context, account CreditAccount) error
	GetAccount(ctx context.Context, userID uint64) (CreditAccount, error)
	Debit(ctx context.Context, userID uint64, amount decimal.Decimal, allowNegative bool) error
	Credit(ctx context.Context, userID uint64, amount decimal.Decimal) error
}
