// Package participant wraps each domain store behind a uniform
// execute/compensate contract keyed by saga branch. Every successful execute
// leaves an undo record that compensate later applies.
package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/txctx"

	"github.com/shopspring/decimal"
)

var (
	// ErrBranchClosed rejects an execute for a branch that was already
	// compensated (or compensated before it ever ran).
	ErrBranchClosed = errors.New("branch already compensated")
	// ErrBranchExists is returned by UndoLog.Record for a branch that already
	// holds an undo record.
	ErrBranchExists = errors.New("branch already recorded")
	// ErrUnsupportedMutation means a participant was asked to apply a
	// mutation it does not own.
	ErrUnsupportedMutation = errors.New("unsupported mutation")
)

func init() {
	domain.RegisterBusinessError(ErrBranchClosed)
}

// Participant is one domain's saga-facing contract.
type Participant interface {
	Name() string
	Execute(ctx context.Context, b txctx.Branch, req Request) error
	Compensate(ctx context.Context, b txctx.Branch) error
}

// Mutation names a single domain mutation.
type Mutation string

const (
	MutationReserveStock Mutation = "reserve_stock"
	MutationRestock      Mutation = "restock"
	MutationDebit        Mutation = "debit"
	MutationCredit       Mutation = "credit"
	MutationMarkPaid     Mutation = "mark_paid"
	MutationMarkUnpaid   Mutation = "mark_unpaid"
)

// Request is a single mutation and its arguments.
type Request struct {
	Mutation Mutation        `json:"mutation"`
	ItemID   uint64          `json:"item_id,omitempty"`
	UserID   uint64          `json:"user_id,omitempty"`
	OrderID  uint64          `json:"order_id,omitempty"`
	Quantity int64           `json:"quantity,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	// Version is the order version a paid flag change expects.
	Version  uint64          `json:"version,omitempty"`
}

// ReserveStock decrements item stock by qty.
func ReserveStock(itemID uint64, qty int64) Request {
	return Request{Mutation: MutationReserveStock, ItemID: itemID, Quantity: qty}
}

// Restock adds qty back to item stock.
func Restock(itemID uint64, qty int64) Request {
	return Request{Mutation: MutationRestock, ItemID: itemID, Quantity: qty}
}

// Debit takes amount from the user's credit.
func Debit(userID uint64, amount decimal.Decimal) Request {
	return Request{Mutation: MutationDebit, UserID: userID, Amount: amount}
}

// Credit gives amount to the user's credit.
func Credit(userID uint64, amount decimal.Decimal) Request {
	return Request{Mutation: MutationCredit, UserID: userID, Amount: amount}
}

// MarkPaid flips an unpaid order to paid, provided its lines are still at
// version.
func MarkPaid(orderID, version uint64) Request {
	return Request{Mutation: MutationMarkPaid, OrderID: orderID, Version: version}
}

// MarkUnpaid flips a paid order back to unpaid.
func MarkUnpaid(orderID, version uint64) Request {
	return Request{Mutation: MutationMarkUnpaid, OrderID: orderID, Version: version}
}

// Validate rejects malformed requests as invariant violations.
func (r Request) Validate() error {
	switch r.Mutation {
	case MutationReserveStock, MutationRestock:
		return domain.ValidateQuantity(r.Quantity)
	case MutationDebit, MutationCredit:
		return domain.ValidateAmount(r.Amount)
	case MutationMarkPaid, MutationMarkUnpaid:
		return nil
	default:
		return fmt.Errorf("%w: %w %q", domain.ErrInvariant, ErrUnsupportedMutation, r.Mutation)
	}
}

// Inverse returns the request that reverses r.
func (r Request) Inverse() (Request, error) {
	switch r.Mutation {
	case MutationReserveStock:
		return Restock(r.ItemID, r.Quantity), nil
	case MutationRestock:
		return ReserveStock(r.ItemID, r.Quantity), nil
	case MutationDebit:
		return Credit(r.UserID, r.Amount), nil
	case MutationCredit:
		return Debit(r.UserID, r.Amount), nil
	case MutationMarkPaid:
		return MarkUnpaid(r.OrderID, r.Version), nil
	case MutationMarkUnpaid:
		return MarkPaid(r.OrderID, r.Version), nil
	default:
		return Request{}, fmt.Errorf("%w: %w %q", domain.ErrInvariant, ErrUnsupportedMutation, r.Mutation)
	}
}

// UndoRecord is what a participant keeps to reverse one executed branch.
type UndoRecord struct {
	Branch      txctx.Branch `json:"branch"`
	Participant string       `json:"participant"`
	Undo        Request      `json:"undo"`
	CreatedAt   time.Time    `json:"created_at"`
}

// BranchState is the undo-log view of a branch.
type BranchState int

const (
	BranchUnknown BranchState = iota
	BranchRecorded
	BranchClosed
)

// UndoLog stores undo records per branch.
//
// Claim atomically takes the pending record for b and leaves a tombstone so a
// later Record for the same branch fails with ErrBranchClosed. When no record
// exists it still leaves the tombstone and reports false.
type UndoLog interface {
	State(ctx context.Context, b txctx.Branch) (BranchState, error)
	Record(ctx context.Context, rec UndoRecord) error
	Claim(ctx context.Context, b txctx.Branch) (UndoRecord, bool, error)
	Release(ctx context.Context, rec UndoRecord) error
}
