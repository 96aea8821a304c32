package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"
)

// Kind names the workflow a saga runs.
type Kind string

const (
	KindCheckout Kind = "checkout"
	KindCancel   Kind = "cancel"
)

// Status captures the current state of a saga.
type Status string

const (
	StatusStarted            Status = "started"
	StatusStockReserving     Status = "stock_reserving"
	StatusPaying             Status = "paying"
	StatusRestocking         Status = "restocking"
	StatusRefunding          Status = "refunding"
	StatusFinalizing         Status = "finalizing"
	StatusCommitted          Status = "committed"
	StatusCompensating       Status = "compensating"
	StatusRolledBack         Status = "rolled_back"
	StatusRollbackIncomplete Status = "rollback_incomplete"
)

// Terminal reports whether no further transition can happen. A saga in
// rollback_incomplete stays there until an operator resolves it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusRolledBack, StatusRollbackIncomplete:
		return true
	default:
		return false
	}
}

// StepStatus is the state of one branch inside a saga.
type StepStatus string

const (
	StepExecuting          StepStatus = "executing"
	StepDone               StepStatus = "done"
	StepFailed             StepStatus = "failed"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// Step is one saga log entry for a branch.
type Step struct {
	Participant string
	Branch      string
	Mutation    participant.Mutation
	Status      StepStatus
	Detail      string
	At          time.Time
}

// Record is a stored saga with its step history in insertion order.
type Record struct {
	TxID      string
	Kind      Kind
	OrderID   uint64
	Status    Status
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Steps     []Step
}

// Log persists saga progress so an interrupted saga can be recovered.
type Log interface {
	// Start opens a saga. It fails with ErrSagaInProgress while another
	// non-terminal saga holds the same order.
	Start(ctx context.Context, rec Record) error
	UpdateStatus(ctx context.Context, txID string, status Status, reason string) error
	AddStep(ctx context.Context, txID string, step Step) error
	Get(ctx context.Context, txID string) (Record, error)
	// Active lists non-terminal sagas, oldest first.
	Active(ctx context.Context) ([]Record, error)
}

var (
	// ErrSagaInProgress rejects a saga for an order another saga is running on.
	ErrSagaInProgress = errors.New("saga already in progress for order")
	// ErrRollbackIncomplete means some compensations kept failing and the
	// domains may be inconsistent.
	ErrRollbackIncomplete = errors.New("rollback incomplete")
	// ErrUnknownSaga is returned by Log.Get for an unknown transaction id.
	ErrUnknownSaga = errors.New("unknown saga")
)

// RollbackIncompleteError lists the branches whose compensation did not
// succeed. It matches ErrRollbackIncomplete with errors.Is.
type RollbackIncompleteError struct {
	TxID     string
	Branches []txctx.Branch
	Err      error
}

func (e *RollbackIncompleteError) Error() string {
	steps := make([]string, 0, len(e.Branches))
	for _, b := range e.Branches {
		steps = append(steps, b.Step)
	}
	return fmt.Sprintf("rollback incomplete for tx %s (%s): %v", e.TxID, strings.Join(steps, ", "), e.Err)
}

func (e *RollbackIncompleteError) Unwrap() []error {
	return []error{ErrRollbackIncomplete, e.Err}
}

// Outcome is what checkout and cancel report to their caller.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Result describes a finished saga. Reason holds the failure that triggered
// a rollback, if any.
type Result struct {
	TxID    string
	OrderID uint64
	Outcome Outcome
	Status  Status
	Reason  error
}

// Committed reports whether the saga committed.
func (r Result) Committed() bool {
	return r.Outcome == OutcomeCommitted
}
