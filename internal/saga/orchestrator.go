// Package saga coordinates checkout and cancel across the order, stock and
// payment participants. Every executed branch is compensated in strict
// reverse completion order when a later step fails.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/events"
	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Branch step names. Stock steps are suffixed with ":<item id>".
const (
	StepStockReserve    = "stock-reserve"
	StepStockRestock    = "stock-restock"
	StepPaymentDebit    = "payment-debit"
	StepPaymentCredit   = "payment-credit"
	StepOrderMarkPaid   = "order-mark-paid"
	StepOrderMarkUnpaid = "order-mark-unpaid"
)

// OrderReader loads the order a saga works on.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID uint64) (domain.Order, error)
}

// Participants are the three domains a saga touches.
type Participants struct {
	Stock   participant.Participant
	Payment participant.Participant
	Order   participant.Participant
}

// Config tunes the orchestrator.
type Config struct {
	// StepTimeout bounds every participant call. Zero means no bound.
	StepTimeout time.Duration
	// Compensation retries each failing compensate call.
	Compensation participant.RetryPolicy
	// ParallelReserve issues the per-item stock calls concurrently.
	ParallelReserve bool
	// ParallelCompensation issues the compensations of one rollback
	// concurrently and waits for all of them.
	ParallelCompensation bool
	// RecoveryGrace skips sagas updated more recently than this in Recover.
	RecoveryGrace time.Duration
}

// Observer receives saga telemetry.
type Observer interface {
	StepFinished(kind Kind, participant string, failure domain.FailureKind, elapsed time.Duration)
	CompensationFinished(kind Kind, participant string, ok bool)
	SagaFinished(kind Kind, status Status, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) StepFinished(Kind, string, domain.FailureKind, time.Duration) {}
func (nopObserver) CompensationFinished(Kind, string, bool)                      {}
func (nopObserver) SagaFinished(Kind, Status, time.Duration)                     {}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithPublisher sets where saga outcome events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithObserver sets the telemetry sink.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTxIDs overrides the global transaction id source.
func WithTxIDs(next func() string) Option {
	return func(o *Orchestrator) {
		if next != nil {
			o.newTxID = next
		}
	}
}

// Orchestrator runs checkout and cancel sagas.
type Orchestrator struct {
	orders    OrderReader
	parts     Participants
	sagas     Log
	cfg       Config
	log       logrus.FieldLogger
	publisher events.Publisher
	observer  Observer
	now       func() time.Time
	newTxID   func() string
}

// New constructs an Orchestrator.
func New(orders OrderReader, parts Participants, sagas Log, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		orders:    orders,
		parts:     parts,
		sagas:     sagas,
		cfg:       cfg,
		log:       logrus.StandardLogger(),
		publisher: events.Nop{},
		observer:  nopObserver{},
		now:       time.Now,
		newTxID:   txctx.NewTxID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type step struct {
	p      participant.Participant
	branch txctx.Branch
	req    participant.Request
}

type stage struct {
	status   Status
	steps    []step
	parallel bool
}

// Checkout reserves stock for every line in ascending item order, debits the
// order total from its owner and marks the order paid. Business and
// transport failures roll the saga back and are reported in Result.Reason;
// only invariant violations, rollback failures and saga conflicts come back
// as errors.
func (o *Orchestrator) Checkout(ctx context.Context, orderID uint64) (Result, error) {
	order, err := o.loadOrder(ctx, orderID)
	if err != nil {
		return rejected(orderID, err), err
	}
	if order.Paid {
		return o.reject(KindCheckout, order, domain.ErrAlreadyPaid), nil
	}
	return o.run(ctx, KindCheckout, order, checkoutPlan)
}

// Cancel reverses a paid order as its own saga: restock every line, refund
// the captured total and mark the order unpaid.
func (o *Orchestrator) Cancel(ctx context.Context, orderID uint64) (Result, error) {
	order, err := o.loadOrder(ctx, orderID)
	if err != nil {
		return rejected(orderID, err), err
	}
	if !order.Paid {
		return o.reject(KindCancel, order, domain.ErrNotPaid), nil
	}
	return o.run(ctx, KindCancel, order, cancelPlan)
}

// plan turns the order as read under an open saga into its stages.
type plan func(o *Orchestrator, txID string, order domain.Order) ([]stage, error)

func checkoutPlan(o *Orchestrator, txID string, order domain.Order) ([]stage, error) {
	if order.Paid {
		return nil, domain.ErrAlreadyPaid
	}
	reserve := stage{status: StatusStockReserving, parallel: o.cfg.ParallelReserve}
	for _, item := range order.SortedItems() {
		reserve.steps = append(reserve.steps, step{
			p:      o.parts.Stock,
			branch: itemBranch(txID, StepStockReserve, item.ItemID),
			req:    participant.ReserveStock(item.ItemID, item.Quantity),
		})
	}
	return []stage{
		reserve,
		{status: StatusPaying, steps: []step{{
			p:      o.parts.Payment,
			branch: txctx.Branch{TxID: txID, Step: StepPaymentDebit},
			req:    participant.Debit(order.UserID, order.TotalCost()),
		}}},
		{status: StatusFinalizing, steps: []step{{
			p:      o.parts.Order,
			branch: txctx.Branch{TxID: txID, Step: StepOrderMarkPaid},
			req:    participant.MarkPaid(order.OrderID, order.Version),
		}}},
	}, nil
}

func cancelPlan(o *Orchestrator, txID string, order domain.Order) ([]stage, error) {
	if !order.Paid {
		return nil, domain.ErrNotPaid
	}
	restock := stage{status: StatusRestocking, parallel: o.cfg.ParallelReserve}
	for _, item := range order.SortedItems() {
		restock.steps = append(restock.steps, step{
			p:      o.parts.Stock,
			branch: itemBranch(txID, StepStockRestock, item.ItemID),
			req:    participant.Restock(item.ItemID, item.Quantity),
		})
	}
	return []stage{
		restock,
		{status: StatusRefunding, steps: []step{{
			p:      o.parts.Payment,
			branch: txctx.Branch{TxID: txID, Step: StepPaymentCredit},
			req:    participant.Credit(order.UserID, order.TotalCost()),
		}}},
		{status: StatusFinalizing, steps: []step{{
			p:      o.parts.Order,
			branch: txctx.Branch{TxID: txID, Step: StepOrderMarkUnpaid},
			req:    participant.MarkUnpaid(order.OrderID, order.Version),
		}}},
	}, nil
}

func (o *Orchestrator) loadOrder(ctx context.Context, orderID uint64) (domain.Order, error) {
	callCtx, cancel := o.stepContext(ctx)
	defer cancel()
	order, err := o.orders.GetOrder(callCtx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load order %d: %w", orderID, err)
	}
	return order, nil
}

func rejected(orderID uint64, err error) Result {
	return Result{OrderID: orderID, Outcome: OutcomeRolledBack, Status: StatusRolledBack, Reason: err}
}

func (o *Orchestrator) reject(kind Kind, order domain.Order, reason error) Result {
	o.log.WithFields(logrus.Fields{"order_id": order.OrderID, "saga": kind}).
		WithError(reason).Info("saga rejected")
	return rejected(order.OrderID, reason)
}

// run opens the saga log entry, then reads the order again so the stages
// match what the finalizing step will check against.
func (o *Orchestrator) run(ctx context.Context, kind Kind, order domain.Order, build plan) (Result, error) {
	started := o.now()
	txID := o.newTxID()
	log := o.log.WithFields(logrus.Fields{"tx_id": txID, "order_id": order.OrderID, "saga": kind})

	if err := o.sagas.Start(ctx, Record{TxID: txID, Kind: kind, OrderID: order.OrderID}); err != nil {
		if errors.Is(err, ErrSagaInProgress) {
			log.Info("saga rejected, order busy")
		} else {
			log.WithError(err).Error("open saga log")
		}
		res := rejected(order.OrderID, err)
		res.TxID = txID
		return res, err
	}

	var (
		done   []step
		cause  error
		stages []stage
	)
	current, err := o.loadOrder(ctx, order.OrderID)
	if err == nil {
		order = current
		stages, err = build(o, txID, order)
	}
	amount := order.TotalCost()
	if err != nil {
		return o.rollback(ctx, log, kind, txID, order, amount, nil, err, started)
	}
	log.WithFields(logrus.Fields{"amount": amount.String(), "version": order.Version}).Info("saga started")

	for _, st := range stages {
		o.setStatus(ctx, log, txID, st.status, "")
		var applied []step
		if st.parallel && len(st.steps) > 1 {
			applied, cause = o.execParallel(ctx, log, kind, st.steps)
		} else {
			applied, cause = o.execSequential(ctx, log, kind, st.steps)
		}
		done = append(done, applied...)
		if cause != nil {
			break
		}
	}

	if cause != nil {
		return o.rollback(ctx, log, kind, txID, order, amount, done, cause, started)
	}

	res := Result{TxID: txID, OrderID: order.OrderID, Outcome: OutcomeCommitted, Status: StatusCommitted}
	o.setStatus(ctx, log, txID, StatusCommitted, "")
	log.Info("saga committed")
	o.finish(ctx, log, kind, res, order.UserID, amount, started)
	return res, nil
}

func (o *Orchestrator) execSequential(ctx context.Context, log logrus.FieldLogger, kind Kind, steps []step) ([]step, error) {
	var applied []step
	for _, s := range steps {
		maybeApplied, err := o.execStep(ctx, log, kind, s)
		if maybeApplied {
			applied = append(applied, s)
		}
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// execParallel returns the steps in completion order. After the first
// failure the remaining calls are cancelled and awaited.
func (o *Orchestrator) execParallel(ctx context.Context, log logrus.FieldLogger, kind Kind, steps []step) ([]step, error) {
	var (
		mu      sync.Mutex
		applied []step
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range steps {
		g.Go(func() error {
			maybeApplied, err := o.execStep(gctx, log, kind, s)
			if maybeApplied {
				mu.Lock()
				applied = append(applied, s)
				mu.Unlock()
			}
			return err
		})
	}
	err := g.Wait()
	return applied, err
}

// execStep reports whether the participant may hold a mutation for the
// branch. That is true on success and on transport failures, whose outcome
// is unknown; compensating a branch that never applied is a no-op.
func (o *Orchestrator) execStep(ctx context.Context, log logrus.FieldLogger, kind Kind, s step) (bool, error) {
	name := s.p.Name()
	slog := log.WithFields(logrus.Fields{"step": s.branch.Step, "participant": name})

	if err := o.sagas.AddStep(ctx, s.branch.TxID, Step{Participant: name, Branch: s.branch.Step, Mutation: s.req.Mutation, Status: StepExecuting}); err != nil {
		slog.WithError(err).Error("record step intent")
		return false, fmt.Errorf("saga log: %w", err)
	}

	start := o.now()
	callCtx, cancel := o.stepContext(ctx)
	err := s.p.Execute(txctx.With(callCtx, s.branch), s.branch, s.req)
	cancel()
	failure := domain.Classify(err)
	o.observer.StepFinished(kind, name, failure, o.now().Sub(start))

	persist := context.WithoutCancel(ctx)
	if err == nil {
		o.addStep(persist, slog, s, StepDone, "")
		slog.Debug("step done")
		return true, nil
	}

	err = fmt.Errorf("%s %s: %w", name, s.branch.Step, err)
	o.addStep(persist, slog, s, StepFailed, err.Error())
	logFailure(slog, err, "step failed")
	return failure == domain.FailureTransport, err
}

func (o *Orchestrator) rollback(ctx context.Context, log logrus.FieldLogger, kind Kind, txID string, order domain.Order, amount decimal.Decimal, done []step, cause error, started time.Time) (Result, error) {
	// The rollback must finish even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	failure := domain.Classify(cause)
	log = log.WithField("failure", failure)

	o.setStatus(ctx, log, txID, StatusCompensating, cause.Error())
	failed, compErr := o.compensate(ctx, log, kind, done)

	res := Result{TxID: txID, OrderID: order.OrderID, Outcome: OutcomeRolledBack, Status: StatusRolledBack, Reason: cause}
	var err error
	if len(failed) > 0 {
		res.Status = StatusRollbackIncomplete
		incomplete := &RollbackIncompleteError{TxID: txID, Branches: failed, Err: compErr}
		log.WithError(incomplete).Error("rollback incomplete")
		err = incomplete
	} else {
		logFailure(log, cause, "saga rolled back")
	}
	if failure == domain.FailureInvariant {
		err = errors.Join(cause, err)
	}

	o.setStatus(ctx, log, txID, res.Status, cause.Error())
	o.finish(ctx, log, kind, res, order.UserID, amount, started)
	return res, err
}

// compensate unwinds done in reverse. It returns the branches that still
// failed after retries.
func (o *Orchestrator) compensate(ctx context.Context, log logrus.FieldLogger, kind Kind, done []step) ([]txctx.Branch, error) {
	reversed := make([]step, 0, len(done))
	for i := len(done) - 1; i >= 0; i-- {
		reversed = append(reversed, done[i])
	}

	errs := make([]error, len(reversed))
	if o.cfg.ParallelCompensation && len(reversed) > 1 {
		var g errgroup.Group
		for i, s := range reversed {
			g.Go(func() error {
				errs[i] = o.compensateStep(ctx, log, kind, s)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, s := range reversed {
			errs[i] = o.compensateStep(ctx, log, kind, s)
		}
	}

	var failed []txctx.Branch
	for i, err := range errs {
		if err != nil {
			failed = append(failed, reversed[i].branch)
		}
	}
	return failed, errors.Join(errs...)
}

func (o *Orchestrator) compensateStep(ctx context.Context, log logrus.FieldLogger, kind Kind, s step) error {
	name := s.p.Name()
	slog := log.WithFields(logrus.Fields{"step": s.branch.Step, "participant": name})

	policy := o.cfg.Compensation
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = func(err error) bool {
			// A per-attempt timeout is a failed call like any other.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return true
			}
			return participant.Retryable(err)
		}
	}
	observe := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		slog.WithError(err).WithField("attempt", attempt).Warn("compensation failed, retrying")
		if observe != nil {
			observe(attempt, err)
		}
	}

	err := policy.Do(ctx, func() error {
		callCtx, cancel := o.stepContext(ctx)
		defer cancel()
		return s.p.Compensate(txctx.With(callCtx, s.branch), s.branch)
	})
	o.observer.CompensationFinished(kind, name, err == nil)
	if err != nil {
		err = fmt.Errorf("compensate %s %s: %w", name, s.branch.Step, err)
		o.addStep(ctx, slog, s, StepCompensationFailed, err.Error())
		slog.WithError(err).Error("compensation gave up")
		return err
	}
	o.addStep(ctx, slog, s, StepCompensated, "")
	slog.Info("step compensated")
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, log logrus.FieldLogger, kind Kind, res Result, userID uint64, amount decimal.Decimal, started time.Time) {
	o.observer.SagaFinished(kind, res.Status, o.now().Sub(started))

	evt := events.New(eventType(kind, res.Status), res.TxID, res.OrderID, userID, amount)
	evt.Status = string(res.Status)
	if res.Reason != nil {
		evt.Reason = res.Reason.Error()
	}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		log.WithError(err).Warn("publish saga event")
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, log logrus.FieldLogger, txID string, status Status, reason string) {
	if err := o.sagas.UpdateStatus(context.WithoutCancel(ctx), txID, status, reason); err != nil {
		log.WithError(err).WithField("status", status).Warn("persist saga status")
	}
}

func (o *Orchestrator) addStep(ctx context.Context, log logrus.FieldLogger, s step, status StepStatus, detail string) {
	rec := Step{Participant: s.p.Name(), Branch: s.branch.Step, Mutation: s.req.Mutation, Status: status, Detail: detail}
	if err := o.sagas.AddStep(ctx, s.branch.TxID, rec); err != nil {
		log.WithError(err).WithField("step_status", status).Warn("persist saga step")
	}
}

func (o *Orchestrator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.StepTimeout)
}

func itemBranch(txID, prefix string, itemID uint64) txctx.Branch {
	return txctx.Branch{TxID: txID, Step: prefix + ":" + strconv.FormatUint(itemID, 10)}
}

func eventType(kind Kind, status Status) events.Type {
	switch {
	case status == StatusRollbackIncomplete:
		return events.SagaRollbackIncomplete
	case kind == KindCheckout && status == StatusCommitted:
		return events.OrderCheckedOut
	case kind == KindCheckout:
		return events.OrderCheckoutRolledBack
	case status == StatusCommitted:
		return events.OrderCancelled
	default:
		return events.OrderCancelFailed
	}
}

func logFailure(entry logrus.FieldLogger, err error, msg string) {
	failure := domain.Classify(err)
	entry = entry.WithError(err).WithField("failure", failure)
	switch failure {
	case domain.FailureBusiness:
		entry.Info(msg)
	case domain.FailureTransport:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}
