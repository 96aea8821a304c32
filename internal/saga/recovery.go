package saga

import (
	"context"
	"errors"
	"fmt"

	"cartwheel/internal/domain"
	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"

	"github.com/sirupsen/logrus"
)

// Recover resolves sagas that a crashed orchestrator left non-terminal. A
// saga whose final order step completed is marked committed; any other is
// compensated branch by branch in reverse of the order the log recorded
// them. It returns how many sagas it resolved.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := o.sagas.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sagas: %w", err)
	}

	cutoff := o.now().Add(-o.cfg.RecoveryGrace)
	var (
		resolved int
		errs     []error
	)
	for _, rec := range active {
		if o.cfg.RecoveryGrace > 0 && rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.recoverOne(ctx, rec); err != nil {
			errs = append(errs, err)
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}

type branchState struct {
	name     string
	branch   txctx.Branch
	mutation participant.Mutation
	status   StepStatus
}

func (o *Orchestrator) recoverOne(ctx context.Context, rec Record) error {
	started := o.now()
	log := o.log.WithFields(logrus.Fields{"tx_id": rec.TxID, "order_id": rec.OrderID, "saga": rec.Kind, "recovery": true})

	var (
		seen   []string
		states = make(map[string]*branchState)
	)
	for _, st := range rec.Steps {
		bs, ok := states[st.Branch]
		if !ok {
			bs = &branchState{name: st.Participant, branch: txctx.Branch{TxID: rec.TxID, Step: st.Branch}, mutation: st.Mutation}
			states[st.Branch] = bs
			seen = append(seen, st.Branch)
		}
		bs.status = st.Status
	}

	owner := domain.Order{OrderID: rec.OrderID}
	if loaded, err := o.loadOrder(ctx, rec.OrderID); err != nil {
		log.WithError(err).Warn("load order for recovery event")
	} else {
		owner = loaded
	}
	amount := owner.TotalCost()

	finalStep := StepOrderMarkPaid
	if rec.Kind == KindCancel {
		finalStep = StepOrderMarkUnpaid
	}
	if bs, ok := states[finalStep]; ok && bs.status == StepDone {
		res := Result{TxID: rec.TxID, OrderID: rec.OrderID, Outcome: OutcomeCommitted, Status: StatusCommitted}
		o.setStatus(ctx, log, rec.TxID, StatusCommitted, "")
		log.Info("recovered saga committed")
		o.finish(ctx, log, rec.Kind, res, owner.UserID, amount, started)
		return nil
	}

	byName := map[string]participant.Participant{}
	for _, p := range []participant.Participant{o.parts.Stock, o.parts.Payment, o.parts.Order} {
		if p != nil {
			byName[p.Name()] = p
		}
	}

	var done []step
	for _, key := range seen {
		bs := states[key]
		if bs.status == StepCompensated {
			continue
		}
		p, ok := byName[bs.name]
		if !ok {
			return fmt.Errorf("%w: recover %s: unknown participant %q", domain.ErrInvariant, rec.TxID, bs.name)
		}
		done = append(done, step{p: p, branch: bs.branch, req: participant.Request{Mutation: bs.mutation}})
	}

	cause := errors.New("orchestrator interrupted")
	if rec.Reason != "" {
		cause = fmt.Errorf("orchestrator interrupted: %s", rec.Reason)
	}
	_, err := o.rollback(ctx, log, rec.Kind, rec.TxID, owner, amount, done, cause, started)
	return err
}
