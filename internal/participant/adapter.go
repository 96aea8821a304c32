package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/txctx"

	"github.com/sirupsen/logrus"
)

// ApplyFunc applies one mutation to a domain store.
type ApplyFunc func(ctx context.Context, req Request) error

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// WithClock overrides the clock used to stamp undo records.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// Adapter implements Participant over an ApplyFunc and an UndoLog.
type Adapter struct {
	name    string
	apply   ApplyFunc
	undo    UndoLog
	allowed map[Mutation]struct{}
	log     logrus.FieldLogger
	now     func() time.Time
}

var _ Participant = (*Adapter)(nil)

// NewAdapter constructs an Adapter accepting the given forward mutations.
func NewAdapter(name string, apply ApplyFunc, undo UndoLog, mutations []Mutation, opts ...Option) *Adapter {
	allowed := make(map[Mutation]struct{}, len(mutations))
	for _, m := range mutations {
		allowed[m] = struct{}{}
	}
	a := &Adapter{
		name:    name,
		apply:   apply,
		undo:    undo,
		allowed: allowed,
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return a.name
}

// Execute applies req once for branch b and records how to undo it.
// Re-executing a recorded branch is a no-op.
func (a *Adapter) Execute(ctx context.Context, b txctx.Branch, req Request) error {
	if err := b.Valid(); err != nil {
		return fmt.Errorf("%w: %s execute: %w", domain.ErrInvariant, a.name, err)
	}
	if _, ok := a.allowed[req.Mutation]; !ok {
		return fmt.Errorf("%w: %s: %w %q", domain.ErrInvariant, a.name, ErrUnsupportedMutation, req.Mutation)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	inverse, err := req.Inverse()
	if err != nil {
		return err
	}

	log := a.log.WithFields(logrus.Fields{"participant": a.name, "tx_id": b.TxID, "branch": b.Step, "mutation": req.Mutation})

	state, err := a.undo.State(ctx, b)
	if err != nil {
		return fmt.Errorf("%s: undo state: %w", a.name, err)
	}
	switch state {
	case BranchRecorded:
		log.Debug("branch already executed")
		return nil
	case BranchClosed:
		log.Info("execute rejected, branch already compensated")
		return ErrBranchClosed
	}

	if err := a.apply(ctx, req); err != nil {
		return err
	}

	rec := UndoRecord{Branch: b, Participant: a.name, Undo: inverse, CreatedAt: a.now().UTC()}
	if err := a.undo.Record(ctx, rec); err != nil {
		// The mutation is applied but cannot be attributed; reverse it now.
		if revertErr := a.apply(context.WithoutCancel(ctx), inverse); revertErr != nil {
			log.WithError(revertErr).Error("revert after undo record failure")
			return errors.Join(fmt.Errorf("%s: record undo: %w", a.name, err), revertErr)
		}
		if errors.Is(err, ErrBranchExists) {
			return nil
		}
		if errors.Is(err, ErrBranchClosed) {
			return ErrBranchClosed
		}
		return fmt.Errorf("%s: record undo: %w", a.name, err)
	}
	log.Debug("branch executed")
	return nil
}

// Compensate reverses the branch recorded for b. Unknown or already
// compensated branches are a successful no-op.
func (a *Adapter) Compensate(ctx context.Context, b txctx.Branch) error {
	if err := b.Valid(); err != nil {
		return fmt.Errorf("%w: %s compensate: %w", domain.ErrInvariant, a.name, err)
	}
	log := a.log.WithFields(logrus.Fields{"participant": a.name, "tx_id": b.TxID, "branch": b.Step})

	rec, ok, err := a.undo.Claim(ctx, b)
	if err != nil {
		return fmt.Errorf("%s: claim undo: %w", a.name, err)
	}
	if !ok {
		log.Debug("nothing to compensate")
		return nil
	}

	if err := a.apply(ctx, rec.Undo); err != nil {
		if releaseErr := a.undo.Release(context.WithoutCancel(ctx), rec); releaseErr != nil {
			log.WithError(releaseErr).Error("release undo record after failed compensation")
			return errors.Join(err, releaseErr)
		}
		return fmt.Errorf("%s: compensate %s: %w", a.name, rec.Undo.Mutation, err)
	}
	log.WithField("mutation", rec.Undo.Mutation).Info("branch compensated")
	return nil
}
