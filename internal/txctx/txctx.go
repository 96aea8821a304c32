// Package txctx carries the global transaction id and branch of a saga step
// across process boundaries so participants can key their undo records.
package txctx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrMissingTxID means a saga call was made without a transaction id.
var ErrMissingTxID = errors.New("missing transaction id")

// Branch identifies one participant call inside a global transaction.
type Branch struct {
	TxID string
	Step string
}

// NewTxID allocates a fresh global transaction id.
func NewTxID() string {
	return uuid.NewString()
}

// Valid reports whether the branch is attributable.
func (b Branch) Valid() error {
	if strings.TrimSpace(b.TxID) == "" {
		return ErrMissingTxID
	}
	if strings.TrimSpace(b.Step) == "" {
		return fmt.Errorf("%w: branch step for tx %s", ErrMissingTxID, b.TxID)
	}
	return nil
}

func (b Branch) String() string {
	return b.TxID + "/" + b.Step
}

type branchKey struct{}

// With returns a context carrying b.
func With(ctx context.Context, b Branch) context.Context {
	return context.WithValue(ctx, branchKey{}, b)
}

// From returns the branch stored in ctx, if any.
func From(ctx context.Context) (Branch, bool) {
	b, ok := ctx.Value(branchKey{}).(Branch)
	return b, ok
}

// Require returns the branch stored in ctx or ErrMissingTxID.
func Require(ctx context.Context) (Branch, error) {
	b, ok := From(ctx)
	if !ok {
		return Branch{}, ErrMissingTxID
	}
	if err := b.Valid(); err != nil {
		return Branch{}, err
	}
	return b, nil
}
