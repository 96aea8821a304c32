package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder_TotalCostUsesCapturedPrices(t *testing.T) {
	order := Order{
		OrderID: 1,
		Items: map[uint64]OrderItem{
			20: {ItemID: 20, Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
			10: {ItemID: 10, Quantity: 2, UnitPrice: decimal.NewFromInt(5)},
		},
	}

	assert.True(t, order.TotalCost().Equal(decimal.NewFromInt(20)))

	sorted := order.SortedItems()
	require.Len(t, sorted, 2)
	assert.EqualValues(t, 10, sorted[0].ItemID)
	assert.EqualValues(t, 20, sorted[1].ItemID)
}

func TestOrder_CloneIsDeep(t *testing.T) {
	order := Order{Items: map[uint64]OrderItem{1: {ItemID: 1, Quantity: 1}}}
	clone := order.Clone()
	clone.Items[1] = OrderItem{ItemID: 1, Quantity: 9}

	assert.EqualValues(t, 1, order.Items[1].Quantity)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"business", fmt.Errorf("reserve: %w", ErrInsufficientStock), FailureBusiness},
		{"invariant", ValidateQuantity(-2), FailureInvariant},
		{"transport", errors.New("connection refused"), FailureTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestValidateAmount(t *testing.T) {
	require.NoError(t, ValidateAmount(decimal.Zero))
	err := ValidateAmount(decimal.NewFromInt(-1))
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.ErrorIs(t, err, ErrInvariant)
}
