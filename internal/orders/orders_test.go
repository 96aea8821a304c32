package orders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cartwheel/internal/domain"
	"cartwheel/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqIDs struct {
	mu   sync.Mutex
	next uint64
	err  error
}

func (s *seqIDs) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

type services struct {
	orders  *OrderService
	stock   *StockService
	payment *PaymentService
}

func newServices(t *testing.T) services {
	t.Helper()
	log, _ := test.NewNullLogger()
	ids := &seqIDs{next: 1000}
	stock := NewStockService(memory.NewStock(), ids, log)
	orders := NewOrderService(memory.NewOrders(), stock, ids, log)
	return services{
		orders:  orders,
		stock:   stock,
		payment: NewPaymentService(memory.NewCredit(), orders, ids, log),
	}
}

func TestOrderService_AddItemSnapshotsPrice(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	itemID, err := s.stock.CreateItem(ctx, decimal.NewFromInt(5))
	require.NoError(t, err)
	userID, err := s.payment.CreateUser(ctx)
	require.NoError(t, err)
	orderID, err := s.orders.CreateOrder(ctx, userID)
	require.NoError(t, err)

	first, err := s.orders.AddItem(ctx, orderID, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Quantity)
	assert.True(t, first.UnitPrice.Equal(decimal.NewFromInt(5)))

	second, err := s.orders.AddItem(ctx, orderID, itemID)
	require.NoError(t, err)
	assert.Equal(t, first.LineID, second.LineID)
	assert.Equal(t, int64(2), second.Quantity)

	view, err := s.orders.FindOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, userID, view.UserID)
	assert.False(t, view.Paid)
	assert.True(t, view.TotalCost.Equal(decimal.NewFromInt(10)), "total %s", view.TotalCost)
}

func TestOrderService_AddUnknownItem(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	orderID, err := s.orders.CreateOrder(ctx, 1)
	require.NoError(t, err)

	_, err = s.orders.AddItem(ctx, orderID, 424242)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestOrderService_PaidOrderIsFrozen(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	store := memory.NewOrders()
	s.orders = NewOrderService(store, s.stock, &seqIDs{next: 1}, nil)

	itemID, err := s.stock.CreateItem(ctx, decimal.NewFromInt(3))
	require.NoError(t, err)
	orderID, err := s.orders.CreateOrder(ctx, 9)
	require.NoError(t, err)
	_, err = s.orders.AddItem(ctx, orderID, itemID)
	require.NoError(t, err)
	current, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.NoError(t, store.SetPaid(ctx, orderID, true, current.Version))

	_, err = s.orders.AddItem(ctx, orderID, itemID)
	assert.ErrorIs(t, err, domain.ErrAlreadyPaid)
	assert.ErrorIs(t, s.orders.RemoveItem(ctx, orderID, itemID), domain.ErrAlreadyPaid)
	assert.ErrorIs(t, s.orders.RemoveOrder(ctx, orderID), domain.ErrAlreadyPaid)

	view, err := s.orders.FindOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Items[itemID].Quantity)
}

func TestOrderService_RemoveItemAndOrder(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)
	itemID, err := s.stock.CreateItem(ctx, decimal.NewFromInt(3))
	require.NoError(t, err)
	orderID, err := s.orders.CreateOrder(ctx, 9)
	require.NoError(t, err)
	_, err = s.orders.AddItem(ctx, orderID, itemID)
	require.NoError(t, err)
	_, err = s.orders.AddItem(ctx, orderID, itemID)
	require.NoError(t, err)

	require.NoError(t, s.orders.RemoveItem(ctx, orderID, itemID))
	view, err := s.orders.FindOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Empty(t, view.Items)
	assert.True(t, view.TotalCost.IsZero())

	require.NoError(t, s.orders.RemoveOrder(ctx, orderID))
	_, err = s.orders.FindOrder(ctx, orderID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderService_IDAllocationFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("clock moved backwards")
	svc := NewOrderService(memory.NewOrders(), nil, &seqIDs{err: boom}, logrus.New())

	_, err := svc.CreateOrder(ctx, 1)
	assert.ErrorIs(t, err, boom)
}

func TestStockService_CreateAndAddStock(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	_, err := s.stock.CreateItem(ctx, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	itemID, err := s.stock.CreateItem(ctx, decimal.RequireFromString("2.50"))
	require.NoError(t, err)
	require.NoError(t, s.stock.AddStock(ctx, itemID, 7))

	item, err := s.stock.FindItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), item.Amount)
	assert.True(t, item.Price.Equal(decimal.RequireFromString("2.5")))

	assert.ErrorIs(t, s.stock.AddStock(ctx, itemID, 0), domain.ErrInvalidQuantity)
	assert.ErrorIs(t, s.stock.AddStock(ctx, 1, 1), domain.ErrNotFound)
}

func TestPaymentService_FundsAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newServices(t)

	userID, err := s.payment.CreateUser(ctx)
	require.NoError(t, err)
	require.NoError(t, s.payment.AddFunds(ctx, userID, decimal.NewFromInt(40)))
	require.NoError(t, s.payment.AddFunds(ctx, userID, decimal.NewFromInt(2)))

	account, err := s.payment.FindUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, account.Credit.Equal(decimal.NewFromInt(42)))

	assert.ErrorIs(t, s.payment.AddFunds(ctx, userID, decimal.NewFromInt(-1)), domain.ErrInvalidAmount)

	orderID, err := s.orders.CreateOrder(ctx, userID)
	require.NoError(t, err)
	paid, err := s.payment.PaymentStatus(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, paid)

	_, err = s.payment.PaymentStatus(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPaymentService_StatusWithoutOrders(t *testing.T) {
	svc := NewPaymentService(memory.NewCredit(), nil, &seqIDs{}, nil)
	_, err := svc.PaymentStatus(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrInvariant)
}

func TestBuildStores_FallsBackToMemory(t *testing.T) {
	log, hook := test.NewNullLogger()

	stores, cleanup := BuildStores(context.Background(), "", log)
	defer cleanup()
	assert.False(t, stores.Postgres)
	assert.IsType(t, &memory.Orders{}, stores.Orders)
	assert.Empty(t, hook.AllEntries())

	stores, cleanup = BuildStores(context.Background(), "postgres://nobody@127.0.0.1:1/none?connect_timeout=1", log)
	defer cleanup()
	assert.False(t, stores.Postgres)
	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
