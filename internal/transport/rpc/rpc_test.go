package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/orders"
	"cartwheel/internal/participant"
	"cartwheel/internal/saga"
	"cartwheel/internal/store/memory"
	"cartwheel/internal/txctx"
	"cartwheel/internal/undolog"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type counterIDs struct{ next atomic.Uint64 }

func (c *counterIDs) NextID() (uint64, error) {
	return c.next.Add(1) + 1<<60, nil
}

type node struct {
	stockStore  *memory.Stock
	creditStore *memory.Credit
	orderStore  *memory.Orders
	conn        *grpc.ClientConn
}

// startNode serves every domain on one in-memory listener, the way the
// server binary does with SERVICE_ROLE=all, and returns a client connection.
func startNode(t *testing.T, policy participant.PaymentPolicy) *node {
	t.Helper()
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	n := &node{
		stockStore:  memory.NewStock(),
		creditStore: memory.NewCredit(),
		orderStore:  memory.NewOrders(),
	}
	ids := &counterIDs{}
	stockSvc := orders.NewStockService(n.stockStore, ids, quiet)
	orderSvc := orders.NewOrderService(n.orderStore, stockSvc, ids, quiet)
	paymentSvc := orders.NewPaymentService(n.creditStore, orderSvc, ids, quiet)

	lis := bufconn.Listen(1 << 20)
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(txctx.UnaryClientInterceptor()),
	)
	require.NoError(t, err)
	n.conn = conn

	// Sagas run next to the order domain but drive the participants over
	// the wire like a split deployment would.
	sagas := saga.New(orderSvc, saga.Participants{
		Stock:   NewParticipantClient(conn, participant.StockName),
		Payment: NewParticipantClient(conn, participant.PaymentName),
		Order:   NewParticipantClient(conn, participant.OrderName),
	}, saga.NewMemoryLog(), saga.Config{
		StepTimeout:  time.Second,
		Compensation: participant.RetryPolicy{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }},
	}, saga.WithLogger(quiet))

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(txctx.UnaryServerInterceptor()))
	opts := []participant.Option{participant.WithLogger(quiet)}
	RegisterParticipant(server, participant.NewStockParticipant(n.stockStore, undolog.NewMemory(), opts...))
	RegisterParticipant(server, participant.NewPaymentParticipant(n.creditStore, undolog.NewMemory(), policy, opts...))
	RegisterParticipant(server, participant.NewOrderParticipant(n.orderStore, undolog.NewMemory(), opts...))
	RegisterStock(server, stockSvc)
	RegisterPayment(server, paymentSvc)
	RegisterOrders(server, orderSvc, sagas)
	go func() { _ = server.Serve(lis) }()

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return n
}

func TestParticipantRoundTrip(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, participant.PaymentPolicy{AllowNegativeCredit: true})
	require.NoError(t, n.stockStore.CreateItem(ctx, domain.StockItem{ItemID: 3, Price: decimal.NewFromInt(5), Amount: 4}))

	stock := NewParticipantClient(n.conn, participant.StockName)
	assert.Equal(t, participant.StockName, stock.Name())
	b := txctx.Branch{TxID: "tx-1", Step: "stock-reserve:3"}

	require.NoError(t, stock.Execute(ctx, b, participant.ReserveStock(3, 3)))
	require.NoError(t, stock.Execute(ctx, b, participant.ReserveStock(3, 3)), "re-execute is idempotent")
	item, err := n.stockStore.GetItem(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Amount)

	require.NoError(t, stock.Compensate(ctx, b))
	require.NoError(t, stock.Compensate(ctx, b))
	item, err = n.stockStore.GetItem(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), item.Amount)

	err = stock.Execute(ctx, b, participant.ReserveStock(3, 3))
	require.ErrorIs(t, err, participant.ErrBranchClosed)
	assert.Equal(t, domain.FailureBusiness, domain.Classify(err))
}

func TestParticipantBusinessFailureCrossesTheWire(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, participant.PaymentPolicy{})
	require.NoError(t, n.creditStore.CreateAccount(ctx, domain.CreditAccount{UserID: 7, Credit: decimal.NewFromInt(1)}))

	payment := NewParticipantClient(n.conn, participant.PaymentName)
	err := payment.Execute(ctx, txctx.Branch{TxID: "tx-2", Step: "payment-debit"}, participant.Debit(7, decimal.NewFromInt(5)))

	require.ErrorIs(t, err, domain.ErrInsufficientCredit)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, domain.FailureBusiness, domain.Classify(err))
	assert.False(t, participant.Retryable(err))
}

func TestParticipantRejectsMissingTxID(t *testing.T) {
	n := startNode(t, participant.PaymentPolicy{})
	stock := NewParticipantClient(n.conn, participant.StockName)

	err := stock.Execute(context.Background(), txctx.Branch{}, participant.ReserveStock(3, 1))
	require.ErrorIs(t, err, domain.ErrInvariant)
	require.ErrorIs(t, err, txctx.ErrMissingTxID)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, domain.FailureInvariant, domain.Classify(err))
}

func TestParticipantInvalidQuantityIsInvariant(t *testing.T) {
	n := startNode(t, participant.PaymentPolicy{})
	stock := NewParticipantClient(n.conn, participant.StockName)

	err := stock.Execute(context.Background(), txctx.Branch{TxID: "tx-3", Step: "stock-reserve:3"}, participant.ReserveStock(3, 0))
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)
	assert.Equal(t, domain.FailureInvariant, domain.Classify(err))
}

func TestOrderCRUDAndCheckoutOverRPC(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, participant.PaymentPolicy{AllowNegativeCredit: false})
	stock := NewStockClient(n.conn)
	payment := NewPaymentClient(n.conn)
	ordersClient := NewOrderClient(n.conn)

	itemID, err := stock.CreateItem(ctx, decimal.RequireFromString("2.5"))
	require.NoError(t, err)
	require.Greater(t, itemID, uint64(1<<53), "ids must survive the Struct encoding")
	require.NoError(t, stock.AddStock(ctx, itemID, 10))

	userID, err := payment.CreateUser(ctx)
	require.NoError(t, err)
	require.NoError(t, payment.AddFunds(ctx, userID, decimal.NewFromInt(4)))

	orderID, err := ordersClient.CreateOrder(ctx, userID)
	require.NoError(t, err)
	_, err = ordersClient.AddItem(ctx, orderID, itemID)
	require.NoError(t, err)
	line, err := ordersClient.AddItem(ctx, orderID, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), line.Quantity)

	view, err := ordersClient.FindOrder(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, view.TotalCost.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, userID, view.UserID)

	res, err := ordersClient.Checkout(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, res.Committed())
	require.ErrorIs(t, res.Reason, domain.ErrInsufficientCredit)
	item, err := stock.FindItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), item.Amount, "reservation rolled back")

	require.NoError(t, payment.AddFunds(ctx, userID, decimal.NewFromInt(1)))
	res, err = ordersClient.Checkout(ctx, orderID)
	require.NoError(t, err)
	require.True(t, res.Committed(), "reason: %v", res.Reason)
	assert.Equal(t, saga.StatusCommitted, res.Status)

	paid, err := payment.PaymentStatus(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, paid)
	account, err := payment.FindUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, account.Credit.IsZero())

	err = ordersClient.RemoveOrder(ctx, orderID)
	require.ErrorIs(t, err, domain.ErrAlreadyPaid)

	res, err = ordersClient.Cancel(ctx, orderID)
	require.NoError(t, err)
	require.True(t, res.Committed())
	item, err = stock.FindItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), item.Amount)
	account, err = payment.FindUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, account.Credit.Equal(decimal.NewFromInt(5)))

	require.NoError(t, ordersClient.RemoveItem(ctx, orderID, itemID))
	require.NoError(t, ordersClient.RemoveOrder(ctx, orderID))
	_, err = ordersClient.GetOrder(ctx, orderID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestCheckoutUnknownOrderOverRPC(t *testing.T) {
	n := startNode(t, participant.PaymentPolicy{})
	res, err := NewOrderClient(n.conn).Checkout(context.Background(), 12345)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, uint64(12345), res.OrderID)
	assert.False(t, res.Committed())
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{domain.ErrNotFound, codes.NotFound},
		{domain.ErrAlreadyExists, codes.AlreadyExists},
		{domain.ErrInsufficientStock, codes.FailedPrecondition},
		{participant.ErrBranchClosed, codes.FailedPrecondition},
		{domain.ValidateQuantity(0), codes.InvalidArgument},
		{saga.ErrSagaInProgress, codes.Aborted},
		{&saga.RollbackIncompleteError{TxID: "tx", Err: errors.New("boom")}, codes.DataLoss},
		{context.Canceled, codes.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{participant.ErrCircuitOpen, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "%v", tt.err)
	}
}

func TestFromStatusWithoutReasonIsTransport(t *testing.T) {
	err := fromStatus(status.Error(codes.Unavailable, "connection refused"), nil)
	assert.Equal(t, domain.FailureTransport, domain.Classify(err))
	assert.True(t, participant.Retryable(err))

	err = fromStatus(status.Error(codes.DeadlineExceeded, "slow"), nil)
	assert.True(t, domain.IsContextError(err))
	assert.False(t, participant.Retryable(err))
}
