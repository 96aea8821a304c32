package main

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"cartwheel/cmd/server/config"
	"cartwheel/internal/domain"
	"cartwheel/internal/orders"
	"cartwheel/internal/participant"
	"cartwheel/internal/transport/rpc"
	"cartwheel/internal/txctx"
	"cartwheel/internal/undolog"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func testSettings(role config.Role, worker int64) settings {
	return settings{
		server: config.ServerConfig{
			Role:        role,
			Env:         "test",
			UndoLog:     "memory",
			OrderAddr:   "order",
			StockAddr:   "stock",
			PaymentAddr: "payment",
		},
		saga: config.SagaConfig{
			StepTimeout:              time.Second,
			CompensationAttempts:     2,
			ParticipantRetryAttempts: 1,
			BreakerMaxFailures:       5,
			BreakerResetTimeout:      time.Second,
		},
		ids: config.IDGenConfig{WorkerID: worker},
	}
}

func bufDialer(listeners map[string]*bufconn.Listener) dialer {
	return func(addr string) (*grpc.ClientConn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, fmt.Errorf("no listener for %s", addr)
		}
		return grpc.NewClient("passthrough:///"+addr,
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithChainUnaryInterceptor(txctx.UnaryClientInterceptor()),
		)
	}
}

func serveNode(t *testing.T, n *node, lis *bufconn.Listener) []string {
	t.Helper()
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		rateLimitUnaryInterceptor(nil, nil, quietLogger()),
		txctx.UnaryServerInterceptor(),
	))
	names := n.register(server)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)
	return names
}

// exerciseCheckout runs a failed checkout, a committed one and a cancel
// through the public clients.
func exerciseCheckout(t *testing.T, orderConn, stockConn, paymentConn grpc.ClientConnInterface) {
	t.Helper()
	ctx := context.Background()
	stock := rpc.NewStockClient(stockConn)
	payment := rpc.NewPaymentClient(paymentConn)
	ordersClient := rpc.NewOrderClient(orderConn)

	itemID, err := stock.CreateItem(ctx, decimal.NewFromInt(30))
	require.NoError(t, err)
	require.NoError(t, stock.AddStock(ctx, itemID, 5))
	userID, err := payment.CreateUser(ctx)
	require.NoError(t, err)
	require.NoError(t, payment.AddFunds(ctx, userID, decimal.NewFromInt(50)))

	orderID, err := ordersClient.CreateOrder(ctx, userID)
	require.NoError(t, err)
	for range 2 {
		_, err = ordersClient.AddItem(ctx, orderID, itemID)
		require.NoError(t, err)
	}

	res, err := ordersClient.Checkout(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, res.Committed())
	require.ErrorIs(t, res.Reason, domain.ErrInsufficientCredit)
	item, err := stock.FindItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), item.Amount, "reservation rolled back")

	require.NoError(t, payment.AddFunds(ctx, userID, decimal.NewFromInt(10)))
	res, err = ordersClient.Checkout(ctx, orderID)
	require.NoError(t, err)
	require.True(t, res.Committed(), "reason: %v", res.Reason)

	paid, err := payment.PaymentStatus(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, paid)
	item, err = stock.FindItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.Amount)

	res, err = ordersClient.Cancel(ctx, orderID)
	require.NoError(t, err)
	require.True(t, res.Committed(), "reason: %v", res.Reason)
	account, err := payment.FindUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, account.Credit.Equal(decimal.NewFromInt(60)))
	item, err = stock.FindItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), item.Amount)
}

func TestBuildNode_AllRole(t *testing.T) {
	n, err := buildNode(context.Background(), testSettings(config.RoleAll, 0), quietLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	require.NotNil(t, n.sagas)
	assert.Len(t, n.local, 3)
	assert.Empty(t, n.conns, "all-in-one node dials no peers")

	lis := bufconn.Listen(1 << 20)
	names := serveNode(t, n, lis)
	assert.ElementsMatch(t, []string{
		rpc.ParticipantServiceName(participant.StockName),
		rpc.ParticipantServiceName(participant.OrderName),
		rpc.ParticipantServiceName(participant.PaymentName),
		rpc.StockServiceName,
		rpc.PaymentServiceName,
		rpc.OrderServiceName,
	}, names)

	conn, err := bufDialer(map[string]*bufconn.Listener{"self": lis})("self")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	exerciseCheckout(t, conn, conn, conn)

	recovered, err := n.sagas.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestBuildNode_SplitRoles(t *testing.T) {
	listeners := map[string]*bufconn.Listener{
		"order":   bufconn.Listen(1 << 20),
		"stock":   bufconn.Listen(1 << 20),
		"payment": bufconn.Listen(1 << 20),
	}
	dial := bufDialer(listeners)
	log := quietLogger()

	nodes := map[string]*node{}
	for i, role := range []config.Role{config.RoleStock, config.RolePayment, config.RoleOrder} {
		n, err := buildNode(context.Background(), testSettings(role, int64(i+1)), log, dial)
		require.NoError(t, err, "role %s", role)
		t.Cleanup(n.Close)
		serveNode(t, n, listeners[string(role)])
		nodes[string(role)] = n
	}
	assert.Nil(t, nodes["stock"].sagas)
	assert.Nil(t, nodes["payment"].sagas)
	assert.Len(t, nodes["order"].conns, 2)
	assert.Len(t, nodes["payment"].conns, 1)

	conn := func(addr string) *grpc.ClientConn {
		c, err := dial(addr)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	exerciseCheckout(t, conn("order"), conn("stock"), conn("payment"))
}

func TestBuildNode_RedisUndoLogAndStream(t *testing.T) {
	mr := miniredis.RunT(t)
	s := testSettings(config.RoleAll, 0)
	s.server.UndoLog = "redis"
	s.redis = &config.RedisConfig{
		URL:                "redis://" + mr.Addr(),
		Stream:             "saga_events",
		HealthcheckTimeout: time.Second,
		UndoTTL:            time.Hour,
		StreamMaxLen:       100,
	}

	n, err := buildNode(context.Background(), s, quietLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	_, ok := n.stores.Undo.(*undolog.Redis)
	require.True(t, ok, "undo log is %T", n.stores.Undo)

	lis := bufconn.Listen(1 << 20)
	serveNode(t, n, lis)
	conn, err := bufDialer(map[string]*bufconn.Listener{"self": lis})("self")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	exerciseCheckout(t, conn, conn, conn)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	length, err := client.XLen(context.Background(), "saga_events").Result()
	require.NoError(t, err)
	assert.Positive(t, length, "saga events reach the redis stream")
}

func TestBuildNode_RedisUnreachable(t *testing.T) {
	s := testSettings(config.RoleAll, 0)
	s.redis = &config.RedisConfig{URL: "redis://127.0.0.1:1/0", HealthcheckTimeout: 50 * time.Millisecond}
	_, err := buildNode(context.Background(), s, quietLogger(), nil)
	require.Error(t, err)
}

func TestBuildNode_RejectsBadWorker(t *testing.T) {
	_, err := buildNode(context.Background(), testSettings(config.RoleAll, 99), quietLogger(), nil)
	require.Error(t, err)
}

func TestSelectUndoLog(t *testing.T) {
	s := testSettings(config.RoleAll, 0)
	s.server.UndoLog = "redis"
	_, err := selectUndoLog(s, testStores(), nil, quietLogger())
	require.Error(t, err)

	s.server.UndoLog = "postgres"
	stores := testStores()
	undo, err := selectUndoLog(s, stores, nil, quietLogger())
	require.NoError(t, err)
	assert.Same(t, stores.Undo, undo, "falls back to the store bundle's undo log")

	s.server.UndoLog = "memory"
	undo, err = selectUndoLog(s, stores, nil, quietLogger())
	require.NoError(t, err)
	_, ok := undo.(*undolog.Memory)
	assert.True(t, ok)
}

func TestLoadSettings_RedisOnlyWhenConfigured(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	s, err := loadSettings()
	require.NoError(t, err)
	assert.Nil(t, s.redis)

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	s, err = loadSettings()
	require.NoError(t, err)
	require.NotNil(t, s.redis)
	assert.Equal(t, "redis://localhost:6379/0", s.redis.URL)

	t.Setenv("REDIS_URL", "")
	t.Setenv("UNDO_LOG", "redis")
	_, err = loadSettings()
	require.Error(t, err, "redis undo log needs REDIS_URL")
}

func testStores() orders.Stores {
	return orders.MemoryStores()
}
