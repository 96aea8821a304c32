package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/idgen"
	"cartwheel/internal/orders"
	"cartwheel/internal/participant"
	"cartwheel/internal/saga"
	"cartwheel/internal/store/memory"
	"cartwheel/internal/transport/rpc"
	"cartwheel/internal/txctx"
	"cartwheel/internal/undolog"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// startServer serves every domain in process and returns a dialer for it.
func startServer(t *testing.T) DialFunc {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	ids, err := idgen.New(idgen.Config{})
	require.NoError(t, err)
	stockStore, creditStore, orderStore := memory.NewStock(), memory.NewCredit(), memory.NewOrders()
	undo := undolog.NewMemory()

	stockSvc := orders.NewStockService(stockStore, ids, log)
	orderSvc := orders.NewOrderService(orderStore, stockSvc, ids, log)
	paymentSvc := orders.NewPaymentService(creditStore, orderSvc, ids, log)
	opt := participant.WithLogger(log)
	parts := saga.Participants{
		Stock:   participant.NewStockParticipant(stockStore, undo, opt),
		Payment: participant.NewPaymentParticipant(creditStore, undo, participant.PaymentPolicy{}, opt),
		Order:   participant.NewOrderParticipant(orderStore, undo, opt),
	}
	sagas := saga.New(orderSvc, parts, saga.NewMemoryLog(), saga.Config{StepTimeout: time.Second}, saga.WithLogger(log))

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(txctx.UnaryServerInterceptor()))
	rpc.RegisterStock(server, stockSvc)
	rpc.RegisterPayment(server, paymentSvc)
	rpc.RegisterOrders(server, orderSvc, sagas)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	return func(string) (*grpc.ClientConn, error) {
		return grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}
}

func execute(dial DialFunc, args ...string) (string, error) {
	cmd := NewRootCommand(dial)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func mustExecute(t *testing.T, dial DialFunc, args ...string) string {
	t.Helper()
	out, err := execute(dial, args...)
	require.NoError(t, err, "sagactl %s", strings.Join(args, " "))
	return out
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	for _, path := range [][]string{
		{"order", "create"}, {"order", "add-item"}, {"order", "remove-item"}, {"order", "remove"},
		{"order", "find"}, {"order", "checkout"}, {"order", "cancel"},
		{"stock", "create"}, {"stock", "add"}, {"stock", "find"},
		{"payment", "create-user"}, {"payment", "add-funds"}, {"payment", "find"}, {"payment", "status"},
		{"id", "next"}, {"id", "decode"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	addr := cmd.PersistentFlags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, "localhost:50051", addr.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(nil, "--format", "yaml", "id", "next")
	require.Error(t, err)
}

func TestCheckoutFlow(t *testing.T) {
	dial := startServer(t)

	user := mustExecute(t, dial, "payment", "create-user")
	item := mustExecute(t, dial, "stock", "create", "--price", "2.50")
	assert.Contains(t, mustExecute(t, dial, "stock", "add", item, "3"), "stock 3")
	order := mustExecute(t, dial, "order", "create", "--user", user)
	mustExecute(t, dial, "order", "add-item", order, item)
	mustExecute(t, dial, "order", "add-item", order, item)
	assert.Contains(t, mustExecute(t, dial, "order", "find", order), "total=5")

	out, err := execute(dial, "--format", "json", "order", "checkout", order)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	var res resultView
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "rolled_back", res.Outcome)
	assert.Contains(t, res.ReasonCodes, "insufficient_credit")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredit)

	assert.Contains(t, mustExecute(t, dial, "payment", "add-funds", user, "5"), "credit 5")
	assert.Contains(t, mustExecute(t, dial, "order", "checkout", order), "committed")
	assert.Equal(t, "paid=true", mustExecute(t, dial, "payment", "status", order))
	assert.Contains(t, mustExecute(t, dial, "stock", "find", item), "stock 1")

	assert.Contains(t, mustExecute(t, dial, "order", "cancel", order), "committed")
	assert.Equal(t, "paid=false", mustExecute(t, dial, "payment", "status", order))
	assert.Contains(t, mustExecute(t, dial, "payment", "find", user), "credit 5")

	mustExecute(t, dial, "order", "remove-item", order, item)
	mustExecute(t, dial, "order", "remove", order)
	_, err = execute(dial, "order", "find", order)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBadArgumentsAreCommandErrors(t *testing.T) {
	_, err := execute(nil, "order", "find", "not-a-number")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = execute(nil, "stock", "create", "--price", "abc")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	_, err = execute(nil, "id", "next", "--worker", "40")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestIDNextAndDecode(t *testing.T) {
	out := mustExecute(t, nil, "id", "next", "--datacenter", "3", "--worker", "9", "-n", "3")
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)

	var prev uint64
	for _, line := range lines {
		id, err := strconv.ParseUint(line, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}

	out = mustExecute(t, nil, "--format", "json", "id", "decode", lines[0])
	var parts idgen.Parts
	require.NoError(t, json.Unmarshal([]byte(out), &parts))
	assert.Equal(t, int64(3), parts.DatacenterID)
	assert.Equal(t, int64(9), parts.WorkerID)
	assert.WithinDuration(t, time.Now(), parts.Time, time.Minute)
}
