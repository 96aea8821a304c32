package txctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestRequire_MissingBranch(t *testing.T) {
	_, err := Require(context.Background())
	require.ErrorIs(t, err, ErrMissingTxID)

	_, err = Require(With(context.Background(), Branch{TxID: "tx-1"}))
	require.ErrorIs(t, err, ErrMissingTxID)
}

func TestRequire_RoundTrip(t *testing.T) {
	b := Branch{TxID: NewTxID(), Step: "stock-reserve:1"}
	got, err := Require(With(context.Background(), b))
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, b.TxID+"/stock-reserve:1", got.String())
}

func TestOutgoingIncoming(t *testing.T) {
	b := Branch{TxID: "tx-9", Step: "debit"}
	out := Outgoing(context.Background(), b)

	md, ok := metadata.FromOutgoingContext(out)
	require.True(t, ok)
	in := metadata.NewIncomingContext(context.Background(), md)

	got, ok := Incoming(in)
	require.True(t, ok)
	assert.Equal(t, b, got)
}

func TestIncoming_NoMetadata(t *testing.T) {
	_, ok := Incoming(context.Background())
	assert.False(t, ok)

	_, ok = Incoming(metadata.NewIncomingContext(context.Background(), metadata.MD{}))
	assert.False(t, ok)
}

func TestUnaryClientInterceptor_AttachesBranch(t *testing.T) {
	b := Branch{TxID: "tx-2", Step: "mark-paid"}
	var seen metadata.MD
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		seen, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}

	err := UnaryClientInterceptor()(With(context.Background(), b), "/svc/Execute", nil, nil, nil, invoker)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-2"}, seen.Get(HeaderTxID))
	assert.Equal(t, []string{"mark-paid"}, seen.Get(HeaderBranch))
}

func TestUnaryServerInterceptor_ExtractsBranch(t *testing.T) {
	md := metadata.Pairs(HeaderTxID, "tx-3", HeaderBranch, "credit")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	var got Branch
	handler := func(ctx context.Context, req any) (any, error) {
		var err error
		got, err = Require(ctx)
		return nil, err
	}

	_, err := UnaryServerInterceptor()(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Execute"}, handler)
	require.NoError(t, err)
	assert.Equal(t, Branch{TxID: "tx-3", Step: "credit"}, got)
}
