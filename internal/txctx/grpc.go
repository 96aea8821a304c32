package txctx

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// HeaderTxID is the metadata key holding the global transaction id.
	HeaderTxID = "x-saga-tx-id"
	// HeaderBranch is the metadata key holding the branch step.
	HeaderBranch = "x-saga-branch"
)

// Outgoing attaches b to the outgoing gRPC metadata of ctx.
func Outgoing(ctx context.Context, b Branch) context.Context {
	return metadata.AppendToOutgoingContext(ctx, HeaderTxID, b.TxID, HeaderBranch, b.Step)
}

// Incoming extracts a branch from incoming gRPC metadata.
func Incoming(ctx context.Context) (Branch, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Branch{}, false
	}
	txIDs := md.Get(HeaderTxID)
	steps := md.Get(HeaderBranch)
	if len(txIDs) == 0 {
		return Branch{}, false
	}
	b := Branch{TxID: txIDs[0]}
	if len(steps) > 0 {
		b.Step = steps[0]
	}
	return b, true
}

// UnaryClientInterceptor copies the branch in ctx, if any, into the outgoing
// metadata of every call.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if b, ok := From(ctx); ok {
			ctx = Outgoing(ctx, b)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// UnaryServerInterceptor moves a branch found in incoming metadata into the
// handler context.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if b, ok := Incoming(ctx); ok {
			ctx = With(ctx, b)
		}
		return handler(ctx, req)
	}
}
