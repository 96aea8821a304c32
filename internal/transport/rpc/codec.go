// Package rpc exposes the participants, the order domain and the stock and
// payment admin operations over gRPC. Messages travel as
// google.protobuf.Struct so no generated code is needed; ids are encoded as
// decimal strings to survive the float64 number type of Struct.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

type handlerFunc[S any] func(srv S, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// unary builds a method descriptor whose handler decodes a Struct, runs the
// server interceptor chain and converts domain errors to gRPC statuses after
// the chain so interceptors still see the original error.
func unary[S any](service, method string, fn handlerFunc[S]) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*structpb.Struct))
			}

			var (
				out any
				err error
			)
			if interceptor == nil {
				out, err = call(ctx, in)
			} else {
				out, err = interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, call)
			}
			if err != nil {
				return nil, toStatus(ctx, err)
			}
			return out, nil
		},
	}
}

// handle adapts a typed request/response function to a handlerFunc.
func handle[S, Req, Resp any](fn func(srv S, ctx context.Context, req Req) (Resp, error)) handlerFunc[S] {
	return func(srv S, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		var req Req
		if err := decode(in, &req); err != nil {
			return nil, invalidf("%v", err)
		}
		resp, err := fn(srv, ctx, req)
		if err != nil {
			return nil, err
		}
		return encode(resp)
	}
}

// invoke calls method on conn and decodes the response into resp. Domain
// errors are rebuilt from the status and reason trailer.
func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := conn.Invoke(ctx, method, in, out, grpc.Trailer(&trailer)); err != nil {
		return fromStatus(err, trailer)
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

type empty struct{}
