package main

import (
	"context"
	"strings"
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/observability"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

// rateLimitUnaryInterceptor throttles ingress and records a call span. Business
// rejections are logged at debug, everything else at warn.
func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logCallError(log, "unary", info.FullMethod, time.Since(start), err)
		}
		return resp, err
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics, log logrus.FieldLogger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := &observability.CallSpan{}
		start := time.Now()
		if metrics != nil && shouldTrackMethod(info.FullMethod) {
			span = metrics.Start(info.FullMethod)
		}
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && shouldTrackMethod(info.FullMethod) {
			logCallError(log, "stream", info.FullMethod, time.Since(start), err)
		}
		return err
	}
}

func logCallError(log logrus.FieldLogger, kind, method string, elapsed time.Duration, err error) {
	if log == nil {
		return
	}
	failure := domain.Classify(err)
	entry := log.WithFields(logrus.Fields{
		"rpc":     kind,
		"method":  method,
		"elapsed": elapsed,
		"failure": failure,
	}).WithError(err)
	if failure == domain.FailureBusiness {
		entry.Debug("grpc call rejected")
		return
	}
	entry.Warn("grpc call failed")
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
