package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cartwheel/cmd/server/config"
	"cartwheel/internal/logger"
	"cartwheel/internal/observability"
	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(".env"); err != nil {
		logrus.WithError(err).Fatal("load .env")
	}
	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("server error")
	}
}

func run(ctx context.Context) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	log := logger.New(os.Stdout, s.server.Env, s.server.LogLevel).WithField("role", s.server.Role)

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	n, err := buildNode(ctx, s, log, nil)
	if err != nil {
		return err
	}
	defer n.Close()

	metrics := observability.NewMetrics()
	limiter := participant.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			rateLimitUnaryInterceptor(limiter, metrics, log),
			txctx.UnaryServerInterceptor(),
		),
		grpc.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, log)),
	)
	services := n.register(server)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	setServing(healthServer, services, healthpb.HealthCheckResponse_SERVING)

	if s.server.Env != "production" {
		reflection.Register(server)
		log.WithField("env", s.server.Env).Info("gRPC reflection enabled")
	}

	lis, err := net.Listen("tcp", s.server.GRPCAddr)
	if err != nil {
		return err
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go n.hub.Run(hubCtx)
	obsSrv := startObservabilityServer(obsCfg.Addr, n, metrics, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()
	log.WithField("addr", s.server.GRPCAddr).Info("server running")

	// Participants are served before recovery so peers recovering at the
	// same time can reach them.
	n.recover(ctx)

	select {
	case <-ctx.Done():
		setServing(healthServer, services, healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = obsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func setServing(h *health.Server, services []string, status healthpb.HealthCheckResponse_ServingStatus) {
	for _, name := range services {
		h.SetServingStatus(name, status)
	}
	h.SetServingStatus("", status)
}

// startObservabilityServer serves call stats, Prometheus metrics and the
// realtime saga feed on addr.
func startObservabilityServer(addr string, n *node, metrics *observability.Metrics, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/", observability.Handler(metrics, n.registry))
	mux.Handle("/ws", n.hub)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("observability server")
		}
	}()
	return srv
}
