package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cartwheel/cmd/server/config"
	"cartwheel/internal/events"
	"cartwheel/internal/idgen"
	"cartwheel/internal/observability"
	"cartwheel/internal/orders"
	"cartwheel/internal/participant"
	"cartwheel/internal/realtime"
	"cartwheel/internal/saga"
	"cartwheel/internal/transport/rpc"
	"cartwheel/internal/txctx"
	"cartwheel/internal/undolog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const undoKeyPrefix = "cartwheel:undo:"

type settings struct {
	server config.ServerConfig
	saga   config.SagaConfig
	ids    config.IDGenConfig
	pg     config.PostgresConfig
	kafka  config.KafkaConfig
	// redis is nil when REDIS_URL is unset and nothing requires it.
	redis *config.RedisConfig
}

func loadSettings() (settings, error) {
	var (
		s   settings
		err error
	)
	if s.server, err = config.LoadServer(); err != nil {
		return s, err
	}
	if s.saga, err = config.LoadSaga(); err != nil {
		return s, err
	}
	if s.ids, err = config.LoadIDGen(); err != nil {
		return s, err
	}
	if s.pg, err = config.LoadPostgres(); err != nil {
		return s, err
	}
	if s.kafka, err = config.LoadKafka(); err != nil {
		return s, err
	}
	if os.Getenv("REDIS_URL") != "" || s.server.UndoLog == "redis" {
		rc, err := config.LoadRedis()
		if err != nil {
			return s, err
		}
		s.redis = &rc
	}
	return s, nil
}

type dialer func(addr string) (*grpc.ClientConn, error)

func dialPeer(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(txctx.UnaryClientInterceptor()),
	)
}

// node is what one server process hosts: the domain services for its role,
// their participants, and for the order role the saga orchestrator. Domains
// hosted elsewhere are reached through gRPC clients.
type node struct {
	role     config.Role
	log      logrus.FieldLogger
	stores   orders.Stores
	ids      *idgen.Generator
	registry *prometheus.Registry
	hub      *realtime.Hub

	orders  *orders.OrderService
	stock   *orders.StockService
	payment *orders.PaymentService
	local   []participant.Participant
	sagas   *saga.Orchestrator

	dial    dialer
	conns   map[string]*grpc.ClientConn
	closers []func()
}

func buildNode(ctx context.Context, s settings, log logrus.FieldLogger, dial dialer) (_ *node, err error) {
	if dial == nil {
		dial = dialPeer
	}
	n := &node{
		role:     s.server.Role,
		log:      log,
		registry: prometheus.NewRegistry(),
		hub:      realtime.NewHub(log.WithField("component", "realtime")),
		dial:     dial,
		conns:    make(map[string]*grpc.ClientConn),
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if err := n.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if n.ids, err = idgen.New(idgen.Config{DatacenterID: s.ids.DatacenterID, WorkerID: s.ids.WorkerID}); err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if s.redis != nil {
		if redisClient, err = newRedisClient(ctx, *s.redis); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		n.closers = append(n.closers, func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Warn("close redis")
			}
		})
	}

	stores, closeStores := orders.BuildStores(ctx, s.pg.DSN, log)
	n.closers = append(n.closers, closeStores)
	if stores.Undo, err = selectUndoLog(s, stores, redisClient, log); err != nil {
		return nil, err
	}
	n.stores = stores

	parts, err := n.buildDomains(s)
	if err != nil {
		return nil, err
	}

	if n.role.Hosts(config.RoleOrder) {
		sagaMetrics, err := observability.NewSagaMetrics(n.registry)
		if err != nil {
			return nil, err
		}
		n.sagas = saga.New(n.orders, parts, stores.Sagas, sagaConfig(s.saga),
			saga.WithLogger(log.WithField("component", "saga")),
			saga.WithPublisher(n.publisher(s, redisClient)),
			saga.WithObserver(sagaMetrics),
		)
	}
	return n, nil
}

// buildDomains constructs the hosted services and participants and returns
// the participant set the orchestrator drives, local or remote.
func (n *node) buildDomains(s settings) (saga.Participants, error) {
	var (
		parts   saga.Participants
		catalog orders.Catalog
	)
	undo := n.stores.Undo
	withLog := func(name string) participant.Option {
		return participant.WithLogger(n.log.WithField("participant", name))
	}

	if n.role.Hosts(config.RoleStock) {
		n.stock = orders.NewStockService(n.stores.Stock, n.ids, n.log)
		p := participant.NewStockParticipant(n.stores.Stock, undo, withLog(participant.StockName))
		n.local = append(n.local, p)
		parts.Stock, catalog = p, n.stock
	} else if n.role.Hosts(config.RoleOrder) {
		conn, err := n.peer(s.server.StockAddr)
		if err != nil {
			return parts, err
		}
		catalog = rpc.NewStockClient(conn)
		parts.Stock = n.remoteParticipant(conn, participant.StockName, s.saga)
	}

	var orderReader orders.OrderReader
	if n.role.Hosts(config.RoleOrder) {
		n.orders = orders.NewOrderService(n.stores.Orders, catalog, n.ids, n.log)
		p := participant.NewOrderParticipant(n.stores.Orders, undo, withLog(participant.OrderName))
		n.local = append(n.local, p)
		parts.Order, orderReader = p, n.orders
	} else if n.role.Hosts(config.RolePayment) {
		conn, err := n.peer(s.server.OrderAddr)
		if err != nil {
			return parts, err
		}
		orderReader = rpc.NewOrderClient(conn)
	}

	if n.role.Hosts(config.RolePayment) {
		n.payment = orders.NewPaymentService(n.stores.Credit, orderReader, n.ids, n.log)
		policy := participant.PaymentPolicy{AllowNegativeCredit: s.saga.AllowNegativeCredit}
		p := participant.NewPaymentParticipant(n.stores.Credit, undo, policy, withLog(participant.PaymentName))
		n.local = append(n.local, p)
		parts.Payment = p
	} else if n.role.Hosts(config.RoleOrder) {
		conn, err := n.peer(s.server.PaymentAddr)
		if err != nil {
			return parts, err
		}
		parts.Payment = n.remoteParticipant(conn, participant.PaymentName, s.saga)
	}
	return parts, nil
}

// register exposes the hosted domains on s and returns their service names.
func (n *node) register(s grpc.ServiceRegistrar) []string {
	var names []string
	for _, p := range n.local {
		rpc.RegisterParticipant(s, p)
		names = append(names, rpc.ParticipantServiceName(p.Name()))
	}
	if n.stock != nil {
		rpc.RegisterStock(s, n.stock)
		names = append(names, rpc.StockServiceName)
	}
	if n.payment != nil {
		rpc.RegisterPayment(s, n.payment)
		names = append(names, rpc.PaymentServiceName)
	}
	if n.orders != nil {
		rpc.RegisterOrders(s, n.orders, n.sagas)
		names = append(names, rpc.OrderServiceName)
	}
	return names
}

// recover finishes sagas a previous process left behind.
func (n *node) recover(ctx context.Context) {
	if n.sagas == nil {
		return
	}
	count, err := n.sagas.Recover(ctx)
	if err != nil {
		n.log.WithError(err).Warn("saga recovery incomplete")
	}
	if count > 0 {
		n.log.WithField("sagas", count).Info("recovered interrupted sagas")
	}
}

// Close releases peer connections and stores in reverse order of creation.
func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

func (n *node) peer(addr string) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, errors.New("peer address is empty")
	}
	if conn, ok := n.conns[addr]; ok {
		return conn, nil
	}
	conn, err := n.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	n.conns[addr] = conn
	n.closers = append(n.closers, func() { _ = conn.Close() })
	return conn, nil
}

func (n *node) remoteParticipant(conn grpc.ClientConnInterface, name string, cfg config.SagaConfig) participant.Participant {
	log := n.log.WithField("participant", name)
	breaker := participant.NewCircuitBreaker(participant.CircuitBreakerConfig{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	retry := participant.RetryPolicy{
		MaxAttempts: cfg.ParticipantRetryAttempts,
		BaseDelay:   cfg.ParticipantRetryBase,
		MaxDelay:    cfg.ParticipantRetryMax,
		OnRetry: func(attempt int, err error) {
			log.WithError(err).WithField("attempt", attempt).Warn("retrying participant call")
		},
	}
	return participant.NewReliable(rpc.NewParticipantClient(conn, name), nil, breaker, retry)
}

// publisher fans saga events out to Kafka and the Redis stream when they are
// configured, and always to the realtime hub.
func (n *node) publisher(s settings, client *redis.Client) events.Publisher {
	var sinks []events.Publisher
	if w := events.NewKafkaWriter(s.kafka.Brokers, s.kafka.Topic); w != nil {
		kp := events.NewKafkaPublisher(w)
		sinks = append(sinks, kp)
		n.closers = append(n.closers, func() {
			if err := kp.Close(); err != nil {
				n.log.WithError(err).Warn("close kafka writer")
			}
		})
	}
	if client != nil {
		sinks = append(sinks, events.NewRedisStreamPublisher(client, s.redis.Stream, s.redis.StreamMaxLen))
	}
	return events.NewFanout(n.hub, sinks...)
}

func selectUndoLog(s settings, stores orders.Stores, client *redis.Client, log logrus.FieldLogger) (participant.UndoLog, error) {
	switch s.server.UndoLog {
	case "redis":
		if client == nil {
			return nil, errors.New("UNDO_LOG=redis requires REDIS_URL")
		}
		return undolog.NewRedis(client, undoKeyPrefix, s.redis.UndoTTL), nil
	case "postgres":
		if !stores.Postgres {
			log.Warn("UNDO_LOG=postgres without a database, using in-memory undo log")
		}
		return stores.Undo, nil
	default:
		return undolog.NewMemory(), nil
	}
}

func sagaConfig(cfg config.SagaConfig) saga.Config {
	return saga.Config{
		StepTimeout: cfg.StepTimeout,
		Compensation: participant.RetryPolicy{
			MaxAttempts: cfg.CompensationAttempts,
			BaseDelay:   cfg.CompensationBaseDelay,
			MaxDelay:    cfg.CompensationMaxDelay,
		},
		ParallelReserve:      cfg.ParallelReserve,
		ParallelCompensation: cfg.ParallelCompensation,
		RecoveryGrace:        cfg.RecoveryGrace,
	}
}
