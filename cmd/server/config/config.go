// Package config loads server settings from the environment, one struct per
// concern.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// LoadDotEnv merges the given .env files into the process environment.
// Missing files are skipped and variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Role selects which domains a server process hosts.
type Role string

const (
	RoleOrder   Role = "order"
	RoleStock   Role = "stock"
	RolePayment Role = "payment"
	RoleAll     Role = "all"
)

// Hosts reports whether r serves domain.
func (r Role) Hosts(domain Role) bool {
	return r == RoleAll || r == domain
}

// ServerConfig holds the process role, listen address and peer addresses.
type ServerConfig struct {
	Role        Role   `env:"SERVICE_ROLE" envDefault:"all"`
	Env         string `env:"APP_ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":50051"`
	OrderAddr   string `env:"ORDER_ADDR"`
	StockAddr   string `env:"STOCK_ADDR"`
	PaymentAddr string `env:"PAYMENT_ADDR"`
	UndoLog     string `env:"UNDO_LOG" envDefault:"memory"`
}

// GRPCConfig holds ingress rate limiting settings.
type GRPCConfig struct {
	RateLimitInterval time.Duration `env:"GRPC_RATE_LIMIT_INTERVAL,required,notEmpty"`
	RateLimitBurst    int           `env:"GRPC_RATE_LIMIT_BURST,required,notEmpty"`
}

// ObservabilityConfig holds the HTTP address for stats, metrics and the
// realtime event feed.
type ObservabilityConfig struct {
	Addr string `env:"OBS_ADDR,required,notEmpty"`
}

// PostgresConfig holds the database DSN. An empty DSN selects in-memory stores.
type PostgresConfig struct {
	DSN string `env:"DATABASE_URL"`
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string         `env:"REDIS_URL,required,notEmpty"`
	Stream             string         `env:"REDIS_STREAM" envDefault:"saga_events"`
	DialTimeout        *time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout        *time.Duration `env:"REDIS_READ_TIMEOUT"`
	WriteTimeout       *time.Duration `env:"REDIS_WRITE_TIMEOUT"`
	PoolSize           *int           `env:"REDIS_POOL_SIZE"`
	MinIdleConns       *int           `env:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries         *int           `env:"REDIS_MAX_RETRIES"`
	HealthcheckTimeout time.Duration  `env:"REDIS_HEALTHCHECK_TIMEOUT" envDefault:"2s"`
	UndoTTL            time.Duration  `env:"REDIS_UNDO_TTL" envDefault:"168h"`
	StreamMaxLen       int64          `env:"REDIS_STREAM_MAXLEN" envDefault:"10000"`
	EnableOTel         bool           `env:"REDIS_OTEL"`
	TLSConfig          *tls.Config    `env:"-"`
}

// KafkaConfig holds the saga event topic. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers string `env:"KAFKA_BROKERS"`
	Topic   string `env:"KAFKA_TOPIC" envDefault:"saga-events"`
}

// SagaConfig tunes the orchestrator and the payment policy.
type SagaConfig struct {
	StepTimeout              time.Duration `env:"SAGA_STEP_TIMEOUT" envDefault:"5s"`
	CompensationAttempts     int           `env:"SAGA_COMPENSATION_ATTEMPTS" envDefault:"5"`
	CompensationBaseDelay    time.Duration `env:"SAGA_COMPENSATION_BASE_DELAY" envDefault:"50ms"`
	CompensationMaxDelay     time.Duration `env:"SAGA_COMPENSATION_MAX_DELAY" envDefault:"2s"`
	ParallelReserve          bool          `env:"SAGA_PARALLEL_RESERVE"`
	ParallelCompensation     bool          `env:"SAGA_PARALLEL_COMPENSATION"`
	RecoveryGrace            time.Duration `env:"SAGA_RECOVERY_GRACE" envDefault:"0s"`
	AllowNegativeCredit      bool          `env:"PAYMENT_ALLOW_NEGATIVE_CREDIT" envDefault:"true"`
	ParticipantRetryAttempts int           `env:"PARTICIPANT_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	ParticipantRetryBase     time.Duration `env:"PARTICIPANT_RETRY_BASE_DELAY" envDefault:"50ms"`
	ParticipantRetryMax      time.Duration `env:"PARTICIPANT_RETRY_MAX_DELAY" envDefault:"500ms"`
	BreakerMaxFailures       int           `env:"PARTICIPANT_BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout      time.Duration `env:"PARTICIPANT_BREAKER_RESET_TIMEOUT" envDefault:"2s"`
}

// IDGenConfig places this process in the id generator layout.
type IDGenConfig struct {
	DatacenterID int64 `env:"IDGEN_DATACENTER_ID" envDefault:"0"`
	WorkerID     int64 `env:"IDGEN_WORKER_ID" envDefault:"0"`
}

// LoadServer reads the process role and addresses.
func LoadServer() (ServerConfig, error) {
	cfg, err := env.ParseAs[ServerConfig]()
	if err != nil {
		return cfg, err
	}
	switch cfg.Role {
	case RoleOrder, RoleStock, RolePayment, RoleAll:
	default:
		return cfg, fmt.Errorf("SERVICE_ROLE: unknown role %q", cfg.Role)
	}
	switch cfg.UndoLog {
	case "memory", "redis", "postgres":
	default:
		return cfg, fmt.Errorf("UNDO_LOG: unknown backend %q", cfg.UndoLog)
	}
	if cfg.Role != RoleAll {
		if cfg.Role == RolePayment && cfg.OrderAddr == "" {
			return cfg, errors.New("ORDER_ADDR is required for the payment role")
		}
		if cfg.Role == RoleOrder && (cfg.StockAddr == "" || cfg.PaymentAddr == "") {
			return cfg, errors.New("STOCK_ADDR and PAYMENT_ADDR are required for the order role")
		}
	}
	return cfg, nil
}

// LoadGRPC reads gRPC ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg, err := env.ParseAs[GRPCConfig]()
	if err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval < 0 || cfg.RateLimitBurst < 0 {
		return cfg, errors.New("gRPC rate limit settings must be >= 0")
	}
	return cfg, nil
}

// LoadObservability reads the observability HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	return env.ParseAs[ObservabilityConfig]()
}

// LoadPostgres reads the database DSN from env.
func LoadPostgres() (PostgresConfig, error) {
	return env.ParseAs[PostgresConfig]()
}

// LoadKafka reads Kafka settings from env.
func LoadKafka() (KafkaConfig, error) {
	return env.ParseAs[KafkaConfig]()
}

// LoadIDGen reads the generator node from env.
func LoadIDGen() (IDGenConfig, error) {
	return env.ParseAs[IDGenConfig]()
}

// LoadSaga reads orchestrator tuning from env.
func LoadSaga() (SagaConfig, error) {
	cfg, err := env.ParseAs[SagaConfig]()
	if err != nil {
		return cfg, err
	}
	if cfg.StepTimeout < 0 || cfg.CompensationBaseDelay < 0 || cfg.CompensationMaxDelay < 0 {
		return cfg, errors.New("saga durations must be >= 0")
	}
	if cfg.CompensationAttempts < 1 {
		return cfg, errors.New("SAGA_COMPENSATION_ATTEMPTS must be >= 1")
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg, err := env.ParseAs[RedisConfig]()
	if err != nil {
		return cfg, err
	}
	for name, d := range map[string]*time.Duration{
		"REDIS_DIAL_TIMEOUT":  cfg.DialTimeout,
		"REDIS_READ_TIMEOUT":  cfg.ReadTimeout,
		"REDIS_WRITE_TIMEOUT": cfg.WriteTimeout,
	} {
		if d != nil && *d < 0 {
			return cfg, fmt.Errorf("%s must be >= 0", name)
		}
	}
	for name, n := range map[string]*int{
		"REDIS_POOL_SIZE":      cfg.PoolSize,
		"REDIS_MIN_IDLE_CONNS": cfg.MinIdleConns,
		"REDIS_MAX_RETRIES":    cfg.MaxRetries,
	} {
		if n != nil && *n < 0 {
			return cfg, fmt.Errorf("%s must be >= 0", name)
		}
	}
	if cfg.StreamMaxLen < 0 {
		return cfg, errors.New("REDIS_STREAM_MAXLEN must be >= 0")
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type redisTLSEnv struct {
	CAFile             string `env:"REDIS_TLS_CA_FILE"`
	CertFile           string `env:"REDIS_TLS_CERT_FILE"`
	KeyFile            string `env:"REDIS_TLS_KEY_FILE"`
	ServerName         string `env:"REDIS_TLS_SERVER_NAME"`
	InsecureSkipVerify string `env:"REDIS_TLS_INSECURE_SKIP_VERIFY"`
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	raw, err := env.ParseAs[redisTLSEnv]()
	if err != nil {
		return nil, err
	}
	caFile := strings.TrimSpace(raw.CAFile)
	certFile := strings.TrimSpace(raw.CertFile)
	keyFile := strings.TrimSpace(raw.KeyFile)
	serverName := strings.TrimSpace(raw.ServerName)
	insecureStr := strings.TrimSpace(raw.InsecureSkipVerify)

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		var insecure struct {
			V bool `env:"REDIS_TLS_INSECURE_SKIP_VERIFY"`
		}
		if err := env.Parse(&insecure); err != nil {
			return nil, err
		}
		tlsConfig.InsecureSkipVerify = insecure.V
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
