package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the gateway.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Webhook   WebhookConfig
	Session   SessionConfig
	RabbitMQ  RabbitMQConfig
	S3        S3Config
	Reconcile ReconcileConfig
	LogLevel  string
	LogFormat string
}

type ServerConfig struct {
	Address            string
	APIKey             string
	RateLimitPerMinute int
	ShutdownGrace      time.Duration
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	URL      string
	Address  string
	Password string
	DB       int
}

type QueueConfig struct {
	Name          string
	MaxAttempts   int
	Backoff       time.Duration
	KeepFailed    int
	RateLimitMax  int
	RateLimitSpan time.Duration
}

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type SessionConfig struct {
	AuthDialect          string
	AuthDSN              string
	QRTerminal           bool
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
	InboundBufferSize    int
}

type RabbitMQConfig struct {
	URL   string
	Queue string
}

type S3Config struct {
	Enabled   bool
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

type ReconcileConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

// Load reads envFile (when present) and the environment.
// Environment variables already set take precedence over the file.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debug().Err(err).Str("file", envFile).Msg("No env file loaded, relying on environment variables")
	}

	e := &envReader{}
	cfg := &Config{
		Server: ServerConfig{
			Address:            serverAddress(),
			APIKey:             os.Getenv("API_KEY"),
			RateLimitPerMinute: e.int("API_RATE_LIMIT_PER_MINUTE", 60),
			ShutdownGrace:      e.millis("SHUTDOWN_GRACE_MS", 5000),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			Address:  getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       e.int("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Name:          getEnv("QUEUE_NAME", "whatsapp-send"),
			MaxAttempts:   e.int("QUEUE_MAX_ATTEMPTS", 5),
			Backoff:       e.millis("QUEUE_BACKOFF_MS", 2000),
			KeepFailed:    e.int("QUEUE_KEEP_FAILED", 500),
			RateLimitMax:  e.int("RATE_LIMIT_MAX", 1),
			RateLimitSpan: e.millis("RATE_LIMIT_DURATION_MS", 1000),
		},
		Webhook: WebhookConfig{
			URL:     os.Getenv("WEBHOOK_URL"),
			Token:   os.Getenv("WEBHOOK_TOKEN"),
			Timeout: e.millis("WEBHOOK_TIMEOUT_MS", 5000),
		},
		Session: SessionConfig{
			AuthDialect:          getEnv("AUTH_STORE_DIALECT", "sqlite"),
			AuthDSN:              getEnv("AUTH_STORE_DSN", "file:auth/whatsapp.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(3000)"),
			QRTerminal:           e.bool("QR_TERMINAL", false),
			ReconnectBase:        e.millis("RECONNECT_BASE_MS", 2000),
			ReconnectCap:         e.millis("RECONNECT_CAP_MS", 60000),
			ReconnectMaxAttempts: e.int("RECONNECT_MAX_ATTEMPTS", 10),
			InboundBufferSize:    e.int("INBOUND_BUFFER_SIZE", 500),
		},
		RabbitMQ: RabbitMQConfig{
			URL:   os.Getenv("RABBITMQ_URL"),
			Queue: getEnv("RABBITMQ_QUEUE", "whatsapp_events"),
		},
		S3: S3Config{
			Enabled:   e.bool("S3_ENABLED", false),
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: e.bool("S3_PATH_STYLE", false),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},
		Reconcile: ReconcileConfig{
			Interval: time.Duration(e.int("RECONCILE_INTERVAL_SECONDS", 0)) * time.Second,
			Grace:    time.Duration(e.int("RECONCILE_GRACE_SECONDS", 60)) * time.Second,
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: os.Getenv("LOG_FORMAT"),
	}

	if e.err != nil {
		return nil, e.err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serverAddress() string {
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		return addr
	}
	return ":" + getEnv("PORT", "3333")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("missing required env var: DATABASE_URL")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be > 0")
	}
	if cfg.Queue.Backoff <= 0 {
		return fmt.Errorf("QUEUE_BACKOFF_MS must be > 0")
	}
	if cfg.Queue.RateLimitMax <= 0 || cfg.Queue.RateLimitSpan <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_DURATION_MS must be > 0")
	}
	if cfg.Webhook.Timeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_MS must be > 0")
	}
	if cfg.Session.ReconnectBase <= 0 || cfg.Session.ReconnectCap < cfg.Session.ReconnectBase {
		return fmt.Errorf("RECONNECT_BASE_MS must be > 0 and <= RECONNECT_CAP_MS")
	}
	if cfg.Session.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if cfg.Session.InboundBufferSize <= 0 {
		return fmt.Errorf("INBOUND_BUFFER_SIZE must be > 0")
	}
	if cfg.S3.Enabled && cfg.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENABLED is set")
	}
	if cfg.Reconcile.Interval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_SECONDS must be >= 0")
	}
	return nil
}

// envReader keeps the first parse error so Load can report it once.
type envReader struct {
	err error
}

func (e *envReader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid int for env %s: %q", key, v))
		return def
	}
	return i
}

func (e *envReader) millis(key string, def int) time.Duration {
	return time.Duration(e.int(key, def)) * time.Millisecond
}

func (e *envReader) bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid bool for env %s: %q", key, v))
		return def
	}
	return b
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
