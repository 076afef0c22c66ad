package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Ledger backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the full configuration surface, read from the environment at
// startup and passed explicitly to component constructors.
type Config struct {
	HTTPAddr    string
	SyncTimeout time.Duration

	LedgerBackend string
	LedgerTable   string
	AWSRegion     string
	AWSEndpoint   string
	PostgresDSN   string

	QueueURL            string
	DLQURL              string
	Workers             int
	PollWait            time.Duration
	BatchSize           int
	VisibilityTimeout   time.Duration
	MaxDeliveryAttempts int

	MaxProcessAttempts int
	StaleClaimAfter    time.Duration

	AmountDenyThreshold   decimal.Decimal
	AmountReviewThreshold decimal.Decimal

	KafkaBrokers []string
	KafkaTopic   string

	OutboxTable          string
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxMaxAttempts    int
	OutboxPublishBackoff time.Duration

	ShutdownGrace time.Duration
}

// Load reads configuration from the environment, overlaying a .env file when
// present, and validates the combination. Malformed values are errors, not
// silent defaults.
func Load() (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr: envStr("HTTP_ADDR", ":8080"),

		LedgerBackend: strings.ToLower(envStr("LEDGER_BACKEND", BackendMemory)),
		LedgerTable:   envStr("LEDGER_TABLE", "transaction_records"),
		AWSRegion:     envStr("AWS_REGION", ""),
		AWSEndpoint:   envStr("AWS_ENDPOINT", ""),
		PostgresDSN:   envStr("POSTGRES_DSN", ""),

		QueueURL: envStr("QUEUE_URL", ""),
		DLQURL:   envStr("DLQ_URL", ""),

		KafkaTopic:  envStr("KAFKA_TOPIC", "transaction.completed"),
		OutboxTable: envStr("OUTBOX_TABLE", "transaction_outbox"),
	}

	if brokers := envStr("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	var err error
	if cfg.SyncTimeout, err = envDuration("SYNC_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = envInt("WORKER_COUNT", 4); err != nil {
		return Config{}, err
	}
	if cfg.PollWait, err = envDuration("POLL_WAIT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = envInt("BATCH_SIZE", 10); err != nil {
		return Config{}, err
	}
	if cfg.VisibilityTimeout, err = envDuration("VISIBILITY_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxDeliveryAttempts, err = envInt("MAX_DELIVERY_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.MaxProcessAttempts, err = envInt("MAX_PROCESS_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.StaleClaimAfter, err = envDuration("STALE_CLAIM_AFTER", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.OutboxPollInterval, err = envDuration("OUTBOX_POLL_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.OutboxBatchSize, err = envInt("OUTBOX_BATCH_SIZE", 25); err != nil {
		return Config{}, err
	}
	if cfg.OutboxMaxAttempts, err = envInt("OUTBOX_MAX_ATTEMPTS", 10); err != nil {
		return Config{}, err
	}
	if cfg.OutboxPublishBackoff, err = envDuration("OUTBOX_PUBLISH_BACKOFF", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGrace, err = envDuration("SHUTDOWN_GRACE", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AmountDenyThreshold, err = envDecimal("AMOUNT_DENY_THRESHOLD", "10000"); err != nil {
		return Config{}, err
	}
	if cfg.AmountReviewThreshold, err = envDecimal("AMOUNT_REVIEW_THRESHOLD", "5000"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LedgerBackend {
	case BackendDynamoDB:
		if c.LedgerTable == "" {
			return fmt.Errorf("LEDGER_TABLE must be set for the dynamodb backend")
		}
		if c.AWSRegion == "" {
			return fmt.Errorf("AWS_REGION must be set for the dynamodb backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN must be set for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}

	if c.QueueURL != "" && c.AWSRegion == "" {
		return fmt.Errorf("AWS_REGION must be set when QUEUE_URL is set")
	}
	if len(c.KafkaBrokers) > 0 && c.LedgerBackend == BackendDynamoDB && c.OutboxTable == "" {
		return fmt.Errorf("OUTBOX_TABLE must be set when KAFKA_BROKERS is set with the dynamodb backend")
	}
	if c.AmountReviewThreshold.GreaterThan(c.AmountDenyThreshold) {
		return fmt.Errorf("AMOUNT_REVIEW_THRESHOLD must not exceed AMOUNT_DENY_THRESHOLD")
	}
	return nil
}

// ConsumerEnabled reports whether the queue path is configured.
func (c Config) ConsumerEnabled() bool {
	return c.QueueURL != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func envDecimal(key, fallback string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
