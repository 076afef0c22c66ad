package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, BackendMemory, cfg.LedgerBackend)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.VisibilityTimeout)
	assert.True(t, cfg.AmountDenyThreshold.Equal(decimal.NewFromInt(10000)))
	assert.True(t, cfg.AmountReviewThreshold.Equal(decimal.NewFromInt(5000)))
	assert.False(t, cfg.ConsumerEnabled())
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "transaction_outbox", cfg.OutboxTable)
	assert.Equal(t, time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 25, cfg.OutboxBatchSize)
	assert.Equal(t, 10, cfg.OutboxMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.OutboxPublishBackoff)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "DynamoDB")
	t.Setenv("LEDGER_TABLE", "txn")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("QUEUE_URL", "https://sqs.us-east-1.amazonaws.com/1/transactions")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("VISIBILITY_TIMEOUT", "45s")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("AMOUNT_DENY_THRESHOLD", "20000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendDynamoDB, cfg.LedgerBackend, "backend is case-insensitive")
	assert.Equal(t, "txn", cfg.LedgerTable)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.AmountDenyThreshold.Equal(decimal.NewFromInt(20000)))
	assert.True(t, cfg.ConsumerEnabled())
}

func TestLoadRejectsInvalidCombinations(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{
			"LEDGER_BACKEND": "mongodb",
		}},
		{"dynamodb without region", map[string]string{
			"LEDGER_BACKEND": "dynamodb",
			"LEDGER_TABLE":   "txn",
		}},
		{"postgres without dsn", map[string]string{
			"LEDGER_BACKEND": "postgres",
		}},
		{"queue without region", map[string]string{
			"QUEUE_URL": "https://sqs.test/q",
		}},
		{"review above deny", map[string]string{
			"AMOUNT_REVIEW_THRESHOLD": "20000",
			"AMOUNT_DENY_THRESHOLD":   "10000",
		}},
		{"unparseable threshold", map[string]string{
			"AMOUNT_DENY_THRESHOLD": "lots",
		}},
		{"unparseable worker count", map[string]string{
			"WORKER_COUNT": "eight",
		}},
		{"unparseable visibility timeout", map[string]string{
			"VISIBILITY_TIMEOUT": "soon",
		}},
		{"unparseable outbox batch size", map[string]string{
			"OUTBOX_BATCH_SIZE": "many",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedNumericValues(t *testing.T) {
	t.Setenv("WORKER_COUNT", "eight")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COUNT")
}
