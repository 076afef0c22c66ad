package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fintech/transaction-core/internal/ledger"
	"github.com/fintech/transaction-core/internal/models"
	"github.com/fintech/transaction-core/internal/models/events"
	"github.com/fintech/transaction-core/internal/outbox"
	"github.com/fintech/transaction-core/internal/rules"
	"github.com/fintech/transaction-core/internal/storage/memory"
)

type sinkMessage struct {
	key     string
	payload []byte
}

// recordingSink counts every delivery attempt and records successful ones.
type recordingSink struct {
	mu       sync.Mutex
	fail     bool
	calls    int
	messages []sinkMessage
}

func (s *recordingSink) PublishMessage(ctx context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("broker unavailable")
	}
	s.messages = append(s.messages, sinkMessage{key: key, payload: payload})
	return nil
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingSink) publishedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		keys = append(keys, m.key)
	}
	return keys
}

func completedEvent(key string) events.TransactionCompleted {
	return events.TransactionCompleted{
		EventID:        "evt-" + key,
		IdempotencyKey: key,
		PayerAccount:   "acct-9",
		PayeeAccount:   "acct-1",
		Amount:         decimal.RequireFromString("10.00"),
		Currency:       "USD",
		Decision:       string(models.DecisionApprove),
		RiskScore:      0.1,
		OccurredAt:     time.Now().UTC(),
	}
}

func relayConfig() outbox.RelayConfig {
	return outbox.RelayConfig{
		PollInterval:   time.Millisecond,
		BatchSize:      10,
		MaxAttempts:    2,
		PublishBackoff: time.Nanosecond,
	}
}

func TestWriterPersistsPendingEntry(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryOutboxStore()
	writer := outbox.NewWriter(store, zap.NewNop())

	require.NoError(t, writer.Publish(ctx, completedEvent("tx-1")))

	entries, err := store.ListPending(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "tx-1", entry.OutboxID)
	assert.Equal(t, "evt-tx-1", entry.EventID)
	assert.Equal(t, outbox.StatusPending, entry.Status)
	assert.Equal(t, 0, entry.Attempts)

	var decoded events.TransactionCompleted
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, "tx-1", decoded.IdempotencyKey)
	assert.Equal(t, string(models.DecisionApprove), decoded.Decision)
}

func TestWriterCollapsesDuplicateEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryOutboxStore()
	writer := outbox.NewWriter(store, zap.NewNop())

	require.NoError(t, writer.Publish(ctx, completedEvent("tx-1")))

	// A re-run of the effect enqueues the same transaction again; the
	// existing entry wins and the second publish is not an error.
	require.NoError(t, writer.Publish(ctx, completedEvent("tx-1")))

	entries, err := store.ListPending(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRelayDeliversPendingEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewMemoryOutboxStore()
	writer := outbox.NewWriter(store, zap.NewNop())
	require.NoError(t, writer.Publish(ctx, completedEvent("tx-1")))
	require.NoError(t, writer.Publish(ctx, completedEvent("tx-2")))

	sink := &recordingSink{}
	relay := outbox.NewRelay(store, sink, zap.NewNop(), relayConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(sink.publishedKeys()) == 2
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.ElementsMatch(t, []string{"tx-1", "tx-2"}, sink.publishedKeys())

	// Everything is PUBLISHED; nothing is due anymore.
	entries, err := store.ListPending(context.Background(), time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRelayRetriesUntilDead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.NewMemoryOutboxStore()
	writer := outbox.NewWriter(store, zap.NewNop())
	require.NoError(t, writer.Publish(ctx, completedEvent("tx-1")))

	sink := &recordingSink{fail: true}
	relay := outbox.NewRelay(store, sink, zap.NewNop(), relayConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return sink.callCount() >= 2
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	// The attempt cap moved the entry to FAILED; it is never retried again.
	assert.Equal(t, 2, sink.callCount())
	entries, err := store.ListPending(context.Background(), time.Now().UTC().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessorEnqueuesCompletionThroughOutbox(t *testing.T) {
	ctx := context.Background()
	ledgerStore := memory.NewMemoryLedgerStore()
	outboxStore := memory.NewMemoryOutboxStore()
	writer := outbox.NewWriter(outboxStore, zap.NewNop())

	processor := ledger.NewProcessor(
		ledgerStore,
		rules.NewEngine(decimal.NewFromInt(10000), decimal.NewFromInt(5000)),
		writer,
		zap.NewNop(),
		ledger.ProcessorConfig{
			RetryInitialInterval: time.Millisecond,
			RetryMaxElapsed:      10 * time.Millisecond,
		},
	)

	result, err := processor.Process(ctx, models.TransactionRequest{
		IdempotencyKey: "tx-1",
		AmountMinor:    1000,
		Currency:       "USD",
		PayerAccount:   "acct-9",
		PayeeAccount:   "acct-1",
		SubmittedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeCompleted, result.Outcome)

	// The completion event is durable before any broker is involved.
	entries, err := outboxStore.ListPending(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx-1", entries[0].OutboxID)

	var event events.TransactionCompleted
	require.NoError(t, json.Unmarshal(entries[0].Payload, &event))
	assert.Equal(t, string(models.DecisionApprove), event.Decision)
	assert.NotEmpty(t, event.EventID)
}
