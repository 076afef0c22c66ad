package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models/events"
)

// Writer is the processor-facing side of the outbox. Publish persists the
// event as a PENDING entry instead of touching the stream, so the event
// survives a crash between the terminal ledger write and delivery; the Relay
// delivers it asynchronously.
type Writer struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewWriter creates a writer over the given outbox store.
func NewWriter(store Store, logger *zap.Logger) *Writer {
	return &Writer{store: store, logger: logger, now: time.Now}
}

func (w *Writer) Publish(ctx context.Context, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	now := w.now().UTC()
	entry := &Entry{
		Payload:       payload,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if completed, ok := event.(events.TransactionCompleted); ok {
		entry.OutboxID = completed.IdempotencyKey
		entry.EventID = completed.EventID
	} else {
		entry.OutboxID = uuid.NewString()
		entry.EventID = entry.OutboxID
	}

	err = w.store.Append(ctx, entry)
	if errors.Is(err, interfaces.ErrAlreadyExists) {
		// A prior run of the effect already enqueued this transaction's
		// event; one entry per transaction is the point.
		w.logger.Debug("outbox entry already exists",
			zap.String("outbox_id", entry.OutboxID))
		return nil
	}
	return err
}

func (w *Writer) Close() error { return nil }

var _ interfaces.EventPublisher = (*Writer)(nil)
