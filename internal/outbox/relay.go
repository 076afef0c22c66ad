package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink delivers one serialized event to the stream, keyed for partitioning.
type Sink interface {
	PublishMessage(ctx context.Context, key string, payload []byte) error
}

// RelayConfig bounds the relay's polling and retry behavior.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts caps delivery attempts per entry; past it the entry is
	// marked FAILED and left for manual redrive.
	MaxAttempts int
	// PublishBackoff is the base delay between attempts for one entry; the
	// actual delay grows linearly with the attempt count.
	PublishBackoff time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.PublishBackoff <= 0 {
		c.PublishBackoff = 5 * time.Second
	}
	return c
}

// Relay drains PENDING outbox entries to the sink. Delivery is at-least-once:
// a crash between publish and MarkPublished republishes the entry, and
// downstream consumers dedupe on the event id.
type Relay struct {
	store  Store
	sink   Sink
	logger *zap.Logger
	cfg    RelayConfig
	now    func() time.Time
}

// NewRelay wires a relay. Run must be called to start it.
func NewRelay(store Store, sink Sink, logger *zap.Logger, cfg RelayConfig) *Relay {
	return &Relay{
		store:  store,
		sink:   sink,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// Run polls for due entries until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain publishes one batch of due entries.
func (r *Relay) drain(ctx context.Context) {
	entries, err := r.store.ListPending(ctx, r.now().UTC(), r.cfg.BatchSize)
	if err != nil {
		r.logger.Warn("listing pending outbox entries failed", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if err := r.sink.PublishMessage(ctx, entry.OutboxID, entry.Payload); err != nil {
			r.recordFailure(ctx, entry, err)
			continue
		}
		if err := r.store.MarkPublished(ctx, entry.OutboxID, r.now().UTC()); err != nil {
			// The entry stays PENDING and will be republished; consumers
			// dedupe on the event id.
			r.logger.Warn("marking outbox entry published failed",
				zap.String("outbox_id", entry.OutboxID),
				zap.Error(err))
		}
	}
}

func (r *Relay) recordFailure(ctx context.Context, entry Entry, publishErr error) {
	attempts := entry.Attempts + 1
	dead := attempts >= r.cfg.MaxAttempts
	next := r.now().UTC().Add(time.Duration(attempts) * r.cfg.PublishBackoff)

	if dead {
		r.logger.Error("outbox entry exhausted delivery attempts",
			zap.String("outbox_id", entry.OutboxID),
			zap.String("event_id", entry.EventID),
			zap.Int("attempts", attempts),
			zap.Error(publishErr))
	} else {
		r.logger.Warn("publishing outbox entry failed",
			zap.String("outbox_id", entry.OutboxID),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(publishErr))
	}

	if err := r.store.MarkFailed(ctx, entry.OutboxID, publishErr.Error(), next, dead); err != nil {
		r.logger.Warn("recording outbox failure failed",
			zap.String("outbox_id", entry.OutboxID),
			zap.Error(err))
	}
}
