package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models"
	"github.com/fintech/transaction-core/internal/models/events"
	"github.com/fintech/transaction-core/internal/rules"
)

// Outcome classifies the result of processing one request.
type Outcome string

const (
	// OutcomeCompleted: this call ran the domain effect and completed the record.
	OutcomeCompleted Outcome = "COMPLETED"
	// OutcomeFailed: the record reached FAILED, either now or on a prior attempt.
	OutcomeFailed Outcome = "FAILED"
	// OutcomeDuplicate: the key was already recorded with a terminal outcome;
	// no domain effect ran.
	OutcomeDuplicate Outcome = "DUPLICATE"
	// OutcomeAlreadyInFlight: another worker holds a fresh claim on the key;
	// the caller should retry later.
	OutcomeAlreadyInFlight Outcome = "ALREADY_IN_FLIGHT"
)

// Result pairs the outcome with the authoritative record. Record is nil only
// for OutcomeAlreadyInFlight when the in-flight record could not be re-read.
type Result struct {
	Outcome Outcome
	Record  *models.TransactionRecord
}

// ErrRetryExhausted marks a FAILED record whose attempt count has reached the
// configured cap; further retries are refused without running the effect.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// FailureReasonAttemptsExhausted is recorded when a stuck record is finalized
// because it hit the attempt cap.
const FailureReasonAttemptsExhausted = "processing attempt limit exceeded"

// ProcessorConfig bounds the processor's retry behavior.
type ProcessorConfig struct {
	// MaxAttempts caps the record's attempt counter. Once a FAILED record
	// reaches it, the record is terminal.
	MaxAttempts int
	// StaleClaimAfter is how long a PROCESSING record may sit untouched
	// before a redelivery is allowed to take the claim over. It should not
	// be shorter than the queue visibility timeout.
	StaleClaimAfter time.Duration
	// RetryInitialInterval seeds the in-line exponential backoff used on
	// transient store errors.
	RetryInitialInterval time.Duration
	// RetryMaxElapsed bounds the total in-line retry time; after that the
	// error surfaces retryable and redelivery takes over.
	RetryMaxElapsed time.Duration
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 30 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 5 * time.Second
	}
	return c
}

// Processor is the single authority for transaction state transitions and the
// single writer to the ledger store. Both ingestion paths (HTTP and queue)
// drive it; the store's conditional writes are the only synchronization, so
// multiple service instances can run this concurrently.
type Processor struct {
	guard     *Guard
	store     interfaces.LedgerStore
	engine    rules.Evaluator
	publisher interfaces.EventPublisher
	logger    *zap.Logger
	cfg       ProcessorConfig
	now       func() time.Time
}

// NewProcessor wires the processor. publisher may be nil to disable events.
func NewProcessor(
	store interfaces.LedgerStore,
	engine rules.Evaluator,
	publisher interfaces.EventPublisher,
	logger *zap.Logger,
	cfg ProcessorConfig,
) *Processor {
	return &Processor{
		guard:     NewGuard(store),
		store:     store,
		engine:    engine,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Process runs claim -> validate -> transition -> effect -> terminal write for
// one request. Errors are either validation failures (models.ErrInvalidRequest)
// or transient backend failures (interfaces.Retryable); everything else is
// expressed as a Result.
func (p *Processor) Process(ctx context.Context, req models.TransactionRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = p.now().UTC()
	}

	claim, err := p.guard.Claim(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if claim.Claimed {
		return p.attempt(ctx, claim.Record)
	}
	return p.resolveExisting(ctx, claim.Record)
}

// Retry is the explicit operator path re-driving a FAILED record back into
// PROCESSING. It refuses terminal-by-cap records and anything not FAILED.
func (p *Processor) Retry(ctx context.Context, key string) (Result, error) {
	rec, err := p.store.GetByKey(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if rec.Status != models.StatusFailed {
		return Result{}, fmt.Errorf("%w: only FAILED records can be retried, key %q is %s",
			models.ErrInvalidRequest, key, rec.Status)
	}
	if rec.Attempt >= p.cfg.MaxAttempts {
		return Result{Outcome: OutcomeFailed, Record: rec}, ErrRetryExhausted
	}
	return p.attempt(ctx, rec)
}

// resolveExisting decides what to do with a key that was already claimed.
func (p *Processor) resolveExisting(ctx context.Context, rec *models.TransactionRecord) (Result, error) {
	switch rec.Status {
	case models.StatusCompleted:
		return Result{Outcome: OutcomeDuplicate, Record: rec}, nil
	case models.StatusFailed:
		// Terminal failure; automatic redelivery never re-runs the effect.
		return Result{Outcome: OutcomeDuplicate, Record: rec}, nil
	case models.StatusReceived:
		// Claimed but never started (a prior owner crashed between claim and
		// transition). Safe to take over.
		return p.attempt(ctx, rec)
	case models.StatusProcessing:
		if p.now().UTC().Sub(rec.UpdatedAt) >= p.cfg.StaleClaimAfter {
			p.logger.Info("taking over stale claim",
				zap.String("idempotency_key", rec.IdempotencyKey),
				zap.Int("attempt", rec.Attempt),
				zap.Time("last_update", rec.UpdatedAt))
			return p.attempt(ctx, rec)
		}
		return Result{Outcome: OutcomeAlreadyInFlight, Record: rec}, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown status %q", interfaces.ErrInvalidRecord, rec.Status)
	}
}

// attempt advances the record into PROCESSING under a version check and runs
// the domain effect. Exactly one concurrent caller wins the advance; losers
// observe a version conflict and report the key as in flight.
func (p *Processor) attempt(ctx context.Context, rec *models.TransactionRecord) (Result, error) {
	if rec.Attempt >= p.cfg.MaxAttempts {
		return p.finalizeExhausted(ctx, rec)
	}

	advanced, err := p.casWithRetry(ctx, rec.IdempotencyKey, rec.Attempt, models.RecordUpdate{
		Status:    models.StatusProcessing,
		Attempt:   rec.Attempt + 1,
		UpdatedAt: p.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			return p.afterLostRace(ctx, rec.IdempotencyKey)
		}
		return Result{}, fmt.Errorf("advancing key %q to PROCESSING: %w", rec.IdempotencyKey, err)
	}

	return p.execute(ctx, advanced)
}

// execute runs the domain effect and writes the terminal state. A transient
// failure on the terminal write leaves the record PROCESSING for a later
// redelivery to resume; it is never converted into a permanent failure.
func (p *Processor) execute(ctx context.Context, rec *models.TransactionRecord) (Result, error) {
	decision := p.engine.Evaluate(&rec.Request)

	update := models.RecordUpdate{
		Attempt:   rec.Attempt,
		Decision:  decision.Decision,
		RiskScore: decision.RiskScore,
		UpdatedAt: p.now().UTC(),
	}
	if decision.Decision == models.DecisionReject {
		update.Status = models.StatusFailed
		update.FailureReason = decision.Reason
	} else {
		update.Status = models.StatusCompleted
	}

	final, err := p.casWithRetry(ctx, rec.IdempotencyKey, rec.Attempt, update)
	if err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			return p.afterLostRace(ctx, rec.IdempotencyKey)
		}
		p.logger.Warn("terminal write failed, record stays PROCESSING",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.Int("attempt", rec.Attempt),
			zap.Error(err))
		return Result{}, fmt.Errorf("finalizing key %q: %w", rec.IdempotencyKey, err)
	}

	if final.Status == models.StatusCompleted {
		p.publishCompleted(ctx, final)
		return Result{Outcome: OutcomeCompleted, Record: final}, nil
	}
	return Result{Outcome: OutcomeFailed, Record: final}, nil
}

// finalizeExhausted turns a non-terminal record that hit the attempt cap into
// a terminal FAILED record without running the effect again.
func (p *Processor) finalizeExhausted(ctx context.Context, rec *models.TransactionRecord) (Result, error) {
	if rec.Terminal() {
		return Result{Outcome: OutcomeDuplicate, Record: rec}, nil
	}

	final, err := p.casWithRetry(ctx, rec.IdempotencyKey, rec.Attempt, models.RecordUpdate{
		Status:        models.StatusFailed,
		Attempt:       rec.Attempt,
		Decision:      rec.Decision,
		RiskScore:     rec.RiskScore,
		FailureReason: FailureReasonAttemptsExhausted,
		UpdatedAt:     p.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrVersionConflict) {
			return p.afterLostRace(ctx, rec.IdempotencyKey)
		}
		return Result{}, fmt.Errorf("finalizing exhausted key %q: %w", rec.IdempotencyKey, err)
	}
	return Result{Outcome: OutcomeFailed, Record: final}, nil
}

// afterLostRace re-reads the record after a version conflict. A conflict means
// another worker advanced the record; the winning state decides the outcome.
func (p *Processor) afterLostRace(ctx context.Context, key string) (Result, error) {
	rec, err := p.store.GetByKey(ctx, key)
	if err != nil {
		if interfaces.Retryable(err) {
			return Result{}, err
		}
		return Result{Outcome: OutcomeAlreadyInFlight}, nil
	}
	if rec.Terminal() {
		return Result{Outcome: OutcomeDuplicate, Record: rec}, nil
	}
	return Result{Outcome: OutcomeAlreadyInFlight, Record: rec}, nil
}

// casWithRetry performs a version-checked update, retrying transient store
// errors with exponential backoff within the configured bound. Conflicts and
// other permanent errors return immediately.
func (p *Processor) casWithRetry(ctx context.Context, key string, expectedAttempt int, update models.RecordUpdate) (*models.TransactionRecord, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInitialInterval
	bo.MaxElapsedTime = p.cfg.RetryMaxElapsed

	var rec *models.TransactionRecord
	operation := func() error {
		var err error
		rec, err = p.store.UpdateWithVersionCheck(ctx, key, expectedAttempt, update)
		if err != nil && !interfaces.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *Processor) publishCompleted(ctx context.Context, rec *models.TransactionRecord) {
	if p.publisher == nil {
		return
	}

	event := events.TransactionCompleted{
		EventID:        uuid.NewString(),
		IdempotencyKey: rec.IdempotencyKey,
		PayerAccount:   rec.Request.PayerAccount,
		PayeeAccount:   rec.Request.PayeeAccount,
		Amount:         rec.Request.Amount(),
		Currency:       rec.Request.Currency,
		Decision:       string(rec.Decision),
		RiskScore:      rec.RiskScore,
		OccurredAt:     rec.UpdatedAt,
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		// In production the publisher is an outbox writer, so a failure here
		// means the durable enqueue itself failed. The record is already
		// terminal and the event can be reconstructed from it.
		p.logger.Warn("publishing completion event failed",
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.Error(err))
	}
}
