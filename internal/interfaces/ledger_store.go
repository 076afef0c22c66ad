package interfaces

import (
	"context"
	"errors"

	"github.com/fintech/transaction-core/internal/models"
)

// Store error taxonomy. Backends map their driver errors onto these
// sentinels; everything above the storage layer classifies with errors.Is.
var (
	// ErrNotFound: no record exists for the key.
	ErrNotFound = errors.New("transaction record not found")
	// ErrAlreadyExists: CreateIfAbsent lost the race; the key is claimed.
	ErrAlreadyExists = errors.New("transaction record already exists")
	// ErrVersionConflict: a concurrent writer advanced the record first.
	ErrVersionConflict = errors.New("transaction record version conflict")
	// ErrUnavailable: transient backend outage; safe to retry.
	ErrUnavailable = errors.New("ledger store unavailable")
	// ErrThrottled: backend throttling; retry with backoff.
	ErrThrottled = errors.New("ledger store throttled")
	// ErrInvalidRecord: the record cannot be persisted as given; not retryable.
	ErrInvalidRecord = errors.New("invalid transaction record")
)

// Retryable reports whether a store error is transient and worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrThrottled)
}

// LedgerStore is the durable, conditionally-written record store. Conditional
// writes are the only synchronization primitive in the system: concurrent
// processors racing on one key must see exactly one CreateIfAbsent or
// UpdateWithVersionCheck succeed. Implementations must provide read-after-write
// consistency on the idempotency key.
type LedgerStore interface {
	// GetByKey returns the record for the key, or ErrNotFound.
	GetByKey(ctx context.Context, key string) (*models.TransactionRecord, error)

	// CreateIfAbsent persists the record only if no record exists for its
	// key, returning ErrAlreadyExists otherwise.
	CreateIfAbsent(ctx context.Context, rec *models.TransactionRecord) error

	// UpdateWithVersionCheck applies the update only while the stored record
	// still carries expectedAttempt, returning the updated record. A record
	// already in a terminal COMPLETED state must never be modified;
	// implementations reject such writes with ErrVersionConflict.
	UpdateWithVersionCheck(ctx context.Context, key string, expectedAttempt int, update models.RecordUpdate) (*models.TransactionRecord, error)
}
