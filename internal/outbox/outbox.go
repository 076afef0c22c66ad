package outbox

import (
	"context"
	"time"
)

// Status is the delivery state of an outbox entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	// StatusFailed: delivery attempts exhausted; the entry is kept for
	// inspection and manual redrive, never retried automatically.
	StatusFailed Status = "FAILED"
)

// Entry is one durable event awaiting delivery to the stream. Entries are
// keyed on the transaction's idempotency key, so a re-run of the domain
// effect collapses onto the existing entry instead of emitting twice.
type Entry struct {
	OutboxID      string
	EventID       string
	Payload       []byte
	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists outbox entries next to the ledger records, in the same
// backend, so an event written at decision time survives a crash before
// delivery.
type Store interface {
	// Append persists a new PENDING entry, returning ErrAlreadyExists when
	// the outbox id is already taken.
	Append(ctx context.Context, entry *Entry) error

	// ListPending returns PENDING entries whose next attempt is due at or
	// before now, oldest first, up to limit.
	ListPending(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	// MarkPublished moves an entry to PUBLISHED, or ErrNotFound.
	MarkPublished(ctx context.Context, outboxID string, now time.Time) error

	// MarkFailed records a failed delivery attempt: attempts is incremented,
	// the next attempt is scheduled, and dead moves the entry to FAILED.
	MarkFailed(ctx context.Context, outboxID, lastError string, nextAttemptAt time.Time, dead bool) error
}
