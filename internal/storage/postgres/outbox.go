package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/outbox"
)

// PostgresOutboxStore keeps outbox entries in their own table next to the
// ledger records.
//
// Schema:
//
//	CREATE TABLE outbox_entries (
//	    outbox_id       TEXT PRIMARY KEY,
//	    event_id        TEXT NOT NULL,
//	    payload         BYTEA NOT NULL,
//	    status          TEXT NOT NULL,
//	    attempts        INT NOT NULL DEFAULT 0,
//	    last_error      TEXT NOT NULL DEFAULT '',
//	    next_attempt_at TIMESTAMPTZ NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX outbox_entries_status_next_attempt_at
//	    ON outbox_entries (status, next_attempt_at);
type PostgresOutboxStore struct {
	db *sql.DB
}

// NewPostgresOutboxStore wraps an open database handle, typically the one
// backing the ledger store.
func NewPostgresOutboxStore(db *sql.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

func (p *PostgresOutboxStore) Append(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil || entry.OutboxID == "" {
		return interfaces.ErrInvalidRecord
	}

	const query = `
		INSERT INTO outbox_entries
			(outbox_id, event_id, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (outbox_id) DO NOTHING`

	res, err := p.db.ExecContext(ctx, query,
		entry.OutboxID,
		entry.EventID,
		entry.Payload,
		entry.Status,
		entry.Attempts,
		entry.LastError,
		entry.NextAttemptAt,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return interfaces.ErrAlreadyExists
	}
	return nil
}

func (p *PostgresOutboxStore) ListPending(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	const query = `
		SELECT outbox_id, event_id, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at
		FROM outbox_entries
		WHERE status = 'PENDING' AND next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var entry outbox.Entry
		if err := rows.Scan(
			&entry.OutboxID,
			&entry.EventID,
			&entry.Payload,
			&entry.Status,
			&entry.Attempts,
			&entry.LastError,
			&entry.NextAttemptAt,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		); err != nil {
			return nil, mapError(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return entries, nil
}

func (p *PostgresOutboxStore) MarkPublished(ctx context.Context, outboxID string, now time.Time) error {
	const query = `
		UPDATE outbox_entries
		SET status = 'PUBLISHED', updated_at = $2
		WHERE outbox_id = $1`

	res, err := p.db.ExecContext(ctx, query, outboxID, now)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (p *PostgresOutboxStore) MarkFailed(ctx context.Context, outboxID, lastError string, nextAttemptAt time.Time, dead bool) error {
	status := outbox.StatusPending
	if dead {
		status = outbox.StatusFailed
	}

	const query = `
		UPDATE outbox_entries
		SET attempts = attempts + 1, status = $2, last_error = $3, next_attempt_at = $4, updated_at = $4
		WHERE outbox_id = $1`

	res, err := p.db.ExecContext(ctx, query, outboxID, status, lastError, nextAttemptAt)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

var _ outbox.Store = (*PostgresOutboxStore)(nil)
