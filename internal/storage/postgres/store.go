package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models"
)

// PostgresLedgerStore is the Postgres LedgerStore backend. The request
// snapshot is stored as JSONB; the conditional-write contract is implemented
// with ON CONFLICT DO NOTHING for claims and an attempt-guarded UPDATE for
// version-checked writes.
//
// Schema:
//
//	CREATE TABLE transaction_records (
//	    idempotency_key TEXT PRIMARY KEY,
//	    status          TEXT NOT NULL,
//	    attempt         INT NOT NULL,
//	    decision        TEXT NOT NULL DEFAULT '',
//	    risk_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    failure_reason  TEXT NOT NULL DEFAULT '',
//	    request         JSONB NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX transaction_records_status_created_at
//	    ON transaction_records (status, created_at);
type PostgresLedgerStore struct {
	db *sql.DB
}

// NewPostgresLedgerStore wraps an open database handle. The handle is shared
// and pools connections internally.
func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

func (p *PostgresLedgerStore) GetByKey(ctx context.Context, key string) (*models.TransactionRecord, error) {
	const query = `
		SELECT idempotency_key, status, attempt, decision, risk_score, failure_reason, request, created_at, updated_at
		FROM transaction_records
		WHERE idempotency_key = $1`

	var rec models.TransactionRecord
	var requestJSON []byte
	err := p.db.QueryRowContext(ctx, query, key).Scan(
		&rec.IdempotencyKey,
		&rec.Status,
		&rec.Attempt,
		&rec.Decision,
		&rec.RiskScore,
		&rec.FailureReason,
		&requestJSON,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}

	if err := json.Unmarshal(requestJSON, &rec.Request); err != nil {
		return nil, fmt.Errorf("%w: decoding request snapshot: %v", interfaces.ErrInvalidRecord, err)
	}
	return &rec, nil
}

func (p *PostgresLedgerStore) CreateIfAbsent(ctx context.Context, rec *models.TransactionRecord) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return interfaces.ErrInvalidRecord
	}

	requestJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("%w: encoding request snapshot: %v", interfaces.ErrInvalidRecord, err)
	}

	const query = `
		INSERT INTO transaction_records
			(idempotency_key, status, attempt, decision, risk_score, failure_reason, request, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`

	res, err := p.db.ExecContext(ctx, query,
		rec.IdempotencyKey,
		rec.Status,
		rec.Attempt,
		rec.Decision,
		rec.RiskScore,
		rec.FailureReason,
		requestJSON,
		rec.CreatedAt,
		rec.UpdatedAt,
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

func (p *PostgresLedgerStore) UpdateWithVersionCheck(ctx context.Context, key string, expectedAttempt int, update models.RecordUpdate) (*models.TransactionRecord, error) {
	const query = `
		UPDATE transaction_records
		SET status = $3, attempt = $4, decision = $5, risk_score = $6, failure_reason = $7, updated_at = $8
		WHERE idempotency_key = $1 AND attempt = $2 AND status <> 'COMPLETED'
		RETURNING idempotency_key, status, attempt, decision, risk_score, failure_reason, request, created_at, updated_at`

	var rec models.TransactionRecord
	var requestJSON []byte
	err := p.db.QueryRowContext(ctx, query,
		key,
		expectedAttempt,
		update.Status,
		update.Attempt,
		update.Decision,
		update.RiskScore,
		update.FailureReason,
		update.UpdatedAt,
	).Scan(
		&rec.IdempotencyKey,
		&rec.Status,
		&rec.Attempt,
		&rec.Decision,
		&rec.RiskScore,
		&rec.FailureReason,
		&requestJSON,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// No row matched: either the key does not exist or a concurrent
		// writer advanced it first. Re-read to tell the two apart.
		if _, getErr := p.GetByKey(ctx, key); errors.Is(getErr, interfaces.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, interfaces.ErrVersionConflict
	}
	if err != nil {
		return nil, mapError(err)
	}

	if err := json.Unmarshal(requestJSON, &rec.Request); err != nil {
		return nil, fmt.Errorf("%w: decoding request snapshot: %v", interfaces.ErrInvalidRecord, err)
	}
	return &rec, nil
}

// mapError translates driver errors into the store taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505": // unique_violation
			return interfaces.ErrAlreadyExists
		case pqErr.Code == "53300", pqErr.Code.Class() == "53": // too_many_connections, insufficient resources
			return fmt.Errorf("%w: %v", interfaces.ErrThrottled, err)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57": // connection failures, operator intervention
			return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
		case pqErr.Code.Class() == "22", pqErr.Code.Class() == "23": // data or constraint problems
			return fmt.Errorf("%w: %v", interfaces.ErrInvalidRecord, err)
		}
	}
	return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
