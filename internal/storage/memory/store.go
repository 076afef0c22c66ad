package memory

import (
	"context"
	"sync"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models"
)

// MemoryLedgerStore is an in-memory LedgerStore used in tests and local
// development. It honors the same conditional-write contract as the durable
// backends: CreateIfAbsent and UpdateWithVersionCheck are atomic with respect
// to each other, so concurrency tests against it exercise the real races.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	records map[string]models.TransactionRecord
}

// NewMemoryLedgerStore creates an empty in-memory store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		records: make(map[string]models.TransactionRecord),
	}
}

func (m *MemoryLedgerStore) GetByKey(ctx context.Context, key string) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (m *MemoryLedgerStore) CreateIfAbsent(ctx context.Context, rec *models.TransactionRecord) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return interfaces.ErrInvalidRecord
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.IdempotencyKey]; exists {
		return interfaces.ErrAlreadyExists
	}
	m.records[rec.IdempotencyKey] = *rec
	return nil
}

func (m *MemoryLedgerStore) UpdateWithVersionCheck(ctx context.Context, key string, expectedAttempt int, update models.RecordUpdate) (*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	// A COMPLETED record is immutable regardless of the expected version.
	if rec.Status == models.StatusCompleted {
		return nil, interfaces.ErrVersionConflict
	}
	if rec.Attempt != expectedAttempt {
		return nil, interfaces.ErrVersionConflict
	}

	update.Apply(&rec)
	m.records[key] = rec
	out := rec
	return &out, nil
}

var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
