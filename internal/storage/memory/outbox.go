package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/outbox"
)

// MemoryOutboxStore is an in-memory outbox.Store for tests and local
// development, mirroring the memory ledger store.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	entries map[string]outbox.Entry
	order   []string
}

// NewMemoryOutboxStore creates an empty in-memory outbox store.
func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		entries: make(map[string]outbox.Entry),
	}
}

func (m *MemoryOutboxStore) Append(ctx context.Context, entry *outbox.Entry) error {
	if entry == nil || entry.OutboxID == "" {
		return interfaces.ErrInvalidRecord
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.OutboxID]; exists {
		return interfaces.ErrAlreadyExists
	}
	m.entries[entry.OutboxID] = *entry
	m.order = append(m.order, entry.OutboxID)
	return nil
}

func (m *MemoryOutboxStore) ListPending(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []outbox.Entry
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		entry := m.entries[id]
		if entry.Status == outbox.StatusPending && !entry.NextAttemptAt.After(now) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *MemoryOutboxStore) MarkPublished(ctx context.Context, outboxID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[outboxID]
	if !ok {
		return interfaces.ErrNotFound
	}
	entry.Status = outbox.StatusPublished
	entry.UpdatedAt = now
	m.entries[outboxID] = entry
	return nil
}

func (m *MemoryOutboxStore) MarkFailed(ctx context.Context, outboxID, lastError string, nextAttemptAt time.Time, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[outboxID]
	if !ok {
		return interfaces.ErrNotFound
	}
	entry.Attempts++
	entry.LastError = lastError
	entry.NextAttemptAt = nextAttemptAt
	entry.UpdatedAt = nextAttemptAt
	if dead {
		entry.Status = outbox.StatusFailed
	}
	m.entries[outboxID] = entry
	return nil
}

var _ outbox.Store = (*MemoryOutboxStore)(nil)
