package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models"
)

// ClaimResult is the outcome of an idempotency claim. When Claimed is true
// the caller owns processing for this key and Record is the freshly created
// RECEIVED record; otherwise Record is the existing record for the key.
type ClaimResult struct {
	Claimed bool
	Record  *models.TransactionRecord
}

// Guard is the single decision point for "have we seen this key before".
// It claims new keys atomically through the store's CreateIfAbsent, which is
// what makes duplicate submissions across processes safe: exactly one caller
// ever gets Claimed for a given key.
type Guard struct {
	store interfaces.LedgerStore
	now   func() time.Time
}

// NewGuard creates a Guard over the given store.
func NewGuard(store interfaces.LedgerStore) *Guard {
	return &Guard{store: store, now: time.Now}
}

// Claim attempts to claim the request's idempotency key. Losing the creation
// race is not an error; the existing record is fetched and returned so the
// caller can serve the recorded outcome.
func (g *Guard) Claim(ctx context.Context, req models.TransactionRequest) (ClaimResult, error) {
	rec := models.NewRecord(req, g.now().UTC())

	err := g.store.CreateIfAbsent(ctx, rec)
	if err == nil {
		return ClaimResult{Claimed: true, Record: rec}, nil
	}
	if !errors.Is(err, interfaces.ErrAlreadyExists) {
		return ClaimResult{}, fmt.Errorf("claiming key %q: %w", req.IdempotencyKey, err)
	}

	existing, err := g.store.GetByKey(ctx, req.IdempotencyKey)
	if err != nil {
		// The key exists but the read failed; surface as-is so transient
		// errors stay retryable.
		return ClaimResult{}, fmt.Errorf("reading claimed key %q: %w", req.IdempotencyKey, err)
	}
	return ClaimResult{Claimed: false, Record: existing}, nil
}
