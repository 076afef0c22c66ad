package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionCompleted is emitted after a record reaches COMPLETED. Consumers
// downstream (settlement, notifications) key on the idempotency key, so a
// duplicate emission is harmless.
type TransactionCompleted struct {
	EventID        string          `json:"event_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	PayerAccount   string          `json:"payer_account"`
	PayeeAccount   string          `json:"payee_account"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Decision       string          `json:"decision"`
	RiskScore      float64         `json:"risk_score"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
