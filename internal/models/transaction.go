package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a transaction record.
// Transitions are one-directional: RECEIVED -> PROCESSING -> COMPLETED | FAILED.
// FAILED may re-enter PROCESSING only through the explicit retry path, and only
// while the record is below the configured attempt cap.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Decision is the outcome of the amount-policy evaluation recorded on a
// terminal record.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReview  Decision = "REVIEW"
	DecisionReject  Decision = "REJECT"
)

// ErrInvalidRequest is wrapped by every validation failure so callers can
// classify them without string matching.
var ErrInvalidRequest = errors.New("invalid transaction request")

// currencyExponents maps supported ISO 4217 codes to their minor-unit
// exponent. Amounts arrive as minor-unit integers; the exponent converts
// them to decimal values for policy checks and events.
var currencyExponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"CHF": 2,
	"SGD": 2,
	"JPY": 0,
	"KRW": 0,
}

// MinorUnits converts a major-unit decimal amount into the minor-unit
// integer representation for the currency. The currency must be supported.
func MinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	exp, ok := currencyExponents[currency]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported currency %q", ErrInvalidRequest, currency)
	}
	minor := amount.Shift(exp)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s has more precision than %s allows", ErrInvalidRequest, amount, currency)
	}
	return minor.IntPart(), nil
}

// TransactionRequest is a caller-submitted transaction. It is immutable once
// received and is stored verbatim on the record as the audit snapshot.
type TransactionRequest struct {
	IdempotencyKey string    `json:"idempotency_key" dynamodbav:"idempotency_key"`
	AmountMinor    int64     `json:"amount_minor" dynamodbav:"amount_minor"`
	Currency       string    `json:"currency" dynamodbav:"currency"`
	PayerAccount   string    `json:"payer_account" dynamodbav:"payer_account"`
	PayeeAccount   string    `json:"payee_account" dynamodbav:"payee_account"`
	Merchant       string    `json:"merchant,omitempty" dynamodbav:"merchant,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at" dynamodbav:"submitted_at"`
}

// Validate performs structural validation only. It never touches the store,
// so invalid requests fail before any ledger I/O.
func (r *TransactionRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	if r.AmountMinor <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if _, ok := currencyExponents[r.Currency]; !ok {
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidRequest, r.Currency)
	}
	if r.PayerAccount == "" || r.PayeeAccount == "" {
		return fmt.Errorf("%w: payer and payee accounts are required", ErrInvalidRequest)
	}
	return nil
}

// Amount returns the request amount as a decimal in major units, using the
// currency's minor-unit exponent. The request must have passed Validate,
// which guarantees a supported currency; an unknown currency falls back to
// exponent 2 rather than panicking mid-pipeline.
func (r *TransactionRequest) Amount() decimal.Decimal {
	exp, ok := currencyExponents[r.Currency]
	if !ok {
		exp = 2
	}
	return decimal.New(r.AmountMinor, -exp)
}

// TransactionRecord is the authoritative ledger entry for one logical
// transaction. At most one record exists per idempotency key; once COMPLETED
// it is never mutated again.
type TransactionRecord struct {
	IdempotencyKey string             `json:"idempotency_key" dynamodbav:"idempotency_key"`
	Status         Status             `json:"status" dynamodbav:"status"`
	Request        TransactionRequest `json:"request" dynamodbav:"request"`
	Attempt        int                `json:"attempt" dynamodbav:"attempt"`
	Decision       Decision           `json:"decision,omitempty" dynamodbav:"decision,omitempty"`
	RiskScore      float64            `json:"risk_score,omitempty" dynamodbav:"risk_score,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty" dynamodbav:"failure_reason,omitempty"`
	CreatedAt      time.Time          `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at" dynamodbav:"updated_at"`
}

// NewRecord builds the initial RECEIVED record for a freshly claimed key.
// Attempt starts at zero and is advanced by the processor, never by the guard.
func NewRecord(req TransactionRequest, now time.Time) *TransactionRecord {
	return &TransactionRecord{
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusReceived,
		Request:        req,
		Attempt:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Terminal reports whether the record has reached an end state.
func (r *TransactionRecord) Terminal() bool {
	return r.Status.Terminal()
}

// RecordUpdate carries the fields a version-checked store update may change.
// The idempotency key, request snapshot, and created-at are immutable.
type RecordUpdate struct {
	Status        Status
	Attempt       int
	Decision      Decision
	RiskScore     float64
	FailureReason string
	UpdatedAt     time.Time
}

// Apply copies the update onto the record. Used by store implementations
// after their conditional check has passed.
func (u RecordUpdate) Apply(rec *TransactionRecord) {
	rec.Status = u.Status
	rec.Attempt = u.Attempt
	rec.Decision = u.Decision
	rec.RiskScore = u.RiskScore
	rec.FailureReason = u.FailureReason
	rec.UpdatedAt = u.UpdatedAt
}
