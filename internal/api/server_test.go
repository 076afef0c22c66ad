package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fintech/transaction-core/internal/ledger"
	"github.com/fintech/transaction-core/internal/models"
	"github.com/fintech/transaction-core/internal/rules"
	"github.com/fintech/transaction-core/internal/storage/memory"
)

func newTestRouter(t *testing.T) (*gin.Engine, *memory.MemoryLedgerStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewMemoryLedgerStore()
	processor := ledger.NewProcessor(
		store,
		rules.NewEngine(decimal.NewFromInt(10000), decimal.NewFromInt(5000)),
		nil,
		zap.NewNop(),
		ledger.ProcessorConfig{
			MaxAttempts:          3,
			RetryInitialInterval: time.Millisecond,
			RetryMaxElapsed:      10 * time.Millisecond,
		},
	)
	server := NewServer(processor, store, zap.NewNop(), time.Second)
	return server.Router(), store
}

func submitBody(key string, amountMinor int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"idempotency_key": key,
		"amount_minor":    amountMinor,
		"currency":        "USD",
		"payer_account":   "acct-9",
		"payee_account":   "acct-1",
	})
	return body
}

func doJSON(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitTransaction(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/transactions", submitBody("tx-1", 1000))
	require.Equal(t, http.StatusCreated, w.Code)

	var rec models.TransactionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "tx-1", rec.IdempotencyKey)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
}

func TestSubmitDuplicateReturnsRecordedOutcome(t *testing.T) {
	router, _ := newTestRouter(t)

	first := doJSON(router, http.MethodPost, "/v1/transactions", submitBody("tx-1", 1000))
	require.Equal(t, http.StatusCreated, first.Code)

	second := doJSON(router, http.MethodPost, "/v1/transactions", submitBody("tx-1", 1000))
	require.Equal(t, http.StatusOK, second.Code, "duplicate submission is not an error")

	var rec models.TransactionRecord
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
}

func TestSubmitRejectedTransaction(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/transactions", submitBody("tx-big", 25000_00))
	require.Equal(t, http.StatusOK, w.Code)

	var rec models.TransactionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, models.DecisionReject, rec.Decision)
	assert.NotEmpty(t, rec.FailureReason)
}

func TestSubmitInvalidRequest(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body []byte
	}{
		{"missing idempotency key", submitBody("", 1000)},
		{"zero amount", submitBody("tx-1", 0)},
		{"not json", []byte("nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/v1/transactions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSubmitKeyFromHeader(t *testing.T) {
	router, store := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/transactions", bytes.NewReader(submitBody("", 1000)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "tx-header")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	rec, err := store.GetByKey(req.Context(), "tx-header")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestSubmitInFlightConflicts(t *testing.T) {
	router, store := newTestRouter(t)

	inFlight := models.NewRecord(models.TransactionRequest{
		IdempotencyKey: "tx-1",
		AmountMinor:    1000,
		Currency:       "USD",
		PayerAccount:   "acct-9",
		PayeeAccount:   "acct-1",
	}, time.Now().UTC())
	inFlight.Status = models.StatusProcessing
	inFlight.Attempt = 1
	require.NoError(t, store.CreateIfAbsent(context.Background(), inFlight))

	w := doJSON(router, http.MethodPost, "/v1/transactions", submitBody("tx-1", 1000))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestGetTransaction(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(router, http.MethodPost, "/v1/transactions", submitBody("tx-1", 1000))

	w := doJSON(router, http.MethodGet, "/v1/transactions/tx-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rec models.TransactionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "tx-1", rec.IdempotencyKey)

	missing := doJSON(router, http.MethodGet, "/v1/transactions/nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestRetryTransaction(t *testing.T) {
	router, store := newTestRouter(t)

	// A FAILED record below the cap can be retried; the policy still rejects
	// the amount so it fails again with a fresh attempt.
	failed := models.NewRecord(models.TransactionRequest{
		IdempotencyKey: "tx-1",
		AmountMinor:    25000_00,
		Currency:       "USD",
		PayerAccount:   "acct-9",
		PayeeAccount:   "acct-1",
	}, time.Now().UTC())
	failed.Status = models.StatusFailed
	failed.Attempt = 1
	failed.FailureReason = "amount exceeds hard limit"
	require.NoError(t, store.CreateIfAbsent(context.Background(), failed))

	w := doJSON(router, http.MethodPost, "/v1/transactions/tx-1/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var rec models.TransactionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestRetryRejectsNonFailed(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(router, http.MethodPost, "/v1/transactions", submitBody("tx-1", 1000))

	w := doJSON(router, http.MethodPost, "/v1/transactions/tx-1/retry", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	missing := doJSON(router, http.MethodPost, "/v1/transactions/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestRetryExhaustedConflicts(t *testing.T) {
	router, store := newTestRouter(t)

	failed := models.NewRecord(models.TransactionRequest{
		IdempotencyKey: "tx-1",
		AmountMinor:    25000_00,
		Currency:       "USD",
		PayerAccount:   "acct-9",
		PayeeAccount:   "acct-1",
	}, time.Now().UTC())
	failed.Status = models.StatusFailed
	failed.Attempt = 3
	require.NoError(t, store.CreateIfAbsent(context.Background(), failed))

	w := doJSON(router, http.MethodPost, "/v1/transactions/tx-1/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
