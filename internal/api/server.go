package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/ledger"
	"github.com/fintech/transaction-core/internal/models"
)

// Server is the synchronous ingestion surface. It is stateless: every side
// effect lives in the processor, so callers can retry any request with the
// same idempotency key and always receive the one authoritative record.
type Server struct {
	processor   *ledger.Processor
	store       interfaces.LedgerStore
	logger      *zap.Logger
	syncTimeout time.Duration
}

// NewServer wires the HTTP layer.
func NewServer(processor *ledger.Processor, store interfaces.LedgerStore, logger *zap.Logger, syncTimeout time.Duration) *Server {
	if syncTimeout <= 0 {
		syncTimeout = 10 * time.Second
	}
	return &Server{
		processor:   processor,
		store:       store,
		logger:      logger,
		syncTimeout: syncTimeout,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/transactions", s.submitTransaction)
	v1.GET("/transactions/:key", s.getTransaction)
	v1.POST("/transactions/:key/retry", s.retryTransaction)

	return r
}

func (s *Server) submitTransaction(c *gin.Context) {
	var req models.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.syncTimeout)
	defer cancel()

	result, err := s.processor.Process(ctx, req)
	if err != nil {
		s.writeProcessError(c, req.IdempotencyKey, err)
		return
	}

	switch result.Outcome {
	case ledger.OutcomeCompleted:
		c.JSON(http.StatusCreated, result.Record)
	case ledger.OutcomeAlreadyInFlight:
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{
			"error": "transaction is being processed, retry with the same idempotency key",
		})
	default:
		// Duplicate or terminal FAILED: the recorded outcome is the answer.
		c.JSON(http.StatusOK, result.Record)
	}
}

func (s *Server) getTransaction(c *gin.Context) {
	key := c.Param("key")

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.syncTimeout)
	defer cancel()

	rec, err := s.store.GetByKey(ctx, key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rec)
	case errors.Is(err, interfaces.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
	case interfaces.Retryable(err):
		s.logger.Warn("status read failed", zap.String("idempotency_key", key), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger temporarily unavailable"})
	default:
		s.logger.Error("status read failed", zap.String("idempotency_key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// retryTransaction is the explicit operator path re-driving a FAILED record.
func (s *Server) retryTransaction(c *gin.Context) {
	key := c.Param("key")

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.syncTimeout)
	defer cancel()

	result, err := s.processor.Retry(ctx, key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result.Record)
	case errors.Is(err, ledger.ErrRetryExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "retry attempts exhausted", "record": result.Record})
	case errors.Is(err, models.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, interfaces.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
	default:
		s.writeProcessError(c, key, err)
	}
}

func (s *Server) writeProcessError(c *gin.Context, key string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case interfaces.Retryable(err), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("transient failure on submit", zap.String("idempotency_key", key), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "temporarily unavailable, retry with the same idempotency key",
		})
	default:
		s.logger.Error("submit failed", zap.String("idempotency_key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
