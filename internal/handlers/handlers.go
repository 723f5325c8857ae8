package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/reader"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/service"
)

// Orchestrator is the service surface the HTTP layer needs.
type Orchestrator interface {
	ChargeAmount(ctx context.Context, amount int64, currency, correlationID string) (*models.ChargeOutcome, error)
	GetTransaction(ctx context.Context, intentID string) (*models.TransactionRecord, error)
	Refund(ctx context.Context, intentID string, amount *int64) (*models.TransactionRecord, error)
	SaveProcessorCredential(ctx context.Context, processor string, fields map[string]string, mode models.Mode) error
	OnWebhook(ctx context.Context, processor string, raw []byte, signature string) error
	Readers() *reader.Manager
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var stageErr *service.StageError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reader.ErrDiscoveryTimeout),
		errors.Is(err, reader.ErrDiscoveryCanceled),
		errors.Is(err, reader.ErrDiscoveryFailed),
		errors.Is(err, reader.ErrConnectionToken),
		errors.Is(err, reader.ErrConnectionFailure):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "stage": "reader"})
	case errors.As(err, &stageErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     err.Error(),
			"stage":     stageErr.Stage,
			"intent_id": stageErr.IntentID,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
