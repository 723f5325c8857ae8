package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/processor"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/service"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	orchestrator Orchestrator
}

func NewWebhookHandler(orchestrator Orchestrator) *WebhookHandler {
	return &WebhookHandler{orchestrator: orchestrator}
}

// Receive acknowledges with 200 once the event is reconciled, so a failed
// reconcile makes the processor redeliver.
func (h *WebhookHandler) Receive(c *gin.Context) {
	name := c.Param("processor")
	raw, err := readLimited(c, maxWebhookBody)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	err = h.orchestrator.OnWebhook(c.Request.Context(), name, raw, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, processor.ErrUnknownProcessor):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidWebhook):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		telemetry.Logger.Error("Error handling webhook", zap.String("processor", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook"})
	}
}

func readLimited(c *gin.Context, limit int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	return c.GetRawData()
}
