package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

type ChargeHandler struct {
	orchestrator Orchestrator
}

func NewChargeHandler(orchestrator Orchestrator) *ChargeHandler {
	return &ChargeHandler{orchestrator: orchestrator}
}

type chargeRequest struct {
	Amount        int64  `json:"amount" binding:"required"`
	Currency      string `json:"currency" binding:"required"`
	CorrelationID string `json:"correlation_id"`
}

func (h *ChargeHandler) Charge(c *gin.Context) {
	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	outcome, err := h.orchestrator.ChargeAmount(c.Request.Context(), req.Amount, req.Currency, req.CorrelationID)
	if err != nil {
		telemetry.Logger.Error("Error charging amount",
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err),
		)
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if outcome.FailureReason != "" {
		status = http.StatusPaymentRequired
	}
	c.JSON(status, outcome)
}
