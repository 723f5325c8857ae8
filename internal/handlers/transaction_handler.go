package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type TransactionHandler struct {
	orchestrator Orchestrator
}

func NewTransactionHandler(orchestrator Orchestrator) *TransactionHandler {
	return &TransactionHandler{orchestrator: orchestrator}
}

func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	rec, err := h.orchestrator.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type refundRequest struct {
	Amount *int64 `json:"amount"`
}

func (h *TransactionHandler) Refund(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	rec, err := h.orchestrator.Refund(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
