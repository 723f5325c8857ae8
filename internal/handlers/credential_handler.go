package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

type CredentialHandler struct {
	orchestrator Orchestrator
}

func NewCredentialHandler(orchestrator Orchestrator) *CredentialHandler {
	return &CredentialHandler{orchestrator: orchestrator}
}

type credentialRequest struct {
	Fields map[string]string `json:"fields" binding:"required"`
}

// Save never echoes field values back.
func (h *CredentialHandler) Save(c *gin.Context) {
	mode := models.Mode(c.Param("mode"))
	if !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be test or live"})
		return
	}
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	processor := c.Param("processor")
	if err := h.orchestrator.SaveProcessorCredential(c.Request.Context(), processor, req.Fields, mode); err != nil {
		writeError(c, err)
		return
	}

	names := make([]string, 0, len(req.Fields))
	for name := range req.Fields {
		names = append(names, name)
	}
	c.JSON(http.StatusOK, gin.H{"processor": processor, "mode": mode, "fields": names})
}
