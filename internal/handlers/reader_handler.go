package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type ReaderHandler struct {
	orchestrator Orchestrator
}

func NewReaderHandler(orchestrator Orchestrator) *ReaderHandler {
	return &ReaderHandler{orchestrator: orchestrator}
}

func (h *ReaderHandler) Status(c *gin.Context) {
	m := h.orchestrator.Readers()
	resp := gin.H{"state": m.State(), "bound": m.Bound()}
	if err := m.LastError(); err != nil {
		resp["last_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ReaderHandler) Connect(c *gin.Context) {
	term, err := h.orchestrator.Readers().Connect(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.orchestrator.Readers().State(), "reader": term.Reader()})
}

func (h *ReaderHandler) CancelDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"canceled": h.orchestrator.Readers().CancelDiscovery()})
}

func (h *ReaderHandler) Disconnect(c *gin.Context) {
	if err := h.orchestrator.Readers().Disconnect(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.orchestrator.Readers().State()})
}
