package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/handlers"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

func NewRouter(orchestrator handlers.Orchestrator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": telemetry.ServiceName})
	})

	charges := handlers.NewChargeHandler(orchestrator)
	r.POST("/charges", charges.Charge)

	transactions := handlers.NewTransactionHandler(orchestrator)
	r.GET("/transactions/:id", transactions.GetTransaction)
	r.POST("/transactions/:id/refund", transactions.Refund)

	webhooks := handlers.NewWebhookHandler(orchestrator)
	r.POST("/webhooks/:processor", webhooks.Receive)

	credentials := handlers.NewCredentialHandler(orchestrator)
	r.PUT("/processors/:processor/credentials/:mode", credentials.Save)

	readers := handlers.NewReaderHandler(orchestrator)
	r.GET("/reader", readers.Status)
	r.POST("/reader/connect", readers.Connect)
	r.DELETE("/reader/discovery", readers.CancelDiscovery)
	r.DELETE("/reader", readers.Disconnect)

	return r
}
