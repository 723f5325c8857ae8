package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/api"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/config"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the webhook consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	cmd.Flags().StringVar(&cfg.ReaderDriver, "reader", cfg.ReaderDriver, "reader driver (simulated or nats)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Logger.Info("Starting Terminal Orchestrator")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(a.orchestrator),
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start server
	g.Go(func() error {
		telemetry.Logger.Info("Terminal Orchestrator starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Consume relayed webhooks
	if cfg.KafkaBrokers != "" {
		g.Go(func() error {
			return a.orchestrator.ConsumeWebhookEvents(gctx, cfg.KafkaBrokers, cfg.WebhookTopic)
		})
	}

	// Wait for interrupt signal for graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		telemetry.Logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
		}
		if err := a.orchestrator.Readers().Disconnect(shutdownCtx); err != nil {
			telemetry.Logger.Warn("Failed to disconnect reader", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	telemetry.Logger.Info("Server exited")
	return err
}
