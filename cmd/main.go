package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/config"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

const serviceName = "terminal-orchestrator"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Card-present payment orchestration with a card reader",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := telemetry.InitTelemetry(serviceName, cfg.JaegerEndpoint); err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = telemetry.Shutdown(context.Background())
		},
	}

	root.PersistentFlags().StringVar(&cfg.DatabaseDriver, "db-driver", cfg.DatabaseDriver, "database driver (sqlite3 or postgres)")
	root.PersistentFlags().StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "database connection string")
	root.PersistentFlags().StringVar(&cfg.ProcessorMode, "mode", cfg.ProcessorMode, "processor credential mode (test or live)")

	root.AddCommand(
		newServeCmd(cfg),
		newChargeCmd(cfg),
		newCredentialsCmd(cfg),
		newTransactionCmd(cfg),
	)
	return root
}
