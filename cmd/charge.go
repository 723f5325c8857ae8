package main

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/config"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/money"
)

func newChargeCmd(cfg *config.Config) *cobra.Command {
	var (
		currency      string
		correlationID string
	)
	cmd := &cobra.Command{
		Use:   "charge <amount>",
		Short: "Charge an amount in major units on the reader, e.g. charge 12.50",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minor, err := money.ToMinorUnits(args[0], currency)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.orchestrator.Readers().Disconnect(context.Background())

			fmt.Fprintf(cmd.ErrOrStderr(), "Charging %s, present a card on the reader\n", money.Format(minor, currency))
			outcome, err := a.orchestrator.ChargeAmount(ctx, minor, currency, correlationID)
			if err != nil {
				return err
			}
			return printJSON(cmd, outcome)
		},
	}
	cmd.Flags().StringVar(&currency, "currency", "usd", "ISO currency code")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "caller reference stored with the transaction")
	cmd.Flags().StringVar(&cfg.ReaderDriver, "reader", cfg.ReaderDriver, "reader driver (simulated or nats)")
	return cmd
}

func newTransactionCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "transaction <intent-id>",
		Short: "Show the reconciled record for a payment intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.orchestrator.GetTransaction(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
