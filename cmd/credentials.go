package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/config"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

func newCredentialsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage processor credentials in the vault",
	}

	var fields map[string]string
	set := &cobra.Command{
		Use:   "set <processor>",
		Short: "Store a new active credential, e.g. set stripe -f secret_key=sk_test_...",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			mode := models.Mode(cfg.ProcessorMode)
			if err := a.vault.SaveCredential(cmd.Context(), args[0], fields, mode); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d field(s) for %s (%s)\n", len(fields), args[0], mode)
			return nil
		},
	}
	set.Flags().StringToStringVarP(&fields, "field", "f", nil, "credential field as name=value, repeatable")
	_ = set.MarkFlagRequired("field")

	list := &cobra.Command{
		Use:   "list",
		Short: "List processors with an active credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			names, err := a.vault.Processors(cmd.Context(), models.Mode(cfg.ProcessorMode))
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}
