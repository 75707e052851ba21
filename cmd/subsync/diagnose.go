package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/internal/app"
	"github.com/mihaimyh/subsync/pkg/billing"
)

var (
	diagnoseSubscription string
	diagnoseUser         string
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Compare a local subscription with Stripe and repair drift",
	Long: `Diagnose loads the local subscription (by Stripe subscription id or by user id),
fetches the live subscription from Stripe and corrects the local row when they differ.
The result is printed as JSON.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if diagnoseSubscription == "" && diagnoseUser == "" {
			return errors.New("one of --subscription or --user is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, app.Options{Logger: newLogger(cfg, os.Stderr)})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Reconciler.Diagnose(cmd.Context(), billing.DiagnoseQuery{
			ExternalSubscriptionID: diagnoseSubscription,
			UserID:                 diagnoseUser,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	diagnoseCmd.Flags().StringVar(&diagnoseSubscription, "subscription", "", "Stripe subscription id")
	diagnoseCmd.Flags().StringVar(&diagnoseUser, "user", "", "local user id")
}
