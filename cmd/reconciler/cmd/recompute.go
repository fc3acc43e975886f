package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	apperrors "invoice-reconciliation-engine/pkg/errors"

	"invoice-reconciliation-engine/internal/reconciler"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute every invoice and transaction state from stored links",
	Long: `Recompute reclassifies the whole ledger from the aggregated link sums
and writes back only the rows whose state changed. Running it twice in a row
is a no-op; use it after bulk imports or to converge a drifted database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		env := a.service.Recompute(ctx)
		if !env.Success {
			return apperrors.New(apperrors.Kind(env.Error.Kind), apperrors.Code(env.Error.Code), env.Error.Message)
		}
		if result, ok := env.Data.(*reconciler.BatchResult); ok {
			fmt.Printf("Recompute complete: %d/%d invoices and %d/%d transactions updated (%d errors)\n",
				result.InvoicesUpdated, result.InvoicesScanned,
				result.TransactionsUpdated, result.TransactionsScanned,
				result.Errors)
		} else {
			fmt.Printf("Recompute complete: %s\n", env.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recomputeCmd)
}
