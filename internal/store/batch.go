package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/internal/models"
)

// InvoiceStateUpdate is one recomputed invoice state to be written back.
type InvoiceStateUpdate struct {
	ID     int64
	Paid   decimal.Decimal
	Status models.PaymentStatus
}

// TransactionStateUpdate is one recomputed transaction state to be written back.
type TransactionStateUpdate struct {
	ID         int64
	Reconciled decimal.Decimal
	Status     models.ReconciliationStatus
}

// ApplyStateUpdates writes all recomputed states in one transaction. The
// batch processor only hands over rows whose computed state differs from the
// stored one, so a no-change run performs zero writes.
func (s *Store) ApplyStateUpdates(ctx context.Context, invoices []InvoiceStateUpdate, transactions []TransactionStateUpdate) error {
	if len(invoices) == 0 && len(transactions) == 0 {
		return nil
	}

	return s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		if len(invoices) > 0 {
			stmt, err := tx.PreparexContext(ctx,
				`UPDATE invoices SET paid_amount = ?, payment_status = ? WHERE id = ?`)
			if err != nil {
				return fmt.Errorf("failed to prepare invoice update: %w", err)
			}
			defer stmt.Close()

			for _, u := range invoices {
				if _, err := stmt.ExecContext(ctx, u.Paid.String(), u.Status, u.ID); err != nil {
					return fmt.Errorf("failed to update invoice %d: %w", u.ID, err)
				}
			}
		}

		if len(transactions) > 0 {
			stmt, err := tx.PreparexContext(ctx,
				`UPDATE bank_transactions SET reconciled_amount = ?, reconciliation_status = ? WHERE id = ?`)
			if err != nil {
				return fmt.Errorf("failed to prepare transaction update: %w", err)
			}
			defer stmt.Close()

			for _, u := range transactions {
				if _, err := stmt.ExecContext(ctx, u.Reconciled.String(), u.Status, u.ID); err != nil {
					return fmt.Errorf("failed to update transaction %d: %w", u.ID, err)
				}
			}
		}
		return nil
	})
}
