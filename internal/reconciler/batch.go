package reconciler

import (
	"context"
	"time"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/models"
	"invoice-reconciliation-engine/internal/numeric"
	"invoice-reconciliation-engine/internal/store"
)

// BatchResult counts what a full state recomputation touched.
type BatchResult struct {
	InvoicesScanned     int `json:"invoices_scanned"`
	InvoicesUpdated     int `json:"invoices_updated"`
	TransactionsScanned int `json:"transactions_scanned"`
	TransactionsUpdated int `json:"transactions_updated"`
	Errors              int `json:"errors"`
}

// BatchProcessor recomputes every invoice and transaction state from the
// aggregated link sums. After an import or a bulk undo this converges the
// whole ledger with three reads and one batched write instead of a query per
// row. Running it on a consistent ledger is a no-op.
type BatchProcessor struct {
	store *store.Store
	log   logger.Logger
}

// NewBatchProcessor builds a batch state processor.
func NewBatchProcessor(st *store.Store, log logger.Logger) *BatchProcessor {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &BatchProcessor{store: st, log: log.WithComponent("batch")}
}

// RecomputeAll reclassifies every row and writes back only those whose
// computed state differs from the stored one. Per-row classification errors
// are counted and skipped; the rest of the batch proceeds.
func (p *BatchProcessor) RecomputeAll(ctx context.Context) (*BatchResult, error) {
	result := &BatchResult{}

	invoiceSums, err := p.store.LinkSumsByInvoice(ctx)
	if err != nil {
		return nil, err
	}
	transactionSums, err := p.store.LinkSumsByTransaction(ctx)
	if err != nil {
		return nil, err
	}

	invoiceRows, err := p.store.InvoiceStates(ctx)
	if err != nil {
		return nil, err
	}
	transactionRows, err := p.store.TransactionStates(ctx)
	if err != nil {
		return nil, err
	}

	today := time.Now()
	var invoiceUpdates []store.InvoiceStateUpdate
	for _, row := range invoiceRows {
		result.InvoicesScanned++
		linked := invoiceSums[row.ID]

		var dueDate *time.Time
		if row.DueDate.Valid && row.DueDate.String != "" {
			if d, ok := numeric.ParseDate(row.DueDate.String); ok {
				dueDate = &d
			} else {
				result.Errors++
				continue
			}
		}
		status := models.ComputePaymentStatus(row.TotalAmount, linked, dueDate, today)
		if string(status) == row.PaymentStatus && linked.Equal(row.PaidAmount) {
			continue
		}
		invoiceUpdates = append(invoiceUpdates, store.InvoiceStateUpdate{
			ID:     row.ID,
			Paid:   linked,
			Status: status,
		})
	}

	var transactionUpdates []store.TransactionStateUpdate
	for _, row := range transactionRows {
		result.TransactionsScanned++
		linked := transactionSums[row.ID]

		current := models.ReconciliationStatus(row.ReconciliationStatus)
		status := models.ComputeReconciliationStatus(row.Amount, linked, current)
		if status == current && linked.Equal(row.ReconciledAmount) {
			continue
		}
		transactionUpdates = append(transactionUpdates, store.TransactionStateUpdate{
			ID:         row.ID,
			Reconciled: linked,
			Status:     status,
		})
	}

	if err := p.store.ApplyStateUpdates(ctx, invoiceUpdates, transactionUpdates); err != nil {
		return nil, err
	}
	result.InvoicesUpdated = len(invoiceUpdates)
	result.TransactionsUpdated = len(transactionUpdates)

	p.log.WithFields(logger.Fields{
		"invoices_updated":     result.InvoicesUpdated,
		"transactions_updated": result.TransactionsUpdated,
		"errors":               result.Errors,
	}).Info("batch state recomputation complete")
	return result, nil
}
