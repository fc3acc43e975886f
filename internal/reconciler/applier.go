// Package reconciler applies reconciliation links and keeps invoice and
// transaction states consistent with the stored link set.
package reconciler

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/models"
	"invoice-reconciliation-engine/internal/store"
)

// Applier is the single write path for reconciliation links. Every mutation
// validates, writes and recomputes state inside one IMMEDIATE transaction, so
// concurrent appliers serialize on the SQL writer and always converge on the
// stored link sums.
type Applier struct {
	store    *store.Store
	log      logger.Logger
	onLinked func(counterpartyID int64)
}

// NewApplier builds an applier. onLinked, if not nil, is invoked after any
// commit that changed links, with the counterparty of each touched invoice;
// the pattern learner hangs its invalidation there.
func NewApplier(st *store.Store, log logger.Logger, onLinked func(counterpartyID int64)) *Applier {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Applier{store: st, log: log.WithComponent("reconciler"), onLinked: onLinked}
}

// MatchRequest is one manual link application.
type MatchRequest struct {
	InvoiceID     int64           `json:"invoice_id"`
	TransactionID int64           `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// MatchResult reports the post-apply state of both sides.
type MatchResult struct {
	LinkAmount        decimal.Decimal             `json:"link_amount"`
	InvoicePaid       decimal.Decimal             `json:"invoice_paid"`
	InvoiceStatus     models.PaymentStatus        `json:"invoice_status"`
	TransactionLinked decimal.Decimal             `json:"transaction_linked"`
	TransactionStatus models.ReconciliationStatus `json:"transaction_status"`
}

// ApplyMatch links amount of a transaction to an invoice. Validation, the
// link upsert and the state recomputation of both items run under one write
// transaction; nothing mutates if any step fails.
func (a *Applier) ApplyMatch(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	var result *MatchResult
	err := a.store.WriteTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, err = a.applyMatchTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.notifyInvoices(ctx, req.InvoiceID)
	a.log.WithFields(logger.Fields{
		"invoice_id":     req.InvoiceID,
		"transaction_id": req.TransactionID,
		"amount":         req.Amount.StringFixed(2),
	}).Info("match applied")
	return result, nil
}

// checkMatch runs the apply_match pre-flight rules against loaded items.
func checkMatch(inv *models.Invoice, bankTx *models.BankTransaction, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperrors.Validation(apperrors.CodeInvalidAmount,
			"reconciliation amount must be positive, got %s", amount.String())
	}
	if bankTx.RequiredDirection() != inv.Direction {
		return apperrors.Validation(apperrors.CodeDirectionMismatch,
			"%s transaction cannot pay %s invoice %d", bankTx.RequiredDirection(), inv.Direction, inv.ID)
	}
	if inv.PaymentStatus == models.PaymentFullyPaid {
		return apperrors.Validation(apperrors.CodeTerminalState,
			"invoice %d is already fully paid", inv.ID)
	}
	if !bankTx.ReconciliationStatus.AdmitsReconciliation() {
		return apperrors.Validation(apperrors.CodeTerminalState,
			"transaction %d is %s and admits no further links", bankTx.ID, bankTx.ReconciliationStatus)
	}
	if amount.GreaterThan(inv.Residual().Add(models.Epsilon)) {
		return apperrors.Validation(apperrors.CodeExceedsResidual,
			"amount %s exceeds invoice %d residual %s",
			amount.StringFixed(2), inv.ID, inv.Residual().StringFixed(2))
	}
	if amount.GreaterThan(bankTx.Residual().Abs().Add(models.Epsilon)) {
		return apperrors.Validation(apperrors.CodeExceedsResidual,
			"amount %s exceeds transaction %d residual %s",
			amount.StringFixed(2), bankTx.ID, bankTx.Residual().Abs().StringFixed(2))
	}
	return nil
}

func (a *Applier) applyMatchTx(ctx context.Context, tx *sqlx.Tx, req MatchRequest) (*MatchResult, error) {
	inv, err := a.store.GetInvoiceTx(ctx, tx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	bankTx, err := a.store.GetTransactionTx(ctx, tx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := checkMatch(inv, bankTx, req.Amount); err != nil {
		return nil, err
	}

	linkAmount, err := a.store.UpsertLinkTx(ctx, tx, inv.ID, bankTx.ID, req.Amount)
	if err != nil {
		return nil, err
	}

	invPaid, invStatus, err := a.recomputeInvoiceTx(ctx, tx, inv)
	if err != nil {
		return nil, err
	}
	txLinked, txStatus, err := a.recomputeTransactionTx(ctx, tx, bankTx)
	if err != nil {
		return nil, err
	}

	return &MatchResult{
		LinkAmount:        linkAmount,
		InvoicePaid:       invPaid,
		InvoiceStatus:     invStatus,
		TransactionLinked: txLinked,
		TransactionStatus: txStatus,
	}, nil
}

// PairStatus is the per-pair outcome of a batch application.
type PairStatus struct {
	InvoiceID     int64  `json:"invoice_id"`
	TransactionID int64  `json:"transaction_id"`
	Applied       bool   `json:"applied"`
	Error         string `json:"error,omitempty"`
}

// ApplyBatch applies all pairs in one transaction. Any failure rolls the
// whole batch back; the returned vector reports which pair failed and why.
func (a *Applier) ApplyBatch(ctx context.Context, reqs []MatchRequest) ([]PairStatus, error) {
	statuses := make([]PairStatus, len(reqs))
	for i, req := range reqs {
		statuses[i] = PairStatus{InvoiceID: req.InvoiceID, TransactionID: req.TransactionID}
	}
	if len(reqs) == 0 {
		return statuses, nil
	}

	err := a.store.WriteTx(ctx, func(tx *sqlx.Tx) error {
		for i, req := range reqs {
			if _, err := a.applyMatchTx(ctx, tx, req); err != nil {
				statuses[i].Error = err.Error()
				for j := range statuses {
					statuses[j].Applied = false
				}
				return err
			}
			statuses[i].Applied = true
		}
		return nil
	})
	if err != nil {
		return statuses, err
	}

	for _, req := range reqs {
		a.notifyInvoices(ctx, req.InvoiceID)
	}
	a.log.WithField("pairs", len(reqs)).Info("batch applied")
	return statuses, nil
}

// AutoReconcile materializes an N:M suggestion: the absolute residuals of the
// given transactions and invoices must balance within ε, and amounts are
// distributed greedily, smallest residuals first, to minimize leftover
// fragments. Rolls back unless every produced link validates.
func (a *Applier) AutoReconcile(ctx context.Context, transactionIDs, invoiceIDs []int64) ([]MatchRequest, error) {
	if len(transactionIDs) == 0 || len(invoiceIDs) == 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"auto reconcile needs at least one transaction and one invoice")
	}

	var produced []MatchRequest
	err := a.store.WriteTx(ctx, func(tx *sqlx.Tx) error {
		produced = produced[:0]

		invoices := make([]*models.Invoice, 0, len(invoiceIDs))
		for _, id := range invoiceIDs {
			inv, err := a.store.GetInvoiceTx(ctx, tx, id)
			if err != nil {
				return err
			}
			invoices = append(invoices, inv)
		}
		transactions := make([]*models.BankTransaction, 0, len(transactionIDs))
		for _, id := range transactionIDs {
			t, err := a.store.GetTransactionTx(ctx, tx, id)
			if err != nil {
				return err
			}
			transactions = append(transactions, t)
		}

		invTotal := decimal.Zero
		for _, inv := range invoices {
			invTotal = invTotal.Add(inv.Residual())
		}
		txTotal := decimal.Zero
		for _, t := range transactions {
			txTotal = txTotal.Add(t.Residual().Abs())
		}
		tolerance := models.Epsilon.Mul(decimal.NewFromInt(int64(len(invoices) + len(transactions))))
		if invTotal.Sub(txTotal).Abs().GreaterThan(tolerance) {
			return apperrors.Validation(apperrors.CodeInvalidAmount,
				"residuals do not balance: invoices %s vs transactions %s",
				invTotal.StringFixed(2), txTotal.StringFixed(2))
		}

		sortInvoicesByResidual(invoices)
		sortTransactionsByResidual(transactions)

		// Greedy distribution: walk both lists, linking the smaller of the
		// two open residuals each step.
		invRemaining := make([]decimal.Decimal, len(invoices))
		for i, inv := range invoices {
			invRemaining[i] = inv.Residual()
		}
		txRemaining := make([]decimal.Decimal, len(transactions))
		for i, t := range transactions {
			txRemaining[i] = t.Residual().Abs()
		}

		i, j := 0, 0
		for i < len(invoices) && j < len(transactions) {
			if invRemaining[i].LessThanOrEqual(models.HalfEpsilon) {
				i++
				continue
			}
			if txRemaining[j].LessThanOrEqual(models.HalfEpsilon) {
				j++
				continue
			}
			amount := decimal.Min(invRemaining[i], txRemaining[j])
			req := MatchRequest{
				InvoiceID:     invoices[i].ID,
				TransactionID: transactions[j].ID,
				Amount:        amount,
			}
			if _, err := a.applyMatchTx(ctx, tx, req); err != nil {
				return err
			}
			produced = append(produced, req)
			invRemaining[i] = invRemaining[i].Sub(amount)
			txRemaining[j] = txRemaining[j].Sub(amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range invoiceIDs {
		a.notifyInvoices(ctx, id)
	}
	a.log.WithFields(logger.Fields{
		"transactions": len(transactionIDs),
		"invoices":     len(invoiceIDs),
		"links":        len(produced),
	}).Info("auto reconcile applied")
	return produced, nil
}

// IgnoreTransaction removes all links of a transaction, recomputes the
// invoices that lost them and marks the transaction Ignored.
func (a *Applier) IgnoreTransaction(ctx context.Context, transactionID int64) error {
	var touched []int64
	err := a.store.WriteTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := a.store.GetTransactionTx(ctx, tx, transactionID); err != nil {
			return err
		}

		var err error
		touched, err = a.store.DeleteLinksByTransactionTx(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		for _, invID := range touched {
			inv, err := a.store.GetInvoiceTx(ctx, tx, invID)
			if err != nil {
				return err
			}
			if _, _, err := a.recomputeInvoiceTx(ctx, tx, inv); err != nil {
				return err
			}
		}

		return a.store.UpdateTransactionStateTx(ctx, tx, transactionID, decimal.Zero, models.ReconIgnored)
	})
	if err != nil {
		return err
	}

	for _, invID := range touched {
		a.notifyInvoices(ctx, invID)
	}
	a.log.WithField("transaction_id", transactionID).Info("transaction ignored")
	return nil
}

// UnignoreTransaction clears the sticky Ignored state; the status is
// recomputed from stored links, which are empty after an ignore.
func (a *Applier) UnignoreTransaction(ctx context.Context, transactionID int64) error {
	return a.store.WriteTx(ctx, func(tx *sqlx.Tx) error {
		bankTx, err := a.store.GetTransactionTx(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if bankTx.ReconciliationStatus != models.ReconIgnored {
			return apperrors.Validation(apperrors.CodeTerminalState,
				"transaction %d is not ignored", transactionID)
		}

		linked, err := a.store.LinkSumForTransactionTx(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		status := models.ComputeReconciliationStatus(bankTx.Amount, linked, models.ReconUnreconciled)
		return a.store.UpdateTransactionStateTx(ctx, tx, transactionID, linked, status)
	})
}

// UndoByInvoice removes every link of an invoice and recomputes the invoice
// and all transactions that lost a link.
func (a *Applier) UndoByInvoice(ctx context.Context, invoiceID int64) error {
	err := a.store.WriteTx(ctx, func(tx *sqlx.Tx) error {
		inv, err := a.store.GetInvoiceTx(ctx, tx, invoiceID)
		if err != nil {
			return err
		}

		touched, err := a.store.DeleteLinksByInvoiceTx(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if _, _, err := a.recomputeInvoiceTx(ctx, tx, inv); err != nil {
			return err
		}
		for _, txID := range touched {
			bankTx, err := a.store.GetTransactionTx(ctx, tx, txID)
			if err != nil {
				return err
			}
			if _, _, err := a.recomputeTransactionTx(ctx, tx, bankTx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.notifyInvoices(ctx, invoiceID)
	a.log.WithField("invoice_id", invoiceID).Info("invoice reconciliation undone")
	return nil
}

// UndoByTransaction removes every link of a transaction and recomputes the
// transaction and all invoices that lost a link.
func (a *Applier) UndoByTransaction(ctx context.Context, transactionID int64) error {
	var touched []int64
	err := a.store.WriteTx(ctx, func(tx *sqlx.Tx) error {
		bankTx, err := a.store.GetTransactionTx(ctx, tx, transactionID)
		if err != nil {
			return err
		}

		touched, err = a.store.DeleteLinksByTransactionTx(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if _, _, err := a.recomputeTransactionTx(ctx, tx, bankTx); err != nil {
			return err
		}
		for _, invID := range touched {
			inv, err := a.store.GetInvoiceTx(ctx, tx, invID)
			if err != nil {
				return err
			}
			if _, _, err := a.recomputeInvoiceTx(ctx, tx, inv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, invID := range touched {
		a.notifyInvoices(ctx, invID)
	}
	a.log.WithField("transaction_id", transactionID).Info("transaction reconciliation undone")
	return nil
}

// ValidateMatch runs the apply_match pre-flight checks without mutating.
func (a *Applier) ValidateMatch(ctx context.Context, req MatchRequest) error {
	inv, err := a.store.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return err
	}
	bankTx, err := a.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return err
	}
	return checkMatch(inv, bankTx, req.Amount)
}

// recomputeInvoiceTx rewrites an invoice's paid amount and status from the
// ground-truth sum of its stored links.
func (a *Applier) recomputeInvoiceTx(ctx context.Context, tx *sqlx.Tx, inv *models.Invoice) (decimal.Decimal, models.PaymentStatus, error) {
	linked, err := a.store.LinkSumForInvoiceTx(ctx, tx, inv.ID)
	if err != nil {
		return decimal.Zero, "", err
	}
	status := models.ComputePaymentStatus(inv.TotalAmount, linked, inv.DueDate, time.Now())
	if err := a.store.UpdateInvoiceStateTx(ctx, tx, inv.ID, linked, status); err != nil {
		return decimal.Zero, "", err
	}
	return linked, status, nil
}

// recomputeTransactionTx rewrites a transaction's reconciled amount and
// status from the ground-truth sum of its stored links.
func (a *Applier) recomputeTransactionTx(ctx context.Context, tx *sqlx.Tx, bankTx *models.BankTransaction) (decimal.Decimal, models.ReconciliationStatus, error) {
	linked, err := a.store.LinkSumForTransactionTx(ctx, tx, bankTx.ID)
	if err != nil {
		return decimal.Zero, "", err
	}
	status := models.ComputeReconciliationStatus(bankTx.Amount, linked, bankTx.ReconciliationStatus)
	if err := a.store.UpdateTransactionStateTx(ctx, tx, bankTx.ID, linked, status); err != nil {
		return decimal.Zero, "", err
	}
	return linked, status, nil
}

func (a *Applier) notifyInvoices(ctx context.Context, invoiceID int64) {
	if a.onLinked == nil {
		return
	}
	inv, err := a.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return
	}
	a.onLinked(inv.CounterpartyID)
}

func sortInvoicesByResidual(invoices []*models.Invoice) {
	for i := 1; i < len(invoices); i++ {
		for j := i; j > 0 && invoices[j].Residual().LessThan(invoices[j-1].Residual()); j-- {
			invoices[j], invoices[j-1] = invoices[j-1], invoices[j]
		}
	}
}

func sortTransactionsByResidual(transactions []*models.BankTransaction) {
	for i := 1; i < len(transactions); i++ {
		for j := i; j > 0 && transactions[j].Residual().Abs().LessThan(transactions[j-1].Residual().Abs()); j-- {
			transactions[j], transactions[j-1] = transactions[j-1], transactions[j]
		}
	}
}
