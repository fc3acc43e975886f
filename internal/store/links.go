package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/internal/models"
)

const timestampLayout = "2006-01-02 15:04:05"

type linkRow struct {
	ID               int64           `db:"id"`
	InvoiceID        int64           `db:"invoice_id"`
	TransactionID    int64           `db:"transaction_id"`
	ReconciledAmount decimal.Decimal `db:"reconciled_amount"`
	CreatedAt        string          `db:"created_at"`
}

func (r *linkRow) toModel() *models.ReconciliationLink {
	created, err := time.Parse(timestampLayout, r.CreatedAt)
	if err != nil {
		// created_at defaults come from SQLite's datetime('now'); a parse
		// failure only loses display precision.
		created = time.Time{}
	}
	return &models.ReconciliationLink{
		ID:               r.ID,
		InvoiceID:        r.InvoiceID,
		TransactionID:    r.TransactionID,
		ReconciledAmount: r.ReconciledAmount,
		CreatedAt:        created,
	}
}

// UpsertLinkTx creates a link or merges the amount into an existing link for
// the same (invoice, transaction) pair. Returns the resulting link amount.
func (s *Store) UpsertLinkTx(ctx context.Context, tx *sqlx.Tx, invoiceID, transactionID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var existing decimal.Decimal
	err := tx.GetContext(ctx, &existing,
		`SELECT reconciled_amount FROM reconciliation_links
		 WHERE invoice_id = ? AND transaction_id = ?`, invoiceID, transactionID)

	switch {
	case err == nil:
		merged := existing.Add(amount)
		_, err = tx.ExecContext(ctx,
			`UPDATE reconciliation_links SET reconciled_amount = ?
			 WHERE invoice_id = ? AND transaction_id = ?`,
			merged.String(), invoiceID, transactionID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to merge link: %w", err)
		}
		return merged, nil
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reconciliation_links (invoice_id, transaction_id, reconciled_amount, created_at)
			 VALUES (?, ?, ?, ?)`,
			invoiceID, transactionID, amount.String(), time.Now().UTC().Format(timestampLayout))
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to insert link: %w", err)
		}
		return amount, nil
	default:
		return decimal.Zero, fmt.Errorf("failed to read existing link: %w", err)
	}
}

// DeleteLinksByInvoiceTx removes all links of an invoice and returns the ids
// of the transactions that lost a link.
func (s *Store) DeleteLinksByInvoiceTx(ctx context.Context, tx *sqlx.Tx, invoiceID int64) ([]int64, error) {
	var touched []int64
	err := tx.SelectContext(ctx, &touched,
		`SELECT transaction_id FROM reconciliation_links WHERE invoice_id = ?`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links of invoice %d: %w", invoiceID, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM reconciliation_links WHERE invoice_id = ?`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete links of invoice %d: %w", invoiceID, err)
	}
	return touched, nil
}

// DeleteLinksByTransactionTx removes all links of a transaction and returns
// the ids of the invoices that lost a link.
func (s *Store) DeleteLinksByTransactionTx(ctx context.Context, tx *sqlx.Tx, transactionID int64) ([]int64, error) {
	var touched []int64
	err := tx.SelectContext(ctx, &touched,
		`SELECT invoice_id FROM reconciliation_links WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links of transaction %d: %w", transactionID, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM reconciliation_links WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete links of transaction %d: %w", transactionID, err)
	}
	return touched, nil
}

// LinkSumForInvoiceTx folds the link amounts of one invoice inside an open
// transaction. Summed in Go with decimals: SQL SUM over floats would drift.
func (s *Store) LinkSumForInvoiceTx(ctx context.Context, tx *sqlx.Tx, invoiceID int64) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := tx.SelectContext(ctx, &amounts,
		`SELECT reconciled_amount FROM reconciliation_links WHERE invoice_id = ?`, invoiceID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum links of invoice %d: %w", invoiceID, err)
	}
	return sumDecimals(amounts), nil
}

// LinkSumForTransactionTx folds the link amounts of one transaction inside an
// open transaction.
func (s *Store) LinkSumForTransactionTx(ctx context.Context, tx *sqlx.Tx, transactionID int64) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := tx.SelectContext(ctx, &amounts,
		`SELECT reconciled_amount FROM reconciliation_links WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum links of transaction %d: %w", transactionID, err)
	}
	return sumDecimals(amounts), nil
}

func sumDecimals(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// LinkFilter restricts ListLinks; zero values mean no restriction.
type LinkFilter struct {
	InvoiceID     int64
	TransactionID int64
	Limit         int
}

// ListLinks returns links matching the filter, newest first.
func (s *Store) ListLinks(ctx context.Context, filter LinkFilter) ([]*models.ReconciliationLink, error) {
	query := `SELECT * FROM reconciliation_links WHERE 1=1`
	var args []interface{}

	if filter.InvoiceID != 0 {
		query += ` AND invoice_id = ?`
		args = append(args, filter.InvoiceID)
	}
	if filter.TransactionID != 0 {
		query += ` AND transaction_id = ?`
		args = append(args, filter.TransactionID)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []linkRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	out := make([]*models.ReconciliationLink, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// LinkSumsByInvoice aggregates every link amount per invoice id in a single
// read; the batch state processor classifies against these sums.
func (s *Store) LinkSumsByInvoice(ctx context.Context) (map[int64]decimal.Decimal, error) {
	return s.linkSums(ctx, "invoice_id")
}

// LinkSumsByTransaction aggregates every link amount per transaction id.
func (s *Store) LinkSumsByTransaction(ctx context.Context) (map[int64]decimal.Decimal, error) {
	return s.linkSums(ctx, "transaction_id")
}

func (s *Store) linkSums(ctx context.Context, column string) (map[int64]decimal.Decimal, error) {
	rows, err := s.db.QueryxContext(ctx,
		fmt.Sprintf(`SELECT %s, reconciled_amount FROM reconciliation_links`, column))
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate link sums: %w", err)
	}
	defer rows.Close()

	sums := make(map[int64]decimal.Decimal)
	for rows.Next() {
		var id int64
		var amount decimal.Decimal
		if err := rows.Scan(&id, &amount); err != nil {
			return nil, err
		}
		sums[id] = sums[id].Add(amount)
	}
	return sums, rows.Err()
}

// PaymentHistoryRow is one historical payment event used to train
// counterparty patterns.
type PaymentHistoryRow struct {
	InvoiceDate   string          `db:"doc_date"`
	DocNumber     string          `db:"doc_number"`
	PaymentDate   string          `db:"transaction_date"`
	Description   string          `db:"description"`
	Amount        decimal.Decimal `db:"reconciled_amount"`
	TransactionID int64           `db:"transaction_id"`
}

// PaymentHistory loads the trailing payment history of a counterparty,
// newest first, capped at limit rows.
func (s *Store) PaymentHistory(ctx context.Context, counterpartyID int64, since time.Time, limit int) ([]PaymentHistoryRow, error) {
	var rows []PaymentHistoryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT i.doc_date, i.doc_number, t.transaction_date, t.description,
		       l.reconciled_amount, l.transaction_id
		FROM reconciliation_links l
		JOIN invoices i ON i.id = l.invoice_id
		JOIN bank_transactions t ON t.id = l.transaction_id
		WHERE i.counterparty_id = ?
		  AND t.transaction_date >= ?
		ORDER BY t.transaction_date DESC
		LIMIT ?`,
		counterpartyID, since.Format(dateLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment history for counterparty %d: %w", counterpartyID, err)
	}
	return rows, nil
}
