package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	apperrors "invoice-reconciliation-engine/pkg/errors"

	"invoice-reconciliation-engine/internal/models"
)

type transactionRow struct {
	ID                   int64           `db:"id"`
	TransactionDate      string          `db:"transaction_date"`
	Amount               decimal.Decimal `db:"amount"`
	Description          string          `db:"description"`
	CausalCode           string          `db:"causal_code"`
	ReconciledAmount     decimal.Decimal `db:"reconciled_amount"`
	ReconciliationStatus string          `db:"reconciliation_status"`
	ContentHash          string          `db:"content_hash"`
}

func (r *transactionRow) toModel() (*models.BankTransaction, error) {
	date, err := time.Parse(dateLayout, r.TransactionDate)
	if err != nil {
		return nil, fmt.Errorf("transaction %d has malformed date %q: %w", r.ID, r.TransactionDate, err)
	}
	return &models.BankTransaction{
		ID:                   r.ID,
		TransactionDate:      date,
		Amount:               r.Amount,
		Description:          r.Description,
		CausalCode:           r.CausalCode,
		ReconciledAmount:     r.ReconciledAmount,
		ReconciliationStatus: models.ReconciliationStatus(r.ReconciliationStatus),
		ContentHash:          r.ContentHash,
	}, nil
}

// InsertTransaction persists a bank transaction. Duplicate content hashes are
// conflicts so repeated statement imports stay idempotent.
func (s *Store) InsertTransaction(ctx context.Context, t *models.BankTransaction) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, apperrors.Validation(apperrors.CodeInvalidInput, "invalid transaction: %v", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bank_transactions
		  (transaction_date, amount, description, causal_code,
		   reconciled_amount, reconciliation_status, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TransactionDate.Format(dateLayout), t.Amount.String(), t.Description,
		t.CausalCode, t.ReconciledAmount.String(), t.ReconciliationStatus, t.ContentHash)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, apperrors.Conflict(apperrors.CodeDuplicateHash,
				"transaction with content hash %s already exists", t.ContentHash)
		}
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// GetTransaction loads a bank transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*models.BankTransaction, error) {
	var row transactionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM bank_transactions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeTransactionNotFound, "transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %d: %w", id, err)
	}
	return row.toModel()
}

// GetTransactionTx loads a bank transaction inside an open transaction.
func (s *Store) GetTransactionTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.BankTransaction, error) {
	var row transactionRow
	err := tx.GetContext(ctx, &row, `SELECT * FROM bank_transactions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeTransactionNotFound, "transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %d: %w", id, err)
	}
	return row.toModel()
}

// UpdateTransactionStateTx writes the recomputed reconciled amount and status
// of a transaction inside an open transaction.
func (s *Store) UpdateTransactionStateTx(ctx context.Context, tx *sqlx.Tx, id int64, reconciled decimal.Decimal, status models.ReconciliationStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE bank_transactions SET reconciled_amount = ?, reconciliation_status = ? WHERE id = ?`,
		reconciled.String(), status, id)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d state: %w", id, err)
	}
	return nil
}

// SetTransactionStatusTx overwrites only the status of a transaction; used
// for the explicit ignore / un-ignore toggles.
func (s *Store) SetTransactionStatusTx(ctx context.Context, tx *sqlx.Tx, id int64, status models.ReconciliationStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE bank_transactions SET reconciliation_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set transaction %d status: %w", id, err)
	}
	return nil
}

// CandidateTransactions returns up to limit open transactions whose sign can
// pay the given invoice direction, ordered by how close their unreconciled
// residual is to the target amount. The residual comparison runs on REAL
// casts; exact arithmetic happens in Go once the short list is loaded.
func (s *Store) CandidateTransactions(ctx context.Context, direction models.Direction, target decimal.Decimal, limit int) ([]*models.BankTransaction, error) {
	sign := `> 0`
	if direction == models.DirectionIncoming {
		sign = `< 0`
	}
	target64, _ := target.Float64()

	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows, fmt.Sprintf(`
		SELECT * FROM bank_transactions
		WHERE CAST(amount AS REAL) %s
		  AND reconciliation_status NOT IN ('fully_reconciled', 'excess_reconciled', 'ignored')
		  AND ABS(CAST(amount AS REAL)) - CAST(reconciled_amount AS REAL) > 0.005
		ORDER BY ABS(ABS(CAST(amount AS REAL)) - CAST(reconciled_amount AS REAL) - ?)
		LIMIT ?`, sign),
		target64, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate transactions: %w", err)
	}

	out := make([]*models.BankTransaction, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// TransactionStateRow carries the columns the batch processor classifies.
type TransactionStateRow struct {
	ID                   int64           `db:"id"`
	Amount               decimal.Decimal `db:"amount"`
	ReconciledAmount     decimal.Decimal `db:"reconciled_amount"`
	ReconciliationStatus string          `db:"reconciliation_status"`
}

// TransactionStates loads the state-relevant columns of all transactions.
func (s *Store) TransactionStates(ctx context.Context) ([]TransactionStateRow, error) {
	var rows []TransactionStateRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, amount, reconciled_amount, reconciliation_status FROM bank_transactions`)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction states: %w", err)
	}
	return rows, nil
}
