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

const dateLayout = "2006-01-02"

// invoiceRow is the database shape of an invoice; dates travel as strings.
type invoiceRow struct {
	ID             int64           `db:"id"`
	CounterpartyID int64           `db:"counterparty_id"`
	Direction      string          `db:"direction"`
	DocType        string          `db:"doc_type"`
	DocNumber      string          `db:"doc_number"`
	DocDate        string          `db:"doc_date"`
	DueDate        sql.NullString  `db:"due_date"`
	TotalAmount    decimal.Decimal `db:"total_amount"`
	PaidAmount     decimal.Decimal `db:"paid_amount"`
	PaymentStatus  string          `db:"payment_status"`
	ContentHash    string          `db:"content_hash"`
}

func (r *invoiceRow) toModel() (*models.Invoice, error) {
	docDate, err := time.Parse(dateLayout, r.DocDate)
	if err != nil {
		return nil, fmt.Errorf("invoice %d has malformed doc_date %q: %w", r.ID, r.DocDate, err)
	}
	inv := &models.Invoice{
		ID:             r.ID,
		CounterpartyID: r.CounterpartyID,
		Direction:      models.Direction(r.Direction),
		DocType:        r.DocType,
		DocNumber:      r.DocNumber,
		DocDate:        docDate,
		TotalAmount:    r.TotalAmount,
		PaidAmount:     r.PaidAmount,
		PaymentStatus:  models.PaymentStatus(r.PaymentStatus),
		ContentHash:    r.ContentHash,
	}
	if r.DueDate.Valid && r.DueDate.String != "" {
		due, err := time.Parse(dateLayout, r.DueDate.String)
		if err != nil {
			return nil, fmt.Errorf("invoice %d has malformed due_date %q: %w", r.ID, r.DueDate.String, err)
		}
		inv.DueDate = &due
	}
	return inv, nil
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

// InsertInvoice persists an invoice with its lines and VAT summary in one
// transaction. A duplicate content hash is a conflict, not an internal error:
// importers rely on it for idempotency.
func (s *Store) InsertInvoice(ctx context.Context, inv *models.Invoice, lines []models.InvoiceLine, vat []models.InvoiceVatSummary) (int64, error) {
	if err := inv.Validate(); err != nil {
		return 0, apperrors.Validation(apperrors.CodeInvalidInput, "invalid invoice: %v", err)
	}

	var id int64
	err := s.WriteTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO invoices
			  (counterparty_id, direction, doc_type, doc_number, doc_date, due_date,
			   total_amount, paid_amount, payment_status, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.CounterpartyID, inv.Direction, inv.DocType, inv.DocNumber,
			inv.DocDate.Format(dateLayout), nullDate(inv.DueDate),
			inv.TotalAmount.String(), inv.PaidAmount.String(),
			inv.PaymentStatus, inv.ContentHash)
		if err != nil {
			if isUniqueViolation(err) {
				return apperrors.Conflict(apperrors.CodeDuplicateHash,
					"invoice with content hash %s already exists", inv.ContentHash)
			}
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for i := range lines {
			l := &lines[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO invoice_lines
				  (invoice_id, line_number, description, quantity, unit_price, total_price, vat_rate)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, l.LineNumber, l.Description, l.Quantity.String(),
				l.UnitPrice.String(), l.TotalPrice.String(), l.VatRate.String())
			if err != nil {
				return fmt.Errorf("failed to insert invoice line %d: %w", l.LineNumber, err)
			}
		}
		for i := range vat {
			v := &vat[i]
			_, err := tx.ExecContext(ctx, `
				INSERT INTO invoice_vat_summary (invoice_id, vat_rate, taxable_amount, vat_amount)
				VALUES (?, ?, ?, ?)`,
				id, v.VatRate.String(), v.TaxableAmount.String(), v.VatAmount.String())
			if err != nil {
				return fmt.Errorf("failed to insert VAT summary row: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	inv.ID = id
	return id, nil
}

// GetInvoice loads an invoice by id.
func (s *Store) GetInvoice(ctx context.Context, id int64) (*models.Invoice, error) {
	var row invoiceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM invoices WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeInvoiceNotFound, "invoice", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %d: %w", id, err)
	}
	return row.toModel()
}

// GetInvoiceTx loads an invoice inside an open transaction.
func (s *Store) GetInvoiceTx(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Invoice, error) {
	var row invoiceRow
	err := tx.GetContext(ctx, &row, `SELECT * FROM invoices WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeInvoiceNotFound, "invoice", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice %d: %w", id, err)
	}
	return row.toModel()
}

// UpdateInvoiceStateTx writes the recomputed paid amount and status of an
// invoice inside an open transaction.
func (s *Store) UpdateInvoiceStateTx(ctx context.Context, tx *sqlx.Tx, id int64, paid decimal.Decimal, status models.PaymentStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE invoices SET paid_amount = ?, payment_status = ? WHERE id = ?`,
		paid.String(), status, id)
	if err != nil {
		return fmt.Errorf("failed to update invoice %d state: %w", id, err)
	}
	return nil
}

// CandidateInvoice is an invoice joined with its counterparty denomination,
// the shape the suggestion pipeline scores against transaction text.
type CandidateInvoice struct {
	Invoice      *models.Invoice
	Denomination string
}

type candidateRow struct {
	invoiceRow
	Denomination string `db:"denomination"`
}

// CandidateInvoices1to1 returns up to limit open invoices of the given
// direction ordered by how close their residual is to the target amount.
func (s *Store) CandidateInvoices1to1(ctx context.Context, direction models.Direction, counterpartyID *int64, target decimal.Decimal, limit int) ([]CandidateInvoice, error) {
	query := `
		SELECT i.*, c.denomination
		FROM invoices i
		JOIN counterparties c ON c.id = i.counterparty_id
		WHERE i.direction = ?
		  AND i.payment_status != 'fully_paid'
		  AND (CAST(i.total_amount AS REAL) - CAST(i.paid_amount AS REAL)) > 0.005`
	args := []interface{}{string(direction)}

	if counterpartyID != nil {
		query += ` AND i.counterparty_id = ?`
		args = append(args, *counterpartyID)
	}

	target64, _ := target.Float64()
	query += `
		ORDER BY ABS((CAST(i.total_amount AS REAL) - CAST(i.paid_amount AS REAL)) - ?) ASC
		LIMIT ?`
	args = append(args, target64, limit)

	return s.selectCandidates(ctx, query, args)
}

// CandidateInvoicesNtoM returns up to limit open invoices of the given
// direction and counterparty whose residual lies in (lo, hi], ordered by
// closeness to hi's matching target.
func (s *Store) CandidateInvoicesNtoM(ctx context.Context, direction models.Direction, counterpartyID int64, lo, hi, target decimal.Decimal, limit int) ([]CandidateInvoice, error) {
	lo64, _ := lo.Float64()
	hi64, _ := hi.Float64()
	target64, _ := target.Float64()

	query := `
		SELECT i.*, c.denomination
		FROM invoices i
		JOIN counterparties c ON c.id = i.counterparty_id
		WHERE i.direction = ?
		  AND i.counterparty_id = ?
		  AND i.payment_status != 'fully_paid'
		  AND (CAST(i.total_amount AS REAL) - CAST(i.paid_amount AS REAL)) > ?
		  AND (CAST(i.total_amount AS REAL) - CAST(i.paid_amount AS REAL)) <= ?
		ORDER BY ABS((CAST(i.total_amount AS REAL) - CAST(i.paid_amount AS REAL)) - ?) ASC
		LIMIT ?`

	return s.selectCandidates(ctx, query,
		[]interface{}{string(direction), counterpartyID, lo64, hi64, target64, limit})
}

func (s *Store) selectCandidates(ctx context.Context, query string, args []interface{}) ([]CandidateInvoice, error) {
	var rows []candidateRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load candidate invoices: %w", err)
	}

	out := make([]CandidateInvoice, 0, len(rows))
	for i := range rows {
		inv, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, CandidateInvoice{Invoice: inv, Denomination: rows[i].Denomination})
	}
	return out, nil
}

// AllInvoiceIDs returns every invoice id; used by the batch state processor.
func (s *Store) AllInvoiceIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM invoices ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list invoice ids: %w", err)
	}
	return ids, nil
}

// InvoiceStateRows returns the fields the batch processor needs to classify
// every invoice in one read.
type InvoiceStateRow struct {
	ID            int64           `db:"id"`
	TotalAmount   decimal.Decimal `db:"total_amount"`
	PaidAmount    decimal.Decimal `db:"paid_amount"`
	DueDate       sql.NullString  `db:"due_date"`
	PaymentStatus string          `db:"payment_status"`
}

// InvoiceStates loads the state-relevant columns of all invoices.
func (s *Store) InvoiceStates(ctx context.Context) ([]InvoiceStateRow, error) {
	var rows []InvoiceStateRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, total_amount, paid_amount, due_date, payment_status FROM invoices`)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice states: %w", err)
	}
	return rows, nil
}
