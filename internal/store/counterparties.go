package store

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "invoice-reconciliation-engine/pkg/errors"

	"invoice-reconciliation-engine/internal/models"
)

// UpsertCounterparty inserts a counterparty or, when one with the same
// (fiscal_id, tax_code) identity exists, refreshes its denomination and
// returns the existing id.
func (s *Store) UpsertCounterparty(ctx context.Context, c *models.Counterparty) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, apperrors.Validation(apperrors.CodeInvalidInput, "invalid counterparty: %v", err)
	}

	c.FiscalID = models.NormalizeFiscalCode(c.FiscalID)
	c.TaxCode = models.NormalizeFiscalCode(c.TaxCode)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counterparties (kind, denomination, fiscal_id, tax_code, score)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fiscal_id, tax_code) DO UPDATE SET denomination = excluded.denomination`,
		c.Kind, c.Denomination, c.FiscalID, c.TaxCode, c.Score)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert counterparty: %w", err)
	}

	// last_insert_rowid is not set on the DO UPDATE path, so the surviving
	// row's id is always read back by identity.
	var id int64
	err = s.db.GetContext(ctx, &id,
		`SELECT id FROM counterparties WHERE fiscal_id = ? AND tax_code = ?`,
		c.FiscalID, c.TaxCode)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve counterparty id: %w", err)
	}
	c.ID = id
	return id, nil
}

// GetCounterparty loads a counterparty by id.
func (s *Store) GetCounterparty(ctx context.Context, id int64) (*models.Counterparty, error) {
	var c models.Counterparty
	err := s.db.GetContext(ctx, &c, `SELECT * FROM counterparties WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound(apperrors.CodeCounterpartyNotFound, "counterparty", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load counterparty %d: %w", id, err)
	}
	return &c, nil
}

// AllCounterparties streams every counterparty row, used to (re)build the
// anagraphics cache.
func (s *Store) AllCounterparties(ctx context.Context) ([]*models.Counterparty, error) {
	var out []*models.Counterparty
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM counterparties ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load counterparties: %w", err)
	}
	return out, nil
}
