package parsers

import (
	"context"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/store"
)

// ImportResult counts what one import run did. Duplicates are rows whose
// content hash is already stored; re-importing a file is a no-op.
type ImportResult struct {
	Imported   int           `json:"imported"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Stats      *ParseStats   `json:"stats,omitempty"`
	Errors     []*ParseError `json:"errors,omitempty"`
}

// Importer persists parsed documents, skipping content-hash duplicates so the
// same file can be imported repeatedly.
type Importer struct {
	store *store.Store
	log   logger.Logger
}

// NewImporter builds a document importer.
func NewImporter(st *store.Store, log logger.Logger) *Importer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Importer{store: st, log: log.WithComponent("importer")}
}

// ImportInvoiceFiles parses and persists a set of FatturaPA files. Each file
// failing to parse counts as failed; the rest of the batch proceeds.
func (im *Importer) ImportInvoiceFiles(ctx context.Context, parser *InvoiceParser, paths []string) (*ImportResult, error) {
	result := &ImportResult{}
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		parsed, err := parser.ParseFile(ctx, path)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, &ParseError{
				Field: "file", Value: path, Message: "parse failed", Err: err,
			})
			im.log.WithError(err).WithFields(logger.Fields{"file": path}).Warn("invoice file skipped")
			continue
		}

		for _, doc := range parsed {
			if err := im.persistInvoice(ctx, doc); err != nil {
				if apperrors.IsKind(err, apperrors.KindConflict) {
					result.Duplicates++
					continue
				}
				result.Failed++
				result.Errors = append(result.Errors, &ParseError{
					Field: "file", Value: path, Message: "persist failed", Err: err,
				})
				continue
			}
			result.Imported++
		}
	}

	im.log.WithFields(logger.Fields{
		"imported":   result.Imported,
		"duplicates": result.Duplicates,
		"failed":     result.Failed,
	}).Info("invoice import complete")
	return result, nil
}

func (im *Importer) persistInvoice(ctx context.Context, doc *ParsedInvoice) error {
	cpID, err := im.store.UpsertCounterparty(ctx, &doc.Counterparty)
	if err != nil {
		return err
	}
	inv := doc.Invoice
	inv.CounterpartyID = cpID
	_, err = im.store.InsertInvoice(ctx, &inv, doc.Lines, doc.VatSummary)
	return err
}

// ImportStatement parses and persists one bank statement CSV.
func (im *Importer) ImportStatement(ctx context.Context, parser *StatementParser, path string) (*ImportResult, error) {
	transactions, stats, err := parser.ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Stats: stats, Errors: stats.Errors}
	result.Failed = len(stats.Errors)
	for _, tx := range transactions {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if _, err := im.store.InsertTransaction(ctx, tx); err != nil {
			if apperrors.IsKind(err, apperrors.KindConflict) {
				result.Duplicates++
				continue
			}
			result.Failed++
			result.Errors = append(result.Errors, &ParseError{
				Message: "persist failed", Err: err,
			})
			continue
		}
		result.Imported++
	}

	im.log.WithFields(logger.Fields{
		"file":       path,
		"imported":   result.Imported,
		"duplicates": result.Duplicates,
		"failed":     result.Failed,
	}).Info("statement import complete")
	return result, nil
}
