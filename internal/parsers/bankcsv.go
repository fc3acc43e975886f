package parsers

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/models"
	"invoice-reconciliation-engine/internal/numeric"
)

// StatementParser reads bank statement CSV exports into bank transactions.
// A nil profile means auto-detection from the header row.
type StatementParser struct {
	profile *BankProfile
	log     logger.Logger
}

// NewStatementParser builds a CSV statement parser.
func NewStatementParser(profile *BankProfile, log logger.Logger) *StatementParser {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &StatementParser{profile: profile, log: log.WithComponent("bankcsv")}
}

// ParseFile reads a statement file. Bad rows are reported in the stats and
// skipped; the returned transactions are only the valid ones.
func (p *StatementParser) ParseFile(ctx context.Context, path string) ([]*models.BankTransaction, *ParseStats, error) {
	profile := p.profile
	delimiter := ','
	if profile != nil {
		delimiter = profile.Delimiter
	} else {
		var err error
		delimiter, err = sniffDelimiter(path)
		if err != nil {
			return nil, nil, err
		}
	}

	reader := newCSVReader(delimiter, p.log)
	file, csvr, err := reader.open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	cc := newCSVContext(ctx)
	stats := NewParseStats()

	if err := reader.readHeaders(csvr, cc, nil); err != nil {
		return nil, stats, err
	}
	if profile == nil {
		profile = AutoDetectProfile(cc.Headers)
		p.log.WithFields(logger.Fields{"profile": profile.Name}).Info("auto-detected bank profile")
	}
	if missing := profile.requiredColumns(cc); len(missing) > 0 {
		return nil, stats, apperrors.Validation(apperrors.CodeInvalidInput,
			"missing required columns: %s", strings.Join(missing, ", "))
	}

	var transactions []*models.BankTransaction
	for {
		if cc.cancelled() {
			return transactions, stats, ctx.Err()
		}
		record, err := reader.readRecord(csvr, cc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			stats.TotalLines = cc.LineNumber
			stats.AddError(&ParseError{Line: cc.LineNumber, Message: "unreadable row", Err: err})
			continue
		}
		stats.RecordsParsed++

		tx, perr := p.parseRecord(profile, cc, record)
		if perr != nil {
			stats.AddError(perr)
			continue
		}
		stats.RecordsValid++
		transactions = append(transactions, tx)
	}
	stats.TotalLines = cc.LineNumber

	p.log.WithFields(logger.Fields{
		"profile": profile.Name,
		"parsed":  stats.RecordsParsed,
		"valid":   stats.RecordsValid,
		"errors":  len(stats.Errors),
	}).Info("bank statement parsed")
	return transactions, stats, nil
}

func (p *StatementParser) parseRecord(profile *BankProfile, cc *csvContext, record []string) (*models.BankTransaction, *ParseError) {
	rawDate := profile.resolve(cc, record, fieldDate, profile.DateColumn)
	date, ok := numeric.ParseDate(rawDate)
	if !ok {
		return nil, &ParseError{Line: cc.LineNumber, Field: "date", Value: rawDate,
			Message: "unparseable transaction date"}
	}

	var amount decimal.Decimal
	if profile.splitAmounts() {
		debit := numeric.ToDecimal(profile.resolve(cc, record, fieldDebit, profile.DebitColumn), decimal.Zero)
		credit := numeric.ToDecimal(profile.resolve(cc, record, fieldCredit, profile.CreditColumn), decimal.Zero)
		// Some exports carry debits as negative numbers already.
		amount = credit.Sub(debit.Abs())
	} else {
		raw := profile.resolve(cc, record, fieldAmount, profile.AmountColumn)
		amount = numeric.ToDecimal(raw, decimal.Zero)
	}
	amount = numeric.Quantize(amount)
	if amount.IsZero() {
		return nil, &ParseError{Line: cc.LineNumber, Field: "amount",
			Message: "zero or unparseable amount"}
	}

	description := profile.resolve(cc, record, fieldDescription, profile.DescriptionColumn)
	if description == "" {
		return nil, &ParseError{Line: cc.LineNumber, Field: "description",
			Message: "empty description"}
	}
	causal := profile.resolve(cc, record, fieldCausal, profile.CausalColumn)

	normDate := date.Format("2006-01-02")
	tx := &models.BankTransaction{
		TransactionDate:      date,
		Amount:               amount,
		Description:          description,
		CausalCode:           causal,
		ReconciledAmount:     decimal.Zero,
		ReconciliationStatus: models.ReconUnreconciled,
		ContentHash:          numeric.TransactionHash(normDate, amount, description),
	}
	if err := tx.Validate(); err != nil {
		return nil, &ParseError{Line: cc.LineNumber, Message: "invalid transaction", Err: err}
	}
	return tx, nil
}

// sniffDelimiter reads the first line of a file and guesses the delimiter
// from the separator counts. Semicolons win ties: Italian exports with
// decimal commas use them.
func sniffDelimiter(path string) (rune, error) {
	reader := newCSVReader(',', nil)
	file, _, err := reader.open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	buf := make([]byte, 4096)
	n, _ := file.Read(buf)
	line := string(buf[:n])
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}

	if strings.Count(line, ";") >= strings.Count(line, ",") && strings.Contains(line, ";") {
		return ';', nil
	}
	return ',', nil
}
