package parsers

import (
	"strings"

	apperrors "invoice-reconciliation-engine/pkg/errors"
)

// BankProfile describes one bank's CSV export layout. Column fields name the
// preferred header; Aliases lists alternative headers per logical field so a
// single profile absorbs minor export variations.
type BankProfile struct {
	Name              string
	Delimiter         rune
	DateColumn        string
	AmountColumn      string
	DescriptionColumn string
	CausalColumn      string

	// Split debit/credit layouts: when both are set they override
	// AmountColumn and the signed amount is credit minus debit.
	DebitColumn  string
	CreditColumn string

	Aliases map[string][]string
}

// Logical field names used as alias keys.
const (
	fieldDate        = "date"
	fieldAmount      = "amount"
	fieldDescription = "description"
	fieldCausal      = "causal"
	fieldDebit       = "debit"
	fieldCredit      = "credit"
)

// StandardBankProfile accepts the common header names of generic exports,
// both English and Italian.
func StandardBankProfile() *BankProfile {
	return &BankProfile{
		Name:              "standard",
		Delimiter:         ',',
		DateColumn:        "Date",
		AmountColumn:      "Amount",
		DescriptionColumn: "Description",
		CausalColumn:      "Causal",
		Aliases: map[string][]string{
			fieldDate:        {"Date", "Data", "Data Contabile", "Data Operazione", "Transaction Date"},
			fieldAmount:      {"Amount", "Importo", "Importo Operazione"},
			fieldDescription: {"Description", "Descrizione", "Descrizione Operazione", "Causale Descrittiva"},
			fieldCausal:      {"Causal", "Causale", "Causale ABI", "Codice Causale"},
			fieldDebit:       {"Debit", "Addebiti", "Dare", "Uscite"},
			fieldCredit:      {"Credit", "Accrediti", "Avere", "Entrate"},
		},
	}
}

// IntesaBankProfile matches Intesa Sanpaolo home banking exports, which use
// semicolons and a split debit/credit layout.
func IntesaBankProfile() *BankProfile {
	p := StandardBankProfile()
	p.Name = "intesa"
	p.Delimiter = ';'
	p.DateColumn = "Data Contabile"
	p.DescriptionColumn = "Descrizione Operazione"
	p.CausalColumn = "Causale ABI"
	p.DebitColumn = "Addebiti"
	p.CreditColumn = "Accrediti"
	return p
}

// UnicreditBankProfile matches UniCredit exports (semicolon-delimited, single
// signed amount column).
func UnicreditBankProfile() *BankProfile {
	p := StandardBankProfile()
	p.Name = "unicredit"
	p.Delimiter = ';'
	p.DateColumn = "Data Operazione"
	p.AmountColumn = "Importo"
	p.DescriptionColumn = "Descrizione"
	p.CausalColumn = "Causale"
	return p
}

// bankProfiles indexes the built-in profiles by name.
func bankProfiles() map[string]*BankProfile {
	return map[string]*BankProfile{
		"standard":  StandardBankProfile(),
		"intesa":    IntesaBankProfile(),
		"unicredit": UnicreditBankProfile(),
	}
}

// ProfileByName returns a built-in bank profile.
func ProfileByName(name string) (*BankProfile, error) {
	p, ok := bankProfiles()[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"unknown bank profile %q", name)
	}
	return p, nil
}

// AutoDetectProfile picks the profile whose headers best match the file's.
// It scores each built-in profile by how many of its required columns resolve
// and returns the best one, preferring the more specific bank profiles over
// the generic standard layout on ties.
func AutoDetectProfile(headers []string) *BankProfile {
	headerSet := make(map[string]bool, len(headers))
	for _, h := range headers {
		headerSet[strings.ToLower(strings.TrimSpace(h))] = true
	}

	best := StandardBankProfile()
	bestScore := -1
	for _, name := range []string{"intesa", "unicredit", "standard"} {
		p := bankProfiles()[name]
		score := p.matchScore(headerSet)
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

func (p *BankProfile) matchScore(headerSet map[string]bool) int {
	score := 0
	for _, col := range []string{p.DateColumn, p.AmountColumn, p.DescriptionColumn, p.CausalColumn, p.DebitColumn, p.CreditColumn} {
		if col != "" && headerSet[strings.ToLower(col)] {
			score++
		}
	}
	return score
}

// splitAmounts reports whether the profile uses separate debit and credit
// columns instead of a single signed amount.
func (p *BankProfile) splitAmounts() bool {
	return p.DebitColumn != "" && p.CreditColumn != ""
}

// resolve finds the value of a logical field in a record, trying the
// configured column first and then each alias.
func (p *BankProfile) resolve(cc *csvContext, record []string, field, configured string) string {
	if configured != "" {
		if v, err := cc.fieldValue(record, configured); err == nil && v != "" {
			return v
		}
	}
	for _, alias := range p.Aliases[field] {
		if alias == configured {
			continue
		}
		if v, err := cc.fieldValue(record, alias); err == nil && v != "" {
			return v
		}
	}
	return ""
}

// requiredColumns returns the headers that must exist, configured name or any
// alias counting as present.
func (p *BankProfile) requiredColumns(cc *csvContext) []string {
	var missing []string

	has := func(field, configured string) bool {
		if configured != "" && cc.columnIndex(configured) >= 0 {
			return true
		}
		for _, alias := range p.Aliases[field] {
			if cc.columnIndex(alias) >= 0 {
				return true
			}
		}
		return false
	}

	if !has(fieldDate, p.DateColumn) {
		missing = append(missing, p.DateColumn)
	}
	if p.splitAmounts() {
		if !has(fieldDebit, p.DebitColumn) && !has(fieldCredit, p.CreditColumn) {
			missing = append(missing, p.DebitColumn)
		}
	} else if !has(fieldAmount, p.AmountColumn) {
		missing = append(missing, p.AmountColumn)
	}
	if !has(fieldDescription, p.DescriptionColumn) {
		missing = append(missing, p.DescriptionColumn)
	}
	return missing
}
