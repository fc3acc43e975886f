// Package matching scores candidate invoice/transaction pairings and
// enumerates multi-invoice combinations that explain a bank movement.
package matching

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/internal/anagraphics"
	"invoice-reconciliation-engine/internal/models"
)

// Band buckets an analyzer score for display and sorting.
type Band string

const (
	BandHigh    Band = "high"
	BandMedium  Band = "medium"
	BandLow     Band = "low"
	BandVeryLow Band = "very_low"
)

// Band thresholds. An exact amount match alone lands on Medium; any
// corroborating textual or temporal signal pushes it to High.
const (
	HighThreshold    = 0.6
	MediumThreshold  = 0.3
	LowThreshold     = 0.15
	VeryLowThreshold = 0.05
)

// BandFor maps a score to its confidence band.
func BandFor(score float64) Band {
	switch {
	case score >= HighThreshold:
		return BandHigh
	case score >= MediumThreshold:
		return BandMedium
	case score >= LowThreshold:
		return BandLow
	default:
		return BandVeryLow
	}
}

// Rank orders bands for sorting, highest first.
func (b Band) Rank() int {
	switch b {
	case BandHigh:
		return 3
	case BandMedium:
		return 2
	case BandLow:
		return 1
	default:
		return 0
	}
}

// Candidate is the invoice-side input to pair scoring.
type Candidate struct {
	InvoiceID    int64
	Residual     decimal.Decimal
	DocNumber    string
	DocDate      time.Time
	Denomination string
}

// Query is the transaction-side input to pair scoring.
type Query struct {
	Target          decimal.Decimal // absolute residual to explain
	Description     string
	TransactionDate time.Time
}

// Score is the outcome of analyzing one pair.
type Score struct {
	Score     float64            `json:"score"`
	Band      Band               `json:"band"`
	Reasons   []string           `json:"reasons"`
	Breakdown map[string]float64 `json:"signal_breakdown"`
}

var (
	// Reference numbers in descriptions: plain digit runs and slashed or
	// dashed forms like 123/2024.
	referencePattern = regexp.MustCompile(`\d+(?:[/-]\d+)*`)
	nonAlnum         = regexp.MustCompile(`[^A-Z0-9]+`)

	paymentKeywords = []string{"FATTURA", "FATT", "SALDO", "PAGAMENTO", "BONIFICO", "RIF", "RIFERIMENTO"}
)

// ExtractNumbers pulls candidate document references out of a description,
// including the parts of compound forms like "123/2024".
func ExtractNumbers(description string) []string {
	matches := referencePattern.FindAllString(description, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	add := func(s string) {
		s = strings.TrimLeft(s, "0")
		if s == "" {
			s = "0"
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, m := range matches {
		add(m)
		for _, part := range strings.FieldsFunc(m, func(r rune) bool { return r == '/' || r == '-' }) {
			add(part)
		}
	}
	return out
}

// Analyzer scores (invoice, transaction) pairs with weighted signals.
type Analyzer struct{}

// NewAnalyzer returns a pair analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Score analyzes one candidate against the query. The weighted signals sum
// to at most 1.0.
func (a *Analyzer) Score(q Query, c Candidate) Score {
	result := Score{
		Breakdown: make(map[string]float64),
	}
	desc := strings.ToUpper(q.Description)
	descTokens := anagraphics.Tokenize(desc)
	refs := ExtractNumbers(desc)

	a.scoreAmount(&result, q.Target, c.Residual)
	a.scoreDocNumber(&result, refs, c.DocNumber)
	a.scoreName(&result, desc, descTokens, c.Denomination)
	a.scoreTemporal(&result, q.TransactionDate, c.DocDate)
	a.scorePattern(&result, desc, refs, c.DocNumber)

	if result.Score > 1.0 {
		result.Score = 1.0
	}
	result.Band = BandFor(result.Score)
	return result
}

func (a *Analyzer) scoreAmount(s *Score, target, residual decimal.Decimal) {
	if target.IsZero() {
		return
	}
	diff := residual.Sub(target).Abs()
	if diff.LessThanOrEqual(models.Epsilon) {
		a.add(s, "amount_exact", 0.6, fmt.Sprintf("amount matches residual %s", target.StringFixed(2)))
		return
	}
	r, _ := diff.Div(target).Float64()
	if r <= 0.02 {
		weight := 0.4 * (1 - r/0.02)
		a.add(s, "amount_similar", weight, fmt.Sprintf("amount within %.1f%% of residual", r*100))
	}
}

func (a *Analyzer) scoreDocNumber(s *Score, refs []string, docNumber string) {
	best := 0.0
	for _, ref := range refs {
		if sim := numberSimilarity(ref, docNumber); sim > best {
			best = sim
		}
	}
	if best >= 0.9 {
		a.add(s, "invoice_number", 0.3*best, fmt.Sprintf("document number %s referenced in description", docNumber))
	}
}

func (a *Analyzer) scoreName(s *Score, desc string, descTokens []string, denomination string) {
	denomTokens := anagraphics.Tokenize(denomination)
	if len(denomTokens) == 0 || len(descTokens) == 0 {
		return
	}

	descSet := make(map[string]struct{}, len(descTokens))
	for _, t := range descTokens {
		descSet[t] = struct{}{}
	}
	shared := 0
	sharedLen := 0
	for _, t := range denomTokens {
		if _, ok := descSet[t]; ok {
			shared++
			sharedLen += len(t)
		}
	}

	if strings.Contains(desc, strings.ToUpper(strings.TrimSpace(denomination))) {
		coverage := float64(len(denomTokens)) / float64(len(descTokens))
		if coverage > 1 {
			coverage = 1
		}
		a.add(s, "name_exact", 0.25*(0.7+0.3*coverage), "counterparty name appears in description")
		return
	}

	if shared == 0 {
		return
	}
	wordCoverage := float64(shared) / float64(len(denomTokens))
	descCoverage := float64(shared) / float64(len(descTokens))
	specificity := math.Min(1.2, float64(sharedLen)/float64(shared)/6.0)
	weight := 0.15 * wordCoverage * (0.7 + 0.3*descCoverage) * specificity
	a.add(s, "name_partial", weight, "partial counterparty name overlap")
}

// scoreTemporal decays linearly over the first 30 days and exponentially out
// to 90, after which the dates carry no evidence.
func (a *Analyzer) scoreTemporal(s *Score, txDate, docDate time.Time) {
	if txDate.IsZero() || docDate.IsZero() {
		return
	}
	days := math.Abs(txDate.Sub(docDate).Hours() / 24)
	var decay float64
	switch {
	case days <= 30:
		decay = 1 - 0.5*days/30
	case days <= 90:
		decay = 0.5 * math.Exp(-(days-30)/20)
	default:
		return
	}
	a.add(s, "temporal", 0.10*decay, fmt.Sprintf("dates %d days apart", int(days)))
}

// scorePattern grants a small bonus for payment keywords and references whose
// digits overlap the document number, capped at 0.10.
func (a *Analyzer) scorePattern(s *Score, desc string, refs []string, docNumber string) {
	bonus := 0.0
	for _, kw := range paymentKeywords {
		if strings.Contains(desc, kw) {
			bonus += 0.04
			break
		}
	}
	if docDigits := digitsOf(docNumber); docDigits != "" {
		for _, ref := range refs {
			if len(ref) >= 3 && (strings.Contains(docDigits, ref) || strings.Contains(ref, docDigits)) {
				bonus += 0.06
				break
			}
		}
	}
	if bonus > 0.10 {
		bonus = 0.10
	}
	if bonus > 0 {
		a.add(s, "pattern", bonus, "payment wording and reference proximity")
	}
}

func (a *Analyzer) add(s *Score, signal string, weight float64, reason string) {
	s.Score += weight
	s.Breakdown[signal] = weight
	s.Reasons = append(s.Reasons, reason)
}

// numberSimilarity compares two document references on their normalized
// alphanumeric form; 1.0 for an exact match, a length ratio when one is a
// suffix of the other (year prefixes and leading zeros dropped), 0 otherwise.
func numberSimilarity(ref, docNumber string) float64 {
	a := normalizeReference(ref)
	b := normalizeReference(docNumber)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if strings.HasSuffix(longer, shorter) {
		return float64(len(shorter)) / float64(len(longer))
	}
	return 0
}

func normalizeReference(s string) string {
	s = nonAlnum.ReplaceAllString(strings.ToUpper(s), "")
	s = strings.TrimLeft(s, "0")
	return s
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}
