// Package suggest assembles reconciliation proposals by combining candidate
// retrieval, counterparty resolution, pair scoring and subset search.
package suggest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/anagraphics"
	"invoice-reconciliation-engine/internal/matching"
	"invoice-reconciliation-engine/internal/models"
	"invoice-reconciliation-engine/internal/patterns"
	"invoice-reconciliation-engine/internal/store"
)

// Match types reported on suggestions.
const (
	MatchOneToOne = "1_to_1"
	MatchNToM     = "n_to_m"
)

// Suggestion is one reconciliation proposal for the user to accept or refuse.
type Suggestion struct {
	InvoiceIDs      []int64         `json:"invoice_ids"`
	TransactionIDs  []int64         `json:"transaction_ids"`
	ProposedAmount  decimal.Decimal `json:"proposed_amount"`
	ConfidenceBand  matching.Band   `json:"confidence_band"`
	ConfidenceScore float64         `json:"confidence_score"`
	Reasons         []string        `json:"reasons"`
	MatchType       string          `json:"match_type"`
}

// Scorer is a pluggable adjustment applied on top of the analyzer score for
// one pair; the returned value is added to the confidence.
type Scorer func(q matching.Query, c matching.Candidate) float64

// Config bounds the suggestion pipelines.
type Config struct {
	CandidateLimit1to1 int
	CandidateLimitNtoM int
	MinConfidence      float64
	HighConfidence     float64
}

// DefaultConfig returns the documented pipeline bounds.
func DefaultConfig() Config {
	return Config{
		CandidateLimit1to1: 50,
		CandidateLimitNtoM: 100,
		MinConfidence:      matching.LowThreshold,
		HighConfidence:     matching.HighThreshold,
	}
}

// Engine produces suggestions. Every error at or below this layer degrades
// into a smaller (possibly empty) result set: fewer suggestions are
// acceptable, an aborted reconciliation session is not.
type Engine struct {
	cfg       Config
	store     *store.Store
	resolver  *anagraphics.Resolver
	analyzer  *matching.Analyzer
	generator *matching.Generator
	learner   *patterns.Learner
	scorers   []Scorer
	log       logger.Logger
}

// NewEngine wires the suggestion pipeline. learner may be nil: pattern
// adjustments are then skipped.
func NewEngine(cfg Config, st *store.Store, resolver *anagraphics.Resolver, generator *matching.Generator, learner *patterns.Learner, log logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.CandidateLimit1to1 <= 0 {
		cfg.CandidateLimit1to1 = def.CandidateLimit1to1
	}
	if cfg.CandidateLimitNtoM <= 0 {
		cfg.CandidateLimitNtoM = def.CandidateLimitNtoM
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = def.HighConfidence
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		resolver:  resolver,
		analyzer:  matching.NewAnalyzer(),
		generator: generator,
		learner:   learner,
		log:       log.WithComponent("suggest"),
	}
}

// AddScorer registers an extra pair scorer.
func (e *Engine) AddScorer(s Scorer) {
	e.scorers = append(e.scorers, s)
}

// SuggestForTransaction proposes single invoices that explain a transaction's
// open residual.
func (e *Engine) SuggestForTransaction(ctx context.Context, transactionID int64, counterpartyID *int64) (out []Suggestion) {
	defer e.recoverEmpty(&out)

	tx, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		e.log.WithError(err).Debug("suggestion anchor transaction unavailable")
		return nil
	}
	if !tx.ReconciliationStatus.AdmitsReconciliation() {
		return nil
	}
	target := tx.Residual().Abs()
	if target.LessThanOrEqual(models.HalfEpsilon) {
		return nil
	}

	var resolutionReason string
	if counterpartyID == nil && e.resolver != nil {
		if res := e.resolver.Resolve(ctx, tx.Description); res != nil {
			counterpartyID = &res.CounterpartyID
			resolutionReason = fmt.Sprintf("counterparty %s resolved from description (%s)",
				res.Denomination, res.Method)
		}
	}

	candidates, err := e.store.CandidateInvoices1to1(ctx, tx.RequiredDirection(), counterpartyID, target, e.cfg.CandidateLimit1to1)
	if err != nil {
		e.log.WithError(err).Warn("candidate invoice query failed, returning no suggestions")
		return nil
	}

	query := matching.Query{
		Target:          target,
		Description:     tx.Description,
		TransactionDate: tx.TransactionDate,
	}
	for _, c := range candidates {
		pair := matching.Candidate{
			InvoiceID:    c.Invoice.ID,
			Residual:     c.Invoice.Residual(),
			DocNumber:    c.Invoice.DocNumber,
			DocDate:      c.Invoice.DocDate,
			Denomination: c.Denomination,
		}
		score := e.scorePair(query, pair)
		if score.Score < e.cfg.MinConfidence {
			continue
		}
		proposed := decimal.Min(target, pair.Residual)
		reasons := score.Reasons
		if resolutionReason != "" {
			reasons = append(reasons, resolutionReason)
		}
		out = append(out, Suggestion{
			InvoiceIDs:      []int64{pair.InvoiceID},
			TransactionIDs:  []int64{transactionID},
			ProposedAmount:  proposed,
			ConfidenceBand:  score.Band,
			ConfidenceScore: score.Score,
			Reasons:         reasons,
			MatchType:       MatchOneToOne,
		})
	}
	sortSuggestions(out)
	return out
}

// SuggestForInvoice proposes single transactions that could pay an invoice's
// open residual.
func (e *Engine) SuggestForInvoice(ctx context.Context, invoiceID int64) (out []Suggestion) {
	defer e.recoverEmpty(&out)

	inv, err := e.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		e.log.WithError(err).Debug("suggestion anchor invoice unavailable")
		return nil
	}
	if !inv.AdmitsReconciliation() {
		return nil
	}
	target := inv.Residual()
	if target.LessThanOrEqual(models.HalfEpsilon) {
		return nil
	}

	denomination := ""
	if cp, err := e.store.GetCounterparty(ctx, inv.CounterpartyID); err == nil {
		denomination = cp.Denomination
	}

	candidates, err := e.store.CandidateTransactions(ctx, inv.Direction, target, e.cfg.CandidateLimit1to1)
	if err != nil {
		e.log.WithError(err).Warn("candidate transaction query failed, returning no suggestions")
		return nil
	}

	pair := matching.Candidate{
		InvoiceID:    inv.ID,
		Residual:     target,
		DocNumber:    inv.DocNumber,
		DocDate:      inv.DocDate,
		Denomination: denomination,
	}
	for _, tx := range candidates {
		query := matching.Query{
			Target:          tx.Residual().Abs(),
			Description:     tx.Description,
			TransactionDate: tx.TransactionDate,
		}
		score := e.scorePair(query, pair)
		if score.Score < e.cfg.MinConfidence {
			continue
		}
		out = append(out, Suggestion{
			InvoiceIDs:      []int64{inv.ID},
			TransactionIDs:  []int64{tx.ID},
			ProposedAmount:  decimal.Min(target, tx.Residual().Abs()),
			ConfidenceBand:  score.Band,
			ConfidenceScore: score.Score,
			Reasons:         score.Reasons,
			MatchType:       MatchOneToOne,
		})
	}
	sortSuggestions(out)
	return out
}

// SuggestNtoM proposes invoice combinations that jointly explain a
// transaction. The counterparty filter is mandatory: without it the subset
// search space over the whole ledger is unbounded, so the result is empty.
func (e *Engine) SuggestNtoM(ctx context.Context, transactionID int64, counterpartyID *int64) (out []Suggestion) {
	defer e.recoverEmpty(&out)

	if counterpartyID == nil {
		return nil
	}

	tx, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		e.log.WithError(err).Debug("suggestion anchor transaction unavailable")
		return nil
	}
	if !tx.ReconciliationStatus.AdmitsReconciliation() {
		return nil
	}
	target := tx.Residual().Abs()
	if target.LessThanOrEqual(models.HalfEpsilon) {
		return nil
	}

	lo := models.HalfEpsilon
	hi := target.Mul(decimal.NewFromFloat(1.5))
	candidates, err := e.store.CandidateInvoicesNtoM(ctx, tx.RequiredDirection(), *counterpartyID, lo, hi, target, e.cfg.CandidateLimitNtoM)
	if err != nil {
		e.log.WithError(err).Warn("combination candidate query failed, returning no suggestions")
		return nil
	}

	pool := make([]matching.CombinationCandidate, 0, len(candidates))
	for _, c := range candidates {
		pool = append(pool, matching.CombinationCandidate{
			InvoiceID: c.Invoice.ID,
			Residual:  c.Invoice.Residual(),
			DocNumber: c.Invoice.DocNumber,
			DocDate:   c.Invoice.DocDate,
		})
	}

	var pattern *patterns.Pattern
	if e.learner != nil {
		pattern = e.learner.Get(*counterpartyID)
	}

	for _, combo := range e.generator.Combinations(ctx, pool, target) {
		out = append(out, e.buildComboSuggestion(tx, combo, target, pattern))
	}
	out = dedupeCombos(out)
	sortSuggestions(out)
	return out
}

// SuggestNtoMBounded runs the combination search with per-request bounds on
// subset size and wall clock. Zero values keep the engine defaults.
func (e *Engine) SuggestNtoMBounded(ctx context.Context, transactionID int64, counterpartyID *int64, maxSize int, budget time.Duration) []Suggestion {
	if maxSize <= 0 && budget <= 0 {
		return e.SuggestNtoM(ctx, transactionID, counterpartyID)
	}
	cfg := e.generator.Config()
	if maxSize >= 2 {
		cfg.MaxSize = maxSize
	}
	if budget > 0 {
		cfg.MaxWallClock = budget
	}
	bounded := *e
	bounded.generator = matching.NewGenerator(cfg, e.log)
	return bounded.SuggestNtoM(ctx, transactionID, counterpartyID)
}

func (e *Engine) scorePair(q matching.Query, c matching.Candidate) matching.Score {
	score := e.analyzer.Score(q, c)
	for _, scorer := range e.scorers {
		score.Score += scorer(q, c)
	}
	if score.Score > 1 {
		score.Score = 1
	}
	if score.Score < 0 {
		score.Score = 0
	}
	score.Band = e.bandFor(score.Score)
	return score
}

// bandFor applies the configured High threshold on top of the default bands.
func (e *Engine) bandFor(score float64) matching.Band {
	band := matching.BandFor(score)
	if band == matching.BandHigh && score < e.cfg.HighConfidence {
		return matching.BandMedium
	}
	return band
}

func (e *Engine) buildComboSuggestion(tx *models.BankTransaction, combo matching.Combination, target decimal.Decimal, pattern *patterns.Pattern) Suggestion {
	size := len(combo.Candidates)

	closeness := 0.0
	if target.Sign() > 0 {
		gap, _ := combo.Sum.Sub(target).Abs().Div(target).Float64()
		closeness = 1 - gap
	}
	coherence := temporalCoherence(combo)
	sequence := numericSequenceBonus(combo)

	confidence := 0.6 + 0.25*closeness + 0.1*coherence + 0.1*sequence
	if size > 3 {
		confidence -= 0.05 * float64(size-3)
	}

	reasons := []string{
		fmt.Sprintf("%d invoices sum to %s against residual %s", size, combo.Sum.StringFixed(2), target.StringFixed(2)),
	}
	if coherence > 0.5 {
		reasons = append(reasons, "invoice dates are close together")
	}
	if sequence > 0.5 {
		reasons = append(reasons, "document numbers are consecutive")
	}

	if pattern != nil {
		amount, _ := target.Float64()
		oldest := oldestDocDate(combo)
		pred := pattern.Predict(amount, oldest, tx.TransactionDate)
		if pred.OverallConfidence > 0 {
			// Blend to at most ±0.1 around neutral 0.5.
			confidence += (pred.OverallConfidence - 0.5) * 0.2
			reasons = append(reasons, pred.Recommendations...)
		}
	}

	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	ids := make([]int64, 0, size)
	for _, c := range combo.Candidates {
		ids = append(ids, c.InvoiceID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return Suggestion{
		InvoiceIDs:      ids,
		TransactionIDs:  []int64{tx.ID},
		ProposedAmount:  combo.Sum,
		ConfidenceBand:  e.bandFor(confidence),
		ConfidenceScore: confidence,
		Reasons:         reasons,
		MatchType:       MatchNToM,
	}
}

func (e *Engine) recoverEmpty(out *[]Suggestion) {
	if r := recover(); r != nil {
		e.log.Errorf("suggestion pipeline panicked: %v", r)
		*out = nil
	}
}

// temporalCoherence rewards combinations whose invoice dates span little
// time, fading to zero at a 60 day spread.
func temporalCoherence(combo matching.Combination) float64 {
	var minDate, maxDate int64
	for i, c := range combo.Candidates {
		if c.DocDate.IsZero() {
			return 0
		}
		u := c.DocDate.Unix()
		if i == 0 || u < minDate {
			minDate = u
		}
		if i == 0 || u > maxDate {
			maxDate = u
		}
	}
	rangeDays := float64(maxDate-minDate) / 86400
	v := 1 - rangeDays/60
	if v < 0 {
		return 0
	}
	return v
}

// numericSequenceBonus is the fraction of adjacent document numbers, by
// trailing integer, that are consecutive.
func numericSequenceBonus(combo matching.Combination) float64 {
	if len(combo.Candidates) < 2 {
		return 0
	}
	nums := make([]int64, 0, len(combo.Candidates))
	for _, c := range combo.Candidates {
		n, ok := trailingInt(c.DocNumber)
		if !ok {
			return 0
		}
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	consecutive := 0
	for i := 1; i < len(nums); i++ {
		if nums[i] == nums[i-1]+1 {
			consecutive++
		}
	}
	return float64(consecutive) / float64(len(nums)-1)
}

func trailingInt(docNumber string) (int64, bool) {
	end := len(docNumber)
	start := end
	for start > 0 && docNumber[start-1] >= '0' && docNumber[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.ParseInt(docNumber[start:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func oldestDocDate(combo matching.Combination) (oldest time.Time) {
	for _, c := range combo.Candidates {
		if oldest.IsZero() || (!c.DocDate.IsZero() && c.DocDate.Before(oldest)) {
			oldest = c.DocDate
		}
	}
	return oldest
}

// dedupeCombos removes exact invoice-set duplicates, then collapses near
// duplicates: combinations with the same proposed amount sharing more than
// half their invoices keep only the highest-scoring representative.
func dedupeCombos(suggestions []Suggestion) []Suggestion {
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].ConfidenceScore > suggestions[j].ConfidenceScore
	})

	seen := make(map[string]struct{}, len(suggestions))
	var kept []Suggestion
	for _, s := range suggestions {
		key := idKey(s.InvoiceIDs)
		if _, dup := seen[key]; dup {
			continue
		}
		nearDup := false
		for _, k := range kept {
			if k.ProposedAmount.Equal(s.ProposedAmount) && idOverlap(k.InvoiceIDs, s.InvoiceIDs) > 0.5 {
				nearDup = true
				break
			}
		}
		if nearDup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, s)
	}
	return kept
}

func idKey(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func idOverlap(a, b []int64) float64 {
	set := make(map[int64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	shared := 0
	for _, id := range b {
		if _, ok := set[id]; ok {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	if smaller == 0 {
		return 0
	}
	return float64(shared) / float64(smaller)
}

func sortSuggestions(suggestions []Suggestion) {
	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].ConfidenceBand.Rank() != suggestions[j].ConfidenceBand.Rank() {
			return suggestions[i].ConfidenceBand.Rank() > suggestions[j].ConfidenceBand.Rank()
		}
		return suggestions[i].ConfidenceScore > suggestions[j].ConfidenceScore
	})
}
