package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/pkg/logger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBandFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Band
	}{
		{0.85, BandHigh},
		{0.6, BandHigh},
		{0.59, BandMedium},
		{0.3, BandMedium},
		{0.2, BandLow},
		{0.15, BandLow},
		{0.1, BandVeryLow},
	}
	for _, tt := range tests {
		if got := BandFor(tt.score); got != tt.want {
			t.Errorf("BandFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestExtractNumbers(t *testing.T) {
	got := ExtractNumbers("SALDO FATT 123/2024 E 0042")
	want := map[string]bool{"123/2024": true, "123": true, "2024": true, "42": true}
	if len(got) != len(want) {
		t.Fatalf("ExtractNumbers = %v, want keys %v", got, want)
	}
	for _, n := range got {
		if !want[n] {
			t.Errorf("unexpected reference %q", n)
		}
	}
}

func TestScoreExactAmountAloneIsMedium(t *testing.T) {
	a := NewAnalyzer()
	got := a.Score(Query{
		Target:      dec("1500.00"),
		Description: "ACCREDITO GENERICO",
	}, Candidate{
		InvoiceID: 1,
		Residual:  dec("1500.00"),
	})

	if got.Breakdown["amount_exact"] != 0.6 {
		t.Errorf("amount_exact = %v, want 0.6", got.Breakdown["amount_exact"])
	}
	if got.Band != BandHigh && got.Band != BandMedium {
		t.Errorf("Band = %v, want at least Medium", got.Band)
	}
	if got.Score < 0.6 || got.Score > 0.61 {
		t.Errorf("bare exact amount score = %v, want 0.6", got.Score)
	}
}

func TestScoreCorroboratedExactAmountIsHigh(t *testing.T) {
	a := NewAnalyzer()
	got := a.Score(Query{
		Target:          dec("1500.00"),
		Description:     "BONIFICO ROSSI COSTRUZIONI SALDO FATTURA 123",
		TransactionDate: day("2026-03-10"),
	}, Candidate{
		InvoiceID:    1,
		Residual:     dec("1500.00"),
		DocNumber:    "123",
		DocDate:      day("2026-03-01"),
		Denomination: "Rossi Costruzioni",
	})

	if got.Band != BandHigh {
		t.Fatalf("Band = %v (score %v), want High", got.Band, got.Score)
	}
	for _, signal := range []string{"amount_exact", "invoice_number", "name_exact", "temporal"} {
		if got.Breakdown[signal] <= 0 {
			t.Errorf("expected %s signal to fire, breakdown = %v", signal, got.Breakdown)
		}
	}
	if len(got.Reasons) < 4 {
		t.Errorf("Reasons = %v, want one per fired signal", got.Reasons)
	}
}

func TestScoreSimilarAmount(t *testing.T) {
	a := NewAnalyzer()
	// 1% off: weight 0.4·(1−0.01/0.02) = 0.2.
	got := a.Score(Query{
		Target:      dec("1000.00"),
		Description: "ACCREDITO",
	}, Candidate{Residual: dec("1010.00")})

	w := got.Breakdown["amount_similar"]
	if w < 0.19 || w > 0.21 {
		t.Errorf("amount_similar = %v, want ~0.2", w)
	}
	if _, ok := got.Breakdown["amount_exact"]; ok {
		t.Error("amount_exact must not fire for a 1% difference")
	}
}

func TestScoreAmountOutsideTolerance(t *testing.T) {
	a := NewAnalyzer()
	got := a.Score(Query{
		Target:      dec("1000.00"),
		Description: "ACCREDITO",
	}, Candidate{Residual: dec("1500.00")})

	if got.Score != 0 {
		t.Errorf("score = %v for a 50%% amount gap with no text, want 0", got.Score)
	}
	if got.Band != BandVeryLow {
		t.Errorf("Band = %v, want VeryLow", got.Band)
	}
}

func TestNumberSimilarity(t *testing.T) {
	tests := []struct {
		ref, doc string
		min, max float64
	}{
		{"123", "123", 1.0, 1.0},
		{"123", "0123", 1.0, 1.0},
		{"2024123", "123", 0.3, 0.5},
		{"456", "123", 0, 0},
	}
	for _, tt := range tests {
		got := numberSimilarity(tt.ref, tt.doc)
		if got < tt.min || got > tt.max {
			t.Errorf("numberSimilarity(%q, %q) = %v, want in [%v, %v]", tt.ref, tt.doc, got, tt.min, tt.max)
		}
	}
}

func newTestGenerator(cfg GeneratorConfig) *Generator {
	return NewGenerator(cfg, logger.Nop())
}

func cands(amounts ...string) []CombinationCandidate {
	out := make([]CombinationCandidate, len(amounts))
	for i, a := range amounts {
		out[i] = CombinationCandidate{InvoiceID: int64(i + 1), Residual: dec(a)}
	}
	return out
}

func TestCombinationsPair(t *testing.T) {
	g := newTestGenerator(GeneratorConfig{})
	got := g.Combinations(context.Background(), cands("30.00", "40.00", "70.00", "55.00"), dec("100.00"))

	if len(got) == 0 {
		t.Fatal("expected at least the {30,70} pair")
	}
	found := false
	for _, combo := range got {
		if !combo.Sum.Sub(dec("100.00")).Abs().LessThanOrEqual(dec("0.02")) {
			t.Errorf("combination sum %s outside tolerance of target", combo.Sum)
		}
		if len(combo.Candidates) == 2 {
			found = true
		}
	}
	if !found {
		t.Error("missing size-2 combination")
	}
}

func TestCombinationsSizeThree(t *testing.T) {
	g := newTestGenerator(GeneratorConfig{})
	got := g.Combinations(context.Background(), cands("30.00", "40.00", "30.00", "200.00"), dec("100.00"))

	if len(got) != 1 {
		t.Fatalf("got %d combinations, want exactly the {30,40,30} triple: %v", len(got), got)
	}
	if len(got[0].Candidates) != 3 {
		t.Errorf("combination size = %d, want 3", len(got[0].Candidates))
	}
	if !got[0].Sum.Equal(dec("100.00")) {
		t.Errorf("Sum = %s, want 100.00", got[0].Sum)
	}
}

func TestCombinationsDeduplicateEqualAmounts(t *testing.T) {
	g := newTestGenerator(GeneratorConfig{})
	// Two invoices both at 50: swapping them is the same economic proposal.
	got := g.Combinations(context.Background(), cands("50.00", "50.00", "50.00"), dec("100.00"))

	if len(got) != 1 {
		t.Errorf("got %d combinations for identical amounts, want 1", len(got))
	}
}

func TestCombinationsNoSolution(t *testing.T) {
	g := newTestGenerator(GeneratorConfig{})
	if got := g.Combinations(context.Background(), cands("10.00", "20.00"), dec("100.00")); len(got) != 0 {
		t.Errorf("got %v, want no combinations", got)
	}
}

func TestCombinationsProperties(t *testing.T) {
	g := newTestGenerator(GeneratorConfig{MaxSize: 4})
	candidates := cands(
		"12.50", "25.00", "37.50", "50.00", "62.50",
		"75.00", "87.50", "100.00", "112.50", "125.00",
		"137.50", "150.00")
	target := dec("200.00")

	got := g.Combinations(context.Background(), candidates, target)
	if len(got) == 0 {
		t.Fatal("expected combinations for a dense candidate set")
	}

	seenAmounts := make(map[string]struct{})
	for _, combo := range got {
		tolerance := decimal.NewFromFloat(0.01 * float64(len(combo.Candidates)))
		if combo.Sum.Sub(target).Abs().GreaterThan(tolerance) {
			t.Errorf("sum %s breaks tolerance for size %d", combo.Sum, len(combo.Candidates))
		}
		if len(combo.Candidates) < 2 || len(combo.Candidates) > 4 {
			t.Errorf("combination size %d out of bounds", len(combo.Candidates))
		}

		ids := make(map[int64]struct{})
		for _, c := range combo.Candidates {
			if _, dup := ids[c.InvoiceID]; dup {
				t.Error("invoice reused within one combination")
			}
			ids[c.InvoiceID] = struct{}{}
		}

		key := comboKey(indexesOf(combo, candidates), sortedCopy(candidates))
		if _, dup := seenAmounts[key]; dup {
			t.Errorf("duplicate amount multiset %s", key)
		}
		seenAmounts[key] = struct{}{}
	}
}

func TestCombinationsBudgetHalts(t *testing.T) {
	amounts := make([]string, 40)
	for i := range amounts {
		amounts[i] = "10.00"
	}
	g := newTestGenerator(GeneratorConfig{MaxSize: 5, MaxIterationsPerSize: 50})

	done := make(chan struct{})
	go func() {
		g.Combinations(context.Background(), cands(amounts...), dec("50.00"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("search did not honor the iteration budget")
	}
}

func sortedCopy(candidates []CombinationCandidate) []CombinationCandidate {
	out := make([]CombinationCandidate, len(candidates))
	copy(out, candidates)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Residual.LessThan(out[j-1].Residual); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func indexesOf(combo Combination, candidates []CombinationCandidate) []int {
	sorted := sortedCopy(candidates)
	var picks []int
	for _, c := range combo.Candidates {
		for i, s := range sorted {
			if s.InvoiceID == c.InvoiceID {
				picks = append(picks, i)
				break
			}
		}
	}
	return picks
}
