package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/store"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// regularHistory is a counterparty paying ~1000 about 30 days after invoicing.
func regularHistory(n int) []PaymentRecord {
	records := make([]PaymentRecord, 0, n)
	base := day("2025-01-10")
	for i := 0; i < n; i++ {
		inv := base.AddDate(0, i, 0)
		records = append(records, PaymentRecord{
			InvoiceDate:   inv,
			PaymentDate:   inv.AddDate(0, 0, 28+i%5),
			Amount:        1000 + float64(i%3)*10,
			Description:   "bonifico saldo fattura",
			DocNumber:     "100",
			TransactionID: int64(i + 1),
		})
	}
	return records
}

func TestTrainBelowMinimumIsInert(t *testing.T) {
	p := Train(1, regularHistory(4))
	if p.Trained {
		t.Fatal("pattern with 4 records must stay un-trained")
	}
	pred := p.Predict(1000, day("2025-06-01"), day("2025-07-01"))
	if pred.OverallConfidence != 0 || pred.AmountClusterMatch != 0 {
		t.Errorf("un-trained pattern must predict zero adjustment, got %+v", pred)
	}
}

func TestNilPatternPredictsZero(t *testing.T) {
	var p *Pattern
	if pred := p.Predict(100, day("2025-01-01"), day("2025-02-01")); pred.OverallConfidence != 0 {
		t.Errorf("nil pattern predicted %+v", pred)
	}
}

func TestTrainedPatternRecognizesHabit(t *testing.T) {
	p := Train(1, regularHistory(24))
	if !p.Trained {
		t.Fatal("expected trained pattern")
	}

	typical := p.Predict(1000, day("2026-01-10"), day("2026-02-08"))
	atypical := p.Predict(50000, day("2026-01-10"), day("2026-12-20"))

	if typical.AmountClusterMatch <= atypical.AmountClusterMatch {
		t.Errorf("typical amount scored %v, atypical %v; want typical higher",
			typical.AmountClusterMatch, atypical.AmountClusterMatch)
	}
	if typical.TemporalLikelihood <= atypical.TemporalLikelihood {
		t.Errorf("typical timing scored %v, atypical %v; want typical higher",
			typical.TemporalLikelihood, atypical.TemporalLikelihood)
	}
	if typical.OverallConfidence <= atypical.OverallConfidence {
		t.Errorf("overall confidence did not separate typical from atypical")
	}
}

func TestIntervalClamping(t *testing.T) {
	records := regularHistory(6)
	// One invoice paid "before" issue and one after two years; both clamp.
	records[0].PaymentDate = records[0].InvoiceDate.AddDate(0, 0, -10)
	records[1].PaymentDate = records[1].InvoiceDate.AddDate(2, 0, 0)

	p := Train(1, records)
	if !p.Trained {
		t.Fatal("expected trained pattern")
	}
	if p.Temporal.MeanDays < 0 || p.Temporal.MeanDays > maxIntervalDays {
		t.Errorf("MeanDays = %v, want within [0, %d]", p.Temporal.MeanDays, maxIntervalDays)
	}
}

func TestSequenceModel(t *testing.T) {
	records := regularHistory(6)
	// Three invoices settled by the same bank movement.
	records[3].TransactionID = 99
	records[4].TransactionID = 99
	records[5].TransactionID = 99

	p := Train(1, records)
	if p.Sequence.MaxPerPayment != 3 {
		t.Errorf("MaxPerPayment = %d, want 3", p.Sequence.MaxPerPayment)
	}
	if p.Sequence.MultiShare <= 0 {
		t.Error("MultiShare should reflect the shared payment")
	}
}

func TestAmountClusteringSeparatesBands(t *testing.T) {
	records := make([]PaymentRecord, 0, 12)
	base := day("2025-01-01")
	for i := 0; i < 6; i++ {
		inv := base.AddDate(0, i, 0)
		records = append(records,
			PaymentRecord{InvoiceDate: inv, PaymentDate: inv.AddDate(0, 0, 30), Amount: 100, TransactionID: int64(i*2 + 1)},
			PaymentRecord{InvoiceDate: inv, PaymentDate: inv.AddDate(0, 0, 30), Amount: 5000, TransactionID: int64(i*2 + 2)},
		)
	}
	p := Train(1, records)
	if len(p.Amounts.Clusters) < 2 {
		t.Fatalf("expected two amount clusters, got %+v", p.Amounts.Clusters)
	}
}

type fakeHistory struct {
	rows  []store.PaymentHistoryRow
	err   error
	calls int
}

func (f *fakeHistory) PaymentHistory(ctx context.Context, counterpartyID int64, since time.Time, limit int) ([]store.PaymentHistoryRow, error) {
	f.calls++
	return f.rows, f.err
}

func historyRows(n int) []store.PaymentHistoryRow {
	rows := make([]store.PaymentHistoryRow, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, store.PaymentHistoryRow{
			InvoiceDate:   "2025-01-10",
			DocNumber:     "100",
			PaymentDate:   "2025-02-09",
			Description:   "bonifico saldo",
			Amount:        decimal.NewFromInt(1000),
			TransactionID: int64(i + 1),
		})
	}
	return rows
}

func TestLearnerTrainNow(t *testing.T) {
	src := &fakeHistory{rows: historyRows(8)}
	l := NewLearner(DefaultLearnerConfig(), src, logger.Nop())

	p, err := l.TrainNow(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Trained || p.CounterpartyID != 7 {
		t.Errorf("TrainNow = %+v, want trained pattern for counterparty 7", p)
	}
	if got := l.Get(7); got == nil || !got.Trained {
		t.Error("Get should return the freshly trained pattern")
	}
}

func TestLearnerGetDoesNotBlock(t *testing.T) {
	src := &fakeHistory{rows: historyRows(8)}
	l := NewLearner(DefaultLearnerConfig(), src, logger.Nop())

	if p := l.Get(1); p != nil {
		t.Error("first touch should return nil while training runs in background")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p := l.Get(1); p != nil && p.Trained {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background training never completed")
}

func TestLearnerInvalidateForcesRetrain(t *testing.T) {
	src := &fakeHistory{rows: historyRows(8)}
	l := NewLearner(DefaultLearnerConfig(), src, logger.Nop())

	if _, err := l.TrainNow(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	calls := src.calls
	l.Invalidate(1)

	if p := l.Get(1); p != nil {
		t.Error("invalidated pattern should not be served")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if src.calls > calls {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("invalidation did not trigger retraining")
}
