package patterns

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/numeric"
	"invoice-reconciliation-engine/internal/store"
)

// HistorySource supplies the reconciled payment history a pattern trains on;
// the SQL store satisfies it.
type HistorySource interface {
	PaymentHistory(ctx context.Context, counterpartyID int64, since time.Time, limit int) ([]store.PaymentHistoryRow, error)
}

// LearnerConfig holds the pattern cache and training-window knobs.
type LearnerConfig struct {
	TTL         time.Duration
	MaxPatterns int
	Window      time.Duration
	MaxRows     int
	MinRecords  int
}

// DefaultLearnerConfig returns the documented defaults: a two hour cache over
// a trailing three year window capped at 5000 rows per counterparty.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		TTL:         2 * time.Hour,
		MaxPatterns: 1000,
		Window:      3 * 365 * 24 * time.Hour,
		MaxRows:     5000,
		MinRecords:  minTrainingRecords,
	}
}

type patternEntry struct {
	pattern    atomic.Pointer[Pattern]
	training   atomic.Bool
	lastAccess time.Time
}

// Learner lazily trains and caches per-counterparty patterns. Training runs
// on a background goroutine and the result is swapped in atomically, so a
// caller never blocks on first touch: it gets nil (no adjustment) until the
// model is ready.
type Learner struct {
	cfg LearnerConfig
	src HistorySource
	log logger.Logger

	mu      sync.Mutex
	entries map[int64]*patternEntry
}

// NewLearner wires a learner to its history source.
func NewLearner(cfg LearnerConfig, src HistorySource, log logger.Logger) *Learner {
	def := DefaultLearnerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = def.MaxPatterns
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.MinRecords <= 0 {
		cfg.MinRecords = def.MinRecords
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Learner{
		cfg:     cfg,
		src:     src,
		log:     log.WithComponent("patterns"),
		entries: make(map[int64]*patternEntry),
	}
}

// Get returns the current pattern for a counterparty, or nil when none has
// been trained yet. A stale or missing pattern schedules background training.
func (l *Learner) Get(counterpartyID int64) *Pattern {
	l.mu.Lock()
	e, ok := l.entries[counterpartyID]
	if !ok {
		e = &patternEntry{}
		l.entries[counterpartyID] = e
		if len(l.entries) > l.cfg.MaxPatterns {
			l.evictLocked()
		}
	}
	e.lastAccess = time.Now()
	l.mu.Unlock()

	p := e.pattern.Load()
	stale := p == nil || time.Since(p.TrainedAt) > l.cfg.TTL
	if stale && e.training.CompareAndSwap(false, true) {
		go l.train(counterpartyID, e)
	}
	if p != nil && !p.Trained {
		return nil
	}
	return p
}

// Invalidate drops the cached pattern after the counterparty's links changed;
// the next Get retrains from fresh history.
func (l *Learner) Invalidate(counterpartyID int64) {
	l.mu.Lock()
	delete(l.entries, counterpartyID)
	l.mu.Unlock()
}

// TrainNow trains synchronously, bypassing the background path. Used by the
// recompute command and by tests.
func (l *Learner) TrainNow(ctx context.Context, counterpartyID int64) (*Pattern, error) {
	records, err := l.loadHistory(ctx, counterpartyID)
	if err != nil {
		return nil, err
	}
	p := Train(counterpartyID, records)

	l.mu.Lock()
	e, ok := l.entries[counterpartyID]
	if !ok {
		e = &patternEntry{}
		l.entries[counterpartyID] = e
	}
	e.lastAccess = time.Now()
	l.mu.Unlock()

	e.pattern.Store(p)
	return p, nil
}

func (l *Learner) train(counterpartyID int64, e *patternEntry) {
	defer e.training.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := l.loadHistory(ctx, counterpartyID)
	if err != nil {
		l.log.WithError(err).WithField("counterparty_id", counterpartyID).
			Warn("pattern training failed, keeping previous model")
		return
	}
	e.pattern.Store(Train(counterpartyID, records))
	l.log.WithFields(logger.Fields{
		"counterparty_id": counterpartyID,
		"records":         len(records),
	}).Debug("pattern trained")
}

func (l *Learner) loadHistory(ctx context.Context, counterpartyID int64) ([]PaymentRecord, error) {
	since := time.Now().Add(-l.cfg.Window)
	rows, err := l.src.PaymentHistory(ctx, counterpartyID, since, l.cfg.MaxRows)
	if err != nil {
		return nil, err
	}

	records := make([]PaymentRecord, 0, len(rows))
	for _, row := range rows {
		invoiceDate, ok := numeric.ParseDate(row.InvoiceDate)
		if !ok {
			continue
		}
		paymentDate, ok := numeric.ParseDate(row.PaymentDate)
		if !ok {
			continue
		}
		amount, _ := row.Amount.Float64()
		records = append(records, PaymentRecord{
			InvoiceDate:   invoiceDate,
			PaymentDate:   paymentDate,
			Amount:        amount,
			Description:   row.Description,
			DocNumber:     row.DocNumber,
			TransactionID: row.TransactionID,
		})
	}
	// Below the configured floor the model stays inert rather than fitting
	// distributions to a handful of payments.
	if len(records) < l.cfg.MinRecords {
		return nil, nil
	}
	return records, nil
}

// evictLocked drops the fifth of entries least recently touched.
func (l *Learner) evictLocked() {
	type aged struct {
		id         int64
		lastAccess time.Time
	}
	all := make([]aged, 0, len(l.entries))
	for id, e := range l.entries {
		all = append(all, aged{id: id, lastAccess: e.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastAccess.Before(all[j].lastAccess)
	})

	count := len(all) / 5
	if count < 1 {
		count = 1
	}
	for _, a := range all[:count] {
		delete(l.entries, a.id)
	}
}
