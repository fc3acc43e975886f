package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/anagraphics"
	"invoice-reconciliation-engine/internal/matching"
	"invoice-reconciliation-engine/internal/models"
	"invoice-reconciliation-engine/internal/reconciler"
	"invoice-reconciliation-engine/internal/store"
	"invoice-reconciliation-engine/internal/suggest"
)

type fixture struct {
	store  *store.Store
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenInMemory(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cache := anagraphics.NewCache(anagraphics.DefaultConfig(), s, logger.Nop())
	resolver := anagraphics.NewResolver(cache, logger.Nop())
	generator := matching.NewGenerator(matching.DefaultGeneratorConfig(), logger.Nop())
	engine := suggest.NewEngine(suggest.DefaultConfig(), s, resolver, generator, nil, logger.Nop())

	applier := reconciler.NewApplier(s, logger.Nop(), nil)
	batch := reconciler.NewBatchProcessor(s, logger.Nop())
	service := reconciler.NewService(applier, batch, engine, s, logger.Nop())

	return &fixture{store: s, router: SetupRouter(service, logger.Nop())}
}

func (f *fixture) seed(t *testing.T) (invoiceID, transactionID int64) {
	t.Helper()
	ctx := context.Background()

	cpID, err := f.store.UpsertCounterparty(ctx, &models.Counterparty{
		Kind:         models.KindCustomer,
		Denomination: "ACME SRL",
		FiscalID:     "01234567890",
	})
	if err != nil {
		t.Fatal(err)
	}

	docDate, _ := time.Parse("2006-01-02", "2024-03-15")
	invoiceID, err = f.store.InsertInvoice(ctx, &models.Invoice{
		CounterpartyID: cpID,
		Direction:      models.DirectionOutgoing,
		DocType:        "TD01",
		DocNumber:      "42",
		DocDate:        docDate,
		TotalAmount:    decimal.NewFromFloat(100.00),
		PaidAmount:     decimal.Zero,
		PaymentStatus:  models.PaymentOpen,
		ContentHash:    "api-test-inv-42",
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	txDate, _ := time.Parse("2006-01-02", "2024-03-20")
	transactionID, err = f.store.InsertTransaction(ctx, &models.BankTransaction{
		TransactionDate:      txDate,
		Amount:               decimal.NewFromFloat(100.00),
		Description:          "BONIFICO ACME FATT 42",
		ReconciledAmount:     decimal.Zero,
		ReconciliationStatus: models.ReconUnreconciled,
		ContentHash:          "api-test-tx-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return invoiceID, transactionID
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, reconciler.Envelope) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var env reconciler.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %v (body %s)", err, w.Body.String())
	}
	return w, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health returned %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestApplyAndUndoOverHTTP(t *testing.T) {
	f := newFixture(t)
	invoiceID, transactionID := f.seed(t)

	body := `{"invoice_id": ` + itoa(invoiceID) + `, "transaction_id": ` + itoa(transactionID) + `, "amount": "100.00"}`
	w, env := f.do(t, http.MethodPost, "/reconciliation/apply", body)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("apply failed: %d %s", w.Code, env.Message)
	}

	inv, err := f.store.GetInvoice(context.Background(), invoiceID)
	if err != nil {
		t.Fatal(err)
	}
	if inv.PaymentStatus != models.PaymentFullyPaid {
		t.Errorf("expected fully paid, got %s", inv.PaymentStatus)
	}

	w, env = f.do(t, http.MethodDelete, "/reconciliation/by-invoice/"+itoa(invoiceID), "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("undo failed: %d %s", w.Code, env.Message)
	}

	inv, _ = f.store.GetInvoice(context.Background(), invoiceID)
	if inv.PaymentStatus != models.PaymentOpen {
		t.Errorf("expected open after undo, got %s", inv.PaymentStatus)
	}
}

func TestSuggestionsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, transactionID := f.seed(t)

	w, env := f.do(t, http.MethodGet, "/reconciliation/suggestions/1-to-1?transaction_id="+itoa(transactionID), "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("suggestions failed: %d %s", w.Code, env.Message)
	}
	if env.Data == nil {
		t.Fatal("expected suggestions in envelope data")
	}
}

func TestErrorKindMapsToStatus(t *testing.T) {
	f := newFixture(t)

	// Unknown invoice: not_found maps to 404.
	body := `{"invoice_id": 9999, "transaction_id": 9999, "amount": "10.00"}`
	w, env := f.do(t, http.MethodPost, "/reconciliation/apply", body)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if env.Success || env.Error == nil {
		t.Error("expected failure envelope with error body")
	}

	// Missing anchor: validation maps to 400.
	w, _ = f.do(t, http.MethodGet, "/reconciliation/suggestions/1-to-1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	// Bad path id.
	w, _ = f.do(t, http.MethodPost, "/transactions/abc/ignore", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", w.Code)
	}
}

func TestIgnoreEndpoint(t *testing.T) {
	f := newFixture(t)
	_, transactionID := f.seed(t)

	w, env := f.do(t, http.MethodPost, "/transactions/"+itoa(transactionID)+"/ignore", "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("ignore failed: %d %s", w.Code, env.Message)
	}

	tx, err := f.store.GetTransaction(context.Background(), transactionID)
	if err != nil {
		t.Fatal(err)
	}
	if tx.ReconciliationStatus != models.ReconIgnored {
		t.Errorf("expected ignored, got %s", tx.ReconciliationStatus)
	}

	w, env = f.do(t, http.MethodPost, "/transactions/"+itoa(transactionID)+"/unignore", "")
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("unignore failed: %d %s", w.Code, env.Message)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
