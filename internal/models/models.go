package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the monetary comparison tolerance: amounts closer than one cent
// are considered equal.
var Epsilon = decimal.NewFromFloat(0.01)

// HalfEpsilon is used where residuals below half a cent count as zero.
var HalfEpsilon = decimal.NewFromFloat(0.005)

// Direction tells whether an invoice was issued or received.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// IsValid checks if the direction is one of the known values.
func (d Direction) IsValid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming
}

// ExpectedSign returns +1 for outgoing invoices (paid by incoming credits)
// and -1 for incoming invoices (paid by outgoing debits).
func (d Direction) ExpectedSign() int {
	if d == DirectionIncoming {
		return -1
	}
	return 1
}

// CounterpartyKind distinguishes customers from suppliers.
type CounterpartyKind string

const (
	KindCustomer CounterpartyKind = "customer"
	KindSupplier CounterpartyKind = "supplier"
)

// PaymentStatus is the persisted payment state of an invoice.
type PaymentStatus string

const (
	PaymentOpen          PaymentStatus = "open"
	PaymentOverdue       PaymentStatus = "overdue"
	PaymentPartiallyPaid PaymentStatus = "partially_paid"
	PaymentFullyPaid     PaymentStatus = "fully_paid"
)

// ReconciliationStatus is the persisted reconciliation state of a bank transaction.
type ReconciliationStatus string

const (
	ReconUnreconciled ReconciliationStatus = "unreconciled"
	ReconPartial      ReconciliationStatus = "partially_reconciled"
	ReconFull         ReconciliationStatus = "fully_reconciled"
	ReconExcess       ReconciliationStatus = "excess_reconciled"
	ReconIgnored      ReconciliationStatus = "ignored"
)

// AdmitsReconciliation reports whether further links may be attached to a
// transaction in this state.
func (s ReconciliationStatus) AdmitsReconciliation() bool {
	switch s {
	case ReconFull, ReconExcess, ReconIgnored:
		return false
	}
	return true
}

// Counterparty is the other party of an invoice. FiscalID and TaxCode are
// stored normalized (uppercase, country prefix stripped).
type Counterparty struct {
	ID           int64            `db:"id" json:"id"`
	Kind         CounterpartyKind `db:"kind" json:"kind"`
	Denomination string           `db:"denomination" json:"denomination"`
	FiscalID     string           `db:"fiscal_id" json:"fiscal_id,omitempty"`
	TaxCode      string           `db:"tax_code" json:"tax_code,omitempty"`
	Score        float64          `db:"score" json:"score,omitempty"`
}

// Validate performs basic validation on the Counterparty.
func (c *Counterparty) Validate() error {
	if strings.TrimSpace(c.Denomination) == "" {
		return fmt.Errorf("counterparty denomination cannot be empty")
	}
	if c.Kind != KindCustomer && c.Kind != KindSupplier {
		return fmt.Errorf("invalid counterparty kind: %s", c.Kind)
	}
	return nil
}

// HasFiscalIdentity reports whether at least one fiscal identifier is present,
// which is required for an invoice to be reconcilable.
func (c *Counterparty) HasFiscalIdentity() bool {
	return strings.TrimSpace(c.FiscalID) != "" || strings.TrimSpace(c.TaxCode) != ""
}

// NormalizeFiscalCode uppercases a fiscal identifier and strips the country
// prefix banks sometimes prepend (e.g. "IT01234567890").
func NormalizeFiscalCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, " ", "")
	if len(code) == 13 && strings.HasPrefix(code, "IT") {
		rest := code[2:]
		if isAllDigits(rest) {
			return rest
		}
	}
	return code
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Invoice is an imported FatturaPA document. Only PaidAmount and
// PaymentStatus mutate after import, and only through link changes.
type Invoice struct {
	ID             int64           `db:"id" json:"id"`
	CounterpartyID int64           `db:"counterparty_id" json:"counterparty_id"`
	Direction      Direction       `db:"direction" json:"direction"`
	DocType        string          `db:"doc_type" json:"doc_type"`
	DocNumber      string          `db:"doc_number" json:"doc_number"`
	DocDate        time.Time       `db:"doc_date" json:"doc_date"`
	DueDate        *time.Time      `db:"due_date" json:"due_date,omitempty"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	PaidAmount     decimal.Decimal `db:"paid_amount" json:"paid_amount"`
	PaymentStatus  PaymentStatus   `db:"payment_status" json:"payment_status"`
	ContentHash    string          `db:"content_hash" json:"content_hash"`
}

// Validate performs basic validation on the Invoice.
func (inv *Invoice) Validate() error {
	if inv.CounterpartyID == 0 {
		return fmt.Errorf("invoice counterparty cannot be empty")
	}
	if !inv.Direction.IsValid() {
		return fmt.Errorf("invalid invoice direction: %s", inv.Direction)
	}
	if strings.TrimSpace(inv.DocNumber) == "" {
		return fmt.Errorf("invoice document number cannot be empty")
	}
	if inv.DocDate.IsZero() {
		return fmt.Errorf("invoice document date cannot be zero")
	}
	if inv.TotalAmount.IsNegative() {
		return fmt.Errorf("invoice total amount cannot be negative")
	}
	if inv.PaidAmount.GreaterThan(inv.TotalAmount.Add(Epsilon)) {
		return fmt.Errorf("invoice paid amount %s exceeds total %s",
			inv.PaidAmount.String(), inv.TotalAmount.String())
	}
	if strings.TrimSpace(inv.ContentHash) == "" {
		return fmt.Errorf("invoice content hash cannot be empty")
	}
	return nil
}

// Residual returns the open balance still to be paid.
func (inv *Invoice) Residual() decimal.Decimal {
	return inv.TotalAmount.Sub(inv.PaidAmount)
}

// AdmitsReconciliation reports whether the invoice can still receive links.
func (inv *Invoice) AdmitsReconciliation() bool {
	return inv.PaymentStatus != PaymentFullyPaid &&
		inv.Residual().GreaterThan(HalfEpsilon)
}

// String returns a short description of the invoice for logs.
func (inv *Invoice) String() string {
	return fmt.Sprintf("Invoice{ID: %d, Number: %s, Total: %s, Paid: %s, Status: %s}",
		inv.ID, inv.DocNumber, inv.TotalAmount.String(), inv.PaidAmount.String(), inv.PaymentStatus)
}

// InvoiceLine is a detail row persisted for parsers; the engine does not
// consume it.
type InvoiceLine struct {
	ID          int64           `db:"id" json:"id"`
	InvoiceID   int64           `db:"invoice_id" json:"invoice_id"`
	LineNumber  int             `db:"line_number" json:"line_number"`
	Description string          `db:"description" json:"description"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice  decimal.Decimal `db:"total_price" json:"total_price"`
	VatRate     decimal.Decimal `db:"vat_rate" json:"vat_rate"`
}

// InvoiceVatSummary is an aggregate VAT row persisted for parsers.
type InvoiceVatSummary struct {
	ID            int64           `db:"id" json:"id"`
	InvoiceID     int64           `db:"invoice_id" json:"invoice_id"`
	VatRate       decimal.Decimal `db:"vat_rate" json:"vat_rate"`
	TaxableAmount decimal.Decimal `db:"taxable_amount" json:"taxable_amount"`
	VatAmount     decimal.Decimal `db:"vat_amount" json:"vat_amount"`
}

// BankTransaction is an imported bank statement row. Amount is signed:
// positive for credits, negative for debits. ReconciledAmount is absolute.
type BankTransaction struct {
	ID                   int64                `db:"id" json:"id"`
	TransactionDate      time.Time            `db:"transaction_date" json:"transaction_date"`
	Amount               decimal.Decimal      `db:"amount" json:"amount"`
	Description          string               `db:"description" json:"description"`
	CausalCode           string               `db:"causal_code" json:"causal_code,omitempty"`
	ReconciledAmount     decimal.Decimal      `db:"reconciled_amount" json:"reconciled_amount"`
	ReconciliationStatus ReconciliationStatus `db:"reconciliation_status" json:"reconciliation_status"`
	ContentHash          string               `db:"content_hash" json:"content_hash"`
}

// Validate performs basic validation on the BankTransaction.
func (t *BankTransaction) Validate() error {
	if t.TransactionDate.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction amount cannot be zero")
	}
	if t.ReconciledAmount.GreaterThan(t.Amount.Abs().Add(Epsilon)) {
		return fmt.Errorf("reconciled amount %s exceeds transaction amount %s",
			t.ReconciledAmount.String(), t.Amount.Abs().String())
	}
	if strings.TrimSpace(t.ContentHash) == "" {
		return fmt.Errorf("transaction content hash cannot be empty")
	}
	return nil
}

// Residual returns the unreconciled portion, preserving the amount's sign.
func (t *BankTransaction) Residual() decimal.Decimal {
	abs := t.Amount.Abs().Sub(t.ReconciledAmount)
	if t.Amount.IsNegative() {
		return abs.Neg()
	}
	return abs
}

// RequiredDirection returns the invoice direction this transaction can pay:
// credits settle outgoing invoices, debits settle incoming ones.
func (t *BankTransaction) RequiredDirection() Direction {
	if t.Amount.IsNegative() {
		return DirectionIncoming
	}
	return DirectionOutgoing
}

// String returns a short description of the transaction for logs.
func (t *BankTransaction) String() string {
	return fmt.Sprintf("BankTransaction{ID: %d, Date: %s, Amount: %s, Status: %s}",
		t.ID, t.TransactionDate.Format("2006-01-02"), t.Amount.String(), t.ReconciliationStatus)
}

// ReconciliationLink asserts that a portion of a transaction pays a portion
// of an invoice. ReconciledAmount is always positive.
type ReconciliationLink struct {
	ID               int64           `db:"id" json:"id"`
	InvoiceID        int64           `db:"invoice_id" json:"invoice_id"`
	TransactionID    int64           `db:"transaction_id" json:"transaction_id"`
	ReconciledAmount decimal.Decimal `db:"reconciled_amount" json:"reconciled_amount"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// Validate performs basic validation on the ReconciliationLink.
func (l *ReconciliationLink) Validate() error {
	if l.InvoiceID == 0 || l.TransactionID == 0 {
		return fmt.Errorf("link must reference an invoice and a transaction")
	}
	if !l.ReconciledAmount.IsPositive() {
		return fmt.Errorf("link reconciled amount must be positive, got %s",
			l.ReconciledAmount.String())
	}
	return nil
}

// ComputePaymentStatus derives the payment status of an invoice from the sum
// of its linked amounts. This is the single source of truth for invoice
// states: callers recompute from stored links, never by delta arithmetic.
func ComputePaymentStatus(total, linked decimal.Decimal, dueDate *time.Time, today time.Time) PaymentStatus {
	if linked.LessThanOrEqual(HalfEpsilon) {
		if dueDate != nil && dueDate.Before(truncateDay(today)) {
			return PaymentOverdue
		}
		return PaymentOpen
	}
	if linked.Sub(total).Abs().LessThanOrEqual(Epsilon) {
		return PaymentFullyPaid
	}
	return PaymentPartiallyPaid
}

// ComputeReconciliationStatus derives the reconciliation status of a bank
// transaction from the sum of its linked amounts. Ignored is sticky: once a
// transaction is ignored only an explicit un-ignore clears it.
func ComputeReconciliationStatus(amount, linked decimal.Decimal, current ReconciliationStatus) ReconciliationStatus {
	if current == ReconIgnored {
		return ReconIgnored
	}
	abs := amount.Abs()
	if linked.GreaterThan(abs.Add(Epsilon)) {
		return ReconExcess
	}
	if linked.Sub(abs).Abs().LessThanOrEqual(Epsilon) {
		return ReconFull
	}
	if linked.LessThanOrEqual(HalfEpsilon) {
		return ReconUnreconciled
	}
	return ReconPartial
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// WithinEpsilon reports whether two amounts differ by at most the monetary
// tolerance.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
