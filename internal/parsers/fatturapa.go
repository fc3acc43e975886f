package parsers

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/models"
	"invoice-reconciliation-engine/internal/numeric"
)

// FatturaPA documents come in several namespace flavors (1.1, 1.2, 1.2.1,
// signed and unsigned). Matching on local element names keeps the parser
// working across all of them.

type fatturaDocument struct {
	XMLName xml.Name      `xml:"FatturaElettronica"`
	Header  fatturaHeader `xml:"FatturaElettronicaHeader"`
	Bodies  []fatturaBody `xml:"FatturaElettronicaBody"`
}

type fatturaHeader struct {
	Cedente     fatturaParty `xml:"CedentePrestatore"`
	Cessionario fatturaParty `xml:"CessionarioCommittente"`
}

type fatturaParty struct {
	Anagraphics fatturaAnagraphics `xml:"DatiAnagrafici"`
}

type fatturaAnagraphics struct {
	VatID   fatturaVatID `xml:"IdFiscaleIVA"`
	TaxCode string       `xml:"CodiceFiscale"`
	Profile fatturaName  `xml:"Anagrafica"`
}

type fatturaVatID struct {
	Country string `xml:"IdPaese"`
	Code    string `xml:"IdCodice"`
}

type fatturaName struct {
	Denomination string `xml:"Denominazione"`
	FirstName    string `xml:"Nome"`
	LastName     string `xml:"Cognome"`
}

type fatturaBody struct {
	General  fatturaGeneral  `xml:"DatiGenerali>DatiGeneraliDocumento"`
	Lines    []fatturaLine   `xml:"DatiBeniServizi>DettaglioLinee"`
	VatRows  []fatturaVatRow `xml:"DatiBeniServizi>DatiRiepilogo"`
	Payments []fatturaPay    `xml:"DatiPagamento"`
}

type fatturaGeneral struct {
	DocType  string `xml:"TipoDocumento"`
	Date     string `xml:"Data"`
	Number   string `xml:"Numero"`
	Total    string `xml:"ImportoTotaleDocumento"`
	Currency string `xml:"Divisa"`
}

type fatturaLine struct {
	LineNumber  int    `xml:"NumeroLinea"`
	Description string `xml:"Descrizione"`
	Quantity    string `xml:"Quantita"`
	UnitPrice   string `xml:"PrezzoUnitario"`
	TotalPrice  string `xml:"PrezzoTotale"`
	VatRate     string `xml:"AliquotaIVA"`
}

type fatturaVatRow struct {
	VatRate       string `xml:"AliquotaIVA"`
	TaxableAmount string `xml:"ImponibileImporto"`
	VatAmount     string `xml:"Imposta"`
}

type fatturaPay struct {
	Details []fatturaPayDetail `xml:"DettaglioPagamento"`
}

type fatturaPayDetail struct {
	DueDate string `xml:"DataScadenzaPagamento"`
	Amount  string `xml:"ImportoPagamento"`
}

// ParsedInvoice is one invoice extracted from a FatturaPA file together with
// the counterparty it should be attached to.
type ParsedInvoice struct {
	Counterparty models.Counterparty
	Invoice      models.Invoice
	Lines        []models.InvoiceLine
	VatSummary   []models.InvoiceVatSummary
}

// InvoiceParser reads FatturaPA XML and P7M files. CompanyFiscalID identifies
// which side of the document is us; the other side becomes the counterparty
// and fixes the invoice direction.
type InvoiceParser struct {
	companyFiscalID string
	companyTaxCode  string
	log             logger.Logger
}

// NewInvoiceParser builds a FatturaPA parser for the company identified by
// fiscalID (VAT number) and, optionally, taxCode.
func NewInvoiceParser(fiscalID, taxCode string, log logger.Logger) *InvoiceParser {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &InvoiceParser{
		companyFiscalID: models.NormalizeFiscalCode(fiscalID),
		companyTaxCode:  models.NormalizeFiscalCode(taxCode),
		log:             log.WithComponent("fatturapa"),
	}
}

// ParseFile reads one FatturaPA document from disk. Files ending in .p7m are
// unwrapped first. A single file can carry several bodies (invoice lots); each
// body becomes its own invoice.
func (p *InvoiceParser) ParseFile(ctx context.Context, path string) ([]*ParsedInvoice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Validation(apperrors.CodeInvalidInput, "file not found: %s", path)
		}
		return nil, apperrors.Wrap(err, apperrors.KindInternal, apperrors.CodeUnexpected,
			fmt.Sprintf("failed to read %s", path))
	}

	if strings.EqualFold(filepath.Ext(path), ".p7m") {
		data, err = UnwrapP7M(data)
		if err != nil {
			return nil, err
		}
	}
	return p.Parse(ctx, data)
}

// Parse decodes a FatturaPA XML document.
func (p *InvoiceParser) Parse(ctx context.Context, data []byte) ([]*ParsedInvoice, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var doc fatturaDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, apperrors.CodeInvalidInput,
			"malformed FatturaPA document")
	}
	if len(doc.Bodies) == 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"FatturaPA document has no body")
	}

	cedenteID, cedenteTax := fiscalIdentity(doc.Header.Cedente)
	cessionarioID, cessionarioTax := fiscalIdentity(doc.Header.Cessionario)

	var direction models.Direction
	var other fatturaParty
	var otherKind models.CounterpartyKind
	switch {
	case p.isCompany(cedenteID, cedenteTax):
		// We issued the invoice: the receiver is a customer.
		direction = models.DirectionOutgoing
		other = doc.Header.Cessionario
		otherKind = models.KindCustomer
	case p.isCompany(cessionarioID, cessionarioTax):
		// We received the invoice: the issuer is a supplier.
		direction = models.DirectionIncoming
		other = doc.Header.Cedente
		otherKind = models.KindSupplier
	default:
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"neither party matches company fiscal id %s (cedente=%s, cessionario=%s)",
			p.companyFiscalID, cedenteID, cessionarioID)
	}

	counterparty := models.Counterparty{
		Kind:         otherKind,
		Denomination: partyDenomination(other),
		FiscalID:     models.NormalizeFiscalCode(other.Anagraphics.VatID.Code),
		TaxCode:      models.NormalizeFiscalCode(other.Anagraphics.TaxCode),
	}
	if counterparty.Denomination == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"counterparty has no denomination")
	}
	if !counterparty.HasFiscalIdentity() {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"counterparty %q has no fiscal identity", counterparty.Denomination)
	}

	var results []*ParsedInvoice
	for i := range doc.Bodies {
		parsed, err := p.parseBody(&doc.Bodies[i], cedenteID, cessionarioID, direction, counterparty)
		if err != nil {
			return nil, err
		}
		results = append(results, parsed)
	}
	return results, nil
}

func (p *InvoiceParser) parseBody(body *fatturaBody, cedenteID, cessionarioID string, direction models.Direction, cp models.Counterparty) (*ParsedInvoice, error) {
	g := body.General
	if strings.TrimSpace(g.Number) == "" {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput, "invoice body has no document number")
	}
	docDate, ok := numeric.ParseDate(g.Date)
	if !ok {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"invoice %s has unparseable date %q", g.Number, g.Date)
	}

	total := numeric.Quantize(numeric.ToDecimal(g.Total, decimal.Zero))
	if total.IsZero() {
		// ImportoTotaleDocumento is optional in the standard; reconstruct
		// from the VAT summary when missing.
		for _, row := range body.VatRows {
			total = total.Add(numeric.ToDecimal(row.TaxableAmount, decimal.Zero)).
				Add(numeric.ToDecimal(row.VatAmount, decimal.Zero))
		}
		total = numeric.Quantize(total)
	}
	if total.IsNegative() {
		return nil, apperrors.Validation(apperrors.CodeInvalidAmount,
			"invoice %s has negative total %s", g.Number, total.String())
	}

	invoice := models.Invoice{
		Direction:     direction,
		DocType:       strings.TrimSpace(g.DocType),
		DocNumber:     strings.TrimSpace(g.Number),
		DocDate:       docDate,
		TotalAmount:   total,
		PaidAmount:    decimal.Zero,
		PaymentStatus: models.PaymentOpen,
		ContentHash: numeric.InvoiceHash(cedenteID, cessionarioID,
			g.DocType, g.Number, numeric.NormalizeDate(g.Date)),
	}
	if due := p.dueDate(body); due != nil {
		invoice.DueDate = due
	}

	var lines []models.InvoiceLine
	for _, l := range body.Lines {
		lines = append(lines, models.InvoiceLine{
			LineNumber:  l.LineNumber,
			Description: strings.TrimSpace(l.Description),
			Quantity:    numeric.ToDecimal(l.Quantity, decimal.NewFromInt(1)),
			UnitPrice:   numeric.ToDecimal(l.UnitPrice, decimal.Zero),
			TotalPrice:  numeric.ToDecimal(l.TotalPrice, decimal.Zero),
			VatRate:     numeric.ToDecimal(l.VatRate, decimal.Zero),
		})
	}

	var vat []models.InvoiceVatSummary
	for _, row := range body.VatRows {
		vat = append(vat, models.InvoiceVatSummary{
			VatRate:       numeric.ToDecimal(row.VatRate, decimal.Zero),
			TaxableAmount: numeric.Quantize(numeric.ToDecimal(row.TaxableAmount, decimal.Zero)),
			VatAmount:     numeric.Quantize(numeric.ToDecimal(row.VatAmount, decimal.Zero)),
		})
	}

	return &ParsedInvoice{
		Counterparty: cp,
		Invoice:      invoice,
		Lines:        lines,
		VatSummary:   vat,
	}, nil
}

// dueDate picks the latest payment deadline of the body, the date the whole
// document is considered due.
func (p *InvoiceParser) dueDate(body *fatturaBody) *time.Time {
	var latest *time.Time
	for _, pay := range body.Payments {
		for _, d := range pay.Details {
			t, ok := numeric.ParseDate(d.DueDate)
			if !ok {
				continue
			}
			if latest == nil || t.After(*latest) {
				due := t
				latest = &due
			}
		}
	}
	return latest
}

func (p *InvoiceParser) isCompany(fiscalID, taxCode string) bool {
	if p.companyFiscalID != "" && fiscalID == p.companyFiscalID {
		return true
	}
	if p.companyTaxCode != "" && taxCode == p.companyTaxCode {
		return true
	}
	return false
}

func fiscalIdentity(party fatturaParty) (fiscalID, taxCode string) {
	return models.NormalizeFiscalCode(party.Anagraphics.VatID.Code),
		models.NormalizeFiscalCode(party.Anagraphics.TaxCode)
}

func partyDenomination(party fatturaParty) string {
	a := party.Anagraphics.Profile
	if name := strings.TrimSpace(a.Denomination); name != "" {
		return name
	}
	full := strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName))
	return full
}
