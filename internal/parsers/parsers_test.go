package parsers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/models"
	"invoice-reconciliation-engine/internal/store"
)

const companyVat = "01234567890"

const sampleInvoiceXML = `<?xml version="1.0" encoding="UTF-8"?>
<p:FatturaElettronica versione="FPR12" xmlns:p="http://ivaservizi.agenziaentrate.gov.it/docs/xsd/fatture/v1.2">
  <FatturaElettronicaHeader>
    <CedentePrestatore>
      <DatiAnagrafici>
        <IdFiscaleIVA><IdPaese>IT</IdPaese><IdCodice>01234567890</IdCodice></IdFiscaleIVA>
        <Anagrafica><Denominazione>ACME SRL</Denominazione></Anagrafica>
      </DatiAnagrafici>
    </CedentePrestatore>
    <CessionarioCommittente>
      <DatiAnagrafici>
        <IdFiscaleIVA><IdPaese>IT</IdPaese><IdCodice>09876543210</IdCodice></IdFiscaleIVA>
        <Anagrafica><Denominazione>ROSSI COSTRUZIONI SPA</Denominazione></Anagrafica>
      </DatiAnagrafici>
    </CessionarioCommittente>
  </FatturaElettronicaHeader>
  <FatturaElettronicaBody>
    <DatiGenerali>
      <DatiGeneraliDocumento>
        <TipoDocumento>TD01</TipoDocumento>
        <Divisa>EUR</Divisa>
        <Data>2024-03-15</Data>
        <Numero>42/A</Numero>
        <ImportoTotaleDocumento>1220.00</ImportoTotaleDocumento>
      </DatiGeneraliDocumento>
    </DatiGenerali>
    <DatiBeniServizi>
      <DettaglioLinee>
        <NumeroLinea>1</NumeroLinea>
        <Descrizione>Consulenza tecnica</Descrizione>
        <Quantita>10.00</Quantita>
        <PrezzoUnitario>100.00</PrezzoUnitario>
        <PrezzoTotale>1000.00</PrezzoTotale>
        <AliquotaIVA>22.00</AliquotaIVA>
      </DettaglioLinee>
      <DatiRiepilogo>
        <AliquotaIVA>22.00</AliquotaIVA>
        <ImponibileImporto>1000.00</ImponibileImporto>
        <Imposta>220.00</Imposta>
      </DatiRiepilogo>
    </DatiBeniServizi>
    <DatiPagamento>
      <DettaglioPagamento>
        <DataScadenzaPagamento>2024-04-30</DataScadenzaPagamento>
        <ImportoPagamento>1220.00</ImportoPagamento>
      </DettaglioPagamento>
    </DatiPagamento>
  </FatturaElettronicaBody>
</p:FatturaElettronica>`

func TestParseOutgoingInvoice(t *testing.T) {
	parser := NewInvoiceParser(companyVat, "", logger.Nop())
	parsed, err := parser.Parse(context.Background(), []byte(sampleInvoiceXML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(parsed) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(parsed))
	}

	doc := parsed[0]
	if doc.Invoice.Direction != models.DirectionOutgoing {
		t.Errorf("expected outgoing direction, got %s", doc.Invoice.Direction)
	}
	if doc.Counterparty.Kind != models.KindCustomer {
		t.Errorf("expected customer counterparty, got %s", doc.Counterparty.Kind)
	}
	if doc.Counterparty.Denomination != "ROSSI COSTRUZIONI SPA" {
		t.Errorf("wrong denomination: %s", doc.Counterparty.Denomination)
	}
	if doc.Counterparty.FiscalID != "09876543210" {
		t.Errorf("wrong fiscal id: %s", doc.Counterparty.FiscalID)
	}
	if doc.Invoice.DocNumber != "42/A" {
		t.Errorf("wrong doc number: %s", doc.Invoice.DocNumber)
	}
	if !doc.Invoice.TotalAmount.Equal(decimal.NewFromFloat(1220.00)) {
		t.Errorf("wrong total: %s", doc.Invoice.TotalAmount)
	}
	if doc.Invoice.DueDate == nil || doc.Invoice.DueDate.Format("2006-01-02") != "2024-04-30" {
		t.Errorf("wrong due date: %v", doc.Invoice.DueDate)
	}
	if doc.Invoice.ContentHash == "" {
		t.Error("content hash is empty")
	}
	if len(doc.Lines) != 1 || len(doc.VatSummary) != 1 {
		t.Errorf("expected 1 line and 1 vat row, got %d/%d", len(doc.Lines), len(doc.VatSummary))
	}
}

func TestParseIncomingInvoice(t *testing.T) {
	// Same document seen from the receiver's side.
	parser := NewInvoiceParser("09876543210", "", logger.Nop())
	parsed, err := parser.Parse(context.Background(), []byte(sampleInvoiceXML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	doc := parsed[0]
	if doc.Invoice.Direction != models.DirectionIncoming {
		t.Errorf("expected incoming direction, got %s", doc.Invoice.Direction)
	}
	if doc.Counterparty.Kind != models.KindSupplier {
		t.Errorf("expected supplier counterparty, got %s", doc.Counterparty.Kind)
	}
	if doc.Counterparty.Denomination != "ACME SRL" {
		t.Errorf("wrong denomination: %s", doc.Counterparty.Denomination)
	}
}

func TestParseUnknownCompanyRejected(t *testing.T) {
	parser := NewInvoiceParser("11111111111", "", logger.Nop())
	if _, err := parser.Parse(context.Background(), []byte(sampleInvoiceXML)); err == nil {
		t.Fatal("expected error when neither party matches the company")
	}
}

func TestContentHashStableAcrossReparse(t *testing.T) {
	parser := NewInvoiceParser(companyVat, "", logger.Nop())
	first, err := parser.Parse(context.Background(), []byte(sampleInvoiceXML))
	if err != nil {
		t.Fatal(err)
	}
	second, err := parser.Parse(context.Background(), []byte(sampleInvoiceXML))
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Invoice.ContentHash != second[0].Invoice.ContentHash {
		t.Error("content hash differs across reparses")
	}
}

func TestUnwrapP7M(t *testing.T) {
	payload := []byte(sampleInvoiceXML)
	envelope := append([]byte{0x30, 0x82, 0x10, 0x00, 0x06, 0x09}, payload...)
	envelope = append(envelope, 0x31, 0x82, 0x05, 0x00)

	xmlData, err := UnwrapP7M(envelope)
	if err != nil {
		t.Fatalf("UnwrapP7M failed: %v", err)
	}

	parser := NewInvoiceParser(companyVat, "", logger.Nop())
	parsed, err := parser.Parse(context.Background(), xmlData)
	if err != nil {
		t.Fatalf("Parse of unwrapped payload failed: %v", err)
	}
	if parsed[0].Invoice.DocNumber != "42/A" {
		t.Errorf("wrong doc number after unwrap: %s", parsed[0].Invoice.DocNumber)
	}
}

func TestUnwrapP7MNoPayload(t *testing.T) {
	if _, err := UnwrapP7M([]byte{0x30, 0x82, 0x01, 0x02, 0x03}); err == nil {
		t.Fatal("expected error for envelope without XML payload")
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseStandardStatement(t *testing.T) {
	path := writeTempFile(t, "statement.csv",
		"Date,Amount,Description,Causal\n"+
			"2024-03-20,1220.00,BONIFICO ROSSI COSTRUZIONI FATT 42/A,ZZ1\n"+
			"2024-03-21,-350.50,PAGAMENTO FORNITORE BIANCHI,ZZ2\n"+
			"\n"+
			"2024-03-22,bad,BROKEN ROW,\n")

	parser := NewStatementParser(StandardBankProfile(), logger.Nop())
	transactions, stats, err := parser.ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}

	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if stats.RecordsValid != 2 || len(stats.Errors) != 1 {
		t.Errorf("unexpected stats: valid=%d errors=%d", stats.RecordsValid, len(stats.Errors))
	}
	if !transactions[0].Amount.Equal(decimal.NewFromFloat(1220.00)) {
		t.Errorf("wrong credit amount: %s", transactions[0].Amount)
	}
	if !transactions[1].Amount.Equal(decimal.NewFromFloat(-350.50)) {
		t.Errorf("wrong debit amount: %s", transactions[1].Amount)
	}
	if transactions[0].ContentHash == transactions[1].ContentHash {
		t.Error("distinct rows share a content hash")
	}
}

func TestParseIntesaSplitColumns(t *testing.T) {
	path := writeTempFile(t, "intesa.csv",
		"Data Contabile;Addebiti;Accrediti;Descrizione Operazione;Causale ABI\n"+
			"15/03/2024;;1.220,00;BONIFICO A VOSTRO FAVORE;48\n"+
			"16/03/2024;350,50;;PAGAMENTO UTENZE;26\n")

	parser := NewStatementParser(IntesaBankProfile(), logger.Nop())
	transactions, _, err := parser.ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if !transactions[0].Amount.Equal(decimal.NewFromFloat(1220.00)) {
		t.Errorf("credit row: got %s", transactions[0].Amount)
	}
	if !transactions[1].Amount.Equal(decimal.NewFromFloat(-350.50)) {
		t.Errorf("debit row: got %s", transactions[1].Amount)
	}
	if transactions[0].TransactionDate.Format("2006-01-02") != "2024-03-15" {
		t.Errorf("wrong date: %s", transactions[0].TransactionDate)
	}
}

func TestAutoDetectProfile(t *testing.T) {
	intesa := AutoDetectProfile([]string{"Data Contabile", "Addebiti", "Accrediti", "Descrizione Operazione", "Causale ABI"})
	if intesa.Name != "intesa" {
		t.Errorf("expected intesa profile, got %s", intesa.Name)
	}

	standard := AutoDetectProfile([]string{"Date", "Amount", "Description"})
	if standard.Name != "standard" {
		t.Errorf("expected standard profile, got %s", standard.Name)
	}
}

func TestAutoDetectionFromFile(t *testing.T) {
	path := writeTempFile(t, "auto.csv",
		"Data Operazione;Importo;Descrizione;Causale\n"+
			"20/03/2024;500,00;INCASSO RIBA;ZZ\n")

	parser := NewStatementParser(nil, logger.Nop())
	transactions, _, err := parser.ParseFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(transactions))
	}
	if !transactions[0].Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("wrong amount: %s", transactions[0].Amount)
	}
}

func TestImportIdempotency(t *testing.T) {
	s, err := store.OpenInMemory(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	importer := NewImporter(s, logger.Nop())

	invPath := writeTempFile(t, "invoice.xml", sampleInvoiceXML)
	invParser := NewInvoiceParser(companyVat, "", logger.Nop())

	first, err := importer.ImportInvoiceFiles(ctx, invParser, []string{invPath})
	if err != nil {
		t.Fatal(err)
	}
	if first.Imported != 1 || first.Duplicates != 0 {
		t.Fatalf("first import: imported=%d duplicates=%d", first.Imported, first.Duplicates)
	}

	second, err := importer.ImportInvoiceFiles(ctx, invParser, []string{invPath})
	if err != nil {
		t.Fatal(err)
	}
	if second.Imported != 0 || second.Duplicates != 1 {
		t.Fatalf("second import: imported=%d duplicates=%d", second.Imported, second.Duplicates)
	}

	csvPath := writeTempFile(t, "statement.csv",
		"Date,Amount,Description\n2024-03-20,1220.00,BONIFICO ROSSI FATT 42/A\n")
	stmtParser := NewStatementParser(StandardBankProfile(), logger.Nop())

	firstStmt, err := importer.ImportStatement(ctx, stmtParser, csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if firstStmt.Imported != 1 {
		t.Fatalf("first statement import: imported=%d", firstStmt.Imported)
	}

	secondStmt, err := importer.ImportStatement(ctx, stmtParser, csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if secondStmt.Imported != 0 || secondStmt.Duplicates != 1 {
		t.Fatalf("second statement import: imported=%d duplicates=%d",
			secondStmt.Imported, secondStmt.Duplicates)
	}
}

func TestImportBadFileContinues(t *testing.T) {
	s, err := store.OpenInMemory(logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	bad := writeTempFile(t, "bad.xml", "<not-a-fattura/>")
	good := writeTempFile(t, "good.xml", sampleInvoiceXML)

	importer := NewImporter(s, logger.Nop())
	parser := NewInvoiceParser(companyVat, "", logger.Nop())

	result, err := importer.ImportInvoiceFiles(context.Background(), parser, []string{bad, good})
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != 1 || result.Failed != 1 {
		t.Fatalf("imported=%d failed=%d", result.Imported, result.Failed)
	}
}
