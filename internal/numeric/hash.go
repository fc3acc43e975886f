package numeric

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// Content hashes identify invoices and bank transactions across repeated
// imports. They are SHA-256 over a canonical pipe-joined form so that two
// importers reading the same document always produce the same key.

var whitespaceCollapser = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

// canonicalize uppercases and collapses internal whitespace.
func canonicalize(s string) string {
	s = whitespaceCollapser.Replace(s)
	fields := strings.Fields(s)
	return strings.ToUpper(strings.Join(fields, " "))
}

func hashFields(fields ...string) string {
	joined := strings.Join(fields, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// InvoiceHash computes the stable content hash of an invoice from the fiscal
// identifiers of the two parties and the document coordinates. The date is
// normalized to YYYY-MM-DD; all fields are uppercased with collapsed
// whitespace.
func InvoiceHash(cedenteID, cessionarioID, docType, docNumber, docDate string) string {
	return hashFields(
		canonicalize(cedenteID),
		canonicalize(cessionarioID),
		canonicalize(docType),
		canonicalize(docNumber),
		NormalizeDate(docDate),
	)
}

// TransactionHash computes the stable content hash of a bank transaction.
// The amount is quantized to two decimals with its sign preserved.
func TransactionHash(date string, amount decimal.Decimal, description string) string {
	return hashFields(
		NormalizeDate(date),
		Quantize(amount).StringFixed(2),
		canonicalize(description),
	)
}
