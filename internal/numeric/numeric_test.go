package numeric

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestToDecimalStrings(t *testing.T) {
	def := decimal.Zero

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "100.50", "100.50"},
		{"italian decimal comma", "1234,56", "1234.56"},
		{"italian full", "1.234,56", "1234.56"},
		{"english full", "1,234.56", "1234.56"},
		{"english thousands only", "1,234", "1234"},
		{"negative italian", "-1.234,56", "-1234.56"},
		{"currency symbol", "€ 99,90", "99.90"},
		{"dollar", "$1,234.56", "1234.56"},
		{"integer", "42", "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToDecimal(tt.in, def)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("ToDecimal(%q) = %s, want %s", tt.in, got.String(), tt.want)
			}
		})
	}
}

func TestToDecimalRejectsDates(t *testing.T) {
	def := dec("-1")
	for _, s := range []string{"2024-01-15", "15/01/2024", "15.01.2024", "2024-01-15T10:00:00Z"} {
		if got := ToDecimal(s, def); !got.Equal(def) {
			t.Errorf("ToDecimal(%q) = %s, expected default for date-shaped input", s, got.String())
		}
	}
}

func TestToDecimalBadInput(t *testing.T) {
	def := dec("0")
	cases := []interface{}{nil, "", "abc", "12..3", math.NaN(), math.Inf(1), struct{}{}}
	for _, c := range cases {
		if got := ToDecimal(c, def); !got.Equal(def) {
			t.Errorf("ToDecimal(%v) = %s, expected default", c, got.String())
		}
	}
}

func TestToDecimalNumeric(t *testing.T) {
	def := decimal.Zero
	if !ToDecimal(42, def).Equal(dec("42")) {
		t.Error("int conversion failed")
	}
	if !ToDecimal(int64(-7), def).Equal(dec("-7")) {
		t.Error("int64 conversion failed")
	}
	if !ToDecimal(99.5, def).Equal(dec("99.5")) {
		t.Error("float conversion failed")
	}
	if !ToDecimal(dec("3.14"), def).Equal(dec("3.14")) {
		t.Error("decimal passthrough failed")
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"100.005", "100.01"},
		{"100.004", "100.00"},
		{"-100.005", "-100.01"},
		{"100", "100"},
	}
	for _, tt := range tests {
		if got := Quantize(dec(tt.in)); !got.Equal(dec(tt.want)) {
			t.Errorf("Quantize(%s) = %s, want %s", tt.in, got.String(), tt.want)
		}
	}
}

func TestInvoiceHashStability(t *testing.T) {
	base := InvoiceHash("01234567890", "RSSMRA80A01H501U", "TD01", "2024/123", "2024-01-15")

	variants := []struct {
		name string
		hash string
	}{
		{"lowercase fiscal codes", InvoiceHash("01234567890", "rssmra80a01h501u", "td01", "2024/123", "2024-01-15")},
		{"extra whitespace", InvoiceHash(" 01234567890 ", "RSSMRA80A01H501U", "TD01", "  2024/123 ", "2024-01-15")},
		{"italian date format", InvoiceHash("01234567890", "RSSMRA80A01H501U", "TD01", "2024/123", "15/01/2024")},
	}

	for _, v := range variants {
		if v.hash != base {
			t.Errorf("%s: hash changed, expected invariance", v.name)
		}
	}

	different := InvoiceHash("01234567890", "RSSMRA80A01H501U", "TD01", "2024/124", "2024-01-15")
	if different == base {
		t.Error("different document numbers must produce different hashes")
	}
}

func TestTransactionHashStability(t *testing.T) {
	base := TransactionHash("2024-01-15", dec("100.5"), "Bonifico fatt. 123")

	if TransactionHash("15/01/2024", dec("100.50"), "bonifico  fatt. 123") != base {
		t.Error("expected invariance under date format, quantization and case")
	}
	if TransactionHash("2024-01-15", dec("-100.50"), "Bonifico fatt. 123") == base {
		t.Error("sign must be part of the hash")
	}
	if TransactionHash("2024-01-16", dec("100.50"), "Bonifico fatt. 123") == base {
		t.Error("date must be part of the hash")
	}
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2024-01-15", "15/01/2024", "15-01-2024", "15.01.2024"} {
		got, ok := ParseDate(s)
		if !ok {
			t.Errorf("ParseDate(%q) failed", s)
			continue
		}
		if got.Year() != 2024 || got.Month() != 1 || got.Day() != 15 {
			t.Errorf("ParseDate(%q) = %s, want 2024-01-15", s, got.Format("2006-01-02"))
		}
	}
	if _, ok := ParseDate("not a date"); ok {
		t.Error("expected failure for garbage input")
	}
}
