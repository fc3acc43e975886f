// Package numeric provides the fixed-precision parsing, quantization and
// content-hashing primitives shared by the importers and the engine.
package numeric

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// datePattern matches date-shaped strings that must never be read as amounts
// ("2024-01-15", "15/01/2024", "15.01.2024").
var datePattern = regexp.MustCompile(`^\s*\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}(\s|T|$)`)

// currencyJunk strips symbols and spacing commonly found in imported amounts.
var currencyJunk = strings.NewReplacer("€", "", "$", "", "EUR", "", " ", "", " ", "", "\t", "")

// ToDecimal converts an arbitrary imported value to a decimal, falling back
// to def on anything that cannot be read as money. It never returns an error:
// content hashing must be total and deterministic across importers.
func ToDecimal(value interface{}, def decimal.Decimal) decimal.Decimal {
	switch v := value.(type) {
	case nil:
		return def
	case decimal.Decimal:
		return v
	case *decimal.Decimal:
		if v == nil {
			return def
		}
		return *v
	case int:
		return decimal.NewFromInt(int64(v))
	case int32:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	case float32:
		return floatToDecimal(float64(v), def)
	case float64:
		return floatToDecimal(v, def)
	case string:
		return stringToDecimal(v, def)
	default:
		return def
	}
}

func floatToDecimal(f float64, def decimal.Decimal) decimal.Decimal {
	// NaN and infinities collapse to the default.
	if f != f || f > 1e15 || f < -1e15 {
		return def
	}
	return decimal.NewFromFloat(f)
}

// stringToDecimal handles both Italian ("1.234,56") and English ("1,234.56")
// monetary formats.
func stringToDecimal(s string, def decimal.Decimal) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if datePattern.MatchString(s) {
		return def
	}

	s = currencyJunk.Replace(s)

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	switch {
	case lastComma >= 0 && lastDot >= 0:
		// Both present: the rightmost separator is the decimal mark.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// Comma only: decimal comma unless it looks like an English
		// thousands separator (a single comma with exactly three
		// trailing digits).
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 3 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			head := strings.ReplaceAll(s[:lastComma], ",", "")
			s = head + "." + s[lastComma+1:]
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return def
	}
	return d
}

// Quantize rounds an amount to two fractional digits, half away from zero.
func Quantize(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}

// dateFormats are the document date formats accepted by the importers.
var dateFormats = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"02.01.2006",
}

// ParseDate attempts to parse a date string in the formats produced by
// Italian bank exports and FatturaPA documents.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeDate renders any accepted date representation as YYYY-MM-DD; the
// canonical form used in content hashes. Unparseable input passes through
// trimmed and uppercased so hashing stays total.
func NormalizeDate(s string) string {
	if t, ok := ParseDate(s); ok {
		return t.Format("2006-01-02")
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
