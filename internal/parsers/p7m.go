package parsers

import (
	"bytes"

	apperrors "invoice-reconciliation-engine/pkg/errors"
)

// UnwrapP7M extracts the XML payload from a CAdES signed envelope (.xml.p7m).
// The FatturaPA exchange system always embeds the document verbatim inside the
// DER structure, so scanning for the XML boundaries is enough for import. The
// signature itself is not verified.
func UnwrapP7M(data []byte) ([]byte, error) {
	start := bytes.Index(data, []byte("<?xml"))
	if start < 0 {
		// Some producers omit the declaration and start at the root element.
		start = bytes.Index(data, []byte("<FatturaElettronica"))
		if start < 0 {
			start = indexNamespacedRoot(data)
		}
	}
	if start < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"no XML payload found in P7M envelope")
	}

	closing := []byte("FatturaElettronica>")
	end := bytes.LastIndex(data, closing)
	if end < 0 || end <= start {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"truncated XML payload in P7M envelope")
	}
	return data[start : end+len(closing)], nil
}

// indexNamespacedRoot finds a root element written with a namespace prefix,
// e.g. "<p:FatturaElettronica" or "<ns2:FatturaElettronica".
func indexNamespacedRoot(data []byte) int {
	marker := []byte(":FatturaElettronica")
	idx := bytes.Index(data, marker)
	if idx < 0 {
		return -1
	}
	// Walk back over the prefix to the opening bracket.
	for i := idx - 1; i >= 0 && idx-i <= 16; i-- {
		if data[i] == '<' {
			return i
		}
	}
	return -1
}
