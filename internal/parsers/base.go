// Package parsers ingests the two external document flows the engine
// reconciles: FatturaPA electronic invoices (plain XML or signed P7M
// envelopes) and bank statement CSV exports in the formats Italian banks
// produce.
//
// Parsers tolerate bad rows: a malformed record is reported in the parse
// stats and skipped, the rest of the file proceeds. Idempotency is enforced
// downstream through content hashes, so re-importing the same file is safe.
package parsers

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"
)

// ParseError describes a single bad record.
type ParseError struct {
	Line    int
	Field   string
	Value   string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error at line %d (%s=%q): %s: %v",
			e.Line, e.Field, e.Value, e.Message, e.Err)
	}
	return fmt.Sprintf("parse error at line %d (%s=%q): %s", e.Line, e.Field, e.Value, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseStats summarizes one import run.
type ParseStats struct {
	TotalLines    int           `json:"total_lines"`
	RecordsParsed int           `json:"records_parsed"`
	RecordsValid  int           `json:"records_valid"`
	Errors        []*ParseError `json:"errors,omitempty"`
}

// NewParseStats creates empty stats.
func NewParseStats() *ParseStats {
	return &ParseStats{}
}

// AddError records a bad row.
func (s *ParseStats) AddError(err *ParseError) {
	s.Errors = append(s.Errors, err)
}

// HasErrors reports whether any row failed.
func (s *ParseStats) HasErrors() bool {
	return len(s.Errors) > 0
}

// csvContext tracks position and header layout while reading one file.
type csvContext struct {
	LineNumber int
	Headers    []string
	HeaderMap  map[string]int
	ctx        context.Context
}

func newCSVContext(ctx context.Context) *csvContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &csvContext{HeaderMap: make(map[string]int), ctx: ctx}
}

func (c *csvContext) cancelled() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// columnIndex resolves a header name case-insensitively, or -1.
func (c *csvContext) columnIndex(name string) int {
	if idx, ok := c.HeaderMap[name]; ok {
		return idx
	}
	lower := strings.ToLower(name)
	for header, idx := range c.HeaderMap {
		if strings.ToLower(header) == lower {
			return idx
		}
	}
	return -1
}

func (c *csvContext) fieldValue(record []string, name string) (string, error) {
	idx := c.columnIndex(name)
	if idx < 0 {
		return "", fmt.Errorf("column %q not found", name)
	}
	if idx >= len(record) {
		return "", fmt.Errorf("record has %d fields, column %q is at %d", len(record), name, idx)
	}
	return strings.TrimSpace(record[idx]), nil
}

// csvReader wraps file opening and header reading shared by the CSV
// importers.
type csvReader struct {
	delimiter rune
	log       logger.Logger
}

func newCSVReader(delimiter rune, log logger.Logger) *csvReader {
	if delimiter == 0 {
		delimiter = ','
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &csvReader{delimiter: delimiter, log: log}
}

func (r *csvReader) open(path string) (*os.File, *csv.Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apperrors.Validation(apperrors.CodeInvalidInput, "file not found: %s", path)
		}
		return nil, nil, apperrors.Wrap(err, apperrors.KindInternal, apperrors.CodeUnexpected,
			fmt.Sprintf("failed to open %s", path))
	}

	reader := csv.NewReader(bufio.NewReader(file))
	reader.Comma = r.delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	return file, reader, nil
}

// readHeaders loads the header row and verifies the required columns exist.
func (r *csvReader) readHeaders(reader *csv.Reader, cc *csvContext, required []string) error {
	headers, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header row: %w", err)
	}
	cc.LineNumber++
	cc.Headers = headers
	for i, h := range headers {
		cc.HeaderMap[strings.TrimSpace(h)] = i
	}

	var missing []string
	for _, name := range required {
		if cc.columnIndex(name) < 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return apperrors.Validation(apperrors.CodeInvalidInput,
			"missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// readRecord reads the next data row, skipping blank lines.
func (r *csvReader) readRecord(reader *csv.Reader, cc *csvContext) ([]string, error) {
	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			cc.LineNumber++
			return nil, err
		}
		cc.LineNumber++

		empty := true
		for _, f := range record {
			if strings.TrimSpace(f) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		return record, nil
	}
}
