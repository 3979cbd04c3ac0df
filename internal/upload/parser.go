// Package upload implements the /api/v1/trades/upload ingress adapter:
// parsing a bounded batch of trade requests out of a multipart file in
// CSV, JSON, JSONL, or XLSX format.
package upload

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// Format identifies the upload's encoding.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatXLSX  Format = "xlsx"
)

// ErrUnsupportedFormat is returned when the filename/content-type cannot be
// mapped to a known Format.
var ErrUnsupportedFormat = errors.New("unsupported upload format")

// ErrTooManyRows is returned when the file carries more than maxRows trades.
var ErrTooManyRows = errors.New("upload exceeds the maximum trade count")

// Row is one parsed line/record, either a valid TradeRequest or a parse
// failure recorded against its line number for the caller's summary.
type Row struct {
	LineNumber int
	Request    *trade.TradeRequest
	Err        error
}

// ParseResult is the full outcome of parsing one upload.
type ParseResult struct {
	Total   int
	Valid   int
	Invalid int
	Rows    []Row
}

// DetectFormat maps a filename extension (or an explicit content-type
// fallback) to a Format.
func DetectFormat(filename, contentType string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	switch contentType {
	case "text/csv":
		return FormatCSV, nil
	case "application/jsonl", "application/x-ndjson":
		return FormatJSONL, nil
	case "application/json":
		return FormatJSON, nil
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return FormatXLSX, nil
	}
	return "", ErrUnsupportedFormat
}

// Parse dispatches to the format-specific reader and enforces maxRows.
func Parse(format Format, r io.Reader, maxRows int) (*ParseResult, error) {
	var rows []Row
	var err error

	switch format {
	case FormatCSV:
		rows, err = parseCSV(r)
	case FormatJSON:
		rows, err = parseJSONArray(r)
	case FormatJSONL:
		rows, err = parseJSONLines(r)
	case FormatXLSX:
		rows, err = parseXLSX(r)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, err
	}
	if maxRows > 0 && len(rows) > maxRows {
		return nil, fmt.Errorf("%w: %d trades (max %d)", ErrTooManyRows, len(rows), maxRows)
	}

	result := &ParseResult{Total: len(rows), Rows: rows}
	for i := range result.Rows {
		row := &result.Rows[i]
		if row.Err != nil || row.Request == nil {
			result.Invalid++
			continue
		}
		row.Request.Normalize()
		if verr := row.Request.Validate(); verr != nil {
			row.Err = verr
			row.Request = nil
			result.Invalid++
			continue
		}
		result.Valid++
	}
	return result, nil
}

// parseInt64Ptr parses an optional decimal integer column, returning nil for
// an empty string.
func parseInt64Ptr(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number %q: %w", s, err)
	}
	return &n, nil
}

// scanLines is shared by the JSONL reader to split on newlines while
// tolerating a trailing blank line.
func scanLines(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}
