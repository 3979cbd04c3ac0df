package upload

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// XLSX is a zip container; parseXLSX reads only the single-sheet case this
// service needs (the first worksheet, first row as header), resolving
// shared-string cells. archive/zip and encoding/xml cover the OOXML sheet
// schema without pulling in a spreadsheet library for one upload format.
func parseXLSX(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read XLSX body: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open XLSX zip: %w", err)
	}

	shared, err := readSharedStrings(zr)
	if err != nil {
		return nil, err
	}

	sheetFile, err := firstSheet(zr)
	if err != nil {
		return nil, err
	}
	table, err := readSheetRows(sheetFile, shared)
	if err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return nil, nil
	}

	header := table[0]
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(col)] = i
	}
	for _, required := range []string{"tradeId", "accountId", "bookId", "securityId", "source", "payload"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("XLSX header missing required column %q", required)
		}
	}

	var rows []Row
	for i, record := range table[1:] {
		lineNum := i + 2
		req, rerr := rowToRequest(record, index)
		if rerr != nil {
			rows = append(rows, Row{LineNumber: lineNum, Err: rerr})
			continue
		}
		rows = append(rows, Row{LineNumber: lineNum, Request: req})
	}
	return rows, nil
}

// rowToRequest applies the same column contract as parseCSV to one XLSX
// data row (tradeId, accountId, bookId, securityId, idempotencyKey,
// sequenceNumber, bookingTimestamp, source, payload).
func rowToRequest(record []string, index map[string]int) (*trade.TradeRequest, error) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	seq, err := parseInt64Ptr(field("sequenceNumber"))
	if err != nil {
		return nil, err
	}

	var booking *time.Time
	if raw := strings.TrimSpace(field("bookingTimestamp")); raw != "" {
		t, terr := time.Parse(time.RFC3339, raw)
		if terr != nil {
			return nil, fmt.Errorf("invalid bookingTimestamp %q: %w", raw, terr)
		}
		booking = &t
	}

	payload := field("payload")
	if payload == "" {
		payload = "{}"
	}

	return &trade.TradeRequest{
		TradeID:          field("tradeId"),
		AccountID:        field("accountId"),
		BookID:           field("bookId"),
		SecurityID:       field("securityId"),
		IdempotencyKey:   field("idempotencyKey"),
		SequenceNumber:   seq,
		BookingTimestamp: booking,
		Source:           trade.SourceFile,
		Payload:          json.RawMessage(payload),
	}, nil
}

func readSharedStrings(zr *zip.Reader) ([]string, error) {
	f, err := zr.Open("xl/sharedStrings.xml")
	if err != nil {
		return nil, nil // shared strings are optional (inline-string sheets)
	}
	defer f.Close()

	var doc struct {
		SI []struct {
			T string `xml:"t"`
			R []struct {
				T string `xml:"t"`
			} `xml:"r"`
		} `xml:"si"`
	}
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse sharedStrings.xml: %w", err)
	}

	out := make([]string, len(doc.SI))
	for i, si := range doc.SI {
		if si.T != "" {
			out[i] = si.T
			continue
		}
		var b strings.Builder
		for _, run := range si.R {
			b.WriteString(run.T)
		}
		out[i] = b.String()
	}
	return out, nil
}

func firstSheet(zr *zip.Reader) (*zip.File, error) {
	var candidates []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("XLSX archive has no worksheets")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates[0], nil
}

func readSheetRows(f *zip.File, shared []string) ([][]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open worksheet: %w", err)
	}
	defer rc.Close()

	var doc struct {
		SheetData struct {
			Row []struct {
				C []struct {
					R string `xml:"r,attr"`
					T string `xml:"t,attr"`
					V string `xml:"v"`
				} `xml:"c"`
			} `xml:"row"`
		} `xml:"sheetData"`
	}
	if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse worksheet xml: %w", err)
	}

	rows := make([][]string, 0, len(doc.SheetData.Row))
	for _, xr := range doc.SheetData.Row {
		width := len(xr.C)
		record := make([]string, width)
		for i, cell := range xr.C {
			col := i
			if idx := columnIndex(cell.R); idx >= 0 {
				col = idx
			}
			for col >= len(record) {
				record = append(record, "")
			}
			if cell.T == "s" {
				n, convErr := strconv.Atoi(cell.V)
				if convErr == nil && n >= 0 && n < len(shared) {
					record[col] = shared[n]
					continue
				}
			}
			record[col] = cell.V
		}
		rows = append(rows, record)
	}
	return rows, nil
}

// columnIndex converts a cell reference like "C7" to a zero-based column
// index, or -1 if it cannot be parsed.
func columnIndex(ref string) int {
	i := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		i++
	}
	if i == 0 {
		return -1
	}
	col := 0
	for _, ch := range ref[:i] {
		col = col*26 + int(ch-'A'+1)
	}
	return col - 1
}
