package upload

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

var csvColumns = []string{
	"tradeId", "accountId", "bookId", "securityId", "idempotencyKey",
	"sequenceNumber", "bookingTimestamp", "source", "payload",
}

// parseCSV reads a header row followed by one record per trade. The payload
// column carries an escaped JSON object, passed through verbatim as the
// TradeRequest's opaque payload.
func parseCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(col)] = i
	}
	for _, required := range []string{"tradeId", "accountId", "bookId", "securityId", "source", "payload"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("CSV header missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var rows []Row
	lineNum := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		lineNum++
		if err != nil {
			rows = append(rows, Row{LineNumber: lineNum, Err: fmt.Errorf("parse CSV line %d: %w", lineNum, err)})
			continue
		}

		seq, serr := parseInt64Ptr(field(record, "sequenceNumber"))
		if serr != nil {
			rows = append(rows, Row{LineNumber: lineNum, Err: serr})
			continue
		}

		var booking *time.Time
		if raw := strings.TrimSpace(field(record, "bookingTimestamp")); raw != "" {
			t, terr := time.Parse(time.RFC3339, raw)
			if terr != nil {
				rows = append(rows, Row{LineNumber: lineNum, Err: fmt.Errorf("invalid bookingTimestamp %q: %w", raw, terr)})
				continue
			}
			booking = &t
		}

		req := &trade.TradeRequest{
			TradeID:          field(record, "tradeId"),
			AccountID:        field(record, "accountId"),
			BookID:           field(record, "bookId"),
			SecurityID:       field(record, "securityId"),
			IdempotencyKey:   field(record, "idempotencyKey"),
			SequenceNumber:   seq,
			BookingTimestamp: booking,
			Source:           trade.SourceFile,
			Payload:          json.RawMessage(field(record, "payload")),
		}
		rows = append(rows, Row{LineNumber: lineNum, Request: req})
	}
	return rows, nil
}
