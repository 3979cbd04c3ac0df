package upload

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-faster/jx"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// decodeTradeRequest decodes a single JSON trade object using go-faster/jx's
// low-level token decoder, which passes the opaque payload through without
// re-marshalling it.
func decodeTradeRequest(d *jx.Decoder) (*trade.TradeRequest, error) {
	req := &trade.TradeRequest{Source: trade.SourceFile}
	var seq *int64
	var bookingRaw string

	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "tradeId":
			s, err := d.Str()
			req.TradeID = s
			return err
		case "accountId":
			s, err := d.Str()
			req.AccountID = s
			return err
		case "bookId":
			s, err := d.Str()
			req.BookID = s
			return err
		case "securityId":
			s, err := d.Str()
			req.SecurityID = s
			return err
		case "idempotencyKey":
			s, err := d.Str()
			req.IdempotencyKey = s
			return err
		case "correlationId":
			s, err := d.Str()
			req.CorrelationID = s
			return err
		case "sequenceNumber":
			if d.Next() == jx.Null {
				return d.Null()
			}
			n, err := d.Int64()
			if err != nil {
				return err
			}
			seq = &n
			return nil
		case "bookingTimestamp":
			if d.Next() == jx.Null {
				return d.Null()
			}
			s, err := d.Str()
			bookingRaw = s
			return err
		case "source":
			s, err := d.Str()
			if err != nil {
				return err
			}
			if s != "" {
				req.Source = trade.Source(s)
			}
			return nil
		case "payload":
			raw, err := d.Raw()
			if err != nil {
				return err
			}
			req.Payload = append([]byte{}, raw...)
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, err
	}

	req.SequenceNumber = seq
	if bookingRaw != "" {
		t, terr := time.Parse(time.RFC3339, bookingRaw)
		if terr != nil {
			return nil, fmt.Errorf("invalid bookingTimestamp %q: %w", bookingRaw, terr)
		}
		req.BookingTimestamp = &t
	}
	if len(req.Payload) == 0 {
		req.Payload = []byte("{}")
	}
	return req, nil
}

// parseJSONArray reads a top-level JSON array of trade objects.
func parseJSONArray(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload body: %w", err)
	}
	d := jx.DecodeBytes(data)

	var rows []Row
	lineNum := 0
	err = d.Arr(func(d *jx.Decoder) error {
		lineNum++
		req, derr := decodeTradeRequest(d)
		if derr != nil {
			rows = append(rows, Row{LineNumber: lineNum, Err: fmt.Errorf("parse trade %d: %w", lineNum, derr)})
			return nil
		}
		rows = append(rows, Row{LineNumber: lineNum, Request: req})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse JSON array: %w", err)
	}
	return rows, nil
}

// parseJSONLines reads one JSON trade object per line.
func parseJSONLines(r io.Reader) ([]Row, error) {
	scanner := scanLines(r)
	var rows []Row
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		d := jx.DecodeBytes(line)
		req, err := decodeTradeRequest(d)
		if err != nil {
			rows = append(rows, Row{LineNumber: lineNum, Err: fmt.Errorf("parse line %d: %w", lineNum, err)})
			continue
		}
		rows = append(rows, Row{LineNumber: lineNum, Request: req})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan JSONL body: %w", err)
	}
	return rows, nil
}
