// Package queueingress implements the queue ingress adapter: a franz-go
// consumer group reading per-partition topics
// (trade/capture/input/<sanitized-partitionKey>) and feeding the decoded
// TradeRequest into the same internal/ingress.Service REST uses.
package queueingress

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-faster/jx"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// TopicFor returns the broker topic a trade for partitionKey is produced
// to, applying the sanitization rule for non-alphanumeric characters.
func TopicFor(partitionKey string) string {
	return "trade/capture/input/" + trade.SanitizedPartitionKey(partitionKey)
}

// Encode produces the binary length-prefixed canonical message format: a
// 4-byte big-endian length prefix followed by a go-faster/jx encoded JSON
// body carrying tradeId/partitionKey/idempotencyKey/sequenceNumber/
// bookingTimestamp/source/payload. correlationId travels as a separate
// broker header, not in the body.
func Encode(req *trade.TradeRequest) ([]byte, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("tradeId")
	e.Str(req.TradeID)
	e.FieldStart("accountId")
	e.Str(req.AccountID)
	e.FieldStart("bookId")
	e.Str(req.BookID)
	e.FieldStart("securityId")
	e.Str(req.SecurityID)
	if req.IdempotencyKey != "" {
		e.FieldStart("idempotencyKey")
		e.Str(req.IdempotencyKey)
	}
	if req.SequenceNumber != nil {
		e.FieldStart("sequenceNumber")
		e.Int64(*req.SequenceNumber)
	}
	if req.BookingTimestamp != nil {
		e.FieldStart("bookingTimestamp")
		e.Str(req.BookingTimestamp.UTC().Format(time.RFC3339))
	}
	e.FieldStart("source")
	e.Str(string(req.Source))
	e.FieldStart("payload")
	e.Raw(req.Payload)
	e.ObjEnd()

	body := e.Bytes()
	framed := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(framed[:4], uint32(len(body)))
	copy(framed[4:], body)
	return framed, nil
}

// Decode reverses Encode: it reads the 4-byte length prefix, validates it
// against the buffer, and parses the JSON body into a TradeRequest tagged
// as Source QUEUE.
func Decode(data []byte) (*trade.TradeRequest, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("queue record too short: %d bytes", len(data))
	}
	length := binary.BigEndian.Uint32(data[:4])
	if int(length) != len(data)-4 {
		return nil, fmt.Errorf("queue record length prefix %d does not match body length %d", length, len(data)-4)
	}
	body := data[4:]

	req := &trade.TradeRequest{Source: trade.SourceQueue}
	var bookingRaw string
	d := jx.DecodeBytes(body)
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
		case "sequenceNumber":
			if d.Next() == jx.Null {
				return d.Null()
			}
			n, err := d.Int64()
			if err != nil {
				return err
			}
			req.SequenceNumber = &n
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
		return nil, fmt.Errorf("decode queue record: %w", err)
	}
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
