package queueingress_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/queueingress"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

func TestQueueIngressCodec(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue Ingress Codec Suite")
}

var _ = Describe("TopicFor", func() {
	It("sanitizes partition keys into broker topic names", func() {
		Expect(queueingress.TopicFor("ACC1_BOOK-1_SEC.X")).To(Equal("trade/capture/input/ACC1_BOOK-1_SEC_X"))
	})
})

var _ = Describe("Encode/Decode", func() {
	It("round-trips a full TradeRequest through the length-prefixed wire format", func() {
		seq := int64(42)
		booked := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
		req := &trade.TradeRequest{
			TradeID:          "T-1",
			AccountID:        "ACC1",
			BookID:           "BOOK1",
			SecurityID:       "SEC1",
			IdempotencyKey:   "T-1",
			SequenceNumber:   &seq,
			BookingTimestamp: &booked,
			Source:           trade.SourceQueue,
			Payload:          []byte(`{"notional":100}`),
		}

		framed, err := queueingress.Encode(req)
		Expect(err).ToNot(HaveOccurred())
		Expect(len(framed)).To(BeNumerically(">", 4))

		decoded, err := queueingress.Decode(framed)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded.TradeID).To(Equal("T-1"))
		Expect(decoded.AccountID).To(Equal("ACC1"))
		Expect(decoded.BookID).To(Equal("BOOK1"))
		Expect(decoded.SecurityID).To(Equal("SEC1"))
		Expect(decoded.IdempotencyKey).To(Equal("T-1"))
		Expect(decoded.SequenceNumber).ToNot(BeNil())
		Expect(*decoded.SequenceNumber).To(Equal(int64(42)))
		Expect(decoded.BookingTimestamp).ToNot(BeNil())
		Expect(decoded.BookingTimestamp.Equal(booked)).To(BeTrue())
		Expect(decoded.Source).To(Equal(trade.SourceQueue))
		Expect(string(decoded.Payload)).To(MatchJSON(`{"notional":100}`))
	})

	It("omits optional fields cleanly when absent", func() {
		req := &trade.TradeRequest{
			TradeID:    "T-2",
			AccountID:  "ACC1",
			BookID:     "BOOK1",
			SecurityID: "SEC1",
			Source:     trade.SourceQueue,
			Payload:    []byte(`{}`),
		}

		framed, err := queueingress.Encode(req)
		Expect(err).ToNot(HaveOccurred())

		decoded, err := queueingress.Decode(framed)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded.SequenceNumber).To(BeNil())
		Expect(decoded.BookingTimestamp).To(BeNil())
	})

	It("rejects a record whose length prefix does not match the body", func() {
		_, err := queueingress.Decode([]byte{0, 0, 0, 99, 1, 2, 3})
		Expect(err).To(HaveOccurred())
	})

	It("rejects a record shorter than the length prefix", func() {
		_, err := queueingress.Decode([]byte{0, 0})
		Expect(err).To(HaveOccurred())
	})
})
