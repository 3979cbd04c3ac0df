package upload_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/upload"
)

func TestUpload(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Upload Parser Suite")
}

var _ = Describe("DetectFormat", func() {
	It("maps filename extensions to formats", func() {
		cases := map[string]upload.Format{
			"trades.csv":   upload.FormatCSV,
			"trades.json":  upload.FormatJSON,
			"trades.jsonl": upload.FormatJSONL,
			"trades.xlsx":  upload.FormatXLSX,
		}
		for name, want := range cases {
			got, err := upload.DetectFormat(name, "")
			Expect(err).ToNot(HaveOccurred(), name)
			Expect(got).To(Equal(want), name)
		}
	})

	It("falls back to the content type when the extension is unknown", func() {
		got, err := upload.DetectFormat("trades.dat", "application/json")
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(Equal(upload.FormatJSON))
	})

	It("rejects an unrecognized file", func() {
		_, err := upload.DetectFormat("trades.parquet", "application/octet-stream")
		Expect(err).To(MatchError(upload.ErrUnsupportedFormat))
	})
})

var _ = Describe("Parse", func() {
	It("parses a CSV batch, counting valid and invalid rows separately", func() {
		csv := strings.Join([]string{
			`tradeId,accountId,bookId,securityId,idempotencyKey,sequenceNumber,bookingTimestamp,source,payload`,
			`T1,ACC,BOOK,SEC,,1,,FILE,"{""notional"":100}"`,
			`,ACC,BOOK,SEC,,2,,FILE,"{}"`,
			`T3,ACC,BOOK,SEC,,not-a-number,,FILE,"{}"`,
		}, "\n")

		result, err := upload.Parse(upload.FormatCSV, strings.NewReader(csv), 5000)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Total).To(Equal(3))
		Expect(result.Valid).To(Equal(1))
		Expect(result.Invalid).To(Equal(2))

		Expect(result.Rows[0].Request).ToNot(BeNil())
		Expect(result.Rows[0].Request.TradeID).To(Equal("T1"))
		Expect(result.Rows[0].Request.IdempotencyKey).To(Equal("T1"), "idempotency key defaults to tradeId")
		Expect(*result.Rows[0].Request.SequenceNumber).To(Equal(int64(1)))

		Expect(result.Rows[1].Err).To(HaveOccurred(), "a row missing tradeId must carry its validation error")
		Expect(result.Rows[1].Request).To(BeNil())
		Expect(result.Rows[2].Err).To(HaveOccurred())
	})

	It("parses one JSON object per line in JSONL mode, skipping blank lines", func() {
		jsonl := `{"tradeId":"T1","accountId":"ACC","bookId":"BOOK","securityId":"SEC","source":"FILE","payload":{"notional":5}}

{"tradeId":"T2","accountId":"ACC","bookId":"BOOK","securityId":"SEC","source":"FILE","payload":{}}
`
		result, err := upload.Parse(upload.FormatJSONL, strings.NewReader(jsonl), 5000)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Total).To(Equal(2))
		Expect(result.Valid).To(Equal(2))
		Expect(string(result.Rows[0].Request.Payload)).To(MatchJSON(`{"notional":5}`))
	})

	It("parses a top-level JSON array", func() {
		body := `[{"tradeId":"T1","accountId":"ACC","bookId":"BOOK","securityId":"SEC","source":"FILE","payload":{}}]`
		result, err := upload.Parse(upload.FormatJSON, strings.NewReader(body), 5000)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Valid).To(Equal(1))
	})

	It("rejects a batch above the row limit", func() {
		lines := []string{`tradeId,accountId,bookId,securityId,source,payload`}
		for i := 0; i < 3; i++ {
			lines = append(lines, `T,ACC,BOOK,SEC,FILE,"{}"`)
		}
		_, err := upload.Parse(upload.FormatCSV, strings.NewReader(strings.Join(lines, "\n")), 2)
		Expect(err).To(MatchError(upload.ErrTooManyRows))
	})
})
