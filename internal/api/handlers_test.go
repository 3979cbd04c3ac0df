package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	goredis "github.com/redis/go-redis/v9"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/api"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/ingress"
	kubelog "github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/backpressure"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
	rediscache "github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/cache/redis"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/dispatcher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/sequence"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "REST Ingress Suite")
}

var _ = Describe("REST surface", func() {
	var (
		miniRedis *miniredis.Miniredis
		client    *rediscache.Client
		mockDB    *sql.DB
		sqlMock   sqlmock.Sqlmock
		bp        *backpressure.Controller
		registry  *jobs.Registry
		disp      *dispatcher.Dispatcher
		srv       *httptest.Server
		logger    = kubelog.NewLogger(kubelog.DevelopmentOptions())
	)

	BeforeEach(func() {
		var err error
		miniRedis, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = rediscache.NewClient(&goredis.Options{Addr: miniRedis.Addr()}, logger)
		cache := rediscache.NewCache(client)

		mockDB, sqlMock, err = sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		sqlxDB := sqlx.NewDb(mockDB, "sqlmock")

		idemStore := idempotency.NewStore(cache, idempotency.NewRepository(sqlxDB, logger), time.Hour, logger)
		blotterRepo := blotter.NewRepository(sqlxDB, logger)
		registry = jobs.NewRegistry(cache, time.Hour, logger)
		bp = backpressure.NewController(config.BackpressureConfig{MaxInFlightRequests: 2, HighWaterMark: 0.8, RetryAfterSeconds: 5, MaxConsumerLag: 100, MaxProcessingQueue: 100}, logger)
		seqMgr := sequence.NewManager(config.SequenceConfig{HoldDeadline: time.Minute, GapPolicy: config.PolicyReleaseWithWarning}, logger)

		disp = dispatcher.New(1, func(context.Context, dispatcher.WorkItem) error { return nil }, logger)
		disp.Start(context.Background())

		svc := &ingress.Service{
			Backpressure: bp,
			Idempotency:  idemStore,
			Jobs:         registry,
			Dispatcher:   disp,
			Logger:       logger,
		}

		router := api.NewRouter(api.Deps{
			Ingress:       svc,
			Jobs:          registry,
			Blotter:       blotterRepo,
			Backpressure:  bp,
			Sequence:      seqMgr,
			MaxUploadRows: 100,
			ServiceName:   "tradecapture-svc",
			Logger:        logger,
		})
		srv = httptest.NewServer(router)
	})

	AfterEach(func() {
		srv.Close()
		disp.Stop()
		Expect(sqlMock.ExpectationsWereMet()).To(Succeed())
		_ = mockDB.Close()
		_ = client.Close()
		miniRedis.Close()
	})

	captureBody := func(tradeID string) *bytes.Reader {
		b, err := json.Marshal(map[string]any{
			"tradeId":    tradeID,
			"accountId":  "ACC",
			"bookId":     "BOOK",
			"securityId": "SEC",
			"payload":    map[string]any{"notional": 100},
		})
		Expect(err).ToNot(HaveOccurred())
		return bytes.NewReader(b)
	}

	It("reports health with a timestamp without consulting admission", func() {
		resp, err := http.Get(srv.URL + "/api/v1/health")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]string
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body["status"]).To(Equal("ok"))
		Expect(body["service"]).To(Equal("tradecapture-svc"))
		Expect(body["timestamp"]).ToNot(BeEmpty())
	})

	It("accepts a capture submission and returns the job's status URL", func() {
		// Idempotency pre-check misses both tiers.
		sqlMock.ExpectQuery(`SELECT idempotency_key, trade_id, partition_key`).WillReturnError(sql.ErrNoRows)

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/trades/capture", captureBody("T-OK"))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Callback-Url", "http://callback.example/hook")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		var body struct {
			JobID     string `json:"jobId"`
			Status    string `json:"status"`
			StatusURL string `json:"statusUrl"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body.Status).To(Equal("ACCEPTED"))
		Expect(body.JobID).ToNot(BeEmpty())
		Expect(body.StatusURL).To(Equal("/api/v1/trades/jobs/" + body.JobID + "/status"))

		statusResp, err := http.Get(srv.URL + body.StatusURL)
		Expect(err).ToNot(HaveOccurred())
		defer statusResp.Body.Close()
		Expect(statusResp.StatusCode).To(Equal(http.StatusOK))
	})

	It("rejects a capture submission without a callback URL", func() {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/trades/capture", captureBody("T-NOCB"))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("returns 409 when the idempotency key already completed", func() {
		entry := `{"status":"COMPLETED","blotterRef":"T-DUP"}`
		Expect(miniRedis.Set("idempotency:T-DUP", entry)).To(Succeed())

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/trades/capture", captureBody("T-DUP"))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Callback-Url", "http://callback.example/hook")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))

		var body struct {
			Code string `json:"code"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body.Code).To(Equal("DUPLICATE_TRADE_ID"))
	})

	It("prefers the Idempotency-Key header over the body field", func() {
		// Only the header's key is known to be a duplicate; consulting the
		// body's key instead would miss both tiers and accept the trade.
		entry := `{"status":"COMPLETED","blotterRef":"T-HDR"}`
		Expect(miniRedis.Set("idempotency:K-HEADER", entry)).To(Succeed())

		b, err := json.Marshal(map[string]any{
			"tradeId":        "T-HDR",
			"accountId":      "ACC",
			"bookId":         "BOOK",
			"securityId":     "SEC",
			"idempotencyKey": "K-BODY",
			"payload":        map[string]any{},
		})
		Expect(err).ToNot(HaveOccurred())

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/trades/capture", bytes.NewReader(b))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Callback-Url", "http://callback.example/hook")
		req.Header.Set("Idempotency-Key", "K-HEADER")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("rejects further submissions with 503 and Retry-After once admission saturates", func() {
		// Occupy every in-flight slot so the next admission fails.
		release1, _, ok := bp.TryAdmitAPIRequest()
		Expect(ok).To(BeTrue())
		release2, _, ok := bp.TryAdmitAPIRequest()
		Expect(ok).To(BeTrue())
		defer release1()
		defer release2()

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/trades/capture", captureBody("T-SAT"))
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Callback-Url", "http://callback.example/hook")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
		Expect(resp.Header.Get("Retry-After")).To(Equal("5"))
	})

	It("accepts a CSV upload and reports a per-row summary under a batch job", func() {
		// The one valid row's idempotency pre-check misses both tiers.
		sqlMock.ExpectQuery(`SELECT idempotency_key, trade_id, partition_key`).WillReturnError(sql.ErrNoRows)

		csv := "tradeId,accountId,bookId,securityId,source,payload\n" +
			"T-UP1,ACC,BOOK,SEC,FILE,\"{}\"\n" +
			",ACC,BOOK,SEC,FILE,\"{}\"\n"

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "trades.csv")
		Expect(err).ToNot(HaveOccurred())
		_, err = part.Write([]byte(csv))
		Expect(err).ToNot(HaveOccurred())
		Expect(mw.Close()).To(Succeed())

		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/trades/upload", &buf)
		Expect(err).ToNot(HaveOccurred())
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("X-Callback-Url", "http://callback.example/hook")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		var body struct {
			JobID   string `json:"jobId"`
			Summary struct {
				Total     int `json:"total"`
				Valid     int `json:"valid"`
				Invalid   int `json:"invalid"`
				Published int `json:"published"`
			} `json:"summary"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body.JobID).ToNot(BeEmpty())
		Expect(body.Summary.Total).To(Equal(2))
		Expect(body.Summary.Valid).To(Equal(1))
		Expect(body.Summary.Invalid).To(Equal(1))
		Expect(body.Summary.Published).To(Equal(1))

		batch, err := registry.Get(context.Background(), body.JobID)
		Expect(err).ToNot(HaveOccurred())
		Expect(batch.Status).To(Equal(jobs.StatusCompleted))
	})

	It("returns 404 for an unknown job", func() {
		resp, err := http.Get(srv.URL + "/api/v1/trades/jobs/nope/status")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("cancels a PENDING job and rejects cancelling it twice", func() {
		job, err := registry.Create(context.Background(), "T-CANCEL", trade.SourceAPI, "http://cb")
		Expect(err).ToNot(HaveOccurred())

		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/trades/jobs/"+job.JobID, nil)
		Expect(err).ToNot(HaveOccurred())
		resp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		again, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		defer again.Body.Close()
		Expect(again.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("exposes the backpressure status surface", func() {
		resp, err := http.Get(srv.URL + "/api/v1/backpressure/status")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body map[string]any
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body).To(HaveKey("inFlight"))
		Expect(body).To(HaveKey("paused"))
	})
})
