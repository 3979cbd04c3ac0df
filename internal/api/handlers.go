package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/upload"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// handler groups every REST method behind the dependencies NewRouter wires in.
type handler struct {
	deps Deps
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   h.deps.ServiceName,
	})
}

func (h *handler) backpressureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"inFlight": h.deps.Backpressure.InFlight(),
		"paused":   h.deps.Backpressure.Paused(),
	})
}

func (h *handler) sequenceStatus(w http.ResponseWriter, r *http.Request) {
	partitionKey := chi.URLParam(r, "partitionKey")
	st := h.deps.Sequence.Status(partitionKey, time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"partitionKey":   partitionKey,
		"bufferSize":     st.BufferSize,
		"oldestEntryAge": st.OldestEntryAge.String(),
		"pendingSeqs":    st.PendingSeqs,
	})
}

// captureRequest is the REST body for /trades/capture and /trades/manual-entry.
// The callback URL arrives via the X-Callback-Url header; the idempotency
// key may arrive either as the Idempotency-Key header or in the body.
type captureRequest struct {
	TradeID          string          `json:"tradeId"`
	AccountID        string          `json:"accountId"`
	BookID           string          `json:"bookId"`
	SecurityID       string          `json:"securityId"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	SequenceNumber   *int64          `json:"sequenceNumber"`
	BookingTimestamp *time.Time      `json:"bookingTimestamp"`
	Payload          json.RawMessage `json:"payload"`
	CorrelationID    string          `json:"correlationId"`
}

func (h *handler) capture(w http.ResponseWriter, r *http.Request) {
	h.submitJSON(w, r, trade.SourceAPI)
}

func (h *handler) manualEntry(w http.ResponseWriter, r *http.Request) {
	h.submitJSON(w, r, trade.SourceManual)
}

func (h *handler) submitJSON(w http.ResponseWriter, r *http.Request, source trade.Source) {
	var body captureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "malformed JSON body"))
		return
	}

	// The Idempotency-Key header takes precedence over the body field.
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = body.IdempotencyKey
	}

	req := &trade.TradeRequest{
		TradeID:          body.TradeID,
		AccountID:        body.AccountID,
		BookID:           body.BookID,
		SecurityID:       body.SecurityID,
		IdempotencyKey:   idempotencyKey,
		SequenceNumber:   body.SequenceNumber,
		BookingTimestamp: body.BookingTimestamp,
		Source:           source,
		Payload:          body.Payload,
		CallbackURL:      r.Header.Get("X-Callback-Url"),
		CorrelationID:    body.CorrelationID,
	}

	job, err := h.deps.Ingress.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     job.JobID,
		Status:    "ACCEPTED",
		StatusURL: statusURL(job.JobID),
	})
}

// submitResponse is the 202 submission body. The Job's own lifecycle
// status (PENDING/PROCESSING/...) is reachable via statusUrl; the status
// here is always the literal submission acknowledgement.
type submitResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	StatusURL string `json:"statusUrl"`
}

func statusURL(jobID string) string {
	return "/api/v1/trades/jobs/" + jobID + "/status"
}

// uploadSummary reports the parsed/validated counts for a batch plus
// however many of the valid rows were actually accepted for processing.
type uploadSummary struct {
	Total     int      `json:"total"`
	Valid     int      `json:"valid"`
	Invalid   int      `json:"invalid"`
	Published int      `json:"published"`
	Errors    []string `json:"errors,omitempty"`
}

// uploadResponse is the 202 body for a file upload: the batch's own jobId
// plus the per-row summary. Each accepted row additionally gets its own
// job, reported through the row's webhook.
type uploadResponse struct {
	JobID   string        `json:"jobId"`
	Summary uploadSummary `json:"summary"`
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	callbackURL := r.Header.Get("X-Callback-Url")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "multipart file field \"file\" is required"))
		return
	}
	defer file.Close()

	format, err := upload.DetectFormat(header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "unrecognized upload format"))
		return
	}

	result, err := upload.Parse(format, file, h.deps.MaxUploadRows)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindValidation, "failed to parse upload"))
		return
	}

	batchJob, err := h.deps.Jobs.Create(r.Context(), header.Filename, trade.SourceFile, callbackURL)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.KindUnavailable, "job registry create failed"))
		return
	}
	if _, err := h.deps.Jobs.Update(r.Context(), batchJob.JobID, jobs.StatusProcessing, 0, "submitting batch", nil); err != nil {
		h.deps.Logger.Error(err, "batch job update failed", "jobId", batchJob.JobID)
	}

	summary := uploadSummary{Total: result.Total, Valid: result.Valid, Invalid: result.Invalid}
	for _, row := range result.Rows {
		if row.Err != nil || row.Request == nil {
			summary.Errors = append(summary.Errors, row.Err.Error())
			continue
		}
		row.Request.CallbackURL = callbackURL
		if _, err := h.deps.Ingress.Submit(r.Context(), row.Request); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			continue
		}
		summary.Published++
	}

	message := fmt.Sprintf("batch submitted: %d/%d rows accepted", summary.Published, summary.Total)
	if _, err := h.deps.Jobs.Update(r.Context(), batchJob.JobID, jobs.StatusCompleted, 100, message, nil); err != nil {
		h.deps.Logger.Error(err, "batch job completion update failed", "jobId", batchJob.JobID)
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{JobID: batchJob.JobID, Summary: summary})
}

func (h *handler) getTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeId")
	b, err := h.deps.Blotter.GetByTradeID(r.Context(), tradeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := h.deps.Jobs.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
