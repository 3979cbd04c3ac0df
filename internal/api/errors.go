package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/apperrors"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/ingress"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
)

// problem is an RFC 7807-flavored error body: type/title/status/detail,
// plus the machine-readable error code clients branch on.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error to an HTTP response. *apperrors.AppError carries
// its own status code and kind; the ingress/jobs/blotter sentinel errors
// each get their own status; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	var overloaded *ingress.ErrOverloaded
	if errors.As(err, &overloaded) {
		w.Header().Set("Retry-After", strconv.Itoa(overloaded.RetryAfterSeconds))
		writeJSON(w, http.StatusServiceUnavailable, problem{
			Type:   "about:blank",
			Title:  http.StatusText(http.StatusServiceUnavailable),
			Status: http.StatusServiceUnavailable,
			Detail: overloaded.Error(),
			Code:   "BACKPRESSURE_REJECTED",
		})
		return
	}

	var duplicate *ingress.ErrDuplicate
	if errors.As(err, &duplicate) {
		writeJSON(w, http.StatusConflict, problem{
			Type:   "about:blank",
			Title:  http.StatusText(http.StatusConflict),
			Status: http.StatusConflict,
			Detail: duplicate.Error(),
			Code:   "DUPLICATE_TRADE_ID",
		})
		return
	}

	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, blotter.ErrNotFound):
		writeJSON(w, http.StatusNotFound, problem{
			Type: "about:blank", Title: http.StatusText(http.StatusNotFound),
			Status: http.StatusNotFound, Detail: err.Error(), Code: "NOT_FOUND",
		})
		return
	case errors.Is(err, jobs.ErrNotCancellable):
		writeJSON(w, http.StatusBadRequest, problem{
			Type: "about:blank", Title: http.StatusText(http.StatusBadRequest),
			Status: http.StatusBadRequest, Detail: err.Error(), Code: "NOT_CANCELLABLE",
		})
		return
	}

	if appErr, ok := apperrors.As(err); ok {
		writeJSON(w, appErr.StatusCode, problem{
			Type:   "about:blank",
			Title:  http.StatusText(appErr.StatusCode),
			Status: appErr.StatusCode,
			Detail: appErr.Message,
			Code:   string(appErr.Kind),
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, problem{
		Type:   "about:blank",
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
		Detail: err.Error(),
	})
}
