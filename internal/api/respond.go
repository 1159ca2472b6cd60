package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/subscription"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type pageBody[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

func newPage[T any](items []T, total int, page registrar.Page) pageBody[T] {
	if items == nil {
		items = []T{}
	}
	return pageBody[T]{Items: items, Total: total, Page: page.Number, Size: page.Size}
}

// statusFor maps a service error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, registrar.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registrar.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, registrar.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_exceeded"
	case errors.Is(err, registrar.ErrConcurrencyLimitExceeded):
		return http.StatusPaymentRequired, "concurrency_limit_exceeded"
	case errors.Is(err, registrar.ErrPaymentRequired):
		return http.StatusPaymentRequired, "payment_required"
	case errors.Is(err, registrar.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, registrar.ErrJobActive):
		return http.StatusConflict, "job_active"
	case errors.Is(err, registrar.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, registrar.ErrUnsupportedSite):
		return http.StatusUnprocessableEntity, "unsupported_site"
	case errors.Is(err, registrar.ErrUnsupportedFormat):
		return http.StatusBadRequest, "unsupported_format"
	case errors.Is(err, registrar.ErrValidationFailed):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, registrar.ErrAmountMismatch):
		return http.StatusBadRequest, "amount_mismatch"
	case errors.Is(err, registrar.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, registrar.ErrGateway):
		return http.StatusBadGateway, "gateway_error"
	case errors.Is(err, registrar.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// details exposes the structured part of typed errors.
func details(err error) any {
	var qe *registrar.QuotaError
	if errors.As(err, &qe) {
		return map[string]any{
			"feature":   qe.Feature,
			"limit":     qe.Limit,
			"current":   qe.Current,
			"requested": qe.Requested,
		}
	}
	var pr *subscription.PaymentRequiredError
	if errors.As(err, &pr) {
		return map[string]any{"plan": pr.Plan, "billing_cycle": pr.Cycle, "amount": pr.Amount}
	}
	var missing *registrar.MissingIDsError
	if errors.As(err, &missing) {
		return map[string]any{"missing_ids": missing.IDs}
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg, Details: details(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeFile(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
