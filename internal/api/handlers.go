/**
 * @description
 * This file contains the HTTP handlers for the payment-batch-service's internal API.
 * Handlers parse the request, call the application service and map batch error kinds
 * onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/domain, internal/store: For models and error kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payment-batch-service/internal/domain"
	"github.com/transfa/payment-batch-service/internal/store"
)

const (
	callerHeader    = "X-Caller-ID"
	maxRequestBytes = 1 << 20
)

// BatchService is implemented by app.Service.
type BatchService interface {
	SubmitBatch(ctx context.Context, refs []string, source string) (*domain.BatchResult, error)
	FindPayment(ctx context.Context, paymentRef string) (*domain.Payment, error)
}

// IntakeEnqueuer is implemented by store.IntakeRepository.
type IntakeEnqueuer interface {
	EnqueueRefs(ctx context.Context, refs []string, source string) (int64, error)
}

// SubmissionLimiter is implemented by app.RedisSubmissionRateLimiter.
type SubmissionLimiter interface {
	Allow(ctx context.Context, caller string) (allowed bool, retryAfterSeconds int, err error)
}

// BatchHandlers holds the dependencies used by the handlers.
type BatchHandlers struct {
	service BatchService
	intake  IntakeEnqueuer
	limiter SubmissionLimiter
	logger  *slog.Logger
}

type paymentRefsRequest struct {
	PaymentRefs []string `json:"payment_refs"`
	Source      string   `json:"source"`
}

type batchResponse struct {
	BatchID         string `json:"batch_id"`
	Status          string `json:"status"`
	Payments        int    `json:"payments"`
	DetailsAttempts int    `json:"details_attempts"`
	HeldForMS       int64  `json:"held_for_ms"`
}

// NewBatchHandlers creates the handlers. intake and limiter are optional.
func NewBatchHandlers(service BatchService, intake IntakeEnqueuer, limiter SubmissionLimiter, logger *slog.Logger) *BatchHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchHandlers{
		service: service,
		intake:  intake,
		limiter: limiter,
		logger:  logger.With("component", "http"),
	}
}

// SubmitBatchHandler runs a batch synchronously and answers once it committed or rolled back.
func (h *BatchHandlers) SubmitBatchHandler(w http.ResponseWriter, r *http.Request) {
	caller := strings.TrimSpace(r.Header.Get(callerHeader))
	if !h.allow(w, r, caller) {
		return
	}

	req, ok := h.decodeRefs(w, r)
	if !ok {
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
		if caller != "" {
			source = "api:" + caller
		}
	}

	result, err := h.service.SubmitBatch(r.Context(), req.PaymentRefs, source)
	if err != nil {
		status, message := statusForBatchError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("payment batch request failed", "caller", caller, "outcome", domain.Outcome(err), "error", err)
		}
		h.writeError(w, status, message)
		return
	}

	h.writeJSON(w, http.StatusCreated, batchResponse{
		BatchID:         result.BatchID.String(),
		Status:          domain.PaymentStatusCompleted,
		Payments:        result.Payments,
		DetailsAttempts: result.Attempts,
		HeldForMS:       result.HeldFor.Milliseconds(),
	})
}

// EnqueueIntakeHandler stages refs for the intake job and returns immediately.
func (h *BatchHandlers) EnqueueIntakeHandler(w http.ResponseWriter, r *http.Request) {
	if h.intake == nil {
		h.writeError(w, http.StatusNotImplemented, "Payment intake is not enabled")
		return
	}
	req, ok := h.decodeRefs(w, r)
	if !ok {
		return
	}
	refs := domain.NormalizePaymentRefs(req.PaymentRefs)
	if len(refs) == 0 {
		h.writeError(w, http.StatusBadRequest, "payment_refs must contain at least one reference")
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}

	accepted, err := h.intake.EnqueueRefs(r.Context(), refs, source)
	if err != nil {
		h.logger.Error("failed to enqueue intake refs", "payment_refs", len(refs), "error", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to enqueue payment refs")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]int64{"accepted": accepted, "duplicates": int64(len(refs)) - accepted})
}

// GetPaymentHandler returns a committed payment.
func (h *BatchHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "paymentRef"))
	if ref == "" {
		h.writeError(w, http.StatusBadRequest, "payment ref is required")
		return
	}
	payment, err := h.service.FindPayment(r.Context(), ref)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		h.logger.Error("failed to load payment", "payment_ref", ref, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load payment")
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

func (h *BatchHandlers) allow(w http.ResponseWriter, r *http.Request, caller string) bool {
	if h.limiter == nil {
		return true
	}
	allowed, retryAfter, err := h.limiter.Allow(r.Context(), caller)
	if err != nil {
		// fail open
		h.logger.Warn("rate limiter unavailable; allowing request", "caller", caller, "error", err)
		return true
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many batch submissions. Please retry later.")
		return false
	}
	return true
}

func (h *BatchHandlers) decodeRefs(w http.ResponseWriter, r *http.Request) (paymentRefsRequest, bool) {
	var req paymentRefsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	return req, true
}

func statusForBatchError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidBatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrDuplicatePaymentRef):
		return http.StatusConflict, "One or more payment refs already exist"
	case errors.Is(err, domain.ErrDetailsUnavailable):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrBegin), errors.Is(err, domain.ErrCommit):
		return http.StatusServiceUnavailable, "Payment database unavailable. Please retry."
	default:
		return http.StatusInternalServerError, "Unable to process payment batch"
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *BatchHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BatchHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
