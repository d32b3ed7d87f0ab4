package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/harsaa34/trustmate/internal/verification"
)

// maxBodyBytes bounds request bodies; base64 screenshots dominate.
const maxBodyBytes = 12 << 20

// VerificationService is the orchestrator surface the handlers drive.
type VerificationService interface {
	StartVerification(ctx context.Context, req verification.StartRequest) (*domain.VerificationRecord, error)
	SubmitReceiverConfirmation(ctx context.Context, settlementID, receiverID string, confirmed bool, reason string) (*domain.VerificationRecord, error)
	ApplyManualOverride(ctx context.Context, settlementID, adminID string, outcome verification.OverrideOutcome, notes string) (*domain.VerificationRecord, error)
	GetStatus(ctx context.Context, settlementID string) (*domain.VerificationRecord, error)
	ListAttempts(ctx context.Context, settlementID string) ([]*domain.VerificationRecord, error)
	Stats(ctx context.Context, since time.Time) (*domain.VerificationStats, error)
	ListSuspicious(ctx context.Context, since time.Time) ([]*domain.VerificationRecord, error)
	TrustScore(ctx context.Context, userID string) (int, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     VerificationService
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc VerificationService, version string) *Handler {
	return &Handler{
		svc:     svc,
		version: version,
	}
}

// ConfirmationRequest is the body for POST /verifications/{id}/confirmation.
type ConfirmationRequest struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason,omitempty"`
}

// OverrideRequest is the body for POST /verifications/{id}/override.
type OverrideRequest struct {
	Outcome verification.OverrideOutcome `json:"outcome"`
	Notes   string                       `json:"notes,omitempty"`
}

// TrustResponse is returned by GET /trust/{userID}.
type TrustResponse struct {
	UserID     string `json:"userId"`
	TrustScore int    `json:"trustScore"`
}

// SuspiciousResponse is returned by GET /verifications/suspicious.
type SuspiciousResponse struct {
	Since         time.Time           `json:"since"`
	Count         int                 `json:"count"`
	Verifications []domain.RecordView `json:"verifications"`
}

// StartVerification handles POST /verifications. Only the settlement
// backend calls it, so payer, receiver and expected terms come from the
// body as the settlement recorded them.
func (h *Handler) StartVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verification.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.svc.StartVerification(ctx, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec.View())
}

// GetVerification handles GET /verifications/{settlementID}.
func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// ListAttempts handles GET /verifications/{settlementID}/attempts.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListAttempts(r.Context(), chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views(recs))
}

// SubmitConfirmation handles POST /verifications/{settlementID}/confirmation.
// The caller is the receiver.
func (h *Handler) SubmitConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := GetPrincipal(ctx)

	var req ConfirmationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.svc.SubmitReceiverConfirmation(ctx, chi.URLParam(r, "settlementID"), principal.UserID, req.Confirmed, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// ApplyOverride handles POST /verifications/{settlementID}/override.
func (h *Handler) ApplyOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := GetPrincipal(ctx)

	var req OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rec, err := h.svc.ApplyManualOverride(ctx, chi.URLParam(r, "settlementID"), principal.UserID, req.Outcome, req.Notes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// Stats handles GET /verifications/stats?days=N. Without days it covers
// all history.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(w, r, 0)
	if !ok {
		return
	}

	stats, err := h.svc.Stats(r.Context(), since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListSuspicious handles GET /verifications/suspicious?days=N (default 7).
func (h *Handler) ListSuspicious(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(w, r, 7)
	if !ok {
		return
	}

	recs, err := h.svc.ListSuspicious(r.Context(), since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuspiciousResponse{
		Since:         since,
		Count:         len(recs),
		Verifications: views(recs),
	})
}

// TrustScore handles GET /trust/{userID}.
func (h *Handler) TrustScore(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	score, err := h.svc.TrustScore(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TrustResponse{UserID: userID, TrustScore: score})
}

// Health returns the health status of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.svc.Ping(r.Context()); err != nil {
		slog.Warn("health check degraded", "error", err)
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

func sinceParam(w http.ResponseWriter, r *http.Request, defaultDays int) (time.Time, bool) {
	days := defaultDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "days must be a non-negative integer",
			})
			return time.Time{}, false
		}
		days = n
	}
	if days == 0 {
		return time.Time{}, true
	}
	return time.Now().UTC().AddDate(0, 0, -days), true
}

func views(recs []*domain.VerificationRecord) []domain.RecordView {
	out := make([]domain.RecordView, len(recs))
	for i, rec := range recs {
		out[i] = rec.View()
	}
	return out
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *domain.ValidationError
		conflict   *domain.ConcurrentModificationError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validation.Error(),
			"field": validation.Field,
		})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "verification not found"})
	case errors.Is(err, domain.ErrNotApplicable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"retry": true,
		})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
