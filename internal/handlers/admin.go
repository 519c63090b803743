package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/httputil"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/guard"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/repository"
	"github.com/salonhub/klaviyo-bridge/internal/service"
)

// SyncTrigger starts cycles on demand.
type SyncTrigger interface {
	Trigger(ctx context.Context, trigger string) (*models.CycleSummary, error)
	LastSummary() *models.CycleSummary
}

type SyncResponse struct {
	Status       string               `json:"status"`
	Result       *models.CycleSummary `json:"result,omitempty"`
	RunningSince *time.Time           `json:"running_since,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type FailuresResponse struct {
	Count  int               `json:"count"`
	Events []models.RawEvent `json:"events"`
}

const (
	defaultFailuresLimit = 50
	maxFailuresLimit     = 500
)

type AdminHandler struct {
	sync   SyncTrigger
	store  repository.EventStore
	logger *logging.Logger
}

func NewAdminHandler(sync SyncTrigger, store repository.EventStore, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{sync: sync, store: store, logger: logger}
}

// TriggerSync runs a cycle and answers with its summary once it finishes.
func (h *AdminHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}

	// the cycle outlives a disconnecting client
	ctx := context.WithoutCancel(r.Context())
	h.logger.InfoContext(ctx, "manual sync requested",
		logging.IP(httputil.GetClientIP(r)),
		"subject", AdminSubject(ctx),
	)

	summary, err := h.sync.Trigger(ctx, service.TriggerAdmin)
	var rejected *models.ConcurrencyGuardRejected
	switch {
	case errors.Is(err, guard.ErrQueued):
		httputil.WriteJSON(w, http.StatusAccepted, SyncResponse{Status: "queued"})
	case errors.As(err, &rejected):
		resp := SyncResponse{Status: "rejected", Error: err.Error()}
		if !rejected.RunningSince.IsZero() {
			since := rejected.RunningSince
			resp.RunningSince = &since
		}
		httputil.WriteJSON(w, http.StatusConflict, resp)
	case err != nil:
		httputil.WriteJSON(w, http.StatusInternalServerError, SyncResponse{Status: "failed", Result: summary, Error: err.Error()})
	default:
		httputil.WriteJSON(w, http.StatusOK, SyncResponse{Status: "completed", Result: summary})
	}
}

// LastSync returns the summary of the most recent cycle.
func (h *AdminHandler) LastSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	last := h.sync.LastSummary()
	if last == nil {
		httputil.WriteErrorCode(w, http.StatusNotFound, "no_cycle", "no sync cycle has run yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, last)
}

// Failures lists events the remote API rejected permanently, newest first.
func (h *AdminHandler) Failures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}

	limit := defaultFailuresLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailuresLimit)
	}

	events, err := h.store.ListFailed(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list failed events", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "buffer unavailable")
		return
	}
	if events == nil {
		events = []models.RawEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, FailuresResponse{Count: len(events), Events: events})
}
