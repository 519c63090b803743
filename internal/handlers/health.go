package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/httputil"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/common/messaging"
	"github.com/salonhub/klaviyo-bridge/internal/dlq"
	"github.com/salonhub/klaviyo-bridge/internal/metrics"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/repository"
)

// RemoteChecker reports connectivity to the marketing platform.
type RemoteChecker interface {
	Ping(ctx context.Context) error
	ListID() string
}

// SyncStatus exposes the orchestrator's state to the health report.
type SyncStatus interface {
	Mode() models.SyncMode
	State() models.CycleState
	LastSummary() *models.CycleSummary
}

type RemoteStatus struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	ListID string `json:"list_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

type SyncReport struct {
	State       models.CycleState `json:"state"`
	LastCycleID string            `json:"last_cycle_id,omitempty"`
	LastFinish  *time.Time        `json:"last_finished_at,omitempty"`
	LastSuccess *bool             `json:"last_success,omitempty"`
}

type HealthReport struct {
	Status    string                 `json:"status"`
	Mode      models.SyncMode        `json:"mode"`
	Klaviyo   RemoteStatus           `json:"klaviyo"`
	Buffer    *models.BufferStats    `json:"buffer,omitempty"`
	Sync      SyncReport             `json:"sync"`
	Messaging messaging.HealthStatus `json:"messaging"`
	DLQ       map[string]interface{} `json:"dlq,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// healthCheckTimeout bounds the remote ping so /health stays responsive.
const healthCheckTimeout = 5 * time.Second

type HealthHandler struct {
	store  repository.EventStore
	remote RemoteChecker
	sync   SyncStatus
	broker messaging.Connection
	dlq    dlq.Writer
	logger *logging.Logger
}

// NewHealthHandler builds the health endpoints. broker may be nil when
// messaging is disabled.
func NewHealthHandler(store repository.EventStore, remote RemoteChecker, sync SyncStatus, broker messaging.Connection, dlqWriter dlq.Writer, logger *logging.Logger) *HealthHandler {
	if dlqWriter == nil {
		dlqWriter = dlq.NoOp{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{
		store:  store,
		remote: remote,
		sync:   sync,
		broker: broker,
		dlq:    dlqWriter,
		logger: logger,
	}
}

// Health reports remote connectivity, buffer statistics and sync state.
// A failing remote degrades the report; a failing buffer makes it unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mode := h.sync.Mode()
	report := HealthReport{
		Status:    "healthy",
		Mode:      mode,
		Klaviyo:   h.remoteStatus(ctx, mode),
		Sync:      h.syncReport(),
		DLQ:       h.dlq.Stats(ctx),
		Messaging: messaging.CheckHealth(h.broker),
	}
	if report.Klaviyo.Status != "connected" {
		report.Status = "degraded"
	}

	status := http.StatusOK
	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "health check could not read buffer stats", logging.Error(err))
		report.Status = "unhealthy"
		report.Error = "buffer unavailable"
		status = http.StatusServiceUnavailable
	} else {
		metrics.BufferDepth.Set(float64(stats.Unprocessed))
		report.Buffer = &stats
	}

	httputil.WriteJSON(w, status, report)
}

func (h *HealthHandler) remoteStatus(ctx context.Context, mode models.SyncMode) RemoteStatus {
	rs := RemoteStatus{Status: "connected", Mode: string(mode), ListID: h.remote.ListID()}
	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := h.remote.Ping(pingCtx); err != nil {
		rs.Status = "error"
		rs.Error = err.Error()
	}
	return rs
}

func (h *HealthHandler) syncReport() SyncReport {
	report := SyncReport{State: h.sync.State()}
	if last := h.sync.LastSummary(); last != nil {
		ok := last.Success()
		finished := last.FinishedAt
		report.LastCycleID = last.CycleID
		report.LastFinish = &finished
		report.LastSuccess = &ok
	}
	return report
}

// Live always answers 200 while the process serves HTTP.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready answers 200 once the buffer is reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "buffer unavailable",
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
