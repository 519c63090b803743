package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/common/middleware"
	"github.com/salonhub/klaviyo-bridge/internal/handlers"
)

// Handlers groups the endpoint handlers served by the bridge.
type Handlers struct {
	Webhook *handlers.WebhookHandler
	Health  *handlers.HealthHandler
	Admin   *handlers.AdminHandler
	// Tokens protects the admin routes; nil leaves them open.
	Tokens handlers.TokenValidator
}

// NewRouter constructs a ServeMux with the bridge routes registered.
func NewRouter(h Handlers, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	// Booking platform deliveries
	mux.HandleFunc("/webhook/salonhub", h.Webhook.HandleDelivery)

	// Health endpoints
	mux.HandleFunc("/health", h.Health.Health)
	mux.HandleFunc("/healthz", h.Health.Live)
	mux.HandleFunc("/readyz", h.Health.Ready)

	// Admin endpoints
	admin := handlers.RequireAdmin(h.Tokens, logger)
	mux.HandleFunc("/admin/sync", admin(h.Admin.TriggerSync))
	mux.HandleFunc("/admin/trigger-daily-sync", admin(h.Admin.TriggerSync))
	mux.HandleFunc("/admin/sync/last", admin(h.Admin.LastSync))
	mux.HandleFunc("/admin/failures", admin(h.Admin.Failures))

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(AccessLog(logger)(mux))
}
