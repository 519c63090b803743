package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/httputil"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/common/messaging"
	"github.com/salonhub/klaviyo-bridge/common/middleware"
	"github.com/salonhub/klaviyo-bridge/internal/metrics"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/repository"
	"github.com/salonhub/klaviyo-bridge/internal/webhook"
)

// DefaultMaxBodyBytes caps webhook bodies at 1 MiB.
const DefaultMaxBodyBytes = 1 << 20

// WebhookResponse is the acknowledgement body for a delivery.
type WebhookResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Type   string `json:"type,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// bufferedNotice is published on messaging.SubjectEventsBuffered.
type bufferedNotice struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	ReceivedAt time.Time `json:"received_at"`
}

type WebhookHandler struct {
	store     repository.EventStore
	publisher messaging.Publisher
	secret    string
	maxBody   int64
	logger    *logging.Logger
	now       func() time.Time
}

// NewWebhookHandler creates the delivery endpoint. An empty secret disables
// signature checks; a nil publisher disables buffered notices.
func NewWebhookHandler(store repository.EventStore, publisher messaging.Publisher, secret string, maxBody int64, logger *logging.Logger) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{
		store:     store,
		publisher: publisher,
		secret:    secret,
		maxBody:   maxBody,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *WebhookHandler) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		httputil.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	receivedAt := h.now().UTC()

	body, err := httputil.ReadBody(r, h.maxBody)
	if err != nil {
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds "+strconv.FormatInt(h.maxBody, 10)+" bytes")
			return
		}
		h.reject(w, http.StatusBadRequest, "read_failed", "failed to read request body")
		return
	}
	metrics.WebhookBytesTotal.Add(float64(len(body)))

	if !webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), h.secret) {
		h.logger.WarnContext(ctx, "webhook signature mismatch", logging.IP(httputil.GetClientIP(r)))
		h.reject(w, http.StatusUnauthorized, "invalid_signature", "invalid signature")
		return
	}

	parsed, err := webhook.Parse(body, receivedAt)
	switch {
	case errors.Is(err, webhook.ErrNoEmail):
		h.logger.InfoContext(ctx, "webhook ignored, no email found")
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		httputil.WriteJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Reason: "no_email"})
		return
	case err != nil:
		h.reject(w, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}
	if parsed.Lenient {
		h.logger.WarnContext(ctx, "webhook payload did not match the expected shape, buffering with recovered email")
	}

	event := parsed.Event
	id, err := h.store.Append(ctx, event)
	if err != nil {
		if models.IsValidation(err) {
			h.reject(w, http.StatusBadRequest, "invalid_event", err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "failed to buffer webhook event", logging.Error(err))
		h.reject(w, http.StatusServiceUnavailable, "buffer_unavailable", "failed to buffer event")
		return
	}

	metrics.WebhookRequests.WithLabelValues("buffered").Inc()
	metrics.EventsBuffered.WithLabelValues(string(event.Kind)).Inc()
	h.logger.InfoContext(ctx, "webhook event buffered",
		logging.EventID(string(id)),
		logging.Kind(string(event.Kind)),
		logging.Email(event.Email),
	)
	h.notify(ctx, id, event)

	httputil.WriteJSON(w, http.StatusOK, WebhookResponse{
		Status: "buffered",
		ID:     string(id),
		Type:   string(event.Kind),
	})
}

// notify publishes a buffered notice. The event is already durable, so a
// broker failure is only logged.
func (h *WebhookHandler) notify(ctx context.Context, id models.EventID, event *models.RawEvent) {
	notice := bufferedNotice{ID: string(id), Kind: string(event.Kind), ReceivedAt: event.ReceivedAt}
	var opts []messaging.PublishOption
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		opts = append(opts, messaging.WithHeader(messaging.HeaderRequestID, reqID))
	}
	if err := messaging.PublishJSON(ctx, h.publisher, messaging.SubjectEventsBuffered, notice, opts...); err != nil {
		h.logger.WarnContext(ctx, "failed to publish buffered notice", logging.EventID(string(id)), logging.Error(err))
	}
}

func (h *WebhookHandler) reject(w http.ResponseWriter, status int, code, message string) {
	metrics.WebhookRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	httputil.WriteErrorCode(w, status, code, message)
}
