// Package klaviyo is the outbound client for the Klaviyo V3 REST API.
package klaviyo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/config"
	"github.com/salonhub/klaviyo-bridge/internal/metrics"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/ratelimit"
	"github.com/salonhub/klaviyo-bridge/internal/retry"
)

const (
	// rateLimitKey is shared by every replica so the account-wide budget holds.
	rateLimitKey = "klaviyo"

	maxResponseBytes = 1 << 20
	maxErrorBody     = 512
)

// Config holds the client settings.
type Config struct {
	APIKey   string
	ListID   string
	BaseURL  string
	Revision string
	Timeout  time.Duration
	Policy   retry.Policy
}

// ConfigFrom maps the klaviyo config section onto a client Config.
func ConfigFrom(c config.KlaviyoConfig) Config {
	return Config{
		APIKey:   c.APIKey,
		ListID:   c.ListID,
		BaseURL:  c.BaseURL,
		Revision: c.Revision,
		Timeout:  c.Timeout,
		Policy: retry.Policy{
			MaxAttempts: c.MaxAttempts,
			Base:        c.BaseBackoff,
			Max:         c.MaxBackoff,
		},
	}
}

// Client talks to the marketing API with retry and rate limiting.
type Client struct {
	http    *http.Client
	baseURL string
	listID  string
	timeout time.Duration
	policy  retry.Policy
	limiter ratelimit.RateLimiter
	logger  *logging.Logger

	// limiterPoll is how often a denied rate limit check is retried.
	limiterPoll time.Duration
	sleep       func(context.Context, time.Duration) error
}

// NewClient creates a client. A nil limiter disables rate limiting.
func NewClient(cfg Config, limiter ratelimit.RateLimiter, logger *logging.Logger) *Client {
	if limiter == nil {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		http: &http.Client{
			Transport: &authTransport{
				apiKey:   cfg.APIKey,
				revision: cfg.Revision,
				base:     http.DefaultTransport,
			},
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		listID:      cfg.ListID,
		timeout:     timeout,
		policy:      cfg.Policy,
		limiter:     limiter,
		logger:      logger,
		limiterPoll: 250 * time.Millisecond,
		sleep:       retry.Sleep,
	}
}

// ListID returns the configured list, empty when list membership is skipped.
func (c *Client) ListID() string {
	return c.listID
}

// authTransport adds the API key and revision headers to every request.
type authTransport struct {
	apiKey   string
	revision string
	base     http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Klaviyo-API-Key "+t.apiKey)
	r.Header.Set("revision", t.revision)
	r.Header.Set("Accept", "application/vnd.api+json")
	if r.Body != nil {
		r.Header.Set("Content-Type", "application/vnd.api+json")
	}
	return t.base.RoundTrip(r)
}

// do performs one logical API call, retrying per the client's policy.
// It returns the response body of the successful attempt and the number of
// attempts made.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}) ([]byte, int, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}

	log := c.logger.WithContext(ctx)
	maxAttempts := c.policy.Attempts()

	for attempt := 1; ; attempt++ {
		if err := ratelimit.Wait(ctx, c.limiter, rateLimitKey, c.limiterPoll); err != nil {
			if ctx.Err() != nil {
				return nil, attempt - 1, &models.TransientRemoteError{Operation: op, Attempts: attempt - 1, Err: ctx.Err()}
			}
			// limiter backend down: proceed unthrottled rather than stall the cycle
			log.Warn("rate limiter unavailable", logging.Operation(op), logging.Error(err))
		}

		respBody, status, header, err := c.roundTrip(ctx, op, method, path, payload)
		switch {
		case err == nil && status >= 200 && status < 300:
			return respBody, attempt, nil

		case err != nil:
			if ctx.Err() != nil || !retry.RetryableError(err) {
				return nil, attempt, &models.TransientRemoteError{Operation: op, Attempts: attempt, Err: err}
			}

		case !retry.RetryableStatus(status):
			return nil, attempt, &models.PermanentRemoteError{
				Operation:  op,
				StatusCode: status,
				Body:       truncate(respBody, maxErrorBody),
			}
		}

		if attempt >= maxAttempts {
			return nil, attempt, &models.TransientRemoteError{
				Operation:  op,
				StatusCode: status,
				Attempts:   attempt,
				Err:        err,
			}
		}

		delay := c.policy.Delay(attempt, header)
		log.Warn("retrying remote call",
			logging.Operation(op),
			logging.Attempt(attempt),
			logging.Status(status),
			logging.Duration(delay),
			logging.Error(err),
		)
		metrics.KlaviyoRetries.WithLabelValues(op).Inc()

		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, &models.TransientRemoteError{Operation: op, StatusCode: status, Attempts: attempt, Err: err}
		}
	}
}

// roundTrip sends a single HTTP request bounded by the per-request timeout.
// status is zero when err is non-nil.
func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload []byte) ([]byte, int, http.Header, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.KlaviyoDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.KlaviyoRequests.WithLabelValues(op, "error").Inc()
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	metrics.KlaviyoRequests.WithLabelValues(op, statusClass(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, resp.Header, nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Ping checks that the API is reachable and the key is accepted.
// It makes a single attempt.
func (c *Client) Ping(ctx context.Context) error {
	body, status, _, err := c.roundTrip(ctx, "ping", http.MethodGet, "/lists?page[size]=1", nil)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case retry.RetryableStatus(status):
		return &models.TransientRemoteError{Operation: "ping", StatusCode: status, Attempts: 1}
	default:
		return &models.PermanentRemoteError{Operation: "ping", StatusCode: status, Body: truncate(body, maxErrorBody)}
	}
}
