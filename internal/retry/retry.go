// Package retry decides whether and when a failed remote call is repeated.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Policy is an exponential backoff schedule with a cap.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultPolicy matches the defaults of the klaviyo config section.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Max: 60 * time.Second}
}

// Delay returns how long to wait after the given failed attempt (1-based).
// A Retry-After header, if present and parseable, replaces the computed
// backoff as given; only the caller's context bounds the wait.
func (p Policy) Delay(attempt int, header http.Header) time.Duration {
	if d, ok := RetryAfter(header, time.Now()); ok {
		return d
	}
	return p.Backoff(attempt)
}

// Backoff is Base * 2^(attempt-1), capped at Max.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	return p.capped(d)
}

func (p Policy) capped(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Attempts returns MaxAttempts, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// RetryableStatus reports whether an HTTP status should be retried:
// 429 and every 5xx.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// RetryableError reports whether a transport error should be retried.
// Connection failures, timeouts and connections closed mid-response
// qualify. Cancellation of the caller's context does not, and neither do
// request errors such as an unsupported scheme.
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// http.Client wraps everything in *url.Error, which is itself a
	// net.Error; classify what it wraps
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryAfter parses a Retry-After header given either as delta seconds or
// as an HTTP date.
func RetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
