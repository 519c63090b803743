package server

import (
	"net/http"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/httputil"
	"github.com/salonhub/klaviyo-bridge/common/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request. Health checks and scrapes log at debug.
func AccessLog(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(rec.status),
				logging.Duration(time.Since(start)),
				logging.IP(httputil.GetClientIP(r)),
			}
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				logger.DebugContext(r.Context(), "http request", attrs...)
			default:
				logger.InfoContext(r.Context(), "http request", attrs...)
			}
		})
	}
}
