package handlers

import (
	"context"
	"net/http"

	"github.com/salonhub/klaviyo-bridge/common/httputil"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/auth"
)

type contextKey string

const SubjectKey contextKey = "admin_subject"

// TokenValidator checks admin bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// RequireAdmin rejects requests without a valid admin bearer token. A nil
// validator leaves the admin surface open.
func RequireAdmin(validator TokenValidator, logger *logging.Logger) func(http.HandlerFunc) http.HandlerFunc {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.HandlerFunc) http.HandlerFunc {
		if validator == nil {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			token := httputil.BearerToken(r)
			if token == "" {
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "missing_token", "missing bearer token")
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(r.Context(), "admin token rejected",
					logging.IP(httputil.GetClientIP(r)),
					logging.Error(err),
				)
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), SubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	}
}

// AdminSubject returns the subject of the validated admin token, if any.
func AdminSubject(ctx context.Context) string {
	s, _ := ctx.Value(SubjectKey).(string)
	return s
}
