package logging

import (
	"log/slog"
	"strings"
	"time"
)

// Common field names for consistent logging across components.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldCycleID    = "cycle_id"
	FieldEmail      = "email"
	FieldEventID    = "event_id"
	FieldKind       = "kind"
	FieldOperation  = "operation"
	FieldAttempt    = "attempt"
	FieldIP         = "ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldEventCount = "event_count"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Email returns a slog attribute carrying a masked customer email.
func Email(email string) slog.Attr {
	return slog.String(FieldEmail, MaskEmail(email))
}

// MaskEmail keeps the first character of the local part and the domain.
//
//	jan.jansen@example.com -> j***@example.com
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// EventID returns a slog attribute for a buffered event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// CycleID returns a slog attribute for a sync cycle ID.
func CycleID(id string) slog.Attr {
	return slog.String(FieldCycleID, id)
}

// Kind returns a slog attribute for an event kind.
func Kind(kind string) slog.Attr {
	return slog.String(FieldKind, kind)
}

// Operation returns a slog attribute for a remote API operation.
func Operation(op string) slog.Attr {
	return slog.String(FieldOperation, op)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// EventCount returns a slog attribute for a number of events.
func EventCount(n int) slog.Attr {
	return slog.Int(FieldEventCount, n)
}

// IP returns a slog attribute for the IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
