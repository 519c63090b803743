// Package dlq records customer groups the remote API permanently rejected.
//
// The buffer already keeps the rejected events with their failure reason;
// the dead-letter stream adds the aggregated record that was sent so an
// operator can replay or inspect it without recomputing the cycle.
package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// ReasonPermanent is the subject suffix for 4xx rejections.
const ReasonPermanent = "permanent"

// Entry is one dead-lettered customer group.
type Entry struct {
	Timestamp  time.Time                `json:"timestamp"`
	CycleID    string                   `json:"cycle_id"`
	Reason     string                   `json:"reason"`
	Operation  string                   `json:"operation,omitempty"`
	StatusCode int                      `json:"status_code,omitempty"`
	Error      string                   `json:"error"`
	Record     *models.AggregatedRecord `json:"record"`
}

// Writer persists dead-letter entries.
type Writer interface {
	Write(ctx context.Context, entry *Entry) error
	Stats(ctx context.Context) map[string]interface{}
}

// NewEntry builds an entry from a permanent dispatch failure.
func NewEntry(cycleID string, record *models.AggregatedRecord, err error) *Entry {
	e := &Entry{
		Timestamp: time.Now().UTC(),
		CycleID:   cycleID,
		Reason:    ReasonPermanent,
		Record:    record,
	}
	if err != nil {
		e.Error = err.Error()
	}
	var perr *models.PermanentRemoteError
	if errors.As(err, &perr) {
		e.Operation = perr.Operation
		e.StatusCode = perr.StatusCode
	}
	return e
}

// NoOp drops entries. Used when NATS is disabled.
type NoOp struct{}

func (NoOp) Write(context.Context, *Entry) error { return nil }

func (NoOp) Stats(context.Context) map[string]interface{} {
	return map[string]interface{}{"enabled": false}
}
