// Package repository implements the durable event buffer.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/salonhub/klaviyo-bridge/internal/models"
)

var (
	// ErrUnknownEvent is wrapped in the StorageError returned when a mark call
	// names an event that is not in the buffer.
	ErrUnknownEvent = errors.New("unknown event id")
	ErrClosed       = errors.New("store closed")
)

// EventStore is the append-only buffer of inbound events.
//
// Implementations must allow Append to run concurrently with FetchUnprocessed
// and the mark operations. Mark operations are atomic per call: either every
// listed event transitions or none does. Marking an event that is already
// processed is a no-op.
type EventStore interface {
	// Append persists e as unprocessed and returns its ID. It fills in e.ID
	// when empty, rejects a caller-supplied ID that is not a UUID, and
	// normalizes e.Email.
	Append(ctx context.Context, e *models.RawEvent) (models.EventID, error)

	// FetchUnprocessed returns unprocessed events received before the cutoff,
	// oldest first.
	FetchUnprocessed(ctx context.Context, before time.Time) ([]models.RawEvent, error)

	// MarkProcessed transitions the events to processed.
	MarkProcessed(ctx context.Context, ids []models.EventID) error

	// MarkFailed transitions the events to processed and records why the
	// remote API rejected them.
	MarkFailed(ctx context.Context, ids []models.EventID, reason string) error

	// ListFailed returns events carrying a failure annotation, newest first.
	ListFailed(ctx context.Context, limit int) ([]models.RawEvent, error)

	Stats(ctx context.Context) (models.BufferStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// queryTimeout bounds every single store call.
const queryTimeout = 5 * time.Second

// prepareEvent validates e and fills in the ID and normalized email.
func prepareEvent(e *models.RawEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return &models.StorageError{Op: "append", Err: fmt.Errorf("generate id: %w", err)}
		}
		e.ID = models.EventID(id.String())
	} else {
		// every backend keys events by UUID; store the canonical form
		id, err := uuid.Parse(string(e.ID))
		if err != nil {
			return &models.ValidationError{Field: "id", Reason: "must be a UUID"}
		}
		e.ID = models.EventID(id.String())
	}
	e.Email = models.NormalizeEmail(e.Email)
	e.ReceivedAt = e.ReceivedAt.UTC()
	e.State = models.StateUnprocessed
	e.ProcessedAt = nil
	e.FailureReason = ""
	return nil
}

// uniqueIDs drops duplicates while keeping order.
func uniqueIDs(ids []models.EventID) []models.EventID {
	seen := make(map[models.EventID]struct{}, len(ids))
	out := make([]models.EventID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func idStrings(ids []models.EventID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *models.StorageError
	if errors.As(err, &serr) {
		return err
	}
	return &models.StorageError{Op: op, Err: err}
}
