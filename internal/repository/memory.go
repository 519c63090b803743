package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// MemoryStore is an in-process EventStore. It is not durable and is meant for
// tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*models.RawEvent
	byID   map[models.EventID]*models.RawEvent
	closed bool
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[models.EventID]*models.RawEvent),
		now:  time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, e *models.RawEvent) (models.EventID, error) {
	if err := ctx.Err(); err != nil {
		return "", storageErr("append", err)
	}
	if err := prepareEvent(e); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", storageErr("append", ErrClosed)
	}
	if _, exists := s.byID[e.ID]; exists {
		return "", storageErr("append", fmt.Errorf("duplicate event id %s", e.ID))
	}

	stored := *e
	stored.RawPayload = append([]byte(nil), e.RawPayload...)
	s.events = append(s.events, &stored)
	s.byID[stored.ID] = &stored
	return stored.ID, nil
}

func (s *MemoryStore) FetchUnprocessed(ctx context.Context, before time.Time) ([]models.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("fetch_unprocessed", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storageErr("fetch_unprocessed", ErrClosed)
	}

	var out []models.RawEvent
	for _, e := range s.events {
		if e.State == models.StateUnprocessed && e.ReceivedAt.Before(before) {
			out = append(out, *e)
		}
	}
	// stable sort keeps insertion order for identical receipt times
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, ids []models.EventID) error {
	return s.mark(ctx, "mark_processed", ids, "")
}

func (s *MemoryStore) MarkFailed(ctx context.Context, ids []models.EventID, reason string) error {
	return s.mark(ctx, "mark_failed", ids, reason)
}

func (s *MemoryStore) mark(ctx context.Context, op string, ids []models.EventID, reason string) error {
	if err := ctx.Err(); err != nil {
		return storageErr(op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storageErr(op, ErrClosed)
	}

	ids = uniqueIDs(ids)
	for _, id := range ids {
		if _, ok := s.byID[id]; !ok {
			return storageErr(op, fmt.Errorf("%w: %s", ErrUnknownEvent, id))
		}
	}

	now := s.now().UTC()
	for _, id := range ids {
		e := s.byID[id]
		if e.State == models.StateProcessed {
			continue
		}
		e.State = models.StateProcessed
		processedAt := now
		e.ProcessedAt = &processedAt
		e.FailureReason = reason
	}
	return nil
}

func (s *MemoryStore) ListFailed(ctx context.Context, limit int) ([]models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.RawEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if e := s.events[i]; e.FailureReason != "" {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProcessedAt.After(*out[j].ProcessedAt)
	})
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (models.BufferStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.BufferStats
	for _, e := range s.events {
		stats.Total++
		switch {
		case e.State == models.StateUnprocessed:
			stats.Unprocessed++
		case e.FailureReason != "":
			stats.Failed++
		default:
			stats.Processed++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storageErr("ping", ErrClosed)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
