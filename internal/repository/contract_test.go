package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is a fixed day so cutoffs are easy to reason about.
var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newEvent(email string, kind models.EventKind, at time.Time) *models.RawEvent {
	return &models.RawEvent{Email: email, Kind: kind, ReceivedAt: at}
}

func appendAll(t *testing.T, s EventStore, events ...*models.RawEvent) []models.EventID {
	t.Helper()
	ids := make([]models.EventID, 0, len(events))
	for _, e := range events {
		id, err := s.Append(context.Background(), e)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func eventIDs(events []models.RawEvent) []models.EventID {
	ids := make([]models.EventID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

// runStoreContract exercises the behaviour every EventStore must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) EventStore) {
	ctx := context.Background()

	t.Run("append assigns id and normalizes email", func(t *testing.T) {
		s := newStore(t)
		e := newEvent("  Jan@Example.COM ", models.KindIntention, base)

		id, err := s.Append(ctx, e)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		_, err = uuid.Parse(string(id))
		assert.NoError(t, err)

		events, err := s.FetchUnprocessed(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, id, events[0].ID)
		assert.Equal(t, "jan@example.com", events[0].Email)
		assert.Equal(t, models.StateUnprocessed, events[0].State)
		assert.True(t, base.Equal(events[0].ReceivedAt))
	})

	t.Run("append rejects invalid events", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Append(ctx, newEvent("", models.KindIntention, base))
		assert.True(t, models.IsValidation(err))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
	})

	t.Run("append keeps a caller supplied uuid", func(t *testing.T) {
		s := newStore(t)
		want := uuid.New()
		e := newEvent("a@x.com", models.KindIntention, base)
		e.ID = models.EventID(strings.ToUpper(want.String()))

		id, err := s.Append(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, models.EventID(want.String()), id, "stored in canonical form")

		require.NoError(t, s.MarkProcessed(ctx, []models.EventID{id}))
		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Processed)
	})

	t.Run("append rejects a non uuid id", func(t *testing.T) {
		s := newStore(t)
		e := newEvent("a@x.com", models.KindIntention, base)
		e.ID = "evt-42"

		_, err := s.Append(ctx, e)
		require.Error(t, err)
		var verr *models.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "id", verr.Field)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Total)
	})

	t.Run("mark with a non uuid id is unknown", func(t *testing.T) {
		s := newStore(t)
		ids := appendAll(t, s, newEvent("a@x.com", models.KindIntention, base))

		err := s.MarkProcessed(ctx, append(ids, "evt-42"))
		assert.ErrorIs(t, err, ErrUnknownEvent)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Unprocessed)
	})

	t.Run("attributes round trip", func(t *testing.T) {
		s := newStore(t)
		price := 45.5
		newClient := true
		e := newEvent("a@x.com", models.KindAppointment, base)
		e.Attributes = models.Attributes{
			FirstName:      "Jan",
			LastName:       "Jansen",
			Phone:          "+31612345678",
			SalonID:        "salon-1",
			SalonName:      "Loc2",
			StylistID:      "sty-9",
			StylistName:    "Eva",
			Treatment:      "Knippen",
			Price:          &price,
			AppointmentID:  "apt-77",
			AppointmentAt:  "2025-03-12T14:00:00Z",
			CampaignSource: "instagram",
			IsNewClient:    &newClient,
		}
		e.RawPayload = []byte(`{"eventType":"appointment.created"}`)
		appendAll(t, s, e)

		events, err := s.FetchUnprocessed(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e.Attributes, events[0].Attributes)
		assert.Equal(t, e.RawPayload, events[0].RawPayload)
		assert.Equal(t, models.KindAppointment, events[0].Kind)
	})

	t.Run("fetch orders by receipt time and honours cutoff", func(t *testing.T) {
		s := newStore(t)
		late := newEvent("b@x.com", models.KindIntention, base.Add(2*time.Hour))
		early := newEvent("a@x.com", models.KindIntention, base)
		tieFirst := newEvent("c@x.com", models.KindIntention, base.Add(time.Hour))
		tieSecond := newEvent("d@x.com", models.KindAppointment, base.Add(time.Hour))
		afterCutoff := newEvent("e@x.com", models.KindIntention, base.Add(5*time.Hour))
		appendAll(t, s, late, early, tieFirst, tieSecond, afterCutoff)

		events, err := s.FetchUnprocessed(ctx, base.Add(5*time.Hour))
		require.NoError(t, err)

		emails := make([]string, len(events))
		for i, e := range events {
			emails[i] = e.Email
		}
		assert.Equal(t, []string{"a@x.com", "c@x.com", "d@x.com", "b@x.com"}, emails)
	})

	t.Run("mark processed is idempotent", func(t *testing.T) {
		s := newStore(t)
		ids := appendAll(t, s,
			newEvent("a@x.com", models.KindIntention, base),
			newEvent("a@x.com", models.KindAppointment, base.Add(time.Minute)),
		)

		require.NoError(t, s.MarkProcessed(ctx, ids))
		first, err := s.Stats(ctx)
		require.NoError(t, err)

		require.NoError(t, s.MarkProcessed(ctx, ids))
		second, err := s.Stats(ctx)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, int64(2), second.Processed)
		assert.Zero(t, second.Unprocessed)

		events, err := s.FetchUnprocessed(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("mark processed is atomic", func(t *testing.T) {
		s := newStore(t)
		ids := appendAll(t, s,
			newEvent("a@x.com", models.KindIntention, base),
			newEvent("a@x.com", models.KindIntention, base.Add(time.Minute)),
		)

		bad := append([]models.EventID{}, ids...)
		bad = append(bad, models.EventID(uuid.NewString()))

		err := s.MarkProcessed(ctx, bad)
		require.Error(t, err)
		var serr *models.StorageError
		assert.True(t, errors.As(err, &serr))
		assert.ErrorIs(t, err, ErrUnknownEvent)

		events, err := s.FetchUnprocessed(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, eventIDs(events), "no event may transition when one id is unknown")
	})

	t.Run("mark processed with empty set", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.MarkProcessed(ctx, nil))
	})

	t.Run("mark failed annotates events", func(t *testing.T) {
		s := newStore(t)
		failedIDs := appendAll(t, s,
			newEvent("bad@x.com", models.KindIntention, base),
			newEvent("bad@x.com", models.KindIntention, base.Add(time.Minute)),
		)
		appendAll(t, s, newEvent("ok@x.com", models.KindIntention, base))

		require.NoError(t, s.MarkFailed(ctx, failedIDs, "upsert_profile: status 400"))

		failed, err := s.ListFailed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failed, 2)
		for _, e := range failed {
			assert.Equal(t, "upsert_profile: status 400", e.FailureReason)
			assert.Equal(t, models.StateProcessed, e.State)
			assert.NotNil(t, e.ProcessedAt)
		}

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.BufferStats{Total: 3, Unprocessed: 1, Processed: 0, Failed: 2}, stats)

		// marking a processed event again never overwrites the annotation
		require.NoError(t, s.MarkProcessed(ctx, failedIDs))
		failed, err = s.ListFailed(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, failed, 2)
	})

	t.Run("buffer depth ignores processed volume", func(t *testing.T) {
		s := newStore(t)
		var processed []*models.RawEvent
		for i := 0; i < 20; i++ {
			processed = append(processed, newEvent(fmt.Sprintf("p%d@x.com", i), models.KindIntention, base))
		}
		ids := appendAll(t, s, processed...)
		require.NoError(t, s.MarkProcessed(ctx, ids))

		appendAll(t, s,
			newEvent("u1@x.com", models.KindIntention, base),
			newEvent("u2@x.com", models.KindAppointment, base),
			newEvent("u3@x.com", models.KindIntention, base),
		)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Unprocessed)
		assert.Equal(t, int64(20), stats.Processed)
		assert.Equal(t, int64(23), stats.Total)
	})

	t.Run("concurrent appends during fetch and mark", func(t *testing.T) {
		s := newStore(t)
		ids := appendAll(t, s,
			newEvent("a@x.com", models.KindIntention, base),
			newEvent("a@x.com", models.KindIntention, base.Add(time.Minute)),
		)
		cutoff := base.Add(time.Hour)

		const writers, perWriter = 4, 10
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					// appended after the cutoff, as real-time arrivals would be
					e := newEvent("a@x.com", models.KindIntention, cutoff.Add(time.Duration(w*perWriter+i)*time.Second))
					_, err := s.Append(ctx, e)
					assert.NoError(t, err)
				}
			}(w)
		}

		events, err := s.FetchUnprocessed(ctx, cutoff)
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, eventIDs(events))
		require.NoError(t, s.MarkProcessed(ctx, eventIDs(events)))
		wg.Wait()

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(writers*perWriter), stats.Unprocessed)
		assert.Equal(t, int64(2), stats.Processed)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
