package aggregator

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func event(id, email string, kind models.EventKind, hour int, attrs models.Attributes) models.RawEvent {
	return models.RawEvent{
		ID:         models.EventID(id),
		Email:      email,
		Kind:       kind,
		Attributes: attrs,
		ReceivedAt: day.Add(time.Duration(hour) * time.Hour),
	}
}

func TestAggregate_SingleCustomerScenario(t *testing.T) {
	price := 45.0
	events := []models.RawEvent{
		event("e1", "a@x.com", models.KindIntention, 9, models.Attributes{}),
		event("e2", "a@x.com", models.KindIntention, 10, models.Attributes{SalonName: "Loc2"}),
		event("e3", "a@x.com", models.KindAppointment, 11, models.Attributes{Price: &price}),
	}

	records := Aggregate(events)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "a@x.com", r.Email)
	assert.Equal(t, 2, r.IntentionCount)
	assert.Equal(t, 1, r.AppointmentCount)
	assert.Equal(t, models.AppointmentMade, r.Classification)
	assert.Equal(t, []models.EventID{"e1", "e2", "e3"}, r.SourceEventIDs)
	assert.Equal(t, "Loc2", r.Profile.SalonName)
	require.NotNil(t, r.Profile.Price)
	assert.Equal(t, 45.0, *r.Profile.Price)
	assert.Equal(t, models.KindAppointment, r.Profile.LastKind)
	assert.Equal(t, day.Add(9*time.Hour), r.FirstReceivedAt)
	assert.Equal(t, day.Add(11*time.Hour), r.LastReceivedAt)
}

func TestAggregate_SnapshotLastNonEmptyWins(t *testing.T) {
	events := []models.RawEvent{
		event("e1", "a@x.com", models.KindIntention, 1, models.Attributes{FirstName: "Jan"}),
		event("e2", "a@x.com", models.KindIntention, 2, models.Attributes{SalonName: "X"}),
	}

	records := Aggregate(events)
	require.Len(t, records, 1)
	assert.Equal(t, "Jan", records[0].Profile.FirstName)
	assert.Equal(t, "X", records[0].Profile.SalonName)
}

func TestAggregate_LaterValueOverrides(t *testing.T) {
	events := []models.RawEvent{
		event("e1", "a@x.com", models.KindIntention, 1, models.Attributes{StylistName: "Eva", Treatment: "Knippen"}),
		event("e2", "a@x.com", models.KindIntention, 2, models.Attributes{StylistName: "Noor"}),
	}

	r := Aggregate(events)[0]
	assert.Equal(t, "Noor", r.Profile.StylistName)
	assert.Equal(t, "Knippen", r.Profile.Treatment)
}

func TestAggregate_GroupsCaseInsensitively(t *testing.T) {
	events := []models.RawEvent{
		event("e1", "Jan@Example.com", models.KindIntention, 1, models.Attributes{}),
		event("e2", " jan@example.com ", models.KindIntention, 2, models.Attributes{}),
		event("e3", "other@example.com", models.KindIntention, 3, models.Attributes{}),
		event("e4", "JAN@EXAMPLE.COM", models.KindIntention, 4, models.Attributes{}),
	}

	records := Aggregate(events)
	require.Len(t, records, 2)
	assert.Equal(t, "jan@example.com", records[0].Email)
	assert.Equal(t, []models.EventID{"e1", "e2", "e4"}, records[0].SourceEventIDs)
	assert.Equal(t, "other@example.com", records[1].Email)
}

func TestAggregate_Classification(t *testing.T) {
	tests := []struct {
		name  string
		kinds []models.EventKind
		want  models.Classification
	}{
		{"only intentions", []models.EventKind{models.KindIntention, models.KindIntention}, models.AppointmentIntention},
		{"single appointment", []models.EventKind{models.KindAppointment}, models.AppointmentMade},
		{"appointment first", []models.EventKind{models.KindAppointment, models.KindIntention}, models.AppointmentMade},
		{"appointment last", []models.EventKind{models.KindIntention, models.KindIntention, models.KindAppointment}, models.AppointmentMade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []models.RawEvent
			for i, k := range tt.kinds {
				events = append(events, event(fmt.Sprintf("e%d", i), "a@x.com", k, i, models.Attributes{}))
			}
			records := Aggregate(events)
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].Classification)
		})
	}
}

func TestAggregate_Empty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
	assert.Empty(t, Aggregate([]models.RawEvent{{ID: "x", Email: " ", Kind: models.KindIntention}}))
}

// Every event lands in exactly one record and the counts add up per customer.
func TestAggregate_CountsMatchInput(t *testing.T) {
	faker := gofakeit.New(42)
	rng := rand.New(rand.NewSource(42))

	customers := make([]string, 15)
	for i := range customers {
		customers[i] = faker.Email()
	}

	var events []models.RawEvent
	perCustomer := make(map[string]int)
	for i := 0; i < 300; i++ {
		email := customers[rng.Intn(len(customers))]
		kind := models.KindIntention
		if rng.Intn(4) == 0 {
			kind = models.KindAppointment
		}
		events = append(events, event(fmt.Sprintf("e%d", i), email, kind, i, models.Attributes{
			FirstName: faker.FirstName(),
			SalonName: faker.Company(),
		}))
		perCustomer[models.NormalizeEmail(email)]++
	}

	records := Aggregate(events)
	assert.Len(t, records, len(perCustomer))

	seen := make(map[models.EventID]bool)
	for _, r := range records {
		assert.Equal(t, perCustomer[r.Email], r.EventCount())
		assert.Len(t, r.SourceEventIDs, r.EventCount())
		for _, id := range r.SourceEventIDs {
			assert.False(t, seen[id], "event %s folded twice", id)
			seen[id] = true
		}
		if r.AppointmentCount > 0 {
			assert.Equal(t, models.AppointmentMade, r.Classification)
		} else {
			assert.Equal(t, models.AppointmentIntention, r.Classification)
		}
	}
	assert.Len(t, seen, len(events))
}
