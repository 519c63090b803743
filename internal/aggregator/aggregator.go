// Package aggregator folds buffered events into one update per customer.
package aggregator

import (
	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// Aggregate groups events by normalized email and reduces each group to one
// AggregatedRecord.
//
// events must be ordered by receipt time, oldest first, which is how the
// store returns them. Within a group the profile snapshot is a fold over that
// order: later non-empty fields win and empty fields never erase. Records are
// returned in order of each customer's first event. Events with an empty
// email are skipped; the store never holds such events.
func Aggregate(events []models.RawEvent) []models.AggregatedRecord {
	index := make(map[string]int)
	var records []models.AggregatedRecord

	for i := range events {
		e := &events[i]
		key := models.NormalizeEmail(e.Email)
		if key == "" {
			continue
		}

		pos, ok := index[key]
		if !ok {
			pos = len(records)
			index[key] = pos
			records = append(records, models.AggregatedRecord{
				Email:           key,
				FirstReceivedAt: e.ReceivedAt,
			})
		}
		fold(&records[pos], e)
	}

	for i := range records {
		records[i].Classification = Classify(records[i].AppointmentCount)
	}
	return records
}

func fold(r *models.AggregatedRecord, e *models.RawEvent) {
	r.Profile.Merge(e.Attributes)
	r.Profile.LastKind = e.Kind

	switch e.Kind {
	case models.KindAppointment:
		r.AppointmentCount++
	default:
		r.IntentionCount++
	}

	r.SourceEventIDs = append(r.SourceEventIDs, e.ID)
	if e.ReceivedAt.After(r.LastReceivedAt) {
		r.LastReceivedAt = e.ReceivedAt
	}
}

// Classify derives the outbound event kind from a group's appointment count.
func Classify(appointments int) models.Classification {
	if appointments > 0 {
		return models.AppointmentMade
	}
	return models.AppointmentIntention
}
