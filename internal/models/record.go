package models

import "time"

// ProfileSnapshot is the merged view of a customer's attributes within one group.
type ProfileSnapshot struct {
	Attributes
	LastKind EventKind `json:"last_kind,omitempty"`
}

// Merge overlays the non-empty fields of attrs onto the snapshot.
// Empty fields never erase a value taken from an earlier event.
func (s *ProfileSnapshot) Merge(attrs Attributes) {
	overlay(&s.FirstName, attrs.FirstName)
	overlay(&s.LastName, attrs.LastName)
	overlay(&s.Phone, attrs.Phone)
	overlay(&s.SalonID, attrs.SalonID)
	overlay(&s.SalonName, attrs.SalonName)
	overlay(&s.StylistID, attrs.StylistID)
	overlay(&s.StylistName, attrs.StylistName)
	overlay(&s.Treatment, attrs.Treatment)
	overlay(&s.AppointmentID, attrs.AppointmentID)
	overlay(&s.AppointmentAt, attrs.AppointmentAt)
	overlay(&s.CampaignSource, attrs.CampaignSource)
	if attrs.Price != nil {
		p := *attrs.Price
		s.Price = &p
	}
	if attrs.IsNewClient != nil {
		b := *attrs.IsNewClient
		s.IsNewClient = &b
	}
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// AggregatedRecord is the per-customer update built for one sync cycle.
// It is never persisted.
type AggregatedRecord struct {
	Email            string          `json:"email"`
	Profile          ProfileSnapshot `json:"profile"`
	AppointmentCount int             `json:"appointment_count"`
	IntentionCount   int             `json:"intention_count"`
	Classification   Classification  `json:"classification"`
	SourceEventIDs   []EventID       `json:"source_event_ids"`
	FirstReceivedAt  time.Time       `json:"first_received_at"`
	LastReceivedAt   time.Time       `json:"last_received_at"`
}

// EventCount is the number of raw events folded into the record.
func (r *AggregatedRecord) EventCount() int {
	return r.AppointmentCount + r.IntentionCount
}
