// Package models provides data models for the booking bridge.
package models

import (
	"strings"
	"time"
)

// EventKind distinguishes a booking intention from a confirmed appointment.
type EventKind string

const (
	KindIntention   EventKind = "intention"
	KindAppointment EventKind = "appointment"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return k == KindIntention || k == KindAppointment
}

// EventState is the processing state of a buffered event.
type EventState string

const (
	StateUnprocessed EventState = "unprocessed"
	StateProcessed   EventState = "processed"
)

// Classification is the outbound event kind derived for a customer group.
type Classification string

const (
	AppointmentMade      Classification = "appointmentMade"
	AppointmentIntention Classification = "appointmentIntention"
)

// SyncMode selects how much data is pushed to the marketing API.
type SyncMode string

const (
	// ModeSimple upserts the profile and list membership only.
	ModeSimple SyncMode = "simple"
	// ModeExtended also attaches custom properties and emits a classified event.
	ModeExtended SyncMode = "extended"
)

// ParseSyncMode converts a configured mode string to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch SyncMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSimple:
		return ModeSimple, nil
	case ModeExtended:
		return ModeExtended, nil
	default:
		return "", &ValidationError{Field: "mode", Reason: "must be simple or extended, got " + s}
	}
}

// EventID identifies a buffered event.
type EventID string

// Attributes are the customer and booking details carried by one event.
// Empty strings and nil pointers mean "not provided".
type Attributes struct {
	FirstName      string   `json:"first_name,omitempty"`
	LastName       string   `json:"last_name,omitempty"`
	Phone          string   `json:"phone,omitempty"`
	SalonID        string   `json:"salon_id,omitempty"`
	SalonName      string   `json:"salon_name,omitempty"`
	StylistID      string   `json:"stylist_id,omitempty"`
	StylistName    string   `json:"stylist_name,omitempty"`
	Treatment      string   `json:"treatment,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	AppointmentID  string   `json:"appointment_id,omitempty"`
	AppointmentAt  string   `json:"appointment_date,omitempty"`
	CampaignSource string   `json:"campaign_source,omitempty"`
	IsNewClient    *bool    `json:"is_new_client,omitempty"`
}

// DisplayName joins first and last name.
func (a Attributes) DisplayName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// RawEvent is one inbound booking notification as stored in the buffer.
type RawEvent struct {
	ID            EventID    `json:"id"`
	Email         string     `json:"email"`
	Kind          EventKind  `json:"kind"`
	Attributes    Attributes `json:"attributes"`
	RawPayload    []byte     `json:"-"`
	ReceivedAt    time.Time  `json:"received_at"`
	State         EventState `json:"state"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Validate checks the fields required before an event may be appended.
func (e *RawEvent) Validate() error {
	if NormalizeEmail(e.Email) == "" {
		return &ValidationError{Field: "email", Reason: "required"}
	}
	if !strings.Contains(e.Email, "@") {
		return &ValidationError{Field: "email", Reason: "not an email address"}
	}
	if !e.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(e.Kind)}
	}
	if e.ReceivedAt.IsZero() {
		return &ValidationError{Field: "received_at", Reason: "required"}
	}
	return nil
}

// NormalizeEmail lowercases and trims an email so it can be used as a group key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BufferStats counts buffered events by state.
type BufferStats struct {
	Total       int64 `json:"total"`
	Unprocessed int64 `json:"unprocessed"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
}
