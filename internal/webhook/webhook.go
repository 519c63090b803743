// Package webhook turns booking-platform webhook deliveries into buffer events.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// SignatureHeader carries "sha256=<hex HMAC-SHA256(body, secret)>".
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// ErrNoEmail means the delivery carries no recognizable customer email.
// Such deliveries are acknowledged and dropped.
var ErrNoEmail = errors.New("no customer email in payload")

type Customer struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
}

type Appointment struct {
	AppointmentID string   `json:"appointmentId"`
	SalonID       string   `json:"salonId"`
	SalonName     string   `json:"salonName"`
	StylistID     string   `json:"stylistId"`
	StylistName   string   `json:"stylistName"`
	Treatment     string   `json:"treatment"`
	Price         *float64 `json:"price,omitempty"`
	Date          string   `json:"date"`
}

// Payload is the documented delivery shape. Unknown shapes are still
// accepted; see Parse.
type Payload struct {
	EventType      string          `json:"eventType"`
	Customer       *Customer       `json:"customer,omitempty"`
	Appointment    *Appointment    `json:"appointment,omitempty"`
	CampaignSource string          `json:"campaignSource,omitempty"`
	IsNewClient    *bool           `json:"isNewClient,omitempty"`
	Timestamp      string          `json:"timestamp"`
	RawData        json.RawMessage `json:"rawData,omitempty"`
}

// Sign computes the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against body. An empty secret disables
// verification.
func VerifySignature(body []byte, header, secret string) bool {
	if secret == "" {
		return true
	}
	if header == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(strings.TrimSpace(header)))
}

// ClassifyKind maps a delivery's event type to a buffer event kind. Any
// appointment event that is not a cancellation counts as an appointment.
func ClassifyKind(eventType string) models.EventKind {
	t := strings.ToLower(eventType)
	if strings.Contains(t, "appointment") && !strings.Contains(t, "cancel") {
		return models.KindAppointment
	}
	return models.KindIntention
}

// Result is a parsed delivery.
type Result struct {
	Event *models.RawEvent
	// Lenient is true when the body did not match Payload and only the email
	// could be recovered.
	Lenient bool
}

// Parse decodes body into an unsaved RawEvent received at receivedAt.
//
// Invalid JSON yields a *models.ValidationError. JSON that does not match
// Payload is accepted as long as an email can be found somewhere in it.
// A body without any email yields ErrNoEmail.
func Parse(body []byte, receivedAt time.Time) (*Result, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &models.ValidationError{Field: "body", Reason: "invalid JSON"}
	}

	res := &Result{}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		p = Payload{}
		res.Lenient = true
	}

	email := ""
	if p.Customer != nil && strings.Contains(p.Customer.Email, "@") {
		email = p.Customer.Email
	}
	if email == "" {
		email = ExtractEmail(raw)
	}
	if email == "" {
		return res, ErrNoEmail
	}

	res.Event = &models.RawEvent{
		Email:      email,
		Kind:       ClassifyKind(p.EventType),
		Attributes: p.attributes(),
		RawPayload: body,
		ReceivedAt: receivedAt,
	}
	return res, nil
}

func (p *Payload) attributes() models.Attributes {
	a := models.Attributes{
		CampaignSource: p.CampaignSource,
		IsNewClient:    p.IsNewClient,
	}
	if c := p.Customer; c != nil {
		a.FirstName = strings.TrimSpace(c.FirstName)
		a.LastName = strings.TrimSpace(c.LastName)
		a.Phone = strings.TrimSpace(c.Phone)
	}
	if ap := p.Appointment; ap != nil {
		a.AppointmentID = ap.AppointmentID
		a.SalonID = ap.SalonID
		a.SalonName = ap.SalonName
		a.StylistID = ap.StylistID
		a.StylistName = ap.StylistName
		a.Treatment = ap.Treatment
		a.Price = ap.Price
		a.AppointmentAt = ap.Date
	}
	return a
}

// emailKeys are compared after lowercasing and dropping '-' and '_'.
var emailKeys = map[string]struct{}{
	"email":         {},
	"emailaddress":  {},
	"customeremail": {},
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "-", "")
	return strings.ReplaceAll(k, "_", "")
}

// ExtractEmail searches decoded JSON depth-first for the first string value
// under an email-like key (email, e-mail, emailAddress, email_address,
// customerEmail) that contains an '@'.
func ExtractEmail(v interface{}) string {
	switch node := v.(type) {
	case map[string]interface{}:
		// direct hits on this level win over nested ones
		for k, val := range node {
			if _, ok := emailKeys[normalizeKey(k)]; !ok {
				continue
			}
			if s, ok := val.(string); ok && strings.Contains(s, "@") {
				return strings.TrimSpace(s)
			}
		}
		for _, val := range node {
			if found := ExtractEmail(val); found != "" {
				return found
			}
		}
	case []interface{}:
		for _, val := range node {
			if found := ExtractEmail(val); found != "" {
				return found
			}
		}
	}
	return ""
}
