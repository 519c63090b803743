package klaviyo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// Operation names used in errors, logs and metrics.
const (
	OpUpsertProfile = "upsert_profile"
	OpAddToList     = "add_to_list"
	OpCreateEvent   = "create_event"
)

// DispatchResult describes what one Dispatch call did remotely.
type DispatchResult struct {
	ProfileID    string
	ListSkipped  bool
	EventCreated bool
	// Attempts holds the number of HTTP attempts per operation.
	Attempts map[string]int
}

// TotalAttempts sums the attempts over every operation.
func (r *DispatchResult) TotalAttempts() int {
	n := 0
	for _, a := range r.Attempts {
		n += a
	}
	return n
}

// Dispatch pushes one aggregated record: profile upsert, list membership and,
// in extended mode, a classified event. The result is returned even when an
// error stops the sequence so callers can report the attempts made.
func (c *Client) Dispatch(ctx context.Context, record *models.AggregatedRecord, mode models.SyncMode) (*DispatchResult, error) {
	res := &DispatchResult{Attempts: make(map[string]int)}
	log := c.logger.WithContext(ctx).With(logging.Email(record.Email))

	profileID, err := c.upsertProfile(ctx, record, mode, res)
	if err != nil {
		return res, err
	}
	res.ProfileID = profileID

	switch {
	case c.listID == "":
		res.ListSkipped = true
		log.Warn("no list configured, skipping list membership")
	case profileID == "":
		res.ListSkipped = true
		log.Warn("profile import returned no id, skipping list membership")
	default:
		if err := c.addToList(ctx, profileID, res); err != nil {
			return res, err
		}
	}

	if mode == models.ModeExtended {
		if err := c.createEvent(ctx, record, res); err != nil {
			return res, err
		}
		res.EventCreated = true
	}

	log.Debug("record dispatched",
		slog.String("profile_id", profileID),
		logging.EventCount(record.EventCount()),
	)
	return res, nil
}

func (c *Client) upsertProfile(ctx context.Context, record *models.AggregatedRecord, mode models.SyncMode, res *DispatchResult) (string, error) {
	body, attempts, err := c.do(ctx, OpUpsertProfile, http.MethodPost, "/profile-import", profileImportRequest(record, mode))
	res.Attempts[OpUpsertProfile] = attempts
	if err != nil {
		return "", err
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("%s: decode response: %w", OpUpsertProfile, err)
		}
	}
	return resp.Data.ID, nil
}

func (c *Client) addToList(ctx context.Context, profileID string, res *DispatchResult) error {
	path := "/lists/" + url.PathEscape(c.listID) + "/relationships/profiles"
	req := document{Data: []resource{{Type: "profile", ID: profileID}}}

	_, attempts, err := c.do(ctx, OpAddToList, http.MethodPost, path, req)
	res.Attempts[OpAddToList] = attempts
	return err
}

func (c *Client) createEvent(ctx context.Context, record *models.AggregatedRecord, res *DispatchResult) error {
	_, attempts, err := c.do(ctx, OpCreateEvent, http.MethodPost, "/events", eventRequest(record))
	res.Attempts[OpCreateEvent] = attempts
	return err
}

// JSON:API envelopes.
type document struct {
	Data interface{} `json:"data"`
}

type resource struct {
	Type       string      `json:"type"`
	ID         string      `json:"id,omitempty"`
	Attributes interface{} `json:"attributes,omitempty"`
}

type profileAttributes struct {
	Email       string                 `json:"email"`
	FirstName   string                 `json:"first_name,omitempty"`
	LastName    string                 `json:"last_name,omitempty"`
	PhoneNumber string                 `json:"phone_number,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

type eventAttributes struct {
	Metric     document               `json:"metric"`
	Profile    document               `json:"profile"`
	Properties map[string]interface{} `json:"properties"`
	Time       string                 `json:"time"`
}

func profileImportRequest(record *models.AggregatedRecord, mode models.SyncMode) document {
	p := record.Profile
	attrs := profileAttributes{
		Email:       record.Email,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		PhoneNumber: p.Phone,
	}

	if mode == models.ModeExtended {
		props := make(map[string]interface{})
		setString(props, "salon_id", p.SalonID)
		setString(props, "salon_name", p.SalonName)
		setString(props, "stylist_id", p.StylistID)
		setString(props, "stylist_name", p.StylistName)
		setString(props, "last_treatment", p.Treatment)
		setString(props, "campaign_source", p.CampaignSource)
		if p.IsNewClient != nil {
			props["is_new_client"] = *p.IsNewClient
		}
		if len(props) > 0 {
			attrs.Properties = props
		}
	}

	return document{Data: resource{Type: "profile", Attributes: attrs}}
}

func eventRequest(record *models.AggregatedRecord) document {
	p := record.Profile
	props := map[string]interface{}{
		"intention_count":   record.IntentionCount,
		"appointment_count": record.AppointmentCount,
	}
	setString(props, "salon_id", p.SalonID)
	setString(props, "salon_name", p.SalonName)
	setString(props, "stylist_id", p.StylistID)
	setString(props, "stylist_name", p.StylistName)
	setString(props, "treatment", p.Treatment)
	setString(props, "appointment_id", p.AppointmentID)
	setString(props, "appointment_date", p.AppointmentAt)
	setString(props, "campaign_source", p.CampaignSource)
	if p.Price != nil {
		props["price"] = *p.Price
	}

	return document{Data: resource{
		Type: "event",
		Attributes: eventAttributes{
			Metric: document{Data: resource{
				Type:       "metric",
				Attributes: map[string]string{"name": string(record.Classification)},
			}},
			Profile: document{Data: resource{
				Type:       "profile",
				Attributes: map[string]string{"email": record.Email},
			}},
			Properties: props,
			Time:       record.LastReceivedAt.UTC().Format(time.RFC3339),
		},
	}}
}

func setString(m map[string]interface{}, key, v string) {
	if v != "" {
		m[key] = v
	}
}
