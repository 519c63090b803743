// Package seeder generates realistic booking webhook deliveries for local
// testing.
package seeder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/webhook"
)

var (
	treatments  = []string{"Knippen", "Kleuren", "Highlights", "Föhnen", "Permanent", "Baard trimmen", "Keratine behandeling"}
	campaigns   = []string{"instagram", "facebook", "google", "newsletter", "walk-in", ""}
	eventTypes  = []string{"intention", "booking.started", "appointment.created", "appointment.updated", "appointment.cancelled"}
	salonChains = []string{"Studio", "Salon", "Kapsalon", "Hair Lounge"}
)

// Generator produces deliveries for a fixed pool of customers so that the
// daily aggregation sees several events per email.
type Generator struct {
	faker     *gofakeit.Faker
	customers []webhook.Customer
	salons    []salon
}

type salon struct {
	id, name string
	stylists []stylist
}

type stylist struct {
	id, name string
}

// NewGenerator creates a deterministic generator for seed.
func NewGenerator(seed int64, customers int) *Generator {
	if customers < 1 {
		customers = 1
	}
	f := gofakeit.New(seed)
	g := &Generator{faker: f}

	for i := 0; i < customers; i++ {
		g.customers = append(g.customers, webhook.Customer{
			Email:     f.Email(),
			FirstName: f.FirstName(),
			LastName:  f.LastName(),
			Phone:     "+316" + f.Numerify("########"),
		})
	}
	for i := 0; i < 3; i++ {
		s := salon{
			id:   fmt.Sprintf("salon-%d", i+1),
			name: f.RandomString(salonChains) + " " + f.City(),
		}
		for j := 0; j < 3; j++ {
			s.stylists = append(s.stylists, stylist{id: f.UUID()[:8], name: f.FirstName()})
		}
		g.salons = append(g.salons, s)
	}
	return g
}

// Next returns one delivery occurring at ts.
func (g *Generator) Next(ts time.Time) *webhook.Payload {
	f := g.faker
	customer := g.customers[f.IntRange(0, len(g.customers)-1)]
	p := &webhook.Payload{
		EventType:      f.RandomString(eventTypes),
		Customer:       &customer,
		CampaignSource: f.RandomString(campaigns),
		Timestamp:      ts.UTC().Format(time.RFC3339),
	}
	if f.Bool() {
		isNew := f.Bool()
		p.IsNewClient = &isNew
	}

	if webhook.ClassifyKind(p.EventType) == models.KindAppointment || f.Bool() {
		s := g.salons[f.IntRange(0, len(g.salons)-1)]
		st := s.stylists[f.IntRange(0, len(s.stylists)-1)]
		price := float64(f.IntRange(25, 180))
		p.Appointment = &webhook.Appointment{
			AppointmentID: "apt-" + f.UUID()[:12],
			SalonID:       s.id,
			SalonName:     s.name,
			StylistID:     st.id,
			StylistName:   st.name,
			Treatment:     f.RandomString(treatments),
			Price:         &price,
			Date:          ts.Add(time.Duration(f.IntRange(1, 21)) * 24 * time.Hour).Truncate(time.Hour).Format(time.RFC3339),
		}
	}
	return p
}

// Sender posts deliveries to a running bridge, signing them when a secret is set.
type Sender struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewSender(url, secret string) *Sender {
	return &Sender{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts p and returns the response status text on success.
func (s *Sender) Send(ctx context.Context, p *webhook.Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Secret != "" {
		req.Header.Set(webhook.SignatureHeader, webhook.Sign(body, s.Secret))
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send delivery: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return "", fmt.Errorf("decode acknowledgement: %w", err)
	}
	return ack.Status, nil
}
