package seeder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/salonhub/klaviyo-bridge/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)

func TestGenerator_Deterministic(t *testing.T) {
	a := NewGenerator(7, 5)
	b := NewGenerator(7, 5)
	for i := 0; i < 20; i++ {
		pa, pb := a.Next(ts), b.Next(ts)
		assert.Equal(t, pa.Customer.Email, pb.Customer.Email)
		assert.Equal(t, pa.EventType, pb.EventType)
	}
}

func TestGenerator_DeliveriesParse(t *testing.T) {
	g := NewGenerator(42, 4)
	emails := map[string]int{}
	for i := 0; i < 50; i++ {
		p := g.Next(ts)
		body, err := json.Marshal(p)
		require.NoError(t, err)

		res, err := webhook.Parse(body, ts)
		require.NoError(t, err)
		assert.False(t, res.Lenient)
		assert.Equal(t, webhook.ClassifyKind(p.EventType), res.Event.Kind)
		require.NoError(t, res.Event.Validate())
		emails[res.Event.Email]++

		if p.Appointment != nil {
			require.NotNil(t, res.Event.Attributes.Price)
			assert.NotEmpty(t, res.Event.Attributes.SalonName)
		}
	}
	assert.LessOrEqual(t, len(emails), 4, "customers come from a fixed pool")
}

func TestSender_SignsAndReadsAck(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(webhook.SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"status":"buffered","id":"x","type":"intention"}`))
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "s3cret")
	status, err := s.Send(context.Background(), NewGenerator(1, 1).Next(ts))
	require.NoError(t, err)
	assert.Equal(t, "buffered", status)
	assert.True(t, webhook.VerifySignature(gotBody, gotSig, "s3cret"))
}

func TestSender_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid signature"}`))
	}))
	defer srv.Close()

	_, err := NewSender(srv.URL, "").Send(context.Background(), NewGenerator(1, 1).Next(ts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
