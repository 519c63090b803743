// Package messaging provides abstractions for publishing bridge notifications
// to a message broker without coupling callers to a specific broker.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message represents a message sent to a message broker.
type Message struct {
	// Subject is the topic the message is published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata contains optional key-value pairs for message headers.
	Metadata map[string]string

	// Timestamp is when the message was published.
	Timestamp time.Time
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a message to the specified subject (fire-and-forget).
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishMsg sends a Message with full control over headers.
	PublishMsg(ctx context.Context, msg *Message) error

	// Close releases any resources held by the publisher.
	Close() error
}

// PublishJSON marshals v and publishes it to subject.
func PublishJSON(ctx context.Context, p Publisher, subject string, v interface{}, opts ...PublishOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.headers) == 0 {
		return p.Publish(ctx, subject, data)
	}
	return p.PublishMsg(ctx, &Message{
		Subject:   subject,
		Data:      data,
		Metadata:  o.headers,
		Timestamp: time.Now().UTC(),
	})
}

// NopPublisher discards every message. Used when NATS is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NopPublisher) PublishMsg(context.Context, *Message) error    { return nil }
func (NopPublisher) Close() error                                  { return nil }

// PublishOption configures message publishing behavior.
type PublishOption func(*publishOptions)

type publishOptions struct {
	headers map[string]string
}

// WithHeader adds a header to the published message.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}
