package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/common/messaging"
	"github.com/salonhub/klaviyo-bridge/common/messaging/nats"
	"github.com/salonhub/klaviyo-bridge/internal/metrics"
)

// JetStreamQueue writes dead-letter entries to a NATS JetStream stream.
// Safe for use across multiple bridge replicas.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	logger  *logging.Logger
	written uint64
}

// NewJetStreamQueue ensures the DLQ stream exists and returns a writer for it.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("DLQ stream ready", "stream", nats.DLQStream.Name)

	return &JetStreamQueue{
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

// Write publishes entry and waits for the stream acknowledgment.
func (q *JetStreamQueue) Write(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	msg := &messaging.Message{
		Subject:  messaging.DLQSubject(entry.Reason),
		Data:     data,
		Metadata: map[string]string{messaging.HeaderCycleID: entry.CycleID},
	}
	if _, err := q.js.PublishSync(ctx, msg); err != nil {
		metrics.DLQErrors.Inc()
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DLQPublished.Inc()

	email := ""
	if entry.Record != nil {
		email = entry.Record.Email
	}
	q.logger.InfoContext(ctx, "dead-lettered customer group",
		logging.Email(email),
		logging.CycleID(entry.CycleID),
		"reason", entry.Reason,
	)
	return nil
}

// Stats returns DLQ metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}
