// Package dlq records messages that exhausted their retry budget or were
// permanently rejected downstream. The dead letter stream is the terminal
// disposition: once written here and acked, the pipeline is done with the
// message.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/relaymesh/webhook-relay/internal/envelope"
	"github.com/relaymesh/webhook-relay/internal/metrics"
)

// StreamName is the dead letter stream shared by all sources.
const StreamName = "RELAY_DLQ"

const subjectPrefix = "relay.dlq"

// Writer is the narrow interface the consumer depends on.
type Writer interface {
	Write(ctx context.Context, e *envelope.Envelope, lastStatus int, reason string) error
}

// FailedMessage is one dead-lettered entry.
type FailedMessage struct {
	Timestamp  time.Time          `json:"timestamp"`
	Envelope   *envelope.Envelope `json:"envelope"`
	LastStatus int                `json:"lastStatus,omitempty"`
	Reason     string             `json:"reason"`
	Attempts   int                `json:"attempts,omitempty"`
}

// JetStreamQueue writes failed messages to a dedicated JetStream stream.
// Safe for use across multiple relay instances.
type JetStreamQueue struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	written uint64
}

// New creates the dead letter queue, ensuring its stream exists.
func New(ctx context.Context, js jetstream.JetStream, retention time.Duration) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream context is nil")
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    retention,
	})
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	return &JetStreamQueue{js: js, stream: stream}, nil
}

// Write records a dead-lettered envelope. Subject format: relay.dlq.<source>.
func (q *JetStreamQueue) Write(ctx context.Context, e *envelope.Envelope, lastStatus int, reason string) error {
	if q == nil {
		return nil
	}

	failed := FailedMessage{
		Timestamp:  time.Now().UTC(),
		Envelope:   e,
		LastStatus: lastStatus,
		Reason:     reason,
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, e.Source)
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	atomic.AddUint64(&q.written, 1)
	metrics.DeadLettersTotal.Inc()
	slog.Warn("dead-letter",
		slog.String("event_id", e.ID),
		slog.String("dedup_key", e.DedupKey),
		slog.Int("last_status", lastStatus),
		slog.String("reason", reason),
	)
	return nil
}

// Stats returns dead letter depth for the control plane.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{"enabled": false}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]any{
			"enabled":       true,
			"written_local": atomic.LoadUint64(&q.written),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"written_local":  atomic.LoadUint64(&q.written),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
	}
}

// List returns up to limit dead-lettered messages, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedMessage, error) {
	if q == nil {
		return nil, fmt.Errorf("dlq not enabled")
	}
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: subjectPrefix + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []FailedMessage
	for msg := range msgs.Messages() {
		var failed FailedMessage
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			slog.Error("parse dlq message", slog.String("error", err.Error()))
			continue
		}
		out = append(out, failed)
	}
	return out, nil
}
